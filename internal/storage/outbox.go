package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mesmerverse/securechat/internal/model"
)

// EnqueueOutbox records a send pending transport. Enqueueing an id that is
// already queued keeps the original entry.
func (s *Store) EnqueueOutbox(ctx context.Context, entry model.OutboxEntry) error {
	if entry.MessageID == "" || entry.SenderID == "" {
		return fmt.Errorf("%w: outbox entry needs message id and sender", ErrInvalidInput)
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (message_id, sender_id, recipient_id, community_id, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`, entry.MessageID, entry.SenderID, entry.RecipientID, entry.CommunityID, entry.EnqueuedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox entry: %w", err)
	}
	return nil
}

// ListOutbox returns queued entries, oldest first. A limit of zero or less
// returns all of them.
func (s *Store) ListOutbox(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, sender_id, recipient_id, community_id, enqueued_at, attempts, last_attempt_at, last_error
		FROM outbox
		ORDER BY enqueued_at ASC, message_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()

	var entries []model.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox: %w", err)
	}
	return entries, nil
}

// GetOutbox returns the queued entry for messageID.
func (s *Store) GetOutbox(ctx context.Context, messageID string) (*model.OutboxEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, sender_id, recipient_id, community_id, enqueued_at, attempts, last_attempt_at, last_error
		FROM outbox WHERE message_id = ?
	`, messageID)

	e, err := scanOutbox(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox entry: %w", err)
	}
	return e, nil
}

func scanOutbox(row rowScanner) (*model.OutboxEntry, error) {
	var (
		e           model.OutboxEntry
		enqueuedAt  int64
		lastAttempt sql.NullInt64
	)
	if err := row.Scan(&e.MessageID, &e.SenderID, &e.RecipientID, &e.CommunityID,
		&enqueuedAt, &e.Attempts, &lastAttempt, &e.LastError); err != nil {
		return nil, err
	}
	e.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
	if lastAttempt.Valid {
		e.LastAttemptAt = time.Unix(0, lastAttempt.Int64).UTC()
	}
	return &e, nil
}

// RecordOutboxAttempt notes a failed publish attempt for the entry.
func (s *Store) RecordOutboxAttempt(ctx context.Context, messageID string, attemptErr error) error {
	reason := ""
	if attemptErr != nil {
		reason = attemptErr.Error()
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1, last_attempt_at = ?, last_error = ?
		WHERE message_id = ?
	`, time.Now().UnixNano(), reason, messageID)
	if err != nil {
		return fmt.Errorf("failed to record outbox attempt: %w", err)
	}
	return nil
}

// RemoveOutbox drops the entry after a successful publish.
func (s *Store) RemoveOutbox(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("failed to remove outbox entry: %w", err)
	}
	return nil
}

// IsQueued reports whether messageID is waiting in the outbox.
func (s *Store) IsQueued(ctx context.Context, messageID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE message_id = ?`, messageID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check outbox: %w", err)
	}
	return count > 0, nil
}

// OutboxDepth returns the number of queued sends.
func (s *Store) OutboxDepth(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return count, nil
}
