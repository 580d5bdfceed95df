package storage

import (
	"context"
	"fmt"
	"time"
)

// RejectedRetention bounds how long policy rejections are remembered.
const RejectedRetention = 24 * time.Hour

// MarkRejected remembers that messageID failed transport policy.
func (s *Store) MarkRejected(ctx context.Context, messageID, reason string) error {
	if messageID == "" {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO rejected_messages (message_id, reason, rejected_at)
		VALUES (?, ?, ?)
	`, messageID, reason, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to mark message rejected: %w", err)
	}
	return nil
}

// IsRejected reports whether messageID was rejected within the retention window.
func (s *Store) IsRejected(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rejected_messages WHERE message_id = ?
	`, messageID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check rejected message: %w", err)
	}
	return count > 0, nil
}

// CleanupRejected removes rejections older than the retention window.
// Should be called periodically to prevent unbounded growth.
func (s *Store) CleanupRejected(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-RejectedRetention).UnixNano()
	result, err := s.db.ExecContext(ctx, `DELETE FROM rejected_messages WHERE rejected_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup rejected messages: %w", err)
	}

	deleted, _ := result.RowsAffected()
	return deleted, nil
}
