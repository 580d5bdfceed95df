package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mesmerverse/securechat/internal/model"
)

// Save persists msg with its body sealed under the conversation key.
// Returns ErrDuplicate if the message id is already stored. The write is
// durable when Save returns.
func (s *Store) Save(ctx context.Context, msg *model.Message) error {
	if msg == nil || msg.MessageID == "" || msg.ChatID == "" || msg.SenderID == "" {
		return fmt.Errorf("%w: message id, chat id and sender are required", ErrInvalidInput)
	}

	sealed, err := s.seal(conversationInfo(msg.ChatID), msg.Body, []byte(msg.MessageID))
	if err != nil {
		return fmt.Errorf("failed to encrypt message: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, chat_id, sender_id, recipient_id, community_id, body, timestamp, read_flag, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`, msg.MessageID, msg.ChatID, msg.SenderID, msg.RecipientID, msg.CommunityID,
		sealed, msg.Timestamp.UnixNano(), boolToInt(msg.Read), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to confirm message write: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// Get returns the message with the given id, decrypted.
func (s *Store) Get(ctx context.Context, messageID string) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, chat_id, sender_id, recipient_id, community_id, body, timestamp, read_flag
		FROM messages WHERE message_id = ?
	`, messageID)

	msg, err := s.scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// Exists reports whether the message id has ever been stored.
func (s *Store) Exists(ctx context.Context, messageID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE message_id = ?`, messageID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check message: %w", err)
	}
	return count > 0, nil
}

// QueryByChat returns the chat's messages most-recent-first. A limit of
// zero or less returns all of them.
func (s *Store) QueryByChat(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, chat_id, sender_id, recipient_id, community_id, body, timestamp, read_flag
		FROM messages
		WHERE chat_id = ?
		ORDER BY timestamp DESC, message_id DESC
		LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		msg, err := s.scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// MarkRead sets the read flag, the only mutable field of a stored message.
func (s *Store) MarkRead(ctx context.Context, messageID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE messages SET read_flag = 1 WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to confirm read flag: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanMessage(row rowScanner) (*model.Message, error) {
	var (
		msg    model.Message
		sealed []byte
		ts     int64
		read   int
	)
	if err := row.Scan(&msg.MessageID, &msg.ChatID, &msg.SenderID, &msg.RecipientID,
		&msg.CommunityID, &sealed, &ts, &read); err != nil {
		return nil, err
	}

	body, err := s.open(conversationInfo(msg.ChatID), sealed, []byte(msg.MessageID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt message %s: %w", msg.MessageID, err)
	}
	msg.Body = body
	msg.Timestamp = time.Unix(0, ts).UTC()
	msg.Read = read == 1
	return &msg, nil
}
