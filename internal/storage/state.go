package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PutState stores or replaces a sealed session record.
func (s *Store) PutState(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("%w: state key is required", ErrInvalidInput)
	}

	sealed, err := s.seal(stateInfo, value, []byte(key))
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_state (state_key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(state_key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, sealed, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store state: %w", err)
	}
	return nil
}

// GetState returns the record stored under key, or ErrNotFound.
func (s *Store) GetState(ctx context.Context, key string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM session_state WHERE state_key = ?`, key).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}

	value, err := s.open(stateInfo, sealed, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state: %w", err)
	}
	return value, nil
}
