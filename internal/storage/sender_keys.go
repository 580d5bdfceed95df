package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/mesmerverse/securechat/internal/model"
)

// PutSenderKey stores a sender key epoch. Epochs are append-only: storing an
// epoch that already exists leaves the original untouched and reports
// whether this call inserted it.
func (s *Store) PutSenderKey(ctx context.Context, key *model.SenderKey) (bool, error) {
	if key == nil || key.CommunityID == "" || key.KeyID <= 0 || len(key.Key) == 0 {
		return false, fmt.Errorf("%w: sender key needs community, positive key id and material", ErrInvalidInput)
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	sealed, err := s.seal(senderKeysInfo, key.Key, senderKeyAD(key.CommunityID, key.KeyID))
	if err != nil {
		return false, fmt.Errorf("failed to encrypt sender key: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sender_keys (community_id, key_id, key_material, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(community_id, key_id) DO NOTHING
	`, key.CommunityID, key.KeyID, sealed, key.CreatedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to store sender key: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to confirm sender key write: %w", err)
	}
	return n > 0, nil
}

// GetSenderKey returns a specific epoch, or ErrNotFound.
func (s *Store) GetSenderKey(ctx context.Context, communityID string, keyID int64) (*model.SenderKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT community_id, key_id, key_material, created_at
		FROM sender_keys WHERE community_id = ? AND key_id = ?
	`, communityID, keyID)
	return s.scanSenderKey(row)
}

// LatestSenderKey returns the highest epoch held for the community, or ErrNotFound.
func (s *Store) LatestSenderKey(ctx context.Context, communityID string) (*model.SenderKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT community_id, key_id, key_material, created_at
		FROM sender_keys WHERE community_id = ?
		ORDER BY key_id DESC LIMIT 1
	`, communityID)
	return s.scanSenderKey(row)
}

// ListSenderKeys returns every held epoch for the community, oldest first.
func (s *Store) ListSenderKeys(ctx context.Context, communityID string) ([]model.SenderKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT community_id, key_id, key_material, created_at
		FROM sender_keys WHERE community_id = ?
		ORDER BY key_id ASC
	`, communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sender keys: %w", err)
	}
	defer rows.Close()

	var keys []model.SenderKey
	for rows.Next() {
		k, err := s.scanSenderKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sender keys: %w", err)
	}
	return keys, nil
}

func (s *Store) scanSenderKey(row rowScanner) (*model.SenderKey, error) {
	var (
		k         model.SenderKey
		sealed    []byte
		createdAt int64
	)
	err := row.Scan(&k.CommunityID, &k.KeyID, &sealed, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sender key: %w", err)
	}

	k.Key, err = s.open(senderKeysInfo, sealed, senderKeyAD(k.CommunityID, k.KeyID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt sender key: %w", err)
	}
	k.CreatedAt = time.Unix(0, createdAt).UTC()
	return &k, nil
}

func senderKeyAD(communityID string, keyID int64) []byte {
	return []byte(communityID + "/" + strconv.FormatInt(keyID, 10))
}
