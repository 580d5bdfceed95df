// Package storage provides the local encrypted store: the per-conversation
// message log, the outbox queue and the sender-key vault, all in one SQLite
// database. Message bodies and key material are sealed with
// XChaCha20-Poly1305 before they are written; metadata needed for lookups
// (ids, chat id, timestamps) stays in plaintext columns.
package storage

import (
	"container/list"
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	_ "modernc.org/sqlite"
)

const (
	MasterKeySize = 32

	atRestSalt     = "securechat-at-rest-v1"
	senderKeysInfo = "securechat-sender-keys"
	stateInfo      = "securechat-session-state"

	// cipherCacheCapacity bounds the derived per-conversation ciphers kept
	// in memory. An evicted cipher is derived again on next use.
	cipherCacheCapacity = 256
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicate    = errors.New("message already stored")
	ErrInvalidInput = errors.New("invalid input")
)

// Store is the single source of truth for "did we ever see this message".
// One Store is owned by one subsystem instance per user session.
type Store struct {
	db        *sql.DB
	masterKey []byte
	path      string

	mu      sync.Mutex
	aeads   map[string]*list.Element
	lru     *list.List
	maxAEAD int
}

type cachedAEAD struct {
	info string
	aead cipher.AEAD
}

// Open opens (or creates) the store at path. Use ":memory:" for an
// ephemeral database.
func Open(path string, masterKey []byte) (*Store, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes", MasterKeySize)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// One connection: SQLite has a single writer, and each connection to
	// ":memory:" would otherwise see its own empty database.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	if path != ":memory:" {
		// Save must be durable before it returns.
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=FULL")
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:        db,
		masterKey: append([]byte(nil), masterKey...),
		path:      path,
		aeads:     make(map[string]*list.Element),
		lru:       list.New(),
		maxAEAD:   cipherCacheCapacity,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	-- Per-conversation append log. body is sealed with the conversation key.
	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL DEFAULT '',
		community_id TEXT NOT NULL DEFAULT '',
		body BLOB NOT NULL,
		timestamp INTEGER NOT NULL,
		read_flag INTEGER NOT NULL DEFAULT 0,
		stored_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, timestamp DESC, message_id DESC);

	-- Sends pending transport. References messages; never holds plaintext.
	CREATE TABLE IF NOT EXISTS outbox (
		message_id TEXT PRIMARY KEY REFERENCES messages(message_id),
		sender_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL DEFAULT '',
		community_id TEXT NOT NULL DEFAULT '',
		enqueued_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at INTEGER,
		last_error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_order ON outbox(enqueued_at, message_id);

	-- Sender key epochs. Append-only: rows are never updated or deleted.
	CREATE TABLE IF NOT EXISTS sender_keys (
		community_id TEXT NOT NULL,
		key_id INTEGER NOT NULL,
		key_material BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (community_id, key_id)
	);

	-- Message ids rejected by transport policy, so replayed notifies are dropped
	-- without another fetch.
	CREATE TABLE IF NOT EXISTS rejected_messages (
		message_id TEXT PRIMARY KEY,
		reason TEXT NOT NULL,
		rejected_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rejected_cleanup ON rejected_messages(rejected_at);

	-- Small sealed key-value records owned by the session (pairwise identity).
	CREATE TABLE IF NOT EXISTS session_state (
		state_key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// aead returns the cipher for the given derivation label.
// Conversation keys depend only on the master key and the chat id; they are
// unrelated to any transport key.
func (s *Store) aead(info string) (cipher.AEAD, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.aeads[info]; ok {
		s.lru.MoveToFront(el)
		return el.Value.(*cachedAEAD).aead, nil
	}

	key := make([]byte, chacha20poly1305.KeySize)
	reader := hkdf.New(sha256.New, s.masterKey, []byte(atRestSalt), []byte(info))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	s.aeads[info] = s.lru.PushFront(&cachedAEAD{info: info, aead: a})
	for s.lru.Len() > s.maxAEAD {
		oldest := s.lru.Back()
		s.lru.Remove(oldest)
		delete(s.aeads, oldest.Value.(*cachedAEAD).info)
	}
	return a, nil
}

func (s *Store) seal(info string, plaintext, ad []byte) ([]byte, error) {
	a, err := s.aead(info)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, a.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return a.Seal(nonce, nonce, plaintext, ad), nil
}

func (s *Store) open(info string, sealed, ad []byte) ([]byte, error) {
	a, err := s.aead(info)
	if err != nil {
		return nil, err
	}

	nonceSize := a.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	return a.Open(nil, sealed[:nonceSize], sealed[nonceSize:], ad)
}

func conversationInfo(chatID string) string {
	return "conversation:" + chatID
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
