package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mesmerverse/securechat/internal/model"
)

// Store is the local encrypted store the service owns.
type Store interface {
	Save(ctx context.Context, msg *model.Message) error
	Get(ctx context.Context, messageID string) (*model.Message, error)
	Exists(ctx context.Context, messageID string) (bool, error)
	QueryByChat(ctx context.Context, chatID string, limit int) ([]model.Message, error)
	MarkRead(ctx context.Context, messageID string) error

	EnqueueOutbox(ctx context.Context, entry model.OutboxEntry) error
	ListOutbox(ctx context.Context, limit int) ([]model.OutboxEntry, error)
	RecordOutboxAttempt(ctx context.Context, messageID string, attemptErr error) error
	RemoveOutbox(ctx context.Context, messageID string) error
	IsQueued(ctx context.Context, messageID string) (bool, error)
	OutboxDepth(ctx context.Context) (int, error)

	MarkRejected(ctx context.Context, messageID, reason string) error
	IsRejected(ctx context.Context, messageID string) (bool, error)
	CleanupRejected(ctx context.Context) (int64, error)
}

// KeyManager resolves community sender keys.
type KeyManager interface {
	GetOrEstablishKey(ctx context.Context, communityID, requesterID string, memberIDs []string) (*model.SenderKey, error)
	Rotate(ctx context.Context, communityID, requesterID string, memberIDs []string) (*model.SenderKey, error)
	EnsureCurrentKeyAndMembership(ctx context.Context, communityID, userID string) (int64, error)
	GetKeyForMessage(ctx context.Context, communityID, userID string, keyID int64) (*model.SenderKey, error)
	RefreshLoop(ctx context.Context, interval time.Duration, communities func() []string, onRefresh func(communityID string, keyID int64))
}

// Members lists the current members of a community. Membership rules live
// outside this subsystem.
type Members interface {
	Members(ctx context.Context, communityID string) ([]string, error)
}

// StaticMembers is a Members backed by an in-memory table.
type StaticMembers struct {
	mu      sync.RWMutex
	members map[string][]string
}

// NewStaticMembers creates an empty membership table.
func NewStaticMembers() *StaticMembers {
	return &StaticMembers{members: make(map[string][]string)}
}

// Set replaces the member list of a community.
func (m *StaticMembers) Set(communityID string, memberIDs ...string) {
	ids := append([]string(nil), memberIDs...)
	sort.Strings(ids)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[communityID] = ids
}

// Add appends a member if not already present.
func (m *StaticMembers) Add(communityID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.members[communityID] {
		if id == userID {
			return
		}
	}
	m.members[communityID] = append(m.members[communityID], userID)
	sort.Strings(m.members[communityID])
}

func (m *StaticMembers) Members(_ context.Context, communityID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.members[communityID]...), nil
}
