package keydir

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mesmerverse/securechat/internal/model"
)

// Memory is an in-process Directory for development mode and tests.
type Memory struct {
	mu      sync.RWMutex
	online  bool
	bundles map[string]model.PrekeyBundle
	claims  map[string]epochClaim
	active  map[string]int64
	shares  map[string]model.KeyShare
	markers map[string]model.MembershipMarker
	now     func() time.Time
}

type epochClaim struct {
	owner   string
	expires time.Time
}

// NewMemory creates an empty, online directory.
func NewMemory() *Memory {
	return &Memory{
		online:  true,
		bundles: make(map[string]model.PrekeyBundle),
		claims:  make(map[string]epochClaim),
		active:  make(map[string]int64),
		shares:  make(map[string]model.KeyShare),
		markers: make(map[string]model.MembershipMarker),
		now:     time.Now,
	}
}

// SetOnline simulates the directory becoming reachable or unreachable.
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
}

func (m *Memory) check() error {
	if !m.online {
		return ErrUnavailable
	}
	return nil
}

func epochKey(communityID string, keyID int64) string {
	return fmt.Sprintf("%s/%d", communityID, keyID)
}

func shareKey(communityID string, keyID int64, userID string) string {
	return fmt.Sprintf("%s/%d/%s", communityID, keyID, userID)
}

func (m *Memory) PublishBundle(_ context.Context, bundle model.PrekeyBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.bundles[bundle.UserID] = bundle
	return nil
}

func (m *Memory) Bundle(_ context.Context, userID string) (*model.PrekeyBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	b, ok := m.bundles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (m *Memory) ClaimEpoch(_ context.Context, communityID string, keyID int64, claimant string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	k := epochKey(communityID, keyID)
	now := m.now()
	if c, taken := m.claims[k]; taken && c.owner != claimant && now.Before(c.expires) {
		return false, nil
	}
	m.claims[k] = epochClaim{owner: claimant, expires: now.Add(lease)}
	return true, nil
}

func (m *Memory) ActivateEpoch(_ context.Context, communityID string, keyID int64, claimant string, shares []model.KeyShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	c, ok := m.claims[epochKey(communityID, keyID)]
	if !ok || c.owner != claimant || !m.now().Before(c.expires) || m.active[communityID] > keyID {
		return ErrClaimLost
	}
	for _, s := range shares {
		m.shares[shareKey(s.CommunityID, s.KeyID, s.RecipientID)] = s
	}
	m.active[communityID] = keyID
	return nil
}

func (m *Memory) ActiveKeyID(_ context.Context, communityID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	return m.active[communityID], nil
}

func (m *Memory) PutShares(_ context.Context, shares []model.KeyShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for _, s := range shares {
		m.shares[shareKey(s.CommunityID, s.KeyID, s.RecipientID)] = s
	}
	return nil
}

func (m *Memory) GetShare(_ context.Context, communityID string, keyID int64, userID string) (*model.KeyShare, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	s, ok := m.shares[shareKey(communityID, keyID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) UpsertMarker(_ context.Context, marker model.MembershipMarker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.markers[marker.CommunityID+"/"+marker.UserID] = marker
	return nil
}

func (m *Memory) Marker(_ context.Context, communityID, userID string) (*model.MembershipMarker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	mk, ok := m.markers[communityID+"/"+userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &mk, nil
}
