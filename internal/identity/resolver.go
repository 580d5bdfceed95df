// Package identity maps stable account ids to routing-safe pseudonymous
// agent ids. Agent ids are used for routing and metadata only; they are
// never secrets.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

const agentIDLength = 32

var ErrInvalidUserID = errors.New("user id is required")

// Resolver resolves the agent id for a user.
type Resolver interface {
	ResolveAgentID(ctx context.Context, userID string) (string, error)
}

// HMACResolver derives agent ids as a keyed hash of the user id, so the
// mapping is stable across devices sharing the routing salt but cannot be
// inverted by the notification bus.
type HMACResolver struct {
	salt []byte

	mu    sync.RWMutex
	cache map[string]string
}

// NewHMACResolver creates a resolver keyed with routingSalt.
func NewHMACResolver(routingSalt []byte) *HMACResolver {
	return &HMACResolver{
		salt:  append([]byte(nil), routingSalt...),
		cache: make(map[string]string),
	}
}

// ResolveAgentID returns the agent id for userID.
func (r *HMACResolver) ResolveAgentID(_ context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrInvalidUserID
	}

	r.mu.RLock()
	agentID, ok := r.cache[userID]
	r.mu.RUnlock()
	if ok {
		return agentID, nil
	}

	mac := hmac.New(sha256.New, r.salt)
	mac.Write([]byte(userID))
	agentID = hex.EncodeToString(mac.Sum(nil))[:agentIDLength]

	r.mu.Lock()
	r.cache[userID] = agentID
	r.mu.Unlock()

	return agentID, nil
}
