// Package keydir is the backend directory through which prekey bundles,
// sender key shares, key epoch claims and membership eligibility markers
// are exchanged. It only ever holds public or pairwise-encrypted material.
package keydir

import (
	"context"
	"errors"
	"time"

	"github.com/mesmerverse/securechat/internal/model"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("key directory unavailable")
	// ErrClaimLost means the caller no longer holds the epoch claim it tried
	// to activate.
	ErrClaimLost = errors.New("epoch claim lost")
)

// Directory is the key distribution backend.
type Directory interface {
	PublishBundle(ctx context.Context, bundle model.PrekeyBundle) error
	Bundle(ctx context.Context, userID string) (*model.PrekeyBundle, error)

	// ClaimEpoch reserves keyID for a community for the lease duration. At
	// most one claimant holds an unexpired claim; the holder claiming again
	// renews the lease. A lapsed claim can be taken by anyone.
	ClaimEpoch(ctx context.Context, communityID string, keyID int64, claimant string, lease time.Duration) (bool, error)
	// ActivateEpoch publishes shares and raises the active key id to keyID
	// in one step while claimant still holds the claim. Otherwise it returns
	// ErrClaimLost and changes nothing. The active key id never decreases.
	ActivateEpoch(ctx context.Context, communityID string, keyID int64, claimant string, shares []model.KeyShare) error
	// ActiveKeyID returns 0 when the community has no key yet.
	ActiveKeyID(ctx context.Context, communityID string) (int64, error)

	PutShares(ctx context.Context, shares []model.KeyShare) error
	GetShare(ctx context.Context, communityID string, keyID int64, userID string) (*model.KeyShare, error)

	UpsertMarker(ctx context.Context, marker model.MembershipMarker) error
	Marker(ctx context.Context, communityID, userID string) (*model.MembershipMarker, error)
}
