// Package groupkeys manages community sender keys: establishment, rotation,
// pairwise distribution of key shares, and resolution of historical epochs.
package groupkeys

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/mesmerverse/securechat/internal/keydir"
	"github.com/mesmerverse/securechat/internal/model"
	"github.com/mesmerverse/securechat/internal/pairwise"
	"github.com/mesmerverse/securechat/internal/storage"
)

const (
	DefaultCacheTTL      = time.Hour
	DefaultEstablishWait = 5 * time.Second
	// DefaultClaimLease is shorter than DefaultEstablishWait so waiters can
	// take over an abandoned claim within one call.
	DefaultClaimLease = 2 * time.Second

	establishPollInterval = 50 * time.Millisecond
)

var (
	// ErrKeyResolution means a key epoch could not be resolved even after a refresh.
	ErrKeyResolution = errors.New("key resolution failed")
	ErrInvalidInput  = errors.New("invalid input")
)

// KeyVault is the local, append-only sender key store.
type KeyVault interface {
	PutSenderKey(ctx context.Context, key *model.SenderKey) (bool, error)
	GetSenderKey(ctx context.Context, communityID string, keyID int64) (*model.SenderKey, error)
	LatestSenderKey(ctx context.Context, communityID string) (*model.SenderKey, error)
}

// Config holds the collaborators of a Manager.
type Config struct {
	UserID string
	// DeviceID tells this session's epoch claims apart from other devices
	// of the same user. A random id is used when empty.
	DeviceID      string
	Vault         KeyVault
	Pairwise      pairwise.Encryptor
	Directory     keydir.Directory
	CacheTTL      time.Duration
	EstablishWait time.Duration
	ClaimLease    time.Duration
	Now           func() time.Time
}

// Manager owns the sender keys of one user session.
type Manager struct {
	userID        string
	claimant      string
	vault         KeyVault
	pairwise      pairwise.Encryptor
	dir           keydir.Directory
	registry      *Registry
	establishWait time.Duration
	claimLease    time.Duration
	now           func() time.Time

	flight singleflight.Group
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.UserID == "" || cfg.Vault == nil || cfg.Pairwise == nil || cfg.Directory == nil {
		return nil, fmt.Errorf("%w: user id, vault, pairwise encryptor and directory are required", ErrInvalidInput)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.EstablishWait <= 0 {
		cfg.EstablishWait = DefaultEstablishWait
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = DefaultClaimLease
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	registry := NewRegistry(DefaultRegistryCapacity, cfg.CacheTTL)
	registry.now = cfg.Now

	return &Manager{
		userID:        cfg.UserID,
		claimant:      cfg.UserID + "/" + cfg.DeviceID,
		vault:         cfg.Vault,
		pairwise:      cfg.Pairwise,
		dir:           cfg.Directory,
		registry:      registry,
		establishWait: cfg.EstablishWait,
		claimLease:    cfg.ClaimLease,
		now:           cfg.Now,
	}, nil
}

// Registry exposes the key registry for eviction.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// keyResult is what a community's key flight produces. Get and rotate calls
// share one flight per community, so a rotation that joined a get flight
// can tell it still has to run.
type keyResult struct {
	key     *model.SenderKey
	rotated bool
}

func flightKey(communityID string) string {
	return "key:" + communityID
}

// GetOrEstablishKey returns the community's active sender key, creating and
// distributing epoch 1 if the community has none. The directory is asked for
// the active epoch on every call, so a rotation made by another device is
// picked up by the next send. Concurrent callers for the same community share
// one flight.
func (m *Manager) GetOrEstablishKey(ctx context.Context, communityID, requesterID string, memberIDs []string) (*model.SenderKey, error) {
	if communityID == "" || requesterID == "" {
		return nil, fmt.Errorf("%w: community and requester are required", ErrInvalidInput)
	}

	v, err, _ := m.flight.Do(flightKey(communityID), func() (interface{}, error) {
		active, err := m.dir.ActiveKeyID(ctx, communityID)
		if err != nil {
			key, lerr := m.offlineKey(ctx, communityID)
			if lerr != nil {
				return nil, fmt.Errorf("failed to read active epoch: %w", err)
			}
			log.Debug().Err(err).Str("community_id", communityID).Int64("key_id", key.KeyID).
				Msg("Directory unavailable, using latest local sender key")
			return keyResult{key: key}, nil
		}

		if active > 0 {
			m.registry.SetActive(communityID, active)
			key, err := m.resolve(ctx, communityID, requesterID, active)
			return keyResult{key: key}, err
		}
		key, err := m.establish(ctx, communityID, requesterID, 1, memberIDs)
		return keyResult{key: key}, err
	})
	if err != nil {
		return nil, err
	}
	return v.(keyResult).key, nil
}

// offlineKey picks the epoch to send under while the directory is down: the
// last active epoch observed, else the newest one held locally.
func (m *Manager) offlineKey(ctx context.Context, communityID string) (*model.SenderKey, error) {
	if keyID, ok := m.registry.Active(communityID); ok {
		if key, err := m.lookup(ctx, communityID, keyID); err == nil && key != nil {
			return key, nil
		}
	}
	latest, err := m.vault.LatestSenderKey(ctx, communityID)
	if err != nil {
		return nil, err
	}
	m.registry.Put(latest)
	return latest, nil
}

// Rotate creates the next epoch and distributes it to memberIDs. Prior epochs
// are retained for historical decryption.
func (m *Manager) Rotate(ctx context.Context, communityID, requesterID string, memberIDs []string) (*model.SenderKey, error) {
	if communityID == "" || requesterID == "" {
		return nil, fmt.Errorf("%w: community and requester are required", ErrInvalidInput)
	}

	for {
		v, err, _ := m.flight.Do(flightKey(communityID), func() (interface{}, error) {
			active, err := m.dir.ActiveKeyID(ctx, communityID)
			if err != nil {
				return nil, fmt.Errorf("failed to read active epoch: %w", err)
			}
			key, err := m.establish(ctx, communityID, requesterID, active+1, memberIDs)
			return keyResult{key: key, rotated: true}, err
		})
		if err != nil {
			return nil, err
		}

		res := v.(keyResult)
		if !res.rotated {
			// Joined a get flight; rotate once it has finished.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		log.Info().Str("community_id", communityID).Int64("key_id", res.key.KeyID).Msg("Sender key rotated")
		return res.key, nil
	}
}

// EnsureCurrentKeyAndMembership fetches the active epoch, opens this user's
// share if it is not held yet and upserts the eligibility marker. The marker
// is written even when the share cannot be opened; it grants subscription,
// not key possession.
func (m *Manager) EnsureCurrentKeyAndMembership(ctx context.Context, communityID, userID string) (int64, error) {
	if communityID == "" || userID == "" {
		return 0, fmt.Errorf("%w: community and user are required", ErrInvalidInput)
	}

	active, err := m.dir.ActiveKeyID(ctx, communityID)
	if err != nil {
		return 0, fmt.Errorf("failed to read active epoch: %w", err)
	}

	var resolveErr error
	if active > 0 {
		m.registry.SetActive(communityID, active)
		_, resolveErr = m.resolve(ctx, communityID, userID, active)
	}

	marker := model.MembershipMarker{
		CommunityID:  communityID,
		UserID:       userID,
		CurrentKeyID: active,
		UpdatedAt:    m.now().UTC(),
	}
	if err := m.dir.UpsertMarker(ctx, marker); err != nil {
		return active, fmt.Errorf("failed to upsert membership marker: %w", err)
	}
	return active, resolveErr
}

// GetKeyForMessage resolves the epoch a message was sealed under. A miss
// triggers one refresh and one retry.
func (m *Manager) GetKeyForMessage(ctx context.Context, communityID, userID string, keyID int64) (*model.SenderKey, error) {
	if keyID <= 0 {
		return nil, fmt.Errorf("%w: invalid key id %d", ErrKeyResolution, keyID)
	}

	if key, err := m.lookup(ctx, communityID, keyID); err != nil || key != nil {
		return key, err
	}

	if _, err := m.EnsureCurrentKeyAndMembership(ctx, communityID, userID); err != nil {
		log.Debug().Err(err).Str("community_id", communityID).Msg("Eligibility refresh during key resolution failed")
	}
	if key, err := m.lookup(ctx, communityID, keyID); err != nil || key != nil {
		return key, err
	}

	// The exact epoch may be a historical grant rather than the active one.
	if key, err := m.openShare(ctx, communityID, userID, keyID); err == nil {
		return key, nil
	}

	return nil, fmt.Errorf("%w: community %s key %d", ErrKeyResolution, communityID, keyID)
}

// Grant distributes an epoch this user holds to one more member.
func (m *Manager) Grant(ctx context.Context, communityID string, keyID int64, recipientID string) error {
	key, err := m.lookup(ctx, communityID, keyID)
	if err != nil {
		return err
	}
	if key == nil {
		return fmt.Errorf("%w: community %s key %d not held", ErrKeyResolution, communityID, keyID)
	}

	share, err := m.sealShare(ctx, key, recipientID)
	if err != nil {
		return err
	}
	if err := m.dir.PutShares(ctx, []model.KeyShare{*share}); err != nil {
		return fmt.Errorf("failed to publish key share: %w", err)
	}

	log.Info().Str("community_id", communityID).Int64("key_id", keyID).Str("recipient_id", recipientID).
		Msg("Historical sender key granted")
	return nil
}

// RefreshLoop refreshes eligibility for every community returned by
// communities on each tick until ctx is done. onRefresh, if set, is called
// after each successful refresh.
func (m *Manager) RefreshLoop(ctx context.Context, interval time.Duration, communities func() []string, onRefresh func(communityID string, keyID int64)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.registry.EvictExpired()
			for _, communityID := range communities() {
				keyID, err := m.EnsureCurrentKeyAndMembership(ctx, communityID, m.userID)
				if err != nil {
					log.Warn().Err(err).Str("community_id", communityID).Msg("Eligibility refresh failed")
					continue
				}
				if onRefresh != nil {
					onRefresh(communityID, keyID)
				}
			}
		}
	}
}

// establish claims keyID in the directory and, if this device wins, mints
// and distributes a fresh key. A lost claim adopts the winner's key.
func (m *Manager) establish(ctx context.Context, communityID, requesterID string, keyID int64, memberIDs []string) (*model.SenderKey, error) {
	won, err := m.dir.ClaimEpoch(ctx, communityID, keyID, m.claimant, m.claimLease)
	if err != nil {
		return nil, fmt.Errorf("failed to claim epoch: %w", err)
	}
	if won {
		key, err := m.mint(ctx, communityID, requesterID, keyID, memberIDs)
		if !errors.Is(err, keydir.ErrClaimLost) {
			return key, err
		}
		log.Warn().Str("community_id", communityID).Int64("key_id", keyID).Msg("Epoch claim lapsed before activation")
	} else {
		log.Debug().Str("community_id", communityID).Int64("key_id", keyID).Msg("Epoch claimed by another device, waiting")
	}
	return m.awaitWinner(ctx, communityID, requesterID, keyID, memberIDs)
}

// mint generates the key for a claimed epoch and activates it together with
// its shares. The key is persisted only once the activation is accepted, so
// a lapsed claim never leaves a competing key in the vault.
func (m *Manager) mint(ctx context.Context, communityID, requesterID string, keyID int64, memberIDs []string) (*model.SenderKey, error) {
	release := m.holdClaim(ctx, communityID, keyID)
	defer release()

	material := make([]byte, senderKeySize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("failed to generate sender key: %w", err)
	}
	key := &model.SenderKey{
		CommunityID: communityID,
		KeyID:       keyID,
		Key:         material,
		CreatedAt:   m.now().UTC(),
	}

	shares := m.sealShares(ctx, key, requesterID, memberIDs)
	if err := m.dir.ActivateEpoch(ctx, communityID, keyID, m.claimant, shares); err != nil {
		if errors.Is(err, keydir.ErrClaimLost) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to activate epoch: %w", err)
	}
	log.Info().Str("community_id", communityID).Int64("key_id", keyID).Int("shares", len(shares)).
		Msg("Sender key distributed")

	if _, err := m.vault.PutSenderKey(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to persist sender key: %w", err)
	}
	m.registry.Put(key)
	m.registry.SetActive(communityID, keyID)
	return key, nil
}

// holdClaim renews this device's claim on an epoch until the returned
// release func is called.
func (m *Manager) holdClaim(ctx context.Context, communityID string, keyID int64) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.claimLease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				won, err := m.dir.ClaimEpoch(ctx, communityID, keyID, m.claimant, m.claimLease)
				if err != nil {
					log.Debug().Err(err).Str("community_id", communityID).Msg("Failed to renew epoch claim")
					continue
				}
				if !won {
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// awaitWinner polls until another device activates keyID. If that device's
// claim lapses first, this device takes the claim over and mints the epoch.
func (m *Manager) awaitWinner(ctx context.Context, communityID, requesterID string, keyID int64, memberIDs []string) (*model.SenderKey, error) {
	deadline := m.now().Add(m.establishWait)
	ticker := time.NewTicker(establishPollInterval)
	defer ticker.Stop()

	for {
		active, err := m.dir.ActiveKeyID(ctx, communityID)
		if err == nil && active >= keyID {
			m.registry.SetActive(communityID, active)
			return m.resolve(ctx, communityID, requesterID, active)
		}
		if err == nil {
			won, cerr := m.dir.ClaimEpoch(ctx, communityID, keyID, m.claimant, m.claimLease)
			if cerr == nil && won {
				log.Info().Str("community_id", communityID).Int64("key_id", keyID).Msg("Took over abandoned epoch claim")
				key, err := m.mint(ctx, communityID, requesterID, keyID, memberIDs)
				if !errors.Is(err, keydir.ErrClaimLost) {
					return key, err
				}
			}
		}
		if m.now().After(deadline) {
			return nil, fmt.Errorf("%w: epoch %d of %s was claimed but never activated", ErrKeyResolution, keyID, communityID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// sealShares encrypts one share per distinct member other than the requester
// and this user. One unreachable member must not block the rest; they can be
// granted later.
func (m *Manager) sealShares(ctx context.Context, key *model.SenderKey, requesterID string, memberIDs []string) []model.KeyShare {
	shares := make([]model.KeyShare, 0, len(memberIDs))
	seen := make(map[string]bool, len(memberIDs))
	for _, memberID := range memberIDs {
		if memberID == "" || memberID == requesterID || memberID == m.userID || seen[memberID] {
			continue
		}
		seen[memberID] = true

		share, err := m.sealShare(ctx, key, memberID)
		if err != nil {
			log.Warn().Err(err).Str("community_id", key.CommunityID).Int64("key_id", key.KeyID).
				Str("member_id", memberID).Msg("Skipping key share for member")
			continue
		}
		shares = append(shares, *share)
	}
	return shares
}

func (m *Manager) sealShare(ctx context.Context, key *model.SenderKey, recipientID string) (*model.KeyShare, error) {
	sealed, err := m.pairwise.Encrypt(ctx, recipientID, key.Key, shareAD(key.CommunityID, key.KeyID))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt key share: %w", err)
	}
	return &model.KeyShare{
		CommunityID:   key.CommunityID,
		KeyID:         key.KeyID,
		RecipientID:   recipientID,
		DistributorID: m.userID,
		Envelope:      sealed.Ciphertext,
	}, nil
}

// resolve returns a held epoch or opens this user's share for it.
func (m *Manager) resolve(ctx context.Context, communityID, userID string, keyID int64) (*model.SenderKey, error) {
	key, err := m.lookup(ctx, communityID, keyID)
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}
	return m.openShare(ctx, communityID, userID, keyID)
}

// lookup checks the registry, then the vault. A miss returns (nil, nil).
func (m *Manager) lookup(ctx context.Context, communityID string, keyID int64) (*model.SenderKey, error) {
	if key, ok := m.registry.Get(communityID, keyID); ok {
		return key, nil
	}

	key, err := m.vault.GetSenderKey(ctx, communityID, keyID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sender key: %w", err)
	}
	m.registry.Put(key)
	return key, nil
}

// openShare fetches, decrypts and persists this user's share of an epoch.
// Ratchet message keys are single-use, so an opened share is always persisted
// and concurrent opens of the same share are collapsed.
func (m *Manager) openShare(ctx context.Context, communityID, userID string, keyID int64) (*model.SenderKey, error) {
	v, err, _ := m.flight.Do("share:"+registryKey(communityID, keyID)+"/"+userID, func() (interface{}, error) {
		return m.fetchAndOpenShare(ctx, communityID, userID, keyID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.SenderKey), nil
}

func (m *Manager) fetchAndOpenShare(ctx context.Context, communityID, userID string, keyID int64) (*model.SenderKey, error) {
	if key, err := m.lookup(ctx, communityID, keyID); err != nil || key != nil {
		return key, err
	}

	share, err := m.dir.GetShare(ctx, communityID, keyID, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: share for key %d: %v", ErrKeyResolution, keyID, err)
	}

	material, err := m.pairwise.Decrypt(ctx, share.DistributorID, share.Envelope, shareAD(communityID, keyID))
	if err != nil {
		return nil, fmt.Errorf("%w: open share for key %d: %v", ErrKeyResolution, keyID, err)
	}
	if len(material) != senderKeySize {
		return nil, fmt.Errorf("%w: share for key %d has %d bytes", ErrKeyResolution, keyID, len(material))
	}

	key := &model.SenderKey{
		CommunityID: communityID,
		KeyID:       keyID,
		Key:         material,
		CreatedAt:   m.now().UTC(),
	}
	if _, err := m.vault.PutSenderKey(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to persist sender key: %w", err)
	}
	// Re-read so every caller sees the first persisted copy.
	if stored, err := m.vault.GetSenderKey(ctx, communityID, keyID); err == nil {
		key = stored
	}
	m.registry.Put(key)
	return key, nil
}
