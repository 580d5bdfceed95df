package groupkeys

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mesmerverse/securechat/internal/keydir"
	"github.com/mesmerverse/securechat/internal/model"
	"github.com/mesmerverse/securechat/internal/pairwise"
	"github.com/mesmerverse/securechat/internal/storage"
)

type member struct {
	id    string
	store *storage.Store
	mgr   *Manager
}

func newMember(t *testing.T, dir *keydir.Memory, id string, opts ...func(*Config)) *member {
	t.Helper()
	ctx := context.Background()

	identity, err := pairwise.GenerateIdentity(id)
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	if err := dir.PublishBundle(ctx, identity.Bundle()); err != nil {
		t.Fatalf("PublishBundle failed: %v", err)
	}
	enc, err := pairwise.NewRatchetEncryptor(identity, dir)
	if err != nil {
		t.Fatalf("NewRatchetEncryptor failed: %v", err)
	}

	store, err := storage.Open(":memory:", bytes.Repeat([]byte{0x42}, storage.MasterKeySize))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := Config{
		UserID:        id,
		Vault:         store,
		Pairwise:      enc,
		Directory:     dir,
		EstablishWait: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return &member{id: id, store: store, mgr: mgr}
}

func TestNewManager_RequiresCollaborators(t *testing.T) {
	if _, err := NewManager(Config{UserID: "alice"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestGetOrEstablishKey_SingleFlight(t *testing.T) {
	dir := keydir.NewMemory()
	alice := newMember(t, dir, "alice")
	newMember(t, dir, "bob")
	ctx := context.Background()

	const callers = 8
	keys := make([]*model.SenderKey, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys[i], errs[i] = alice.mgr.GetOrEstablishKey(ctx, "c1", "alice", []string{"alice", "bob"})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("Caller %d failed: %v", i, errs[i])
		}
		if keys[i].KeyID != 1 || !bytes.Equal(keys[i].Key, keys[0].Key) {
			t.Errorf("Caller %d observed a different key: id %d", i, keys[i].KeyID)
		}
	}

	active, _ := dir.ActiveKeyID(ctx, "c1")
	if active != 1 {
		t.Errorf("Expected active key 1, got %d", active)
	}
	all, _ := alice.store.ListSenderKeys(ctx, "c1")
	if len(all) != 1 {
		t.Errorf("Expected one stored epoch, got %d", len(all))
	}
}

func TestGetOrEstablishKey_ConvergesAcrossDevices(t *testing.T) {
	dir := keydir.NewMemory()
	alice := newMember(t, dir, "alice")
	bob := newMember(t, dir, "bob")
	ctx := context.Background()
	members := []string{"alice", "bob"}

	var (
		wg   sync.WaitGroup
		aKey *model.SenderKey
		bKey *model.SenderKey
		aErr error
		bErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		aKey, aErr = alice.mgr.GetOrEstablishKey(ctx, "c1", "alice", members)
	}()
	go func() {
		defer wg.Done()
		bKey, bErr = bob.mgr.GetOrEstablishKey(ctx, "c1", "bob", members)
	}()
	wg.Wait()

	if aErr != nil || bErr != nil {
		t.Fatalf("Establishment failed: alice=%v bob=%v", aErr, bErr)
	}
	if aKey.KeyID != bKey.KeyID || !bytes.Equal(aKey.Key, bKey.Key) {
		t.Errorf("Devices diverged: alice key %d, bob key %d", aKey.KeyID, bKey.KeyID)
	}
}

func TestRotation_EpochDurabilityAndLateJoiner(t *testing.T) {
	dir := keydir.NewMemory()
	alice := newMember(t, dir, "alice")
	bob := newMember(t, dir, "bob")
	newMember(t, dir, "carol")
	dave := newMember(t, dir, "dave")
	ctx := context.Background()

	k1, err := alice.mgr.GetOrEstablishKey(ctx, "c1", "alice", []string{"alice", "bob", "carol"})
	if err != nil {
		t.Fatalf("GetOrEstablishKey failed: %v", err)
	}

	var early [][]byte
	for i := 0; i < 10; i++ {
		ct, err := Seal(k1, fmt.Sprintf("m%d", i), []byte(fmt.Sprintf("before %d", i)))
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		early = append(early, ct)
	}

	k2, err := alice.mgr.Rotate(ctx, "c1", "alice", []string{"alice", "bob", "carol", "dave"})
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if k2.KeyID != 2 {
		t.Fatalf("Expected key id 2, got %d", k2.KeyID)
	}
	late, _ := Seal(k2, "m10", []byte("after"))

	// Bob joined before the rotation and can read both epochs.
	bk1, err := bob.mgr.GetKeyForMessage(ctx, "c1", "bob", 1)
	if err != nil {
		t.Fatalf("Bob could not resolve K1: %v", err)
	}
	for i, ct := range early {
		if _, err := Open(bk1, fmt.Sprintf("m%d", i), ct); err != nil {
			t.Errorf("Bob failed to open early message %d: %v", i, err)
		}
	}
	bk2, err := bob.mgr.GetKeyForMessage(ctx, "c1", "bob", 2)
	if err != nil {
		t.Fatalf("Bob could not resolve K2: %v", err)
	}
	if pt, err := Open(bk2, "m10", late); err != nil || string(pt) != "after" {
		t.Errorf("Bob failed to open late message: %q, %v", pt, err)
	}

	// Dave only received K2.
	dk2, err := dave.mgr.GetKeyForMessage(ctx, "c1", "dave", 2)
	if err != nil {
		t.Fatalf("Dave could not resolve K2: %v", err)
	}
	if _, err := Open(dk2, "m10", late); err != nil {
		t.Errorf("Dave failed to open late message: %v", err)
	}
	if _, err := dave.mgr.GetKeyForMessage(ctx, "c1", "dave", 1); !errors.Is(err, ErrKeyResolution) {
		t.Fatalf("Expected ErrKeyResolution for K1, got %v", err)
	}

	// Until separately granted.
	if err := alice.mgr.Grant(ctx, "c1", 1, "dave"); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	dk1, err := dave.mgr.GetKeyForMessage(ctx, "c1", "dave", 1)
	if err != nil {
		t.Fatalf("Dave could not resolve granted K1: %v", err)
	}
	if pt, err := Open(dk1, "m0", early[0]); err != nil || string(pt) != "before 0" {
		t.Errorf("Dave failed to open granted message: %q, %v", pt, err)
	}
}

func TestGetOrEstablishKey_FollowsRotationByAnotherDevice(t *testing.T) {
	dir := keydir.NewMemory()
	alice := newMember(t, dir, "alice")
	bob := newMember(t, dir, "bob")
	newMember(t, dir, "dave")
	ctx := context.Background()

	k1, err := alice.mgr.GetOrEstablishKey(ctx, "c1", "alice", []string{"alice", "bob"})
	if err != nil || k1.KeyID != 1 {
		t.Fatalf("Expected K1, got %+v, %v", k1, err)
	}
	if _, err := bob.mgr.GetKeyForMessage(ctx, "c1", "bob", 1); err != nil {
		t.Fatalf("Bob could not resolve K1: %v", err)
	}

	k2, err := bob.mgr.Rotate(ctx, "c1", "bob", []string{"alice", "bob", "dave"})
	if err != nil || k2.KeyID != 2 {
		t.Fatalf("Expected bob to rotate to K2, got %+v, %v", k2, err)
	}

	got, err := alice.mgr.GetOrEstablishKey(ctx, "c1", "alice", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("GetOrEstablishKey failed: %v", err)
	}
	if got.KeyID != 2 || !bytes.Equal(got.Key, k2.Key) {
		t.Errorf("Expected alice to send under K2, got key %d", got.KeyID)
	}
}

func TestGetOrEstablishKey_TakesOverAbandonedClaim(t *testing.T) {
	dir := keydir.NewMemory()
	alice := newMember(t, dir, "alice", func(c *Config) { c.ClaimLease = 200 * time.Millisecond })
	bob := newMember(t, dir, "bob")
	ctx := context.Background()

	// A device claimed epoch 1 and died before activating it.
	if won, err := dir.ClaimEpoch(ctx, "c1", 1, "ghost", 200*time.Millisecond); err != nil || !won {
		t.Fatalf("ClaimEpoch failed: %v", err)
	}

	key, err := alice.mgr.GetOrEstablishKey(ctx, "c1", "alice", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("Expected the abandoned claim to be taken over, got %v", err)
	}
	if key.KeyID != 1 {
		t.Errorf("Expected key 1, got %d", key.KeyID)
	}
	if active, _ := dir.ActiveKeyID(ctx, "c1"); active != 1 {
		t.Errorf("Expected active key 1, got %d", active)
	}

	bk, err := bob.mgr.GetKeyForMessage(ctx, "c1", "bob", 1)
	if err != nil || !bytes.Equal(bk.Key, key.Key) {
		t.Errorf("Bob did not receive the taken-over key: %v", err)
	}
}

func TestGetOrEstablishKey_DevicesOfOneUserDoNotBothMint(t *testing.T) {
	dir := keydir.NewMemory()
	newMember(t, dir, "bob")
	short := func(c *Config) { c.EstablishWait = 300 * time.Millisecond }
	phone := newMember(t, dir, "alice", short, func(c *Config) { c.DeviceID = "phone" })
	laptop := newMember(t, dir, "alice", short, func(c *Config) { c.DeviceID = "laptop" })
	ctx := context.Background()
	members := []string{"alice", "bob"}

	var (
		wg   sync.WaitGroup
		keys [2]*model.SenderKey
		errs [2]error
	)
	for i, m := range []*member{phone, laptop} {
		wg.Add(1)
		go func(i int, m *member) {
			defer wg.Done()
			keys[i], errs[i] = m.mgr.GetOrEstablishKey(ctx, "c1", "alice", members)
		}(i, m)
	}
	wg.Wait()

	minted := 0
	for _, m := range []*member{phone, laptop} {
		if _, err := m.store.GetSenderKey(ctx, "c1", 1); err == nil {
			minted++
		}
	}
	if minted != 1 {
		t.Errorf("Expected exactly one device to mint epoch 1, got %d", minted)
	}
	if errs[0] != nil && errs[1] != nil {
		t.Fatalf("Expected one device to succeed: %v, %v", errs[0], errs[1])
	}
}

func TestRotate_RunsEvenWhenJoiningAGet(t *testing.T) {
	dir := keydir.NewMemory()
	alice := newMember(t, dir, "alice")
	newMember(t, dir, "bob")
	ctx := context.Background()
	members := []string{"alice", "bob"}

	if _, err := alice.mgr.GetOrEstablishKey(ctx, "c1", "alice", members); err != nil {
		t.Fatalf("GetOrEstablishKey failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := alice.mgr.GetOrEstablishKey(ctx, "c1", "alice", members); err != nil {
				t.Errorf("GetOrEstablishKey failed: %v", err)
			}
		}()
	}
	k2, err := alice.mgr.Rotate(ctx, "c1", "alice", members)
	wg.Wait()

	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if k2.KeyID != 2 {
		t.Errorf("Expected rotation to key 2, got %d", k2.KeyID)
	}
	if active, _ := dir.ActiveKeyID(ctx, "c1"); active != 2 {
		t.Errorf("Expected active key 2, got %d", active)
	}
}

func TestEnsureCurrentKeyAndMembership(t *testing.T) {
	dir := keydir.NewMemory()
	alice := newMember(t, dir, "alice")
	bob := newMember(t, dir, "bob")
	eve := newMember(t, dir, "eve")
	ctx := context.Background()

	alice.mgr.GetOrEstablishKey(ctx, "c1", "alice", []string{"alice", "bob"})
	alice.mgr.Rotate(ctx, "c1", "alice", []string{"alice", "bob"})

	keyID, err := bob.mgr.EnsureCurrentKeyAndMembership(ctx, "c1", "bob")
	if err != nil || keyID != 2 {
		t.Fatalf("Expected key 2, got %d, %v", keyID, err)
	}
	if _, err := bob.store.GetSenderKey(ctx, "c1", 2); err != nil {
		t.Errorf("Expected K2 in bob's vault: %v", err)
	}
	mk, err := dir.Marker(ctx, "c1", "bob")
	if err != nil || mk.CurrentKeyID != 2 {
		t.Errorf("Expected marker at key 2, got %+v, %v", mk, err)
	}

	// A marker does not imply key possession.
	if _, err := eve.mgr.EnsureCurrentKeyAndMembership(ctx, "c1", "eve"); !errors.Is(err, ErrKeyResolution) {
		t.Errorf("Expected ErrKeyResolution for non-member, got %v", err)
	}
	if _, err := dir.Marker(ctx, "c1", "eve"); err != nil {
		t.Errorf("Expected marker for eve: %v", err)
	}
}

func TestGetOrEstablishKey_OfflineUsesLocalEpoch(t *testing.T) {
	dir := keydir.NewMemory()
	alice := newMember(t, dir, "alice")
	ctx := context.Background()

	k1, err := alice.mgr.GetOrEstablishKey(ctx, "c1", "alice", []string{"alice"})
	if err != nil {
		t.Fatalf("GetOrEstablishKey failed: %v", err)
	}

	alice.mgr.Registry().Evict("c1")
	dir.SetOnline(false)

	got, err := alice.mgr.GetOrEstablishKey(ctx, "c1", "alice", []string{"alice"})
	if err != nil {
		t.Fatalf("Expected local fallback, got %v", err)
	}
	if got.KeyID != k1.KeyID || !bytes.Equal(got.Key, k1.Key) {
		t.Error("Offline fallback returned a different key")
	}

	if _, err := alice.mgr.GetOrEstablishKey(ctx, "c2", "alice", []string{"alice"}); err == nil {
		t.Error("Expected error establishing a new community offline")
	}
}

func TestSealOpen(t *testing.T) {
	k1 := &model.SenderKey{CommunityID: "c1", KeyID: 1, Key: bytes.Repeat([]byte{1}, 32)}
	k1b := &model.SenderKey{CommunityID: "c1", KeyID: 2, Key: k1.Key}

	ct, err := Seal(k1, "m1", []byte("hi"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if pt, err := Open(k1, "m1", ct); err != nil || string(pt) != "hi" {
		t.Fatalf("Open failed: %q, %v", pt, err)
	}
	if _, err := Open(k1, "m2", ct); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Expected failure for another message id, got %v", err)
	}
	if _, err := Open(k1b, "m1", ct); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Expected failure for another epoch, got %v", err)
	}
	if _, err := Open(k1, "m1", ct[:5]); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Expected failure for truncated ciphertext, got %v", err)
	}
	if _, err := Seal(&model.SenderKey{Key: []byte{1}}, "m1", nil); err == nil {
		t.Error("Expected error for short key")
	}
}
