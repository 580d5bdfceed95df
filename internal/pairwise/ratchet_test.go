package pairwise

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/mesmerverse/securechat/internal/model"
)

// mockBundles implements BundleSource for testing
type mockBundles struct {
	mu      sync.Mutex
	bundles map[string]model.PrekeyBundle
	err     error
}

func (m *mockBundles) Bundle(_ context.Context, userID string) (*model.PrekeyBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	b, ok := m.bundles[userID]
	if !ok {
		return nil, fmt.Errorf("no bundle for %s", userID)
	}
	return &b, nil
}

func newPair(t *testing.T) (*RatchetEncryptor, *RatchetEncryptor, *mockBundles) {
	t.Helper()
	alice, err := GenerateIdentity("alice")
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	bob, err := GenerateIdentity("bob")
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	dir := &mockBundles{bundles: map[string]model.PrekeyBundle{
		"alice": alice.Bundle(),
		"bob":   bob.Bundle(),
	}}

	a, err := NewRatchetEncryptor(alice, dir)
	if err != nil {
		t.Fatalf("NewRatchetEncryptor failed: %v", err)
	}
	b, err := NewRatchetEncryptor(bob, dir)
	if err != nil {
		t.Fatalf("NewRatchetEncryptor failed: %v", err)
	}
	return a, b, dir
}

func TestRatchet_RoundTrip(t *testing.T) {
	a, b, _ := newPair(t)
	ctx := context.Background()

	sealed, err := a.Encrypt(ctx, "bob", []byte("hello"), []byte("m1"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if sealed.Algorithm != model.AlgorithmPairwiseRatchetV1 {
		t.Errorf("Expected ratchet algorithm tag, got %s", sealed.Algorithm)
	}
	if bytes.Contains(sealed.Ciphertext, []byte("hello")) {
		t.Error("Ciphertext contains plaintext")
	}

	plaintext, err := b.Decrypt(ctx, "alice", sealed.Ciphertext, []byte("m1"))
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(plaintext) != "hello" {
		t.Errorf("Expected 'hello', got %q", plaintext)
	}
}

func TestRatchet_BothDirections(t *testing.T) {
	a, b, _ := newPair(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		toBob, err := a.Encrypt(ctx, "bob", []byte(fmt.Sprintf("a%d", i)), nil)
		if err != nil {
			t.Fatalf("Encrypt to bob failed: %v", err)
		}
		toAlice, err := b.Encrypt(ctx, "alice", []byte(fmt.Sprintf("b%d", i)), nil)
		if err != nil {
			t.Fatalf("Encrypt to alice failed: %v", err)
		}

		got, err := b.Decrypt(ctx, "alice", toBob.Ciphertext, nil)
		if err != nil || string(got) != fmt.Sprintf("a%d", i) {
			t.Fatalf("Bob decrypt %d: %q, %v", i, got, err)
		}
		got, err = a.Decrypt(ctx, "bob", toAlice.Ciphertext, nil)
		if err != nil || string(got) != fmt.Sprintf("b%d", i) {
			t.Fatalf("Alice decrypt %d: %q, %v", i, got, err)
		}
	}
}

func TestRatchet_OutOfOrder(t *testing.T) {
	a, b, _ := newPair(t)
	ctx := context.Background()

	var sealed []Sealed
	for i := 0; i < 4; i++ {
		s, err := a.Encrypt(ctx, "bob", []byte(fmt.Sprintf("msg %d", i)), nil)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		sealed = append(sealed, s)
	}

	for _, i := range []int{2, 0, 3, 1} {
		got, err := b.Decrypt(ctx, "alice", sealed[i].Ciphertext, nil)
		if err != nil {
			t.Fatalf("Decrypt of %d failed: %v", i, err)
		}
		if string(got) != fmt.Sprintf("msg %d", i) {
			t.Errorf("Expected msg %d, got %q", i, got)
		}
	}
}

func TestRatchet_Tampered(t *testing.T) {
	a, b, _ := newPair(t)
	ctx := context.Background()

	sealed, _ := a.Encrypt(ctx, "bob", []byte("hello"), []byte("m1"))

	var env envelope
	if err := model.Unmarshal(sealed.Ciphertext, &env); err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	env.CT[len(env.CT)-1] ^= 0xff
	tampered, _ := model.Marshal(&env)

	if _, err := b.Decrypt(ctx, "alice", tampered, []byte("m1")); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Expected ErrDecryptionFailed for tampered ciphertext, got %v", err)
	}
	if _, err := b.Decrypt(ctx, "alice", []byte("not an envelope"), nil); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Expected ErrDecryptionFailed for garbage, got %v", err)
	}
}

func TestRatchet_WrongAssociatedData(t *testing.T) {
	a, b, _ := newPair(t)
	ctx := context.Background()

	sealed, _ := a.Encrypt(ctx, "bob", []byte("hello"), []byte("m1"))
	if _, err := b.Decrypt(ctx, "alice", sealed.Ciphertext, []byte("m2")); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Expected ErrDecryptionFailed for swapped message id, got %v", err)
	}
}

func TestRatchet_WrongRecipient(t *testing.T) {
	a, _, dir := newPair(t)
	ctx := context.Background()

	carolID, _ := GenerateIdentity("carol")
	dir.bundles["carol"] = carolID.Bundle()
	carol, _ := NewRatchetEncryptor(carolID, dir)

	sealed, _ := a.Encrypt(ctx, "bob", []byte("for bob"), nil)
	if _, err := carol.Decrypt(ctx, "alice", sealed.Ciphertext, nil); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Expected ErrDecryptionFailed for wrong recipient, got %v", err)
	}
}

func TestRatchet_PeerReset(t *testing.T) {
	a, b, _ := newPair(t)
	ctx := context.Background()

	first, _ := a.Encrypt(ctx, "bob", []byte("before"), nil)
	if _, err := b.Decrypt(ctx, "alice", first.Ciphertext, nil); err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}

	// Alice loses her sending chain and starts over
	a.Forget("bob")
	restarted, err := a.Encrypt(ctx, "bob", []byte("after"), nil)
	if err != nil {
		t.Fatalf("Encrypt after reset failed: %v", err)
	}
	got, err := b.Decrypt(ctx, "alice", restarted.Ciphertext, nil)
	if err != nil {
		t.Fatalf("Decrypt after reset failed: %v", err)
	}
	if string(got) != "after" {
		t.Errorf("Expected 'after', got %q", got)
	}
}

func TestRatchet_BundleUnavailable(t *testing.T) {
	a, _, dir := newPair(t)
	dir.err = errors.New("directory offline")

	_, err := a.Encrypt(context.Background(), "bob", []byte("x"), nil)
	if !errors.Is(err, ErrBundleUnavailable) {
		t.Errorf("Expected ErrBundleUnavailable, got %v", err)
	}
}

func TestIdentity_MarshalRoundTrip(t *testing.T) {
	id, _ := GenerateIdentity("alice")
	data, err := MarshalIdentity(id)
	if err != nil {
		t.Fatalf("MarshalIdentity failed: %v", err)
	}
	back, err := UnmarshalIdentity(data)
	if err != nil {
		t.Fatalf("UnmarshalIdentity failed: %v", err)
	}
	if !bytes.Equal(back.IdentityPrivate, id.IdentityPrivate) || back.UserID != "alice" {
		t.Error("Identity changed across persistence")
	}

	if _, err := UnmarshalIdentity([]byte{0xa0}); !errors.Is(err, ErrInvalidIdentity) {
		t.Errorf("Expected ErrInvalidIdentity, got %v", err)
	}
}

func TestAgreement_Symmetric(t *testing.T) {
	alice, _ := GenerateIdentity("alice")
	bob, _ := GenerateIdentity("bob")
	ab := bob.Bundle()
	aa := alice.Bundle()

	s1, err := initiatorSecret(alice, &ab)
	if err != nil {
		t.Fatalf("initiatorSecret failed: %v", err)
	}
	s2, err := responderSecret(bob, &aa)
	if err != nil {
		t.Fatalf("responderSecret failed: %v", err)
	}
	if !bytes.Equal(s1, s2) {
		t.Error("Both sides must derive the same root")
	}

	// The reverse direction has its own root
	s3, _ := initiatorSecret(bob, &aa)
	if bytes.Equal(s1, s3) {
		t.Error("Directional chains must not share a root")
	}
}

func TestOwnedKey_SurvivesWipe(t *testing.T) {
	secret := bytes.Repeat([]byte{0xAB}, keySize)
	key := ownedKey(secret)
	zeroBytes(secret)

	if !bytes.Equal(key, bytes.Repeat([]byte{0xAB}, keySize)) {
		t.Error("Session key must not alias the wiped secret")
	}
}

func TestRatchet_FirstMessageOpensOnFreshChains(t *testing.T) {
	// Both chains are opened inside Encrypt/Decrypt and their local root
	// buffers wiped before the first message is used.
	a, b, _ := newPair(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		sealed, err := a.Encrypt(ctx, "bob", []byte("first"), []byte("ad"))
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if _, err := b.Decrypt(ctx, "alice", sealed.Ciphertext, []byte("ad")); err != nil {
			t.Fatalf("Decrypt %d on fresh chain failed: %v", i, err)
		}
	}

	reply, err := b.Encrypt(ctx, "alice", []byte("reply"), nil)
	if err != nil {
		t.Fatalf("Encrypt reply failed: %v", err)
	}
	got, err := a.Decrypt(ctx, "bob", reply.Ciphertext, nil)
	if err != nil || string(got) != "reply" {
		t.Fatalf("Reply decrypt: %q, %v", got, err)
	}
}
