// Package pairwise implements 1:1 transport encryption: one double-ratchet
// chain per direction between two users, opened from a static prekey
// agreement. Prekey bundle exchange is delegated to a BundleSource.
package pairwise

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/status-im/doubleratchet"

	"github.com/mesmerverse/securechat/internal/model"
)

var (
	ErrDecryptionFailed  = errors.New("pairwise decryption failed")
	ErrBundleUnavailable = errors.New("prekey bundle unavailable")
)

// Sealed is a transport ciphertext tagged with the algorithm that produced it.
type Sealed struct {
	Ciphertext []byte
	Algorithm  model.Algorithm
}

// Encryptor is the pairwise transport encryption capability.
type Encryptor interface {
	Encrypt(ctx context.Context, recipientID string, plaintext, ad []byte) (Sealed, error)
	Decrypt(ctx context.Context, senderID string, ciphertext, ad []byte) ([]byte, error)
}

// BundleSource supplies peers' published prekey bundles.
type BundleSource interface {
	Bundle(ctx context.Context, userID string) (*model.PrekeyBundle, error)
}

// envelope is the wire form of a ratchet message.
type envelope struct {
	DH []byte `cbor:"1,keyasint"`
	N  uint32 `cbor:"2,keyasint"`
	PN uint32 `cbor:"3,keyasint"`
	CT []byte `cbor:"4,keyasint"`
}

// RatchetEncryptor keeps a sending chain per recipient and a receiving chain
// per sender. Chains are directional, so both peers may open theirs
// concurrently without negotiation.
type RatchetEncryptor struct {
	identity *Identity
	bundles  BundleSource
	sessions *memorySessionStorage

	mu        sync.Mutex
	sending   map[string]doubleratchet.Session
	receiving map[string]doubleratchet.Session
}

// NewRatchetEncryptor creates an encryptor for the identity's owner.
func NewRatchetEncryptor(identity *Identity, bundles BundleSource) (*RatchetEncryptor, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if bundles == nil {
		return nil, fmt.Errorf("bundle source is required")
	}
	return &RatchetEncryptor{
		identity:  identity,
		bundles:   bundles,
		sessions:  newMemorySessionStorage(),
		sending:   make(map[string]doubleratchet.Session),
		receiving: make(map[string]doubleratchet.Session),
	}, nil
}

// Encrypt seals plaintext for recipientID on this user's sending chain.
func (e *RatchetEncryptor) Encrypt(ctx context.Context, recipientID string, plaintext, ad []byte) (Sealed, error) {
	session, err := e.sendingSession(ctx, recipientID)
	if err != nil {
		return Sealed{}, err
	}

	e.mu.Lock()
	msg, err := session.RatchetEncrypt(plaintext, ad)
	e.mu.Unlock()
	if err != nil {
		return Sealed{}, fmt.Errorf("ratchet encrypt failed: %w", err)
	}

	dh := msg.Header.DH
	data, err := model.Marshal(&envelope{
		DH: append([]byte(nil), dh[:]...),
		N:  msg.Header.N,
		PN: msg.Header.PN,
		CT: msg.Ciphertext,
	})
	if err != nil {
		return Sealed{}, fmt.Errorf("failed to encode envelope: %w", err)
	}

	return Sealed{Ciphertext: data, Algorithm: model.AlgorithmPairwiseRatchetV1}, nil
}

// Decrypt opens a ciphertext from senderID. Tampering or a wrong key yields
// ErrDecryptionFailed.
func (e *RatchetEncryptor) Decrypt(ctx context.Context, senderID string, ciphertext, ad []byte) ([]byte, error) {
	var env envelope
	if err := model.Unmarshal(ciphertext, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope", ErrDecryptionFailed)
	}
	msg := doubleratchet.Message{
		Header: doubleratchet.MessageHeader{
			DH: doubleratchet.Key(env.DH),
			N:  env.N,
			PN: env.PN,
		},
		Ciphertext: env.CT,
	}

	e.mu.Lock()
	session, existing := e.receiving[senderID]
	e.mu.Unlock()

	if !existing {
		fresh, err := e.newReceivingSession(ctx, senderID)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		// Another goroutine may have won; keep the first chain.
		if current, ok := e.receiving[senderID]; ok {
			session = current
		} else {
			e.receiving[senderID] = fresh
			session = fresh
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	plaintext, err := session.RatchetDecrypt(msg, ad)
	e.mu.Unlock()
	if err == nil {
		return plaintext, nil
	}

	// A chain start from a peer that reset its sending chain cannot open on
	// the old receiving chain; rebuild once and keep it only on success.
	if existing && env.N == 0 && env.PN == 0 {
		fresh, rerr := e.newReceivingSession(ctx, senderID)
		if rerr != nil {
			return nil, rerr
		}
		e.mu.Lock()
		plaintext, rerr = fresh.RatchetDecrypt(msg, ad)
		if rerr == nil {
			e.receiving[senderID] = fresh
		}
		e.mu.Unlock()
		if rerr == nil {
			log.Info().Str("sender_id", senderID).Msg("Receiving chain rebuilt after peer reset")
			return plaintext, nil
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
}

// Forget drops both chains with peerID.
func (e *RatchetEncryptor) Forget(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sending, peerID)
	delete(e.receiving, peerID)
}

func (e *RatchetEncryptor) sendingSession(ctx context.Context, recipientID string) (doubleratchet.Session, error) {
	e.mu.Lock()
	session, ok := e.sending[recipientID]
	e.mu.Unlock()
	if ok {
		return session, nil
	}

	bundle, err := e.peerBundle(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	root, err := initiatorSecret(e.identity, bundle)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(root)

	id := []byte(sessionName(e.identity.UserID, recipientID))
	remote := doubleratchet.Key(append([]byte(nil), bundle.SignedPrekey...))
	session, err = doubleratchet.NewWithRemoteKey(id, ownedKey(root), remote, e.sessions)
	if err != nil {
		return nil, fmt.Errorf("failed to open sending chain: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if current, ok := e.sending[recipientID]; ok {
		return current, nil
	}
	e.sending[recipientID] = session
	log.Debug().Str("recipient_id", recipientID).Msg("Opened sending chain")
	return session, nil
}

func (e *RatchetEncryptor) newReceivingSession(ctx context.Context, senderID string) (doubleratchet.Session, error) {
	bundle, err := e.peerBundle(ctx, senderID)
	if err != nil {
		return nil, err
	}
	root, err := responderSecret(e.identity, bundle)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(root)

	id := []byte(sessionName(senderID, e.identity.UserID))
	pair := dhPair{priv: e.identity.PrekeyPrivate, pub: e.identity.PrekeyPublic}
	session, err := doubleratchet.New(id, ownedKey(root), pair, e.sessions)
	if err != nil {
		return nil, fmt.Errorf("failed to open receiving chain: %w", err)
	}
	return session, nil
}

func (e *RatchetEncryptor) peerBundle(ctx context.Context, userID string) (*model.PrekeyBundle, error) {
	bundle, err := e.bundles.Bundle(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBundleUnavailable, userID, err)
	}
	if len(bundle.IdentityKey) != keySize || len(bundle.SignedPrekey) != keySize {
		return nil, fmt.Errorf("%w: %s: malformed bundle", ErrBundleUnavailable, userID)
	}
	return bundle, nil
}

// ownedKey copies a secret into a key the session keeps as its root chain
// key. The ratchet retains the slice, so the caller's buffer can be wiped.
func ownedKey(secret []byte) doubleratchet.Key {
	return doubleratchet.Key(append([]byte(nil), secret...))
}

// dhPair adapts the stored signed prekey to the ratchet's key pair interface.
type dhPair struct {
	priv []byte
	pub  []byte
}

func (p dhPair) PrivateKey() doubleratchet.Key { return doubleratchet.Key(p.priv) }
func (p dhPair) PublicKey() doubleratchet.Key  { return doubleratchet.Key(p.pub) }

// memorySessionStorage holds ratchet state for the lifetime of the encryptor.
type memorySessionStorage struct {
	mu     sync.Mutex
	states map[string]*doubleratchet.State
}

func newMemorySessionStorage() *memorySessionStorage {
	return &memorySessionStorage{states: make(map[string]*doubleratchet.State)}
}

func (m *memorySessionStorage) Save(id []byte, state *doubleratchet.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[string(id)] = state
	return nil
}

func (m *memorySessionStorage) Load(id []byte) (*doubleratchet.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[string(id)], nil
}
