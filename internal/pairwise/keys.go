package pairwise

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/mesmerverse/securechat/internal/model"
)

const keySize = 32

var ErrInvalidIdentity = errors.New("invalid identity key material")

// Identity holds a user's long-term X25519 identity pair and signed prekey
// pair. Only the public halves leave the device, as a PrekeyBundle.
type Identity struct {
	UserID          string `cbor:"1,keyasint"`
	IdentityPrivate []byte `cbor:"2,keyasint"`
	IdentityPublic  []byte `cbor:"3,keyasint"`
	PrekeyPrivate   []byte `cbor:"4,keyasint"`
	PrekeyPublic    []byte `cbor:"5,keyasint"`
}

// GenerateIdentity creates fresh identity and prekey pairs for userID.
func GenerateIdentity(userID string) (*Identity, error) {
	ikPriv, ikPub, err := generateX25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	spkPriv, spkPub, err := generateX25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate prekey: %w", err)
	}
	return &Identity{
		UserID:          userID,
		IdentityPrivate: ikPriv,
		IdentityPublic:  ikPub,
		PrekeyPrivate:   spkPriv,
		PrekeyPublic:    spkPub,
	}, nil
}

// Validate checks key sizes.
func (id *Identity) Validate() error {
	if id == nil || id.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidIdentity)
	}
	for _, k := range [][]byte{id.IdentityPrivate, id.IdentityPublic, id.PrekeyPrivate, id.PrekeyPublic} {
		if len(k) != keySize {
			return fmt.Errorf("%w: keys must be %d bytes", ErrInvalidIdentity, keySize)
		}
	}
	return nil
}

// Bundle returns the public prekey bundle for publication.
func (id *Identity) Bundle() model.PrekeyBundle {
	return model.PrekeyBundle{
		UserID:       id.UserID,
		IdentityKey:  append([]byte(nil), id.IdentityPublic...),
		SignedPrekey: append([]byte(nil), id.PrekeyPublic...),
	}
}

// MarshalIdentity encodes the identity for sealed local persistence.
func MarshalIdentity(id *Identity) ([]byte, error) {
	return model.Marshal(id)
}

// UnmarshalIdentity decodes and validates a persisted identity.
func UnmarshalIdentity(data []byte) (*Identity, error) {
	var id Identity
	if err := model.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return &id, nil
}

// generateX25519Keypair generates an X25519 keypair
func generateX25519Keypair() (privateKey, publicKey []byte, err error) {
	privateKey = make([]byte, keySize)
	if _, err := rand.Read(privateKey); err != nil {
		return nil, nil, err
	}

	publicKey, err = curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return privateKey, publicKey, nil
}

// initiatorSecret derives the session root for a chain opened by self
// towards peer: HKDF(DH(IKa, IKb) || DH(IKa, SPKb)).
func initiatorSecret(self *Identity, peer *model.PrekeyBundle) ([]byte, error) {
	dh1, err := curve25519.X25519(self.IdentityPrivate, peer.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("identity agreement failed: %w", err)
	}
	defer zeroBytes(dh1)
	dh2, err := curve25519.X25519(self.IdentityPrivate, peer.SignedPrekey)
	if err != nil {
		return nil, fmt.Errorf("prekey agreement failed: %w", err)
	}
	defer zeroBytes(dh2)
	return deriveRoot(dh1, dh2, self.UserID, peer.UserID)
}

// responderSecret mirrors initiatorSecret on the receiving side.
func responderSecret(self *Identity, peer *model.PrekeyBundle) ([]byte, error) {
	dh1, err := curve25519.X25519(self.IdentityPrivate, peer.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("identity agreement failed: %w", err)
	}
	defer zeroBytes(dh1)
	dh2, err := curve25519.X25519(self.PrekeyPrivate, peer.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("prekey agreement failed: %w", err)
	}
	defer zeroBytes(dh2)
	return deriveRoot(dh1, dh2, peer.UserID, self.UserID)
}

func deriveRoot(dh1, dh2 []byte, initiator, responder string) ([]byte, error) {
	ikm := make([]byte, 0, len(dh1)+len(dh2))
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	defer zeroBytes(ikm)

	info := []byte("securechat-pairwise-v1:" + sessionName(initiator, responder))
	reader := hkdf.New(sha256.New, ikm, nil, info)
	root := make([]byte, keySize)
	if _, err := io.ReadFull(reader, root); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return root, nil
}

func sessionName(sender, recipient string) string {
	return sender + "->" + recipient
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
