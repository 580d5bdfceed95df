package groupkeys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"

	"github.com/mesmerverse/securechat/internal/model"
)

const (
	senderKeySize   = 32
	aesGCMNonceSize = 12
	aesGCMTagSize   = 16
)

var ErrDecryptionFailed = errors.New("group message decryption failed")

// Seal encrypts a group message body under the sender key. The ciphertext is
// bound to the community, the key epoch and the message id.
// Format: [12-byte nonce][ciphertext+tag]
func Seal(key *model.SenderKey, messageID string, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesGCMNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, messageAD(key, messageID)), nil
}

// Open decrypts a group message sealed with Seal.
func Open(key *model.SenderKey, messageID string, sealed []byte) ([]byte, error) {
	if len(sealed) < aesGCMNonceSize+aesGCMTagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, sealed[:aesGCMNonceSize], sealed[aesGCMNonceSize:], messageAD(key, messageID))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key *model.SenderKey) (cipher.AEAD, error) {
	if key == nil || len(key.Key) != senderKeySize {
		return nil, fmt.Errorf("sender key must be %d bytes", senderKeySize)
	}
	block, err := aes.NewCipher(key.Key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}
	return aead, nil
}

func messageAD(key *model.SenderKey, messageID string) []byte {
	return []byte(key.CommunityID + "|" + strconv.FormatInt(key.KeyID, 10) + "|" + messageID)
}

// shareAD binds a pairwise-encrypted key share to its epoch.
func shareAD(communityID string, keyID int64) []byte {
	return []byte("sender-key-share|" + communityID + "|" + strconv.FormatInt(keyID, 10))
}
