// Package sealing provisions the 32-byte master key the local store derives
// its at-rest keys from. The key is either kept in a local file or enveloped
// by a KMS data key whose ciphertext is kept on disk.
package sealing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/rs/zerolog/log"
)

const KeySize = 32

var ErrInvalidKey = errors.New("invalid master key")

// KeySource yields the master key.
type KeySource interface {
	MasterKey(ctx context.Context) ([]byte, error)
}

// FileKeySource keeps the raw key in a file readable only by its owner.
type FileKeySource struct {
	Path string
}

// MasterKey reads the key file, creating it with a fresh random key on first use.
func (f *FileKeySource) MasterKey(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err == nil {
		if len(data) != KeySize {
			return nil, fmt.Errorf("%w: %s holds %d bytes", ErrInvalidKey, f.Path, len(data))
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	if err := writeExclusive(f.Path, key); err != nil {
		return nil, err
	}

	log.Info().Str("path", f.Path).Msg("Created master key file")
	return key, nil
}

// KMSAPI is the subset of the KMS client used by KMSKeySource.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSKeySource envelopes the master key with a KMS data key. Only the
// encrypted data key is written to SealedPath.
type KMSKeySource struct {
	client     KMSAPI
	keyID      string
	sealedPath string
}

// NewKMSKeySource loads the default AWS configuration for region.
func NewKMSKeySource(ctx context.Context, region, keyID, sealedPath string) (*KMSKeySource, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewKMSKeySourceWithClient(kms.NewFromConfig(awsCfg), keyID, sealedPath)
}

// NewKMSKeySourceWithClient wraps an existing client.
func NewKMSKeySourceWithClient(client KMSAPI, keyID, sealedPath string) (*KMSKeySource, error) {
	if keyID == "" {
		return nil, fmt.Errorf("KMS key id is required")
	}
	if sealedPath == "" {
		return nil, fmt.Errorf("sealed key path is required")
	}
	return &KMSKeySource{client: client, keyID: keyID, sealedPath: sealedPath}, nil
}

// MasterKey decrypts the sealed data key, generating and sealing one on first use.
func (k *KMSKeySource) MasterKey(ctx context.Context) ([]byte, error) {
	sealed, err := os.ReadFile(k.sealedPath)
	if err == nil {
		return k.unseal(ctx, sealed)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read sealed master key: %w", err)
	}

	result, err := k.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(k.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS generate data key failed: %w", err)
	}
	if len(result.Plaintext) != KeySize {
		return nil, fmt.Errorf("%w: KMS returned %d bytes", ErrInvalidKey, len(result.Plaintext))
	}
	if err := writeExclusive(k.sealedPath, result.CiphertextBlob); err != nil {
		return nil, err
	}

	log.Info().
		Str("path", k.sealedPath).
		Int("ciphertext_len", len(result.CiphertextBlob)).
		Msg("Sealed new master key with KMS")
	return result.Plaintext, nil
}

func (k *KMSKeySource) unseal(ctx context.Context, sealed []byte) ([]byte, error) {
	result, err := k.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(k.keyID),
		CiphertextBlob: sealed,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS decrypt failed: %w", err)
	}
	if len(result.Plaintext) != KeySize {
		return nil, fmt.Errorf("%w: KMS returned %d bytes", ErrInvalidKey, len(result.Plaintext))
	}

	log.Debug().Int("ciphertext_len", len(sealed)).Msg("KMS decrypt successful")
	return result.Plaintext, nil
}

// writeExclusive creates path with mode 0600, failing if it already exists.
func writeExclusive(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync key file: %w", err)
	}
	return f.Close()
}
