package sealing

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

func TestFileKeySourceCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "master.key")
	src := &FileKeySource{Path: path}

	first, err := src.MasterKey(context.Background())
	if err != nil {
		t.Fatalf("MasterKey failed: %v", err)
	}
	if len(first) != KeySize {
		t.Fatalf("Expected %d-byte key, got %d", KeySize, len(first))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected mode 0600, got %v", info.Mode().Perm())
	}

	second, err := src.MasterKey(context.Background())
	if err != nil {
		t.Fatalf("MasterKey reload failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("Expected the same key on reload")
	}
}

func TestFileKeySourceRejectsWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	if err := os.WriteFile(path, []byte("short"), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	_, err := (&FileKeySource{Path: path}).MasterKey(context.Background())
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey, got %v", err)
	}
}

// mockKMS "encrypts" by reversing the plaintext.
type mockKMS struct {
	generateCalls int
	decryptCalls  int
	decryptErr    error
}

func (m *mockKMS) GenerateDataKey(_ context.Context, in *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	m.generateCalls++
	if aws.ToString(in.KeyId) == "" {
		return nil, errors.New("missing key id")
	}
	plaintext := bytes.Repeat([]byte{0x42}, KeySize)
	plaintext[0] = 0x01
	return &kms.GenerateDataKeyOutput{
		Plaintext:      plaintext,
		CiphertextBlob: reverse(plaintext),
	}, nil
}

func (m *mockKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	m.decryptCalls++
	if m.decryptErr != nil {
		return nil, m.decryptErr
	}
	return &kms.DecryptOutput{Plaintext: reverse(in.CiphertextBlob)}, nil
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

func TestKMSKeySourceSealsOnFirstRun(t *testing.T) {
	client := &mockKMS{}
	sealedPath := filepath.Join(t.TempDir(), "master.key.sealed")
	src, err := NewKMSKeySourceWithClient(client, "alias/securechat", sealedPath)
	if err != nil {
		t.Fatalf("NewKMSKeySourceWithClient failed: %v", err)
	}

	first, err := src.MasterKey(context.Background())
	if err != nil {
		t.Fatalf("MasterKey failed: %v", err)
	}
	if client.generateCalls != 1 || client.decryptCalls != 0 {
		t.Errorf("Expected one generate and no decrypt, got %d/%d", client.generateCalls, client.decryptCalls)
	}

	sealed, err := os.ReadFile(sealedPath)
	if err != nil {
		t.Fatalf("Expected sealed key on disk: %v", err)
	}
	if bytes.Equal(sealed, first) {
		t.Error("Sealed file must not hold the plaintext key")
	}

	second, err := src.MasterKey(context.Background())
	if err != nil {
		t.Fatalf("MasterKey reload failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("Expected the same key after unsealing")
	}
	if client.generateCalls != 1 || client.decryptCalls != 1 {
		t.Errorf("Expected reload to decrypt, got %d/%d", client.generateCalls, client.decryptCalls)
	}
}

func TestKMSKeySourceDecryptFailure(t *testing.T) {
	client := &mockKMS{decryptErr: errors.New("access denied")}
	sealedPath := filepath.Join(t.TempDir(), "master.key.sealed")
	if err := os.WriteFile(sealedPath, []byte("sealed"), 0600); err != nil {
		t.Fatalf("failed to write sealed key: %v", err)
	}
	src, err := NewKMSKeySourceWithClient(client, "alias/securechat", sealedPath)
	if err != nil {
		t.Fatalf("NewKMSKeySourceWithClient failed: %v", err)
	}
	if _, err := src.MasterKey(context.Background()); err == nil {
		t.Error("Expected decrypt failure to propagate")
	}
	if client.generateCalls != 0 {
		t.Error("A failed unseal must not mint a replacement key")
	}
}

func TestNewKMSKeySourceRequiresKeyID(t *testing.T) {
	if _, err := NewKMSKeySourceWithClient(&mockKMS{}, "", "/tmp/x"); err == nil {
		t.Error("Expected missing key id to be rejected")
	}
}
