package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable: the network or backend could not be reached.
	// Sends are queued; never surfaced by Send.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrCryptoPolicyViolation: a ciphertext declared a non-mandated algorithm.
	ErrCryptoPolicyViolation = errors.New("crypto policy violation")
	// ErrKeyResolutionFailure: the key epoch stayed unknown after a refresh.
	ErrKeyResolutionFailure = errors.New("key resolution failure")
	// ErrDecryptionFailure: tampered ciphertext or wrong key.
	ErrDecryptionFailure = errors.New("decryption failure")
	// ErrDuplicateMessage: the message id is already applied. Never returned
	// to callers; duplicates are dropped silently.
	ErrDuplicateMessage = errors.New("duplicate message")

	ErrInvalidInput = errors.New("invalid input")
)

// MessageError marks a failure tied to one message, so a conversation view
// can render it in place.
type MessageError struct {
	MessageID string
	Err       error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("message %s: %v", e.MessageID, e.Err)
}

func (e *MessageError) Unwrap() error {
	return e.Err
}
