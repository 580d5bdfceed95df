// Package model defines the data model shared by the messaging subsystem:
// conversations, messages, transport blobs and the group key records.
package model

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

var (
	ErrEmptyParticipant = errors.New("participant id is required")
	ErrInvalidTarget    = errors.New("invalid message target")
)

// DirectChatID returns the conversation id for a 1:1 chat.
// The result depends only on the pair, not on the argument order. The first
// id is length-prefixed so distinct pairs never share an id.
func DirectChatID(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return "dm_" + strconv.Itoa(len(pair[0])) + ":" + pair[0] + ":" + pair[1]
}

// CommunityChatID returns the conversation id for a community stream.
func CommunityChatID(communityID string) string {
	return "community_" + communityID
}

// Algorithm tags the cipher a transport ciphertext was produced with.
type Algorithm string

const (
	AlgorithmPairwiseRatchetV1 Algorithm = "pairwiseRatchetV1"
	AlgorithmSenderKeyAESGCMV1 Algorithm = "senderKeyAesGcmV1"
)

// Valid reports whether a is a member of the accepted algorithm set.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmPairwiseRatchetV1, AlgorithmSenderKeyAESGCMV1:
		return true
	default:
		return false
	}
}

// Kind distinguishes direct from group traffic.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// MandatedAlgorithm returns the only algorithm accepted for the kind.
func (k Kind) MandatedAlgorithm() Algorithm {
	if k == KindGroup {
		return AlgorithmSenderKeyAESGCMV1
	}
	return AlgorithmPairwiseRatchetV1
}

// Target is the addressing variant of a message: Direct{RecipientID} or
// Group{CommunityID, KeyID}.
type Target struct {
	Kind        Kind   `cbor:"1,keyasint" json:"kind"`
	RecipientID string `cbor:"2,keyasint,omitempty" json:"recipient_id,omitempty"`
	CommunityID string `cbor:"3,keyasint,omitempty" json:"community_id,omitempty"`
	KeyID       int64  `cbor:"4,keyasint,omitempty" json:"key_id,omitempty"`
}

// Direct addresses a 1:1 message.
func Direct(recipientID string) Target {
	return Target{Kind: KindDirect, RecipientID: recipientID}
}

// Group addresses a community message encrypted under keyID.
func Group(communityID string, keyID int64) Target {
	return Target{Kind: KindGroup, CommunityID: communityID, KeyID: keyID}
}

// Validate checks that the variant fields are consistent.
func (t Target) Validate() error {
	switch t.Kind {
	case KindDirect:
		if t.RecipientID == "" || t.CommunityID != "" {
			return fmt.Errorf("%w: direct target needs only a recipient", ErrInvalidTarget)
		}
	case KindGroup:
		if t.CommunityID == "" || t.RecipientID != "" {
			return fmt.Errorf("%w: group target needs only a community", ErrInvalidTarget)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTarget, t.Kind)
	}
	return nil
}

// ChatID returns the conversation a message from senderID to t belongs to.
func (t Target) ChatID(senderID string) string {
	if t.Kind == KindGroup {
		return CommunityChatID(t.CommunityID)
	}
	return DirectChatID(senderID, t.RecipientID)
}

// Message is a message as owned by the local store. Body holds plaintext in
// memory only; it is sealed before it touches disk.
type Message struct {
	MessageID   string    `json:"message_id"`
	ChatID      string    `json:"chat_id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id,omitempty"`
	CommunityID string    `json:"community_id,omitempty"`
	Body        []byte    `json:"-"`
	Timestamp   time.Time `json:"timestamp"`
	Read        bool      `json:"read"`
}

// Target rebuilds the addressing variant of the message. The key id is not
// known at this level and is left zero.
func (m *Message) Target() Target {
	if m.CommunityID != "" {
		return Target{Kind: KindGroup, CommunityID: m.CommunityID}
	}
	return Direct(m.RecipientID)
}

// TransportBlob carries ciphertext over the wire, addressable by message id.
type TransportBlob struct {
	MessageID       string    `cbor:"1,keyasint"`
	SenderID        string    `cbor:"2,keyasint"`
	SenderAgentID   string    `cbor:"3,keyasint"`
	Target          Target    `cbor:"4,keyasint"`
	Algorithm       Algorithm `cbor:"5,keyasint"`
	Ciphertext      []byte    `cbor:"6,keyasint"`
	ServerTimestamp time.Time `cbor:"7,keyasint"`
}

// Notify is the payloadless realtime event: an id and routing tags, never content.
type Notify struct {
	ID        string `cbor:"1,keyasint"`
	Kind      Kind   `cbor:"2,keyasint"`
	SenderTag string `cbor:"3,keyasint,omitempty"`
}

// SenderKey is one epoch of a community's shared symmetric key.
type SenderKey struct {
	CommunityID string
	KeyID       int64
	Key         []byte
	CreatedAt   time.Time
}

// KeyShare is a sender key pairwise-encrypted for a single member.
type KeyShare struct {
	CommunityID   string `cbor:"1,keyasint"`
	KeyID         int64  `cbor:"2,keyasint"`
	RecipientID   string `cbor:"3,keyasint"`
	DistributorID string `cbor:"4,keyasint"`
	Envelope      []byte `cbor:"5,keyasint"`
}

// OutboxEntry references a locally stored message awaiting transport.
// Plaintext is never duplicated here.
type OutboxEntry struct {
	MessageID     string
	SenderID      string
	RecipientID   string
	CommunityID   string
	EnqueuedAt    time.Time
	Attempts      int
	LastAttemptAt time.Time
	LastError     string
}

// MembershipMarker authorizes a realtime subscription to a community stream.
// Holding it does not imply holding the key.
type MembershipMarker struct {
	CommunityID  string    `cbor:"1,keyasint"`
	UserID       string    `cbor:"2,keyasint"`
	CurrentKeyID int64     `cbor:"3,keyasint"`
	UpdatedAt    time.Time `cbor:"4,keyasint"`
}

// PrekeyBundle carries the public halves a peer needs to open a session.
type PrekeyBundle struct {
	UserID       string `cbor:"1,keyasint"`
	IdentityKey  []byte `cbor:"2,keyasint"`
	SignedPrekey []byte `cbor:"3,keyasint"`
}
