// Package transport carries messages between devices: a payloadless notify
// bus, a ciphertext blob store addressable by message id, and the server
// clock used to stamp blobs.
package transport

import (
	"context"
	"errors"

	"github.com/mesmerverse/securechat/internal/model"
)

var (
	// ErrUnavailable means the network or backend could not be reached.
	ErrUnavailable  = errors.New("transport unavailable")
	ErrBlobNotFound = errors.New("blob not found")
)

const (
	directChannelPrefix    = "chat.inbox."
	communityChannelPrefix = "chat.community."

	subscriptionBuffer = 256
	maxPendingNotifies = 1 << 16
)

// DirectChannel is the inbox channel of an agent.
func DirectChannel(agentID string) string {
	return directChannelPrefix + agentID
}

// CommunityChannel is the stream channel of a community.
func CommunityChannel(communityID string) string {
	return communityChannelPrefix + communityID
}

// Bus is the realtime metadata channel. It only ever carries notifies.
type Bus interface {
	Publish(ctx context.Context, channel string, notify model.Notify) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Connected() bool
	// OnReconnect registers fn to run each time the bus regains its connection.
	OnReconnect(fn func())
}

// Subscription is a stream of notifies on one channel. C is closed by Unsubscribe.
type Subscription interface {
	C() <-chan model.Notify
	Unsubscribe() error
}

// BlobStore holds transport ciphertext by message id.
type BlobStore interface {
	PutBlob(ctx context.Context, blob *model.TransportBlob) error
	// GetBlob returns ErrBlobNotFound when no blob exists for the id.
	GetBlob(ctx context.Context, messageID string) (*model.TransportBlob, error)
}
