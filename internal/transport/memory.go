package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/mesmerverse/securechat/internal/model"
)

// MemoryBus is an in-process Bus for development mode and tests.
type MemoryBus struct {
	mu     sync.Mutex
	online bool
	subs   map[string][]*channelSubscription
	hooks  []func()
}

// NewMemoryBus creates a connected in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		online: true,
		subs:   make(map[string][]*channelSubscription),
	}
}

// SetOnline simulates an outage or a reconnect. Coming back online runs the
// reconnect hooks.
func (b *MemoryBus) SetOnline(online bool) {
	b.mu.Lock()
	reconnected := online && !b.online
	b.online = online
	hooks := append([]func(){}, b.hooks...)
	b.mu.Unlock()

	if reconnected {
		for _, fn := range hooks {
			fn()
		}
	}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, notify model.Notify) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if !b.online {
		b.mu.Unlock()
		return fmt.Errorf("%w: bus offline", ErrUnavailable)
	}
	subs := append([]*channelSubscription{}, b.subs[channel]...)
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(notify)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, channel string) (Subscription, error) {
	sub := newChannelSubscription(channel)
	sub.cancel = func() error {
		b.remove(channel, sub)
		return nil
	}

	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *MemoryBus) remove(channel string, sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[channel]
	for i, s := range subs {
		if s == sub {
			b.subs[channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[channel]) == 0 {
		delete(b.subs, channel)
	}
}

func (b *MemoryBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

func (b *MemoryBus) OnReconnect(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
}

// Subscribers returns how many subscriptions are open on channel.
func (b *MemoryBus) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

// MemoryBlobStore is an in-process BlobStore. Blobs are kept encoded, as
// they would be on the wire.
type MemoryBlobStore struct {
	mu     sync.RWMutex
	online bool
	blobs  map[string][]byte
}

// NewMemoryBlobStore creates an empty, reachable blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{online: true, blobs: make(map[string][]byte)}
}

// SetOnline simulates the blob store becoming reachable or unreachable.
func (s *MemoryBlobStore) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = online
}

func (s *MemoryBlobStore) PutBlob(ctx context.Context, blob *model.TransportBlob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := model.Marshal(blob)
	if err != nil {
		return fmt.Errorf("failed to encode blob: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online {
		return fmt.Errorf("%w: blob store offline", ErrUnavailable)
	}
	s.blobs[blob.MessageID] = data
	return nil
}

func (s *MemoryBlobStore) GetBlob(ctx context.Context, messageID string) (*model.TransportBlob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	online := s.online
	data, ok := s.blobs[messageID]
	s.mu.RUnlock()

	if !online {
		return nil, fmt.Errorf("%w: blob store offline", ErrUnavailable)
	}
	if !ok {
		return nil, ErrBlobNotFound
	}

	var blob model.TransportBlob
	if err := model.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("failed to decode blob: %w", err)
	}
	return &blob, nil
}

// Delete removes a blob.
func (s *MemoryBlobStore) Delete(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, messageID)
}
