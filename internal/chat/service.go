// Package chat composes the local store, the encryptors and the transport
// into direct and community chat: local-first sends with an outbox, and a
// receive pipeline that fetches, decrypts and idempotently applies inbound
// messages.
package chat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/securechat/internal/capability"
	"github.com/mesmerverse/securechat/internal/identity"
	"github.com/mesmerverse/securechat/internal/model"
	"github.com/mesmerverse/securechat/internal/pairwise"
	"github.com/mesmerverse/securechat/internal/transport"
)

const (
	DefaultFetchTimeout    = 10 * time.Second
	DefaultFlushInterval   = 30 * time.Second
	DefaultRefreshInterval = time.Hour
	DefaultCleanupInterval = time.Hour
	DefaultBatchSize       = 100
	DefaultRetryInterval   = 5 * time.Second
	DefaultRetryMaxBackoff = 5 * time.Minute

	// maxReceiveAttempts bounds retries of transient receive failures.
	maxReceiveAttempts = 32
)

// Config wires a Service. Bus and Blobs are optional: without them the
// service runs storage-only.
type Config struct {
	UserID   string
	Store    Store
	Pairwise pairwise.Encryptor
	Keys     KeyManager
	Members  Members
	Resolver identity.Resolver
	Clock    transport.Clock

	Bus   transport.Bus
	Blobs transport.BlobStore

	FetchTimeout    time.Duration
	FlushInterval   time.Duration
	RefreshInterval time.Duration
	CleanupInterval time.Duration
	BatchSize       int
	// RetryInterval is how often parked inbound messages are checked, and
	// the first backoff step. RetryMaxBackoff caps the doubling.
	RetryInterval   time.Duration
	RetryMaxBackoff time.Duration
}

// network is the optional transport layer.
type network struct {
	bus   transport.Bus
	blobs transport.BlobStore
}

// Service is the chat orchestrator of one user session.
type Service struct {
	userID   string
	store    Store
	pairwise pairwise.Encryptor
	keys     KeyManager
	members  Members
	resolver identity.Resolver
	clock    transport.Clock
	network  capability.Result[network]

	fetchTimeout    time.Duration
	flushInterval   time.Duration
	refreshInterval time.Duration
	cleanupInterval time.Duration
	batchSize       int
	retryInterval   time.Duration
	retryMaxBackoff time.Duration

	mu       sync.Mutex
	states   map[string]model.DeliveryState
	inflight map[string]struct{}
	subs     map[*Subscription]struct{}

	flushMu  sync.Mutex
	flushNow chan struct{}

	stats counters
}

// SendResult is a locally persisted message and where it stands in delivery.
type SendResult struct {
	Message *model.Message
	State   model.DeliveryState
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.UserID == "" || cfg.Store == nil || cfg.Pairwise == nil || cfg.Keys == nil || cfg.Resolver == nil {
		return nil, fmt.Errorf("%w: user id, store, pairwise encryptor, key manager and resolver are required", ErrInvalidInput)
	}
	if cfg.Members == nil {
		cfg.Members = NewStaticMembers()
	}
	if cfg.Clock == nil {
		cfg.Clock = transport.NewMonotonicClock(nil)
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.RetryMaxBackoff < cfg.RetryInterval {
		cfg.RetryMaxBackoff = DefaultRetryMaxBackoff
	}

	s := &Service{
		userID:          cfg.UserID,
		store:           cfg.Store,
		pairwise:        cfg.Pairwise,
		keys:            cfg.Keys,
		members:         cfg.Members,
		resolver:        cfg.Resolver,
		clock:           cfg.Clock,
		fetchTimeout:    cfg.FetchTimeout,
		flushInterval:   cfg.FlushInterval,
		refreshInterval: cfg.RefreshInterval,
		cleanupInterval: cfg.CleanupInterval,
		batchSize:       cfg.BatchSize,
		retryInterval:   cfg.RetryInterval,
		retryMaxBackoff: cfg.RetryMaxBackoff,
		states:          make(map[string]model.DeliveryState),
		inflight:        make(map[string]struct{}),
		subs:            make(map[*Subscription]struct{}),
		flushNow:        make(chan struct{}, 1),
	}

	if cfg.Bus != nil && cfg.Blobs != nil {
		s.network = capability.Available(network{bus: cfg.Bus, blobs: cfg.Blobs})
		cfg.Bus.OnReconnect(s.requestFlush)
	} else {
		s.network = capability.Unavailable[network]("no network layer configured")
		log.Warn().Str("user_id", cfg.UserID).Msg("Chat running storage-only, sends will stay queued")
	}
	return s, nil
}

// Network reports whether a transport layer is configured.
func (s *Service) Network() capability.Result[struct{}] {
	if !s.network.IsAvailable() {
		return capability.Unavailable[struct{}](s.network.Reason())
	}
	return capability.Available(struct{}{})
}

// Connected reports whether the notify bus is reachable.
func (s *Service) Connected() bool {
	net, ok := s.network.Get()
	return ok && net.bus.Connected()
}

// SendDirect persists body as a message to recipientID and attempts
// delivery. Transport failures leave the message queued; only local store
// failures return an error.
func (s *Service) SendDirect(ctx context.Context, recipientID string, body []byte) (*SendResult, error) {
	if recipientID == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidInput)
	}
	return s.send(ctx, model.Direct(recipientID), body)
}

// SendGroup persists body as a message to a community and attempts delivery.
func (s *Service) SendGroup(ctx context.Context, communityID string, body []byte) (*SendResult, error) {
	if communityID == "" {
		return nil, fmt.Errorf("%w: community is required", ErrInvalidInput)
	}
	return s.send(ctx, model.Target{Kind: model.KindGroup, CommunityID: communityID}, body)
}

func (s *Service) send(ctx context.Context, target model.Target, body []byte) (*SendResult, error) {
	msg := &model.Message{
		MessageID:   uuid.NewString(),
		ChatID:      target.ChatID(s.userID),
		SenderID:    s.userID,
		RecipientID: target.RecipientID,
		CommunityID: target.CommunityID,
		Body:        append([]byte(nil), body...),
		Timestamp:   s.now(ctx),
	}

	if err := s.store.Save(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to save message locally: %w", err)
	}
	s.setState(msg.MessageID, model.StateCreated)

	state, err := s.deliver(ctx, msg)
	if err != nil {
		return nil, err
	}
	return &SendResult{Message: msg, State: state}, nil
}

// deliver attempts a publish and queues the message on failure. The
// returned error is always a local store failure.
func (s *Service) deliver(ctx context.Context, msg *model.Message) (model.DeliveryState, error) {
	s.setState(msg.MessageID, model.StatePublishAttempted)

	err := s.publish(ctx, msg)
	if err == nil {
		s.setState(msg.MessageID, model.StateDelivered)
		s.stats.sent.Add(1)
		s.stats.delivered.Add(1)
		return model.StateDelivered, nil
	}

	log.Debug().Err(err).Str("message_id", msg.MessageID).Msg("Publish failed, queueing message")
	entry := model.OutboxEntry{
		MessageID:   msg.MessageID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		CommunityID: msg.CommunityID,
		EnqueuedAt:  time.Now().UTC(),
	}
	if qerr := s.store.EnqueueOutbox(ctx, entry); qerr != nil {
		return "", fmt.Errorf("failed to queue message: %w", qerr)
	}
	if rerr := s.store.RecordOutboxAttempt(ctx, msg.MessageID, err); rerr != nil {
		return "", fmt.Errorf("failed to record publish attempt: %w", rerr)
	}
	s.setState(msg.MessageID, model.StateQueued)
	s.stats.queued.Add(1)
	return model.StateQueued, nil
}

// History returns a conversation most-recent-first.
func (s *Service) History(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	if chatID == "" {
		return nil, fmt.Errorf("%w: chat id is required", ErrInvalidInput)
	}
	return s.store.QueryByChat(ctx, chatID, limit)
}

// MarkRead sets the read flag of a stored message.
func (s *Service) MarkRead(ctx context.Context, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidInput)
	}
	return s.store.MarkRead(ctx, messageID)
}

// DeliveryState returns the state of an outgoing message. After a restart
// the state is recovered from the outbox: queued if an entry remains,
// delivered otherwise.
func (s *Service) DeliveryState(ctx context.Context, messageID string) (model.DeliveryState, error) {
	s.mu.Lock()
	state, ok := s.states[messageID]
	s.mu.Unlock()
	if ok {
		return state, nil
	}

	queued, err := s.store.IsQueued(ctx, messageID)
	if err != nil {
		return "", err
	}
	if queued {
		return model.StateQueued, nil
	}

	msg, err := s.store.Get(ctx, messageID)
	if err != nil {
		return "", err
	}
	if msg.SenderID != s.userID {
		return "", fmt.Errorf("%w: %s is not an outgoing message", ErrInvalidInput, messageID)
	}
	return model.StateDelivered, nil
}

// RotateCommunityKey starts a new sender key epoch for the community's
// current members.
func (s *Service) RotateCommunityKey(ctx context.Context, communityID string) (int64, error) {
	members, err := s.members.Members(ctx, communityID)
	if err != nil {
		return 0, fmt.Errorf("failed to list members: %w", err)
	}
	key, err := s.keys.Rotate(ctx, communityID, s.userID, members)
	if err != nil {
		return 0, err
	}
	return key.KeyID, nil
}

func (s *Service) setState(messageID string, to model.DeliveryState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, tracked := s.states[messageID]
	if tracked && !model.CanTransition(from, to) {
		log.Warn().Str("message_id", messageID).Str("from", string(from)).Str("to", string(to)).
			Msg("Ignoring invalid delivery state transition")
		return
	}
	if to.Terminal() {
		// Delivered is recovered from the store; stop tracking it here.
		delete(s.states, messageID)
		return
	}
	s.states[messageID] = to
}

func (s *Service) now(ctx context.Context) time.Time {
	t, err := s.clock.Now(ctx)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

// counters backs Stats.
type counters struct {
	sent              atomic.Int64
	queued            atomic.Int64
	delivered         atomic.Int64
	applied           atomic.Int64
	duplicates        atomic.Int64
	policyViolations  atomic.Int64
	keyFailures       atomic.Int64
	decryptFailures   atomic.Int64
	transientFailures atomic.Int64
	abandoned         atomic.Int64
}

// Stats is a snapshot of the service counters.
type Stats struct {
	Sent              int64 `json:"sent"`
	Queued            int64 `json:"queued"`
	Delivered         int64 `json:"delivered"`
	Applied           int64 `json:"applied"`
	Duplicates        int64 `json:"duplicates"`
	PolicyViolations  int64 `json:"policy_violations"`
	KeyFailures       int64 `json:"key_failures"`
	DecryptFailures   int64 `json:"decrypt_failures"`
	TransientFailures int64 `json:"transient_failures"`
	Abandoned         int64 `json:"abandoned"`
}

// Stats returns the current counters.
func (s *Service) Stats() Stats {
	return Stats{
		Sent:              s.stats.sent.Load(),
		Queued:            s.stats.queued.Load(),
		Delivered:         s.stats.delivered.Load(),
		Applied:           s.stats.applied.Load(),
		Duplicates:        s.stats.duplicates.Load(),
		PolicyViolations:  s.stats.policyViolations.Load(),
		KeyFailures:       s.stats.keyFailures.Load(),
		DecryptFailures:   s.stats.decryptFailures.Load(),
		TransientFailures: s.stats.transientFailures.Load(),
		Abandoned:         s.stats.abandoned.Load(),
	}
}

// OutboxDepth returns the number of queued messages.
func (s *Service) OutboxDepth(ctx context.Context) (int, error) {
	return s.store.OutboxDepth(ctx)
}
