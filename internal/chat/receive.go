package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/securechat/internal/groupkeys"
	"github.com/mesmerverse/securechat/internal/model"
	"github.com/mesmerverse/securechat/internal/storage"
	"github.com/mesmerverse/securechat/internal/transport"
)

// Event is one outcome of the receive pipeline: an applied message, or a
// MessageError for a message that could not be decrypted.
type Event struct {
	MessageID string
	Message   *model.Message
	Err       error
}

// Subscription streams inbound messages for one channel. Work still in
// flight when Close is called is discarded, never applied.
type Subscription struct {
	communityID string
	events      chan Event
	retry       chan struct{}
	done        chan struct{}
	cancel      context.CancelFunc
	bus         transport.Subscription
	closeOnce   sync.Once
	onClose     func(*Subscription)

	mu     sync.Mutex
	parked map[string]parkedMessage
}

// parkedMessage is an inbound message waiting to be received again.
// keyWait marks a missing key epoch; those are kept until resolved.
type parkedMessage struct {
	attempts int
	due      time.Time
	keyWait  bool
}

// Events returns the event stream. It is closed after Close.
func (sub *Subscription) Events() <-chan Event {
	return sub.events
}

// Close stops consuming notifies.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() {
		close(sub.done)
		sub.cancel()
		if err := sub.bus.Unsubscribe(); err != nil {
			log.Debug().Err(err).Msg("Unsubscribe failed")
		}
		if sub.onClose != nil {
			sub.onClose(sub)
		}
	})
}

func (sub *Subscription) closed() bool {
	select {
	case <-sub.done:
		return true
	default:
		return false
	}
}

func (sub *Subscription) emit(ev Event) {
	if sub.closed() {
		return
	}
	select {
	case sub.events <- ev:
	case <-sub.done:
	}
}

func (sub *Subscription) park(messageID string, p parkedMessage) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.parked[messageID] = p
}

// unpark removes a message and returns how often it was attempted.
func (sub *Subscription) unpark(messageID string) int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	p := sub.parked[messageID]
	delete(sub.parked, messageID)
	return p.attempts
}

// due lists parked messages whose backoff has elapsed at now.
func (sub *Subscription) due(now time.Time) []string {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	var ids []string
	for id, p := range sub.parked {
		if !now.Before(p.due) {
			ids = append(ids, id)
		}
	}
	return ids
}

// expedite makes every parked message waiting on a key due now.
func (sub *Subscription) expedite() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for id, p := range sub.parked {
		if p.keyWait {
			p.due = time.Time{}
			sub.parked[id] = p
		}
	}
}

func (sub *Subscription) wake() {
	select {
	case sub.retry <- struct{}{}:
	default:
	}
}

// Parked returns how many messages wait to be received again.
func (sub *Subscription) Parked() int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return len(sub.parked)
}

// SubscribeDirect streams messages sent to this user's inbox.
func (s *Service) SubscribeDirect(ctx context.Context) (*Subscription, error) {
	agentID, err := s.resolver.ResolveAgentID(ctx, s.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve agent id: %w", err)
	}
	return s.subscribe(ctx, transport.DirectChannel(agentID), "")
}

// SubscribeCommunity streams messages of a community. The eligibility
// marker is refreshed first; a failed refresh is retried by Run.
func (s *Service) SubscribeCommunity(ctx context.Context, communityID string) (*Subscription, error) {
	if communityID == "" {
		return nil, fmt.Errorf("%w: community is required", ErrInvalidInput)
	}
	if _, err := s.keys.EnsureCurrentKeyAndMembership(ctx, communityID, s.userID); err != nil {
		log.Warn().Err(err).Str("community_id", communityID).Msg("Eligibility refresh on subscribe failed")
	}
	return s.subscribe(ctx, transport.CommunityChannel(communityID), communityID)
}

func (s *Service) subscribe(ctx context.Context, channel, communityID string) (*Subscription, error) {
	net, ok := s.network.Get()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransportUnavailable, s.network.Reason())
	}

	busSub, err := net.bus.Subscribe(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		communityID: communityID,
		events:      make(chan Event, 64),
		retry:       make(chan struct{}, 1),
		done:        make(chan struct{}),
		cancel:      cancel,
		bus:         busSub,
		parked:      make(map[string]parkedMessage),
		onClose:     s.removeSubscription,
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go s.consume(subCtx, sub, net.blobs)
	log.Debug().Str("channel", channel).Msg("Chat subscription started")
	return sub, nil
}

func (s *Service) removeSubscription(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

// subscribedCommunities lists communities with an open subscription.
func (s *Service) subscribedCommunities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var ids []string
	for sub := range s.subs {
		if sub.communityID != "" && !seen[sub.communityID] {
			seen[sub.communityID] = true
			ids = append(ids, sub.communityID)
		}
	}
	return ids
}

// retryParked makes the key-waiting messages of a community due after a key
// refresh and wakes its subscriptions.
func (s *Service) retryParked(communityID string, _ int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subs {
		if sub.communityID != communityID {
			continue
		}
		sub.expedite()
		sub.wake()
	}
}

// retryDue wakes every subscription so messages past their backoff are
// received again.
func (s *Service) retryDue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		sub.wake()
	}
}

// retryDelay doubles the retry interval per attempt up to the maximum backoff.
func (s *Service) retryDelay(attempts int) time.Duration {
	d := s.retryInterval
	for i := 1; i < attempts && d < s.retryMaxBackoff; i++ {
		d *= 2
	}
	if d > s.retryMaxBackoff {
		d = s.retryMaxBackoff
	}
	return d
}

func (s *Service) parkForRetry(sub *Subscription, messageID string, attempts int, keyWait bool) {
	if !keyWait && attempts > maxReceiveAttempts {
		s.stats.abandoned.Add(1)
		log.Warn().Str("message_id", messageID).Int("attempts", attempts-1).Msg("Giving up on inbound message")
		return
	}
	sub.park(messageID, parkedMessage{
		attempts: attempts,
		due:      time.Now().Add(s.retryDelay(attempts)),
		keyWait:  keyWait,
	})
}

func (s *Service) consume(ctx context.Context, sub *Subscription, blobs transport.BlobStore) {
	defer close(sub.events)

	for {
		select {
		case <-ctx.Done():
			sub.Close()
			return
		case <-sub.done:
			return
		case n, ok := <-sub.bus.C():
			if !ok {
				return
			}
			s.handle(ctx, sub, blobs, n.ID)
		case <-sub.retry:
			for _, id := range sub.due(time.Now()) {
				s.handle(ctx, sub, blobs, id)
			}
		}
	}
}

// handle runs the receive pipeline for one message id. Failures are
// recovered here; only decryption failures reach the caller, as events.
// Missing keys and transient failures park the message for a later retry.
func (s *Service) handle(ctx context.Context, sub *Subscription, blobs transport.BlobStore, messageID string) {
	if messageID == "" {
		return
	}
	if !s.claim(messageID) {
		return
	}
	defer s.release(messageID)
	attempts := sub.unpark(messageID) + 1

	msg, err := s.receive(ctx, sub, blobs, messageID)
	switch {
	case err == nil && msg == nil:
		return
	case errors.Is(err, ErrDecryptionFailure):
		s.stats.decryptFailures.Add(1)
		log.Warn().Err(err).Str("message_id", messageID).Msg("Inbound message could not be decrypted")
		sub.emit(Event{MessageID: messageID, Err: &MessageError{MessageID: messageID, Err: ErrDecryptionFailure}})
		return
	case errors.Is(err, ErrKeyResolutionFailure):
		s.stats.keyFailures.Add(1)
		log.Info().Err(err).Str("message_id", messageID).Msg("Key unresolved, message parked until next refresh")
		s.parkForRetry(sub, messageID, attempts, true)
		return
	case errors.Is(err, ErrCryptoPolicyViolation):
		return
	case err != nil:
		if sub.closed() {
			return
		}
		s.stats.transientFailures.Add(1)
		log.Debug().Err(err).Str("message_id", messageID).Int("attempts", attempts).Msg("Inbound message not applied, parked for retry")
		s.parkForRetry(sub, messageID, attempts, false)
		return
	}

	// The subscription may have closed while the message was being fetched.
	if sub.closed() {
		log.Debug().Str("message_id", messageID).Msg("Subscription closed, discarding result")
		return
	}

	applied, err := s.Apply(ctx, msg)
	if err != nil {
		log.Error().Err(err).Str("message_id", messageID).Msg("Failed to apply inbound message")
		return
	}
	if applied {
		s.stats.applied.Add(1)
		sub.emit(Event{MessageID: messageID, Message: msg})
	}
}

func (s *Service) receive(ctx context.Context, sub *Subscription, blobs transport.BlobStore, messageID string) (*model.Message, error) {
	exists, err := s.store.Exists(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if exists {
		s.stats.duplicates.Add(1)
		return nil, nil
	}
	rejected, err := s.store.IsRejected(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if rejected {
		return nil, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	blob, err := blobs.GetBlob(fetchCtx, messageID)
	if errors.Is(err, transport.ErrBlobNotFound) {
		log.Debug().Str("message_id", messageID).Msg("Blob absent, ignoring notify")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetch blob: %v", ErrTransportUnavailable, err)
	}

	if err := s.checkPolicy(sub, messageID, blob); err != nil {
		s.stats.policyViolations.Add(1)
		log.Warn().Err(err).Str("message_id", messageID).Str("sender_id", blob.SenderID).
			Str("algorithm", string(blob.Algorithm)).Msg("SECURITY: Rejected inbound message")
		if merr := s.store.MarkRejected(ctx, messageID, err.Error()); merr != nil {
			log.Error().Err(merr).Str("message_id", messageID).Msg("Failed to record rejected message")
		}
		return nil, err
	}

	body, err := s.decrypt(fetchCtx, blob)
	if err != nil {
		return nil, err
	}

	return &model.Message{
		MessageID:   blob.MessageID,
		ChatID:      blob.Target.ChatID(blob.SenderID),
		SenderID:    blob.SenderID,
		RecipientID: blob.Target.RecipientID,
		CommunityID: blob.Target.CommunityID,
		Body:        body,
		Timestamp:   blob.ServerTimestamp,
	}, nil
}

// checkPolicy enforces the mandated algorithm for the target variant and
// that the blob belongs to the subscription it arrived on.
func (s *Service) checkPolicy(sub *Subscription, messageID string, blob *model.TransportBlob) error {
	if blob.MessageID != messageID {
		return fmt.Errorf("%w: blob id %s does not match notify", ErrCryptoPolicyViolation, blob.MessageID)
	}
	if err := blob.Target.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoPolicyViolation, err)
	}
	if !blob.Algorithm.Valid() {
		return fmt.Errorf("%w: unknown algorithm %q", ErrCryptoPolicyViolation, blob.Algorithm)
	}
	if want := blob.Target.Kind.MandatedAlgorithm(); blob.Algorithm != want {
		return fmt.Errorf("%w: %s message declared %q, want %q", ErrCryptoPolicyViolation, blob.Target.Kind, blob.Algorithm, want)
	}

	if sub.communityID == "" {
		if blob.Target.Kind != model.KindDirect || blob.Target.RecipientID != s.userID {
			return fmt.Errorf("%w: direct inbox received a message not addressed to this user", ErrCryptoPolicyViolation)
		}
	} else if blob.Target.CommunityID != sub.communityID {
		return fmt.Errorf("%w: community stream received a message for %q", ErrCryptoPolicyViolation, blob.Target.CommunityID)
	}
	return nil
}

// decrypt selects the key source by target variant.
func (s *Service) decrypt(ctx context.Context, blob *model.TransportBlob) ([]byte, error) {
	if blob.Target.Kind == model.KindGroup {
		key, err := s.keys.GetKeyForMessage(ctx, blob.Target.CommunityID, s.userID, blob.Target.KeyID)
		if errors.Is(err, groupkeys.ErrKeyResolution) {
			return nil, fmt.Errorf("%w: %v", ErrKeyResolutionFailure, err)
		}
		if err != nil {
			return nil, err
		}
		body, err := groupkeys.Open(key, blob.MessageID, blob.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
		}
		return body, nil
	}

	body, err := s.pairwise.Decrypt(ctx, blob.SenderID, blob.Ciphertext, directAD(blob.MessageID, blob.SenderID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	return body, nil
}

// Apply stores an inbound message unless its id is already present.
// Duplicates are not errors; Apply reports whether the message was new.
func (s *Service) Apply(ctx context.Context, msg *model.Message) (bool, error) {
	if msg == nil || msg.MessageID == "" {
		return false, fmt.Errorf("%w: message id is required", ErrInvalidInput)
	}
	exists, err := s.store.Exists(ctx, msg.MessageID)
	if err != nil {
		return false, err
	}
	if exists {
		s.stats.duplicates.Add(1)
		return false, nil
	}

	if err := s.store.Save(ctx, msg); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			s.stats.duplicates.Add(1)
			return false, nil
		}
		return false, fmt.Errorf("failed to apply message: %w", err)
	}
	return true, nil
}

// claim marks a message id as being processed so concurrent subscriptions
// never decrypt the same ratchet message twice.
func (s *Service) claim(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[messageID]; busy {
		return false
	}
	s.inflight[messageID] = struct{}{}
	return true
}

func (s *Service) release(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, messageID)
}
