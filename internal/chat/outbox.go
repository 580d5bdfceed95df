package chat

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/securechat/internal/groupkeys"
	"github.com/mesmerverse/securechat/internal/model"
	"github.com/mesmerverse/securechat/internal/transport"
)

// FlushResult summarizes one outbox flush.
type FlushResult struct {
	Attempted int
	Delivered int
	Remaining int
}

// FlushOutbox republishes queued messages, oldest first. Entries are removed
// only after a successful publish. Plaintext is re-read from the store.
func (s *Service) FlushOutbox(ctx context.Context) (FlushResult, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	var result FlushResult
	if !s.network.IsAvailable() {
		depth, err := s.store.OutboxDepth(ctx)
		result.Remaining = depth
		return result, err
	}

	entries, err := s.store.ListOutbox(ctx, s.batchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list outbox: %w", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}

		msg, err := s.store.Get(ctx, entry.MessageID)
		if err != nil {
			return result, fmt.Errorf("failed to load queued message %s: %w", entry.MessageID, err)
		}

		result.Attempted++
		s.setState(msg.MessageID, model.StatePublishAttempted)

		if perr := s.publish(ctx, msg); perr != nil {
			log.Debug().Err(perr).Str("message_id", msg.MessageID).Int("attempts", entry.Attempts+1).
				Msg("Outbox publish failed")
			if err := s.store.RecordOutboxAttempt(ctx, msg.MessageID, perr); err != nil {
				return result, fmt.Errorf("failed to record outbox attempt: %w", err)
			}
			s.setState(msg.MessageID, model.StateQueued)
			continue
		}

		if err := s.store.RemoveOutbox(ctx, msg.MessageID); err != nil {
			return result, fmt.Errorf("failed to remove outbox entry: %w", err)
		}
		s.setState(msg.MessageID, model.StateDelivered)
		s.stats.delivered.Add(1)
		result.Delivered++
	}

	depth, err := s.store.OutboxDepth(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to count outbox: %w", err)
	}
	result.Remaining = depth

	if result.Attempted > 0 {
		log.Info().Int("attempted", result.Attempted).Int("delivered", result.Delivered).
			Int("remaining", result.Remaining).Msg("Outbox flushed")
	}
	return result, nil
}

// requestFlush schedules a flush on the Run loop without blocking.
func (s *Service) requestFlush() {
	select {
	case s.flushNow <- struct{}{}:
	default:
	}
}

// publish encrypts msg for transport, stores the blob and sends the notify.
// Every failure is reported as ErrTransportUnavailable.
func (s *Service) publish(ctx context.Context, msg *model.Message) error {
	net, ok := s.network.Get()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransportUnavailable, s.network.Reason())
	}

	senderAgent, err := s.resolver.ResolveAgentID(ctx, msg.SenderID)
	if err != nil {
		return fmt.Errorf("%w: resolve sender: %v", ErrTransportUnavailable, err)
	}

	blob := &model.TransportBlob{
		MessageID:     msg.MessageID,
		SenderID:      msg.SenderID,
		SenderAgentID: senderAgent,
	}

	var channel string
	if msg.CommunityID != "" {
		members, err := s.members.Members(ctx, msg.CommunityID)
		if err != nil {
			return fmt.Errorf("%w: list members: %v", ErrTransportUnavailable, err)
		}
		key, err := s.keys.GetOrEstablishKey(ctx, msg.CommunityID, s.userID, members)
		if err != nil {
			return fmt.Errorf("%w: sender key: %v", ErrTransportUnavailable, err)
		}
		ct, err := groupkeys.Seal(key, msg.MessageID, msg.Body)
		if err != nil {
			return fmt.Errorf("%w: seal: %v", ErrTransportUnavailable, err)
		}
		blob.Target = model.Group(msg.CommunityID, key.KeyID)
		blob.Algorithm = model.AlgorithmSenderKeyAESGCMV1
		blob.Ciphertext = ct
		channel = transport.CommunityChannel(msg.CommunityID)
	} else {
		recipientAgent, err := s.resolver.ResolveAgentID(ctx, msg.RecipientID)
		if err != nil {
			return fmt.Errorf("%w: resolve recipient: %v", ErrTransportUnavailable, err)
		}
		sealed, err := s.pairwise.Encrypt(ctx, msg.RecipientID, msg.Body, directAD(msg.MessageID, msg.SenderID))
		if err != nil {
			return fmt.Errorf("%w: encrypt: %v", ErrTransportUnavailable, err)
		}
		blob.Target = model.Direct(msg.RecipientID)
		blob.Algorithm = sealed.Algorithm
		blob.Ciphertext = sealed.Ciphertext
		channel = transport.DirectChannel(recipientAgent)
	}

	blob.ServerTimestamp = s.now(ctx)
	if err := net.blobs.PutBlob(ctx, blob); err != nil {
		return fmt.Errorf("%w: put blob: %v", ErrTransportUnavailable, err)
	}

	notify := model.Notify{ID: msg.MessageID, Kind: blob.Target.Kind, SenderTag: senderAgent}
	if err := net.bus.Publish(ctx, channel, notify); err != nil {
		return fmt.Errorf("%w: notify: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// directAD binds a direct ciphertext to its message id and sender.
func directAD(messageID, senderID string) []byte {
	return []byte(messageID + "|" + senderID)
}
