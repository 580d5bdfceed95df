package chat

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Run drives the background work of the session until ctx is done: outbox
// flushes (periodic and on bus reconnect), eligibility refresh of subscribed
// communities, retries of parked inbound messages, and cleanup of the
// rejected-message table.
func (s *Service) Run(ctx context.Context) error {
	go s.keys.RefreshLoop(ctx, s.refreshInterval, s.subscribedCommunities, s.retryParked)

	flushTicker := time.NewTicker(s.flushInterval)
	defer flushTicker.Stop()
	cleanupTicker := time.NewTicker(s.cleanupInterval)
	defer cleanupTicker.Stop()
	retryTicker := time.NewTicker(s.retryInterval)
	defer retryTicker.Stop()

	s.flush(ctx)

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return nil
		case <-flushTicker.C:
			s.flush(ctx)
		case <-s.flushNow:
			s.flush(ctx)
		case <-retryTicker.C:
			s.retryDue()
		case <-cleanupTicker.C:
			deleted, err := s.store.CleanupRejected(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to clean up rejected messages")
			} else if deleted > 0 {
				log.Debug().Int64("deleted", deleted).Msg("Cleaned up rejected messages")
			}
		}
	}
}

func (s *Service) flush(ctx context.Context) {
	if _, err := s.FlushOutbox(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Outbox flush failed")
	}
}

// Close ends every open subscription.
func (s *Service) Close() {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
