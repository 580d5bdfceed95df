package transport

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/securechat/internal/model"
)

// channelSubscription delivers notifies into a buffered channel that is
// safe to close while deliveries are in flight. Notifies that find the
// buffer full wait in an overflow queue instead of being dropped, so a slow
// consumer never blocks the publisher or the NATS dispatcher.
type channelSubscription struct {
	channel string
	ch      chan model.Notify
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	// pending is drained into ch, in order, by a single pump goroutine.
	pending []model.Notify
	pumping bool
	cancel  func() error
}

func newChannelSubscription(channel string) *channelSubscription {
	return &channelSubscription{
		channel: channel,
		ch:      make(chan model.Notify, subscriptionBuffer),
		done:    make(chan struct{}),
	}
}

func (s *channelSubscription) C() <-chan model.Notify {
	return s.ch
}

func (s *channelSubscription) deliver(n model.Notify) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if !s.pumping {
		select {
		case s.ch <- n:
			return
		default:
		}
	}

	if len(s.pending) >= maxPendingNotifies {
		log.Warn().Str("channel", s.channel).Str("message_id", n.ID).Msg("Notify overflow full, dropping notify")
		return
	}
	s.pending = append(s.pending, n)
	if !s.pumping {
		s.pumping = true
		go s.pump()
	}
}

// pump moves queued notifies into ch. While it runs it owns closing ch.
func (s *channelSubscription) pump() {
	for {
		s.mu.Lock()
		if s.closed || len(s.pending) == 0 {
			s.pumping = false
			s.pending = nil
			if s.closed {
				close(s.ch)
			}
			s.mu.Unlock()
			return
		}
		n := s.pending[0]
		s.mu.Unlock()

		select {
		case s.ch <- n:
			s.mu.Lock()
			s.pending = s.pending[1:]
			s.mu.Unlock()
		case <-s.done:
		}
	}
}

// Pending returns how many notifies wait in the overflow queue.
func (s *channelSubscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *channelSubscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	if !s.pumping {
		close(s.ch)
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		return cancel()
	}
	return nil
}
