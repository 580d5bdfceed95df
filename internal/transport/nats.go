package transport

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/securechat/internal/model"
)

const defaultFlushTimeout = 5 * time.Second

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL             string
	CredentialsFile string
	Name            string
	ReconnectWait   time.Duration
	MaxReconnects   int
}

// NATSBus is a Bus over a NATS connection. Notifies are CBOR encoded.
type NATSBus struct {
	conn *nats.Conn

	mu    sync.Mutex
	hooks []func()
}

// NewNATSBus connects to NATS.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	b := &NATSBus{}

	name := cfg.Name
	if name == "" {
		name = "securechat"
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			b.runHooks()
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn
	return b, nil
}

// Publish sends a notify and waits for the server to acknowledge the flush.
func (b *NATSBus) Publish(ctx context.Context, channel string, notify model.Notify) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("%w: NATS %s", ErrUnavailable, b.Status())
	}

	data, err := model.Marshal(&notify)
	if err != nil {
		return fmt.Errorf("failed to encode notify: %w", err)
	}
	if err := b.conn.Publish(channel, data); err != nil {
		return fmt.Errorf("%w: publish: %v", ErrUnavailable, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%w: flush: %v", ErrUnavailable, err)
	}
	return nil
}

// Subscribe starts delivering notifies published on channel.
func (b *NATSBus) Subscribe(_ context.Context, channel string) (Subscription, error) {
	sub := newChannelSubscription(channel)

	ns, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
		var n model.Notify
		if err := model.Unmarshal(msg.Data, &n); err != nil || n.ID == "" {
			log.Warn().Str("subject", msg.Subject).Msg("Dropping malformed notify")
			return
		}
		sub.deliver(n)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe: %v", ErrUnavailable, err)
	}
	sub.cancel = ns.Unsubscribe

	log.Debug().Str("subject", channel).Msg("Subscribed to NATS")
	return sub, nil
}

// Connected returns true if connected to NATS.
func (b *NATSBus) Connected() bool {
	return b.conn.IsConnected()
}

// OnReconnect registers a hook run after every reconnect.
func (b *NATSBus) OnReconnect(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
}

func (b *NATSBus) runHooks() {
	b.mu.Lock()
	hooks := append([]func(){}, b.hooks...)
	b.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Status returns the connection status.
func (b *NATSBus) Status() string {
	switch b.conn.Status() {
	case nats.CONNECTED:
		return "connected"
	case nats.CONNECTING:
		return "connecting"
	case nats.RECONNECTING:
		return "reconnecting"
	case nats.DISCONNECTED:
		return "disconnected"
	case nats.CLOSED:
		return "closed"
	default:
		return "unknown"
	}
}

// Clock returns a server clock answering request/reply on subject.
func (b *NATSBus) Clock(subject string, timeout time.Duration) *NATSClock {
	return &NATSClock{conn: b.conn, subject: subject, timeout: timeout}
}

// Close drains subscriptions and closes the connection.
func (b *NATSBus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}
