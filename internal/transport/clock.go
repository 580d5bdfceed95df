package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mesmerverse/securechat/internal/capability"
	"github.com/mesmerverse/securechat/internal/model"
)

const defaultClockTimeout = 2 * time.Second

// Clock supplies the timestamps stamped on transport blobs.
type Clock interface {
	Now(ctx context.Context) (time.Time, error)
}

// SystemClock reads the local clock.
type SystemClock struct{}

func (SystemClock) Now(context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

// clockReply is the payload answered on the clock subject.
type clockReply struct {
	Now time.Time `cbor:"1,keyasint"`
}

// NATSClock asks the server for the time over request/reply.
type NATSClock struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
}

func (c *NATSClock) Now(ctx context.Context) (time.Time, error) {
	timeout := c.timeout
	if timeout <= 0 {
		timeout = defaultClockTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := c.conn.RequestWithContext(ctx, c.subject, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: clock request: %v", ErrUnavailable, err)
	}

	var reply clockReply
	if err := model.Unmarshal(msg.Data, &reply); err != nil || reply.Now.IsZero() {
		return time.Time{}, fmt.Errorf("%w: malformed clock reply", ErrUnavailable)
	}
	return reply.Now.UTC(), nil
}

// MonotonicClock stamps strictly increasing times. It prefers the server
// clock and falls back to the local clock while the server is unavailable.
type MonotonicClock struct {
	server Clock
	local  func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewMonotonicClock wraps server, which may be nil.
func NewMonotonicClock(server Clock) *MonotonicClock {
	return &MonotonicClock{server: server, local: time.Now}
}

// ServerTime reports the server time, or why it could not be read.
func (c *MonotonicClock) ServerTime(ctx context.Context) capability.Result[time.Time] {
	if c.server == nil {
		return capability.Unavailable[time.Time]("no server clock configured")
	}
	t, err := c.server.Now(ctx)
	if err != nil {
		return capability.Unavailable[time.Time](err.Error())
	}
	return capability.Available(t)
}

func (c *MonotonicClock) Now(ctx context.Context) (time.Time, error) {
	t := c.ServerTime(ctx).OrElse(c.local()).UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t, nil
}
