package session

import (
	"log/slog"
	"time"
)

const (
	defaultMailboxSize    = 64
	defaultMaxBacklog     = 1024
	defaultRequestTimeout = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	closeNotifyTimeout    = 250 * time.Millisecond
)

type sessionConfig struct {
	logger         *slog.Logger
	mailboxSize    int
	maxBacklog     int
	requestTimeout time.Duration
	writeTimeout   time.Duration
	pingInterval   time.Duration
	origin         any
}

// Option configures a Session.
type Option func(*sessionConfig)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *sessionConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMailboxSize bounds the inbound action queue. Actions arriving while
// it is full wait in the backlog.
func WithMailboxSize(n int) Option {
	return func(c *sessionConfig) {
		if n > 0 {
			c.mailboxSize = n
		}
	}
}

// WithMaxBacklog bounds the actions parked behind a full mailbox. A session
// whose backlog overflows is closed with ErrMailboxOverflow.
func WithMaxBacklog(n int) Option {
	return func(c *sessionConfig) {
		if n > 0 {
			c.maxBacklog = n
		}
	}
}

// WithRequestTimeout sets the default wait for Request responses.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *sessionConfig) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithWriteTimeout bounds a single outbound frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *sessionConfig) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithPingInterval enables liveness pings on transports that support them.
// A failed ping closes the session.
func WithPingInterval(d time.Duration) Option {
	return func(c *sessionConfig) {
		c.pingInterval = d
	}
}

// WithOrigin attaches transport-origin context, such as the HTTP upgrade
// request of a WebSocket-hosted session.
func WithOrigin(origin any) Option {
	return func(c *sessionConfig) {
		c.origin = origin
	}
}
