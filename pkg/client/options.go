package client

import (
	"errors"
	"log/slog"
	"time"

	"github.com/lightforgemedia/go-dmtp/pkg/resolver"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultRequestTimeout   = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultMailboxSize      = 64
)

type clientConfig struct {
	logger           *slog.Logger
	identity         string
	name             string
	resolver         resolver.Options
	handshakeTimeout time.Duration
	requestTimeout   time.Duration
	writeTimeout     time.Duration
	pingInterval     time.Duration
	mailboxSize      int
}

// Option configures Dial.
type Option func(*clientConfig)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithIdentity requests an identity. The service may assign another one
// depending on its identity strategy.
func WithIdentity(id string) Option {
	return func(c *clientConfig) {
		c.identity = id
	}
}

// WithName sets the display name sent in the Hello.
func WithName(name string) Option {
	return func(c *clientConfig) {
		c.name = name
	}
}

// WithResolverOptions selects the serializer and plugins. It must use the
// same serializer as the service.
func WithResolverOptions(opts resolver.Options) Option {
	return func(c *clientConfig) {
		c.resolver = opts
	}
}

func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		if timeout > 0 {
			c.handshakeTimeout = timeout
		}
	}
}

func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		if timeout > 0 {
			c.requestTimeout = timeout
		}
	}
}

func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		if timeout > 0 {
			c.writeTimeout = timeout
		}
	}
}

// WithPingInterval enables pings on WebSocket transports. Zero disables them.
func WithPingInterval(interval time.Duration) Option {
	return func(c *clientConfig) {
		c.pingInterval = interval
	}
}

func WithMailboxSize(n int) Option {
	return func(c *clientConfig) {
		if n > 0 {
			c.mailboxSize = n
		}
	}
}

// Options contains configuration values for DialWithOptions.
type Options struct {
	Logger           *slog.Logger
	Identity         string
	Name             string
	Resolver         resolver.Options
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MailboxSize      int
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:           slog.Default(),
		Resolver:         resolver.DefaultOptions(),
		HandshakeTimeout: defaultHandshakeTimeout,
		RequestTimeout:   defaultRequestTimeout,
		WriteTimeout:     defaultWriteTimeout,
		MailboxSize:      defaultMailboxSize,
	}
}

func (o Options) toOptions() ([]Option, error) {
	if o.HandshakeTimeout < 0 || o.RequestTimeout < 0 || o.WriteTimeout < 0 || o.PingInterval < 0 {
		return nil, errors.New("client: timeouts must be non-negative")
	}
	if o.MailboxSize < 0 {
		return nil, errors.New("client: MailboxSize must be non-negative")
	}
	return []Option{
		WithLogger(o.Logger),
		WithIdentity(o.Identity),
		WithName(o.Name),
		WithResolverOptions(o.Resolver),
		WithHandshakeTimeout(o.HandshakeTimeout),
		WithRequestTimeout(o.RequestTimeout),
		WithWriteTimeout(o.WriteTimeout),
		WithPingInterval(o.PingInterval),
		WithMailboxSize(o.MailboxSize),
	}, nil
}
