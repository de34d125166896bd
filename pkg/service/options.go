package service

import (
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/lightforgemedia/go-dmtp/pkg/resolver"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultMailboxSize      = 64
	defaultRequestTimeout   = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultEventBuffer      = 64
	defaultName             = "dmtp"
)

// ConflictPolicy decides what happens when a handshake presents an
// identity that is already online.
type ConflictPolicy int

const (
	// RejectDuplicate fails the newcomer with dmtp.ErrIdentityConflict.
	RejectDuplicate ConflictPolicy = iota
	// ReplaceExisting closes the online session and registers the newcomer.
	ReplaceExisting
)

func (p ConflictPolicy) String() string {
	if p == ReplaceExisting {
		return "replace"
	}
	return "reject"
}

// ParseConflictPolicy accepts "reject" (or empty) and "replace".
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch s {
	case "", "reject":
		return RejectDuplicate, nil
	case "replace":
		return ReplaceExisting, nil
	default:
		return RejectDuplicate, errors.New("conflict policy must be 'reject' or 'replace'")
	}
}

type serviceConfig struct {
	name             string
	logger           *slog.Logger
	resolver         resolver.Options
	handshakeTimeout time.Duration
	mailboxSize      int
	requestTimeout   time.Duration
	writeTimeout     time.Duration
	pingInterval     time.Duration
	readLimit        int64
	acceptOptions    *websocket.AcceptOptions
	conflictPolicy   ConflictPolicy
	metrics          bool
	eventBuffer      int
}

// Option configures the Service.
type Option func(*Service)

// WithName labels the service in logs, events and metrics.
func WithName(name string) Option {
	return func(s *Service) {
		if name != "" {
			s.config.name = name
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.config.logger = logger
		}
	}
}

// WithResolverOptions selects serializer, identity strategy and plugins.
func WithResolverOptions(opts resolver.Options) Option {
	return func(s *Service) {
		s.config.resolver = opts
	}
}

// WithHandshakeTimeout bounds the wait for a peer's Hello.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.config.handshakeTimeout = timeout
		}
	}
}

// WithMailboxSize sets the per-session inbound queue length.
func WithMailboxSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.config.mailboxSize = n
		}
	}
}

// WithRequestTimeout sets the default wait for session requests.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.config.requestTimeout = timeout
		}
	}
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.config.writeTimeout = timeout
		}
	}
}

// WithPingInterval enables pings on WebSocket sessions. Zero disables them.
func WithPingInterval(interval time.Duration) Option {
	return func(s *Service) {
		s.config.pingInterval = interval
	}
}

// WithReadLimit caps inbound frame size on accepted transports.
func WithReadLimit(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.config.readLimit = n
		}
	}
}

// WithAcceptOptions provides custom websocket.AcceptOptions.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(s *Service) {
		s.config.acceptOptions = opts
	}
}

// WithConflictPolicy chooses between rejecting and replacing on duplicate
// identities. The default rejects.
func WithConflictPolicy(p ConflictPolicy) Option {
	return func(s *Service) {
		s.config.conflictPolicy = p
	}
}

// WithMetrics enables Prometheus recording.
func WithMetrics(enabled bool) Option {
	return func(s *Service) {
		s.config.metrics = enabled
	}
}

// WithEventBuffer sets the per-subscriber lifecycle event queue length.
func WithEventBuffer(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.config.eventBuffer = n
		}
	}
}

// Options contains configuration values for creating a Service using
// NewWithOptions. DefaultOptions supplies every default. A zero
// PingInterval disables pings.
type Options struct {
	Name             string
	Logger           *slog.Logger
	Resolver         resolver.Options
	HandshakeTimeout time.Duration
	MailboxSize      int
	RequestTimeout   time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	ReadLimit        int64
	AcceptOptions    *websocket.AcceptOptions
	ConflictPolicy   ConflictPolicy
	Metrics          bool
}

func DefaultOptions() Options {
	return Options{
		Name:             defaultName,
		Logger:           slog.Default(),
		Resolver:         resolver.DefaultOptions(),
		HandshakeTimeout: defaultHandshakeTimeout,
		MailboxSize:      defaultMailboxSize,
		RequestTimeout:   defaultRequestTimeout,
		WriteTimeout:     defaultWriteTimeout,
		AcceptOptions:    &websocket.AcceptOptions{},
	}
}

// NewWithOptions creates a Service from an Options struct. Extra functional
// options override struct values.
func NewWithOptions(opts Options, extraOpts ...Option) (*Service, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	optionFns := []Option{
		WithName(opts.Name),
		WithLogger(opts.Logger),
		WithResolverOptions(opts.Resolver),
		WithAcceptOptions(opts.AcceptOptions),
		WithConflictPolicy(opts.ConflictPolicy),
		WithMetrics(opts.Metrics),
		WithPingInterval(opts.PingInterval),
	}
	if opts.HandshakeTimeout > 0 {
		optionFns = append(optionFns, WithHandshakeTimeout(opts.HandshakeTimeout))
	}
	if opts.MailboxSize > 0 {
		optionFns = append(optionFns, WithMailboxSize(opts.MailboxSize))
	}
	if opts.RequestTimeout > 0 {
		optionFns = append(optionFns, WithRequestTimeout(opts.RequestTimeout))
	}
	if opts.WriteTimeout > 0 {
		optionFns = append(optionFns, WithWriteTimeout(opts.WriteTimeout))
	}
	if opts.ReadLimit > 0 {
		optionFns = append(optionFns, WithReadLimit(opts.ReadLimit))
	}
	optionFns = append(optionFns, extraOpts...)
	return New(optionFns...)
}

func validateOptions(opts Options) error {
	if opts.HandshakeTimeout < 0 {
		return errors.New("HandshakeTimeout must be non-negative")
	}
	if opts.MailboxSize < 0 {
		return errors.New("MailboxSize must be non-negative")
	}
	if opts.RequestTimeout < 0 {
		return errors.New("RequestTimeout must be non-negative")
	}
	if opts.WriteTimeout < 0 {
		return errors.New("WriteTimeout must be non-negative")
	}
	if opts.PingInterval < 0 {
		return errors.New("PingInterval must be non-negative")
	}
	if opts.ReadLimit < 0 {
		return errors.New("ReadLimit must be non-negative")
	}
	return nil
}
