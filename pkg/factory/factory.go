// Package factory produces connected transport clients. A Factory wraps a
// transport-specific Builder with one fixed envelope: connect bounded by a
// timeout and by the caller's context, and dispose the client on every
// failure path. Builders only say how to construct and connect a client.
package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
	"github.com/lightforgemedia/go-dmtp/pkg/metrics"
	"github.com/lightforgemedia/go-dmtp/pkg/transport"
)

const defaultConnectTimeout = 5 * time.Second

// Builder constructs and connects one transport kind.
type Builder[T transport.ConnectableClient] interface {
	// Build returns a configured, unconnected client.
	Build(opts transport.Options) (T, error)
	// Connect connects c within timeout. Errors are returned unchanged; the
	// factory classifies them.
	Connect(ctx context.Context, c T, timeout time.Duration) error
}

// Connector is the surface shared by Factory and Retrying.
type Connector[T transport.ConnectableClient] interface {
	CreateConnectedClient(ctx context.Context, opts transport.Options) (T, error)
	DisposeClient(c T)
}

// Stats counts factory calls since creation.
type Stats struct {
	Created   int64
	Connected int64
	Failed    int64
	Disposed  int64
}

type factoryConfig struct {
	connectTimeout  time.Duration
	gracefulDispose bool
	logger          *slog.Logger
	metrics         bool
}

// Option configures a Factory.
type Option func(*factoryConfig)

// WithConnectTimeout sets the upper bound on a single connect. Default 5s.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *factoryConfig) {
		if timeout > 0 {
			c.connectTimeout = timeout
		}
	}
}

// WithGracefulDispose controls whether DisposeClient shuts the transport
// down in both directions before closing it. Default true.
func WithGracefulDispose(graceful bool) Option {
	return func(c *factoryConfig) {
		c.gracefulDispose = graceful
	}
}

// WithLogger sets the logger used for disposal failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *factoryConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables Prometheus recording of connect attempts.
func WithMetrics(enabled bool) Option {
	return func(c *factoryConfig) {
		c.metrics = enabled
	}
}

// Factory is the generic connect envelope around a Builder.
type Factory[T transport.ConnectableClient] struct {
	builder Builder[T]
	config  factoryConfig

	created   atomic.Int64
	connected atomic.Int64
	failed    atomic.Int64
	disposed  atomic.Int64
}

// New creates a Factory for b.
func New[T transport.ConnectableClient](b Builder[T], opts ...Option) *Factory[T] {
	f := &Factory[T]{
		builder: b,
		config: factoryConfig{
			connectTimeout:  defaultConnectTimeout,
			gracefulDispose: true,
			logger:          slog.Default(),
		},
	}
	for _, opt := range opts {
		opt(&f.config)
	}
	if f.config.metrics {
		metrics.Register()
	}
	return f
}

// ConnectTimeout is the factory's own connect bound.
func (f *Factory[T]) ConnectTimeout() time.Duration { return f.config.connectTimeout }

// GracefulDispose reports the disposal policy.
func (f *Factory[T]) GracefulDispose() bool { return f.config.gracefulDispose }

// Stats returns the call counters since creation.
func (f *Factory[T]) Stats() Stats {
	return Stats{
		Created:   f.created.Load(),
		Connected: f.connected.Load(),
		Failed:    f.failed.Load(),
		Disposed:  f.disposed.Load(),
	}
}

func (f *Factory[T]) timeoutFor(opts transport.Options) time.Duration {
	if opts.ConnectTimeout > 0 && opts.ConnectTimeout < f.config.connectTimeout {
		return opts.ConnectTimeout
	}
	return f.config.connectTimeout
}

// CreateConnectedClient builds a client and connects it. It returns either
// a connected client or an error, never both. On failure the client has
// already been disposed. The error wraps dmtp.ErrConnectTimeout when the
// connect bound or the caller's deadline expired, dmtp.ErrConnectFailure for
// any other cause including cancellation, and dmtp.ErrInvalidState unchanged.
func (f *Factory[T]) CreateConnectedClient(ctx context.Context, opts transport.Options) (T, error) {
	var zero T
	start := time.Now()
	timeout := f.timeoutFor(opts)

	c, err := f.builder.Build(opts)
	if err != nil {
		f.failed.Add(1)
		f.record("unknown", metrics.ResultFailure, start)
		return zero, fmt.Errorf("%w: build client: %w", dmtp.ErrConnectFailure, err)
	}
	f.created.Add(1)
	kind := c.Kind().String()

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Connect runs on its own goroutine so a builder that ignores ctx still
	// cannot hold the caller past the bound. Disposal unblocks it.
	done := make(chan error, 1)
	go func() {
		done <- f.builder.Connect(connectCtx, c, timeout)
	}()

	select {
	case err = <-done:
	case <-connectCtx.Done():
		err = connectCtx.Err()
	}
	if err == nil && !c.Connected() {
		err = errors.New("builder reported success without a live connection")
	}
	if err == nil {
		f.connected.Add(1)
		f.record(kind, metrics.ResultSuccess, start)
		return c, nil
	}

	f.failed.Add(1)
	f.DisposeClient(c)

	endpoint := c.RemoteEndpoint()
	switch {
	case errors.Is(err, dmtp.ErrInvalidState):
		f.record(kind, metrics.ResultInvalid, start)
		return zero, err
	case errors.Is(ctx.Err(), context.Canceled):
		f.record(kind, metrics.ResultFailure, start)
		return zero, fmt.Errorf("%w: connect to %s cancelled: %w", dmtp.ErrConnectFailure, endpoint, ctx.Err())
	case isTimeout(err) || connectCtx.Err() != nil:
		f.record(kind, metrics.ResultTimeout, start)
		return zero, fmt.Errorf("%w: connect to %s exceeded %s: %w", dmtp.ErrConnectTimeout, endpoint, timeout, err)
	default:
		f.record(kind, metrics.ResultFailure, start)
		return zero, fmt.Errorf("%w: connect to %s: %w", dmtp.ErrConnectFailure, endpoint, err)
	}
}

// DisposeClient shuts c down (when graceful and still connected) and closes
// it. A failed shutdown is logged and never stops the close. Disposing a
// closed client is a no-op and is not counted.
func (f *Factory[T]) DisposeClient(c T) {
	if cr, ok := any(c).(transport.ClosedReporter); ok && cr.Closed() {
		return
	}
	shutdownFailed := false
	if f.config.gracefulDispose && c.Connected() {
		if err := c.Shutdown(transport.ShutdownBoth); err != nil {
			shutdownFailed = true
			f.config.logger.Warn("Shutdown before dispose failed",
				"remote", c.RemoteEndpoint().String(),
				"error", fmt.Errorf("%w: %w", dmtp.ErrDisposal, err))
		}
	}
	if err := c.Close(); err != nil {
		f.config.logger.Warn("Close during dispose failed",
			"remote", c.RemoteEndpoint().String(),
			"error", fmt.Errorf("%w: %w", dmtp.ErrDisposal, err))
	}
	f.disposed.Add(1)
	if f.config.metrics {
		metrics.RecordDispose(c.Kind().String(), shutdownFailed)
	}
}

func (f *Factory[T]) record(kind, result string, start time.Time) {
	if f.config.metrics {
		metrics.RecordConnect(kind, result, time.Since(start))
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
