package factory

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
	"github.com/lightforgemedia/go-dmtp/pkg/transport"
)

// Retrying retries a Connector on connect failures and timeouts. The
// wrapped factory never retries on its own.
type Retrying[T transport.ConnectableClient] struct {
	inner   Connector[T]
	backoff BackoffConfig
	logger  *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewRetrying wraps inner. A nil logger uses slog.Default().
func NewRetrying[T transport.ConnectableClient](inner Connector[T], cfg BackoffConfig, logger *slog.Logger) *Retrying[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying[T]{
		inner:   inner,
		backoff: cfg,
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func retryable(err error) bool {
	return errors.Is(err, dmtp.ErrConnectFailure) || errors.Is(err, dmtp.ErrConnectTimeout)
}

func (r *Retrying[T]) delay(attempt int) time.Duration {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return NextBackoffDelay(r.backoff, attempt, r.rng)
}

// CreateConnectedClient retries until a connect succeeds, the error is not
// retryable, attempts run out or ctx is done. The last error is returned.
func (r *Retrying[T]) CreateConnectedClient(ctx context.Context, opts transport.Options) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		c, err := r.inner.CreateConnectedClient(ctx, opts)
		if err == nil {
			return c, nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return zero, err
		}
		if r.backoff.MaxAttempts > 0 && attempt >= r.backoff.MaxAttempts {
			return zero, err
		}
		wait := r.delay(attempt)
		r.logger.Debug("Connect failed, retrying", "attempt", attempt, "delay", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}

func (r *Retrying[T]) DisposeClient(c T) {
	r.inner.DisposeClient(c)
}
