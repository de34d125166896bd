package factory_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
	"github.com/lightforgemedia/go-dmtp/pkg/factory"
	"github.com/lightforgemedia/go-dmtp/pkg/transport"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	cfg := factory.BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	assert.Equal(t, 250*time.Millisecond, factory.NextBackoffDelay(cfg, 1, nil))
	assert.Equal(t, 500*time.Millisecond, factory.NextBackoffDelay(cfg, 2, nil))
	assert.Equal(t, time.Second, factory.NextBackoffDelay(cfg, 3, nil))
	assert.Equal(t, 5*time.Second, factory.NextBackoffDelay(cfg, 6, nil))
}

func TestNextBackoffDelayJitterWithoutRNG(t *testing.T) {
	cfg := factory.BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2.0, Jitter: true}
	assert.Equal(t, 100*time.Millisecond, factory.NextBackoffDelay(cfg, 2, nil))
}

// scriptedConnector fails a fixed number of times before succeeding.
type scriptedConnector struct {
	failures int
	err      error
	calls    int
	disposed int
}

func (s *scriptedConnector) CreateConnectedClient(context.Context, transport.Options) (*fakeClient, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, s.err
	}
	return &fakeClient{connected: true}, nil
}

func (s *scriptedConnector) DisposeClient(*fakeClient) { s.disposed++ }

func TestRetryingRecovers(t *testing.T) {
	inner := &scriptedConnector{failures: 2, err: fmt.Errorf("%w: refused", dmtp.ErrConnectFailure)}
	r := factory.NewRetrying[*fakeClient](inner, factory.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxAttempts: 5}, quietLogger)

	c, err := r.CreateConnectedClient(context.Background(), transport.Options{})
	require.NoError(t, err)
	assert.True(t, c.connected)
	assert.Equal(t, 3, inner.calls)

	r.DisposeClient(c)
	assert.Equal(t, 1, inner.disposed)
}

func TestRetryingGivesUp(t *testing.T) {
	inner := &scriptedConnector{failures: 10, err: fmt.Errorf("%w: slow", dmtp.ErrConnectTimeout)}
	r := factory.NewRetrying[*fakeClient](inner, factory.BackoffConfig{InitialDelay: time.Millisecond, MaxAttempts: 3}, nil)

	_, err := r.CreateConnectedClient(context.Background(), transport.Options{})
	require.ErrorIs(t, err, dmtp.ErrConnectTimeout)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingSkipsNonRetryable(t *testing.T) {
	inner := &scriptedConnector{failures: 10, err: errors.New("bad config")}
	r := factory.NewRetrying[*fakeClient](inner, factory.DefaultBackoffConfig(), quietLogger)

	_, err := r.CreateConnectedClient(context.Background(), transport.Options{})
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryingHonorsContext(t *testing.T) {
	inner := &scriptedConnector{failures: 100, err: fmt.Errorf("%w: refused", dmtp.ErrConnectFailure)}
	r := factory.NewRetrying[*fakeClient](inner, factory.BackoffConfig{InitialDelay: time.Hour}, quietLogger)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := r.CreateConnectedClient(ctx, transport.Options{})
	require.ErrorIs(t, err, dmtp.ErrConnectFailure)
	assert.Less(t, time.Since(start), time.Second)
}
