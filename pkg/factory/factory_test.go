package factory_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
	"github.com/lightforgemedia/go-dmtp/pkg/factory"
	"github.com/lightforgemedia/go-dmtp/pkg/transport"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestCreateConnectedClientSuccess(t *testing.T) {
	b := &fakeBuilder{delay: 10 * time.Millisecond}
	f := factory.New[*fakeClient](b, factory.WithConnectTimeout(100*time.Millisecond))

	c, err := f.CreateConnectedClient(context.Background(), transport.Options{})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.Connected())
	assert.Equal(t, int64(1), b.open.Load())

	f.DisposeClient(c)
	assert.Equal(t, int64(0), b.open.Load())
	assert.Equal(t, factory.Stats{Created: 1, Connected: 1, Disposed: 1}, f.Stats())
}

func TestCreateConnectedClientTimeout(t *testing.T) {
	b := &fakeBuilder{hang: true}
	f := factory.New[*fakeClient](b, factory.WithConnectTimeout(50*time.Millisecond), factory.WithLogger(quietLogger))

	start := time.Now()
	c, err := f.CreateConnectedClient(context.Background(), transport.Options{})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, dmtp.ErrConnectTimeout)
	assert.Nil(t, c)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 250*time.Millisecond)
	assert.Equal(t, int64(0), b.open.Load(), "timed out client must be disposed")
	assert.Equal(t, dmtp.KindConnectTimeout, dmtp.KindOf(err))
}

func TestCreateConnectedClientBuilderIgnoresContext(t *testing.T) {
	b := &fakeBuilder{ignoreCtx: true}
	f := factory.New[*fakeClient](b, factory.WithConnectTimeout(50*time.Millisecond), factory.WithLogger(quietLogger))

	done := make(chan error, 1)
	go func() {
		_, err := f.CreateConnectedClient(context.Background(), transport.Options{})
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, dmtp.ErrConnectTimeout)
	case <-time.After(time.Second):
		t.Fatal("factory hung on a builder that ignores its context")
	}
	assert.Equal(t, int64(0), b.open.Load())
}

func TestCreateConnectedClientCancelled(t *testing.T) {
	b := &fakeBuilder{hang: true}
	f := factory.New[*fakeClient](b, factory.WithConnectTimeout(time.Second), factory.WithLogger(quietLogger))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := f.CreateConnectedClient(ctx, transport.Options{})
	require.ErrorIs(t, err, dmtp.ErrConnectFailure)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), b.open.Load())
}

func TestCreateConnectedClientCallerDeadline(t *testing.T) {
	b := &fakeBuilder{hang: true}
	f := factory.New[*fakeClient](b, factory.WithConnectTimeout(time.Second), factory.WithLogger(quietLogger))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := f.CreateConnectedClient(ctx, transport.Options{})
	require.ErrorIs(t, err, dmtp.ErrConnectTimeout)
}

func TestCreateConnectedClientWrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	b := &fakeBuilder{err: cause}
	f := factory.New[*fakeClient](b, factory.WithLogger(quietLogger))

	_, err := f.CreateConnectedClient(context.Background(), transport.Options{})
	require.ErrorIs(t, err, dmtp.ErrConnectFailure)
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "fake:1")
	assert.Equal(t, int64(0), b.open.Load())
	assert.Equal(t, int64(1), f.Stats().Failed)
}

func TestCreateConnectedClientPassesInvalidState(t *testing.T) {
	b := &fakeBuilder{err: dmtp.InvalidState("connect", dmtp.StateOnline)}
	f := factory.New[*fakeClient](b, factory.WithLogger(quietLogger))

	_, err := f.CreateConnectedClient(context.Background(), transport.Options{})
	require.ErrorIs(t, err, dmtp.ErrInvalidState)
	assert.NotErrorIs(t, err, dmtp.ErrConnectFailure)
}

func TestConnectTimeoutOverride(t *testing.T) {
	b := &fakeBuilder{hang: true}
	f := factory.New[*fakeClient](b, factory.WithConnectTimeout(time.Second), factory.WithLogger(quietLogger))

	start := time.Now()
	_, err := f.CreateConnectedClient(context.Background(), transport.Options{ConnectTimeout: 30 * time.Millisecond})
	require.ErrorIs(t, err, dmtp.ErrConnectTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDisposeClientGraceful(t *testing.T) {
	b := &fakeBuilder{shutdownErr: errors.New("reset by peer")}
	f := factory.New[*fakeClient](b, factory.WithLogger(quietLogger))

	c, err := f.CreateConnectedClient(context.Background(), transport.Options{})
	require.NoError(t, err)

	f.DisposeClient(c)
	assert.Equal(t, []transport.ShutdownDirection{transport.ShutdownBoth}, c.shutdowns)
	assert.Equal(t, []string{"shutdown", "close"}, c.calls, "shutdown failure must not stop the close")
	assert.Equal(t, int64(0), b.open.Load())

	// A second dispose changes nothing.
	f.DisposeClient(c)
	assert.Len(t, c.shutdowns, 1)
	assert.Equal(t, []string{"shutdown", "close"}, c.calls)
	assert.Equal(t, int64(0), b.open.Load())
	assert.Equal(t, int64(1), f.Stats().Disposed)
}

func TestDisposeClientNotGraceful(t *testing.T) {
	b := &fakeBuilder{}
	f := factory.New[*fakeClient](b, factory.WithGracefulDispose(false))
	assert.False(t, f.GracefulDispose())

	c, err := f.CreateConnectedClient(context.Background(), transport.Options{})
	require.NoError(t, err)
	f.DisposeClient(c)
	assert.Empty(t, c.shutdowns)
	assert.Equal(t, []string{"close"}, c.calls)
}

func TestTCPFactoryConnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	f := factory.NewTCP(factory.WithConnectTimeout(100*time.Millisecond), factory.WithMetrics(true))
	c, err := f.CreateConnectedClient(context.Background(), transport.Options{Address: ln.Addr().String()})
	require.NoError(t, err)
	assert.True(t, c.Connected())
	assert.Equal(t, "127.0.0.1", c.RemoteEndpoint().Host)
	f.DisposeClient(c)
	assert.False(t, c.Connected())
	assert.True(t, c.Closed())
	f.DisposeClient(c)
	assert.Equal(t, int64(1), f.Stats().Disposed)

	conn := <-accepted
	conn.Close()
}

func TestTCPFactoryRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	f := factory.NewTCP(factory.WithConnectTimeout(time.Second), factory.WithLogger(quietLogger))
	c, err := f.CreateConnectedClient(context.Background(), transport.Options{Address: addr})
	require.ErrorIs(t, err, dmtp.ErrConnectFailure)
	assert.Nil(t, c)
}

func TestTCPFactoryRejectsBadAddress(t *testing.T) {
	f := factory.NewTCP()
	_, err := f.CreateConnectedClient(context.Background(), transport.Options{Address: "no-port"})
	require.ErrorIs(t, err, dmtp.ErrConnectFailure)
	assert.Equal(t, int64(0), f.Stats().Created)
}
