package client_test

import (
	"context"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-dmtp/pkg/client"
	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
	"github.com/lightforgemedia/go-dmtp/pkg/factory"
	"github.com/lightforgemedia/go-dmtp/pkg/resolver"
	"github.com/lightforgemedia/go-dmtp/pkg/service"
	"github.com/lightforgemedia/go-dmtp/pkg/transport"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

func startService(t *testing.T, opts ...service.Option) string {
	t.Helper()
	svc, err := service.New(append([]service.Option{service.WithLogger(testLogger)}, opts...)...)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go svc.ServeTCP(ctx, ln)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = svc.Shutdown(shutdownCtx)
	})
	return ln.Addr().String()
}

// startRaw accepts one connection and answers its first frame with reply.
func startRaw(t *testing.T, reply []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		tr := transport.AdoptTCP(conn, transport.Options{})
		defer tr.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := tr.ReadFrame(ctx); err != nil {
			return
		}
		_ = tr.WriteFrame(ctx, reply)
		_, _ = tr.ReadFrame(ctx)
	}()
	return ln.Addr().String()
}

func TestDialOnline(t *testing.T) {
	addr := startService(t)
	f := factory.NewTCP(factory.WithLogger(testLogger))

	c, err := client.Dial(context.Background(), f, transport.Options{Address: addr},
		client.WithLogger(testLogger), client.WithIdentity("A"), client.WithName("tester"))
	require.NoError(t, err)
	defer c.Close("done")

	assert.Equal(t, "A", c.ID())
	assert.True(t, c.Online())
	assert.Equal(t, dmtp.AckStatusAccepted, c.Ack().Status)
	assert.GreaterOrEqual(t, c.Since(), time.Duration(0))
	assert.EqualValues(t, 1, f.Stats().Connected)
}

func TestDialGeneratesIdentity(t *testing.T) {
	addr := startService(t)
	c, err := client.Dial(context.Background(), factory.NewTCP(), transport.Options{Address: addr}, client.WithLogger(testLogger))
	require.NoError(t, err)
	defer c.Close("done")
	assert.Len(t, c.ID(), 32)
}

func TestDialServerAssignedIdentity(t *testing.T) {
	opts := resolver.DefaultOptions()
	opts.Identity = resolver.IdentityUUID
	addr := startService(t, service.WithResolverOptions(opts))

	c, err := client.Dial(context.Background(), factory.NewTCP(), transport.Options{Address: addr},
		client.WithLogger(testLogger), client.WithIdentity("ignored"))
	require.NoError(t, err)
	defer c.Close("done")
	assert.NotEqual(t, "ignored", c.ID())
	assert.Equal(t, c.ID(), c.Ack().Identity)
}

func TestDialConflict(t *testing.T) {
	addr := startService(t)
	first, err := client.Dial(context.Background(), factory.NewTCP(), transport.Options{Address: addr},
		client.WithLogger(testLogger), client.WithIdentity("A"))
	require.NoError(t, err)
	defer first.Close("done")

	f := factory.NewTCP()
	_, err = client.Dial(context.Background(), f, transport.Options{Address: addr},
		client.WithLogger(testLogger), client.WithIdentity("A"))
	require.ErrorIs(t, err, dmtp.ErrIdentityConflict)
	assert.EqualValues(t, 1, f.Stats().Disposed)
}

func TestDialRejectedAck(t *testing.T) {
	ack, err := dmtp.EncodeHelloAck(dmtp.HelloAck{
		Status:      dmtp.AckStatusRejected,
		Code:        dmtp.CodeUnavailable,
		Message:     "maintenance",
		TimestampMS: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	addr := startRaw(t, ack)

	f := factory.NewTCP()
	_, err = client.Dial(context.Background(), f, transport.Options{Address: addr}, client.WithLogger(testLogger))
	require.ErrorIs(t, err, dmtp.ErrHandshakeFailure)
	assert.Contains(t, err.Error(), "maintenance")
	assert.EqualValues(t, 1, f.Stats().Disposed)
}

func TestDialGarbageAck(t *testing.T) {
	addr := startRaw(t, []byte("{"))
	f := factory.NewTCP()
	_, err := client.Dial(context.Background(), f, transport.Options{Address: addr}, client.WithLogger(testLogger))
	require.ErrorIs(t, err, dmtp.ErrHandshakeFailure)
	assert.EqualValues(t, 1, f.Stats().Disposed)
}

func TestDialHandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			time.Sleep(500 * time.Millisecond)
			conn.Close()
		}
	}()

	start := time.Now()
	_, err = client.Dial(context.Background(), factory.NewTCP(), transport.Options{Address: ln.Addr().String()},
		client.WithLogger(testLogger), client.WithHandshakeTimeout(50*time.Millisecond))
	require.ErrorIs(t, err, dmtp.ErrHandshakeFailure)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestDialConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = client.Dial(context.Background(), factory.NewTCP(), transport.Options{Address: addr}, client.WithLogger(testLogger))
	require.ErrorIs(t, err, dmtp.ErrConnectFailure)
}

func TestDialWithOptions(t *testing.T) {
	addr := startService(t)
	opts := client.DefaultOptions()
	opts.Logger = testLogger
	opts.Identity = "opt"

	c, err := client.DialWithOptions(context.Background(), factory.NewTCP(), transport.Options{Address: addr}, opts)
	require.NoError(t, err)
	defer c.Close("done")
	assert.Equal(t, "opt", c.ID())

	opts.MailboxSize = -1
	_, err = client.DialWithOptions(context.Background(), factory.NewTCP(), transport.Options{Address: addr}, opts)
	require.Error(t, err)
}
