package service_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
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

type echoRequest struct {
	Message string `json:"message"`
}

type echoResponse struct {
	Echo string `json:"echo"`
}

// startTCP runs svc on a loopback listener and returns its address.
func startTCP(t *testing.T, svc *service.Service) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.ServeTCP(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = svc.Shutdown(shutdownCtx)
	})
	return ln.Addr().String()
}

func newService(t *testing.T, opts ...service.Option) *service.Service {
	t.Helper()
	svc, err := service.New(append([]service.Option{service.WithLogger(testLogger)}, opts...)...)
	require.NoError(t, err)
	return svc
}

func dialTCP(t *testing.T, addr, identity string, opts ...client.Option) (*client.Client, error) {
	t.Helper()
	f := factory.NewTCP(factory.WithConnectTimeout(100*time.Millisecond), factory.WithLogger(testLogger))
	opts = append([]client.Option{client.WithLogger(testLogger), client.WithIdentity(identity)}, opts...)
	c, err := client.Dial(context.Background(), f, transport.Options{Address: addr}, opts...)
	if err == nil {
		t.Cleanup(func() { c.Close("test cleanup") })
	}
	return c, err
}

func waitOnline(t *testing.T, svc *service.Service, id string) dmtp.SessionClient {
	t.Helper()
	var sc dmtp.SessionClient
	require.Eventually(t, func() bool {
		var err error
		sc, err = svc.Lookup(id)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond, "session %s never came online", id)
	return sc
}

func TestAcceptOnlineOverTCP(t *testing.T) {
	svc := newService(t)
	require.NoError(t, svc.Handle("echo", func(sc dmtp.SessionClient, req echoRequest) (echoResponse, error) {
		return echoResponse{Echo: sc.ID() + ":" + req.Message}, nil
	}))
	addr := startTCP(t, svc)

	c, err := dialTCP(t, addr, "A")
	require.NoError(t, err)
	assert.Equal(t, "A", c.ID())
	assert.Equal(t, dmtp.AckStatusAccepted, c.Ack().Status)

	sc := waitOnline(t, svc, "A")
	assert.True(t, sc.Online())
	assert.Equal(t, dmtp.StateOnline, sc.State())
	require.Len(t, svc.Online(), 1)

	var resp echoResponse
	require.NoError(t, c.Request(context.Background(), "echo", echoRequest{Message: "hi"}, &resp, time.Second))
	assert.Equal(t, "A:hi", resp.Echo)
}

func TestServiceRequestsClient(t *testing.T) {
	svc := newService(t)
	addr := startTCP(t, svc)

	c, err := dialTCP(t, addr, "browser-1")
	require.NoError(t, err)
	require.NoError(t, c.Handle("whoami", func(sc dmtp.SessionClient, _ struct{}) (echoResponse, error) {
		return echoResponse{Echo: sc.ID()}, nil
	}))

	sc := waitOnline(t, svc, "browser-1")
	var resp echoResponse
	require.NoError(t, sc.Actor().Request(context.Background(), "whoami", struct{}{}, &resp, time.Second))
	assert.Equal(t, "browser-1", resp.Echo)
}

func TestDuplicateIdentityRejected(t *testing.T) {
	svc := newService(t)
	addr := startTCP(t, svc)

	const n = 8
	var (
		wg        sync.WaitGroup
		accepted  atomic.Int32
		conflicts atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := dialTCP(t, addr, "A")
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, dmtp.ErrIdentityConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected dial error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, accepted.Load())
	assert.EqualValues(t, n-1, conflicts.Load())
	waitOnline(t, svc, "A")
	assert.Equal(t, 1, svc.Len())
}

func TestTransportDropClosesSession(t *testing.T) {
	svc := newService(t)
	addr := startTCP(t, svc)
	closed := svc.Subscribe(context.Background(), service.EventClosed)

	c, err := dialTCP(t, addr, "A")
	require.NoError(t, err)
	sc := waitOnline(t, svc, "A")

	// Drop the wire without the close envelope.
	require.NoError(t, c.Transport().Close())

	select {
	case ev := <-closed:
		assert.Equal(t, "A", ev.Identity)
		assert.NotEmpty(t, ev.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("no closed event after transport drop")
	}
	assert.Eventually(t, func() bool { return sc.State() == dmtp.StateClosed }, time.Second, 5*time.Millisecond)
	assert.False(t, sc.Online())

	_, err = svc.Lookup("A")
	require.ErrorIs(t, err, dmtp.ErrSessionNotFound)
	require.ErrorIs(t, sc.Actor().Send(context.Background(), "x", nil), dmtp.ErrInvalidState)
	assert.Equal(t, 0, svc.Len())
}

func TestReplaceExistingPolicy(t *testing.T) {
	svc := newService(t, service.WithConflictPolicy(service.ReplaceExisting))
	addr := startTCP(t, svc)

	first, err := dialTCP(t, addr, "A")
	require.NoError(t, err)
	waitOnline(t, svc, "A")

	second, err := dialTCP(t, addr, "A")
	require.NoError(t, err)

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replaced client was not closed")
	}
	sc := waitOnline(t, svc, "A")
	assert.Equal(t, 1, svc.Len())
	assert.True(t, second.Online())
	assert.True(t, sc.Online())
}

func TestHandshakeFailuresStayOutOfRegistry(t *testing.T) {
	svc := newService(t, service.WithHandshakeTimeout(100*time.Millisecond))
	addr := startTCP(t, svc)
	rejected := svc.Subscribe(context.Background(), service.EventRejected)

	t.Run("garbage hello", func(t *testing.T) {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		tr := transport.AdoptTCP(conn, transport.Options{})
		defer tr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, tr.WriteFrame(ctx, []byte("not a hello")))
		frame, err := tr.ReadFrame(ctx)
		require.NoError(t, err)
		ack, err := dmtp.DecodeHelloAck(frame)
		require.NoError(t, err)
		assert.Equal(t, dmtp.AckStatusRejected, ack.Status)
		assert.Equal(t, dmtp.CodeBadRequest, ack.Code)
	})

	t.Run("silent peer", func(t *testing.T) {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		tr := transport.AdoptTCP(conn, transport.Options{})
		defer tr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		frame, err := tr.ReadFrame(ctx)
		require.NoError(t, err)
		ack, err := dmtp.DecodeHelloAck(frame)
		require.NoError(t, err)
		assert.Equal(t, dmtp.AckStatusRejected, ack.Status)
	})

	t.Run("serializer mismatch", func(t *testing.T) {
		opts := resolver.DefaultOptions()
		opts.Serializer = resolver.SerializerCBOR
		_, err := dialTCP(t, addr, "B", client.WithResolverOptions(opts))
		require.ErrorIs(t, err, dmtp.ErrHandshakeFailure)
	})

	for i := 0; i < 3; i++ {
		select {
		case ev := <-rejected:
			assert.Equal(t, service.EventRejected, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing rejected event %d", i)
		}
	}
	assert.Equal(t, 0, svc.Len())
	assert.Empty(t, svc.Online())
}

func TestLifecycleEvents(t *testing.T) {
	svc := newService(t, service.WithName("events"))
	addr := startTCP(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := svc.Subscribe(ctx)

	c, err := dialTCP(t, addr, "A")
	require.NoError(t, err)

	next := func() service.Event {
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
			return service.Event{}
		}
	}

	ev := next()
	assert.Equal(t, service.EventOnline, ev.Type)
	assert.Equal(t, "events", ev.Service)
	assert.Equal(t, "A", ev.Identity)
	assert.Equal(t, "tcp", ev.Transport)

	require.NoError(t, c.Close("bye"))
	ev = next()
	assert.Equal(t, service.EventClosed, ev.Type)
	assert.Equal(t, "A", ev.Identity)

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-events
		return !ok
	}, time.Second, 5*time.Millisecond, "subscription channel should close with its context")
}

type kickPlugin struct{}

func (kickPlugin) Name() string                       { return "kick-on-online" }
func (kickPlugin) OnOnline(sc dmtp.SessionClient)     { _ = sc.Close("kicked") }
func (kickPlugin) OnClosed(dmtp.SessionClient, error) {}

func TestSessionClosedDuringEstablishStaysOffline(t *testing.T) {
	resolver.RegisterPlugin("kick-on-online", func(dmtp.Resolver) (resolver.Plugin, error) { return kickPlugin{}, nil })
	opts := resolver.DefaultOptions()
	opts.Plugins = []string{"kick-on-online"}
	svc := newService(t, service.WithResolverOptions(opts), service.WithMetrics(true))
	addr := startTCP(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := svc.Subscribe(ctx)

	_, _ = dialTCP(t, addr, "K")

	select {
	case ev := <-events:
		assert.Equal(t, service.EventClosed, ev.Type)
		assert.Equal(t, "K", ev.Identity)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for closed event")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected %s event after close", ev.Type)
	case <-time.After(200 * time.Millisecond):
	}

	_, err := svc.Lookup("K")
	assert.ErrorIs(t, err, dmtp.ErrSessionNotFound)
	assert.Equal(t, 0, svc.Len())
	assert.Empty(t, svc.Online())
}

// onlineGauge reads dmtp_sessions_online for one service from the default registry.
func onlineGauge(t *testing.T, name string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "dmtp_sessions_online" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "service" && l.GetValue() == name {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return -1
}

func TestSessionsOnlineGaugeCountsOnlineOnly(t *testing.T) {
	svc := newService(t, service.WithName("gauge"), service.WithMetrics(true))
	addr := startTCP(t, svc)

	a, err := dialTCP(t, addr, "A")
	require.NoError(t, err)
	waitOnline(t, svc, "A")
	_, err = dialTCP(t, addr, "B")
	require.NoError(t, err)
	waitOnline(t, svc, "B")
	require.Eventually(t, func() bool {
		return onlineGauge(t, "gauge") == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close("bye"))
	require.Eventually(t, func() bool {
		return onlineGauge(t, "gauge") == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(len(svc.Online())), onlineGauge(t, "gauge"))
}

func TestCloseByID(t *testing.T) {
	svc := newService(t)
	addr := startTCP(t, svc)

	c, err := dialTCP(t, addr, "A")
	require.NoError(t, err)
	waitOnline(t, svc, "A")

	require.ErrorIs(t, svc.CloseByID("missing", "x"), dmtp.ErrSessionNotFound)
	require.NoError(t, svc.CloseByID("A", "admin"))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not observe the close")
	}
	assert.Equal(t, 0, svc.Len())
}

func TestShutdownClosesSessions(t *testing.T) {
	svc := newService(t)
	addr := startTCP(t, svc)

	a, err := dialTCP(t, addr, "A")
	require.NoError(t, err)
	b, err := dialTCP(t, addr, "B")
	require.NoError(t, err)
	waitOnline(t, svc, "A")
	waitOnline(t, svc, "B")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))
	assert.Equal(t, 0, svc.Len())

	for _, c := range []*client.Client{a, b} {
		select {
		case <-c.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("client %s still open after shutdown", c.ID())
		}
	}

	_, err = dialTCP(t, addr, "C")
	require.Error(t, err)
}

func TestAcceptAfterShutdownAnswersUnavailable(t *testing.T) {
	svc := newService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

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
	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	peer := transport.AdoptTCP(dialed, transport.Options{})
	defer peer.Close()
	server := transport.AdoptTCP(<-accepted, transport.Options{})

	_, err = svc.Accept(ctx, server, nil)
	require.ErrorIs(t, err, dmtp.ErrInvalidState)

	frame, err := peer.ReadFrame(ctx)
	require.NoError(t, err)
	ack, err := dmtp.DecodeHelloAck(frame)
	require.NoError(t, err)
	assert.Equal(t, dmtp.AckStatusRejected, ack.Status)
	assert.Equal(t, dmtp.CodeUnavailable, ack.Code)
}

func TestWebSocketSession(t *testing.T) {
	svc := newService(t)
	require.NoError(t, svc.Handle("path", func(sc dmtp.SessionClient, _ struct{}) (echoResponse, error) {
		ws, ok := sc.(*service.WebSocketSession)
		if !ok {
			return echoResponse{}, errors.New("not a websocket session")
		}
		if ws.Service() != svc {
			return echoResponse{}, errors.New("wrong service")
		}
		return echoResponse{Echo: ws.HTTPRequest().URL.Path}, nil
	}))
	srv := httptest.NewServer(svc.UpgradeHandler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		srv.Close()
	})

	f := factory.NewWebSocket(factory.WithLogger(testLogger))
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/dmtp"
	c, err := client.Dial(context.Background(), f, transport.Options{URL: url}, client.WithIdentity("ws-1"), client.WithLogger(testLogger))
	require.NoError(t, err)
	defer c.Close("done")

	sc := waitOnline(t, svc, "ws-1")
	_, ok := sc.(*service.WebSocketSession)
	assert.True(t, ok)

	var resp echoResponse
	require.NoError(t, c.Request(context.Background(), "path", struct{}{}, &resp, time.Second))
	assert.Equal(t, "/dmtp", resp.Echo)
}

func TestNewWithOptions(t *testing.T) {
	opts := service.DefaultOptions()
	opts.Name = "opts"
	opts.HandshakeTimeout = -1
	_, err := service.NewWithOptions(opts)
	require.Error(t, err)

	opts.HandshakeTimeout = time.Second
	opts.Resolver.Serializer = "xml"
	_, err = service.NewWithOptions(opts)
	require.Error(t, err)

	opts.Resolver.Serializer = resolver.SerializerCBOR
	svc, err := service.NewWithOptions(opts, service.WithLogger(testLogger))
	require.NoError(t, err)
	assert.Equal(t, "opts", svc.Name())
}

func TestParseConflictPolicy(t *testing.T) {
	p, err := service.ParseConflictPolicy("replace")
	require.NoError(t, err)
	assert.Equal(t, service.ReplaceExisting, p)

	p, err = service.ParseConflictPolicy("")
	require.NoError(t, err)
	assert.Equal(t, service.RejectDuplicate, p)

	_, err = service.ParseConflictPolicy("evict")
	require.Error(t, err)
}
