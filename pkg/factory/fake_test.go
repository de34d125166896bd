package factory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
	"github.com/lightforgemedia/go-dmtp/pkg/transport"
)

// fakeClient is an in-memory ConnectableClient that counts open handles.
type fakeClient struct {
	open *atomic.Int64

	mu        sync.Mutex
	connected bool
	closed    bool
	shutdowns []transport.ShutdownDirection
	calls     []string

	shutdownErr error
	closedCh    chan struct{}
}

func (c *fakeClient) Kind() transport.Kind { return transport.KindTCP }
func (c *fakeClient) RemoteEndpoint() transport.Endpoint {
	return transport.Endpoint{Kind: transport.KindTCP, Host: "fake", Port: 1}
}
func (c *fakeClient) Setup(transport.Options) error { return nil }

func (c *fakeClient) Connect(context.Context, time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected || c.closed {
		return dmtp.InvalidState("fake connect", dmtp.StateClosed)
	}
	c.connected = true
	return nil
}

func (c *fakeClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

func (c *fakeClient) Shutdown(dir transport.ShutdownDirection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdowns = append(c.shutdowns, dir)
	c.calls = append(c.calls, "shutdown")
	return c.shutdownErr
}

func (c *fakeClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "close")
	if c.closed {
		return nil
	}
	c.closed = true
	c.open.Add(-1)
	close(c.closedCh)
	return nil
}

func (c *fakeClient) ReadFrame(context.Context) ([]byte, error) { return nil, errors.New("unused") }
func (c *fakeClient) WriteFrame(context.Context, []byte) error  { return errors.New("unused") }

// fakeBuilder drives fakeClient connects according to its mode.
type fakeBuilder struct {
	open atomic.Int64

	// delay before a successful connect.
	delay time.Duration
	// hang blocks Connect until ctx is done.
	hang bool
	// ignoreCtx blocks Connect until the client is closed.
	ignoreCtx   bool
	err         error
	shutdownErr error

	mu   sync.Mutex
	last *fakeClient
}

func (b *fakeBuilder) Build(transport.Options) (*fakeClient, error) {
	b.open.Add(1)
	c := &fakeClient{open: &b.open, shutdownErr: b.shutdownErr, closedCh: make(chan struct{})}
	b.mu.Lock()
	b.last = c
	b.mu.Unlock()
	return c, nil
}

func (b *fakeBuilder) Connect(ctx context.Context, c *fakeClient, timeout time.Duration) error {
	switch {
	case b.ignoreCtx:
		<-c.closedCh
		return errors.New("closed while connecting")
	case b.hang:
		<-ctx.Done()
		return ctx.Err()
	case b.err != nil:
		return b.err
	}
	select {
	case <-time.After(b.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.Connect(ctx, timeout)
}

func (b *fakeBuilder) lastClient() *fakeClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
