package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
)

// WSClient is a WebSocket client. Each DMTP frame is one WebSocket message.
type WSClient struct {
	mu         sync.Mutex
	state      connState
	opts       Options
	endpoint   Endpoint
	conn       *websocket.Conn
	cancelDial context.CancelFunc
	shutdown   bool
	// msgType mirrors the type of the last inbound message so replies to a
	// text-mode browser peer stay text.
	msgType websocket.MessageType
}

// NewWSClient returns a bare client. Call Setup before Connect.
func NewWSClient() *WSClient {
	return &WSClient{msgType: websocket.MessageBinary}
}

// AdoptWebSocket wraps a server-side connection returned by websocket.Accept.
func AdoptWebSocket(conn *websocket.Conn, remoteAddr string, opts Options) *WSClient {
	conn.SetReadLimit(opts.readLimit())
	ep := Endpoint{Kind: KindWebSocket, Host: remoteAddr}
	if parsed, err := ParseTCPEndpoint(remoteAddr); err == nil {
		ep.Host, ep.Port = parsed.Host, parsed.Port
	}
	return &WSClient{
		state:    stateConnected,
		opts:     opts,
		endpoint: ep,
		conn:     conn,
		msgType:  websocket.MessageBinary,
	}
}

func (c *WSClient) Kind() Kind { return KindWebSocket }

func (c *WSClient) RemoteEndpoint() Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

func (c *WSClient) Setup(opts Options) error {
	ep, err := ParseWebSocketEndpoint(opts.URL)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateBare && c.state != stateConfigured {
		return dmtp.InvalidState("websocket setup", c.state)
	}
	c.opts = opts
	c.endpoint = ep
	c.state = stateConfigured
	return nil
}

func (c *WSClient) dialOptions() *websocket.DialOptions {
	if c.opts.DialOptions != nil {
		return c.opts.DialOptions
	}
	return &websocket.DialOptions{HTTPClient: http.DefaultClient, HTTPHeader: c.opts.Header}
}

func (c *WSClient) Connect(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	if c.state != stateConfigured {
		state := c.state
		c.mu.Unlock()
		return dmtp.InvalidState("websocket connect", state)
	}
	var dialCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		dialCtx, cancel = context.WithCancel(ctx)
	}
	c.cancelDial = cancel
	c.state = stateConnecting
	url := c.endpoint.URL
	dialOpts := c.dialOptions()
	c.mu.Unlock()

	conn, httpResp, err := websocket.Dial(dialCtx, url, dialOpts)

	c.mu.Lock()
	defer c.mu.Unlock()
	cancel()
	c.cancelDial = nil
	if c.state == stateClosed {
		if conn != nil {
			_ = conn.CloseNow()
		}
		if err != nil {
			return err
		}
		return dmtp.InvalidState("websocket connect", c.state)
	}
	if err != nil {
		c.state = stateConfigured
		if httpResp != nil {
			return fmt.Errorf("dial %s (status: %s): %w", url, httpResp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(c.opts.readLimit())
	c.conn = conn
	c.state = stateConnected
	return nil
}

func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected && !c.shutdown
}

// Shutdown with ShutdownSend or ShutdownBoth performs the WebSocket close
// handshake. WebSocket has no receive-only half close, so ShutdownReceive
// is a no-op.
func (c *WSClient) Shutdown(dir ShutdownDirection) error {
	c.mu.Lock()
	if c.state != stateConnected {
		state := c.state
		c.mu.Unlock()
		return dmtp.InvalidState("websocket shutdown", state)
	}
	if dir == ShutdownReceive || c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	conn := c.conn
	c.mu.Unlock()
	return conn.Close(websocket.StatusNormalClosure, "shutdown")
}

func (c *WSClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateClosed
}

func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	conn, cancel, shut := c.conn, c.cancelDial, c.shutdown
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	err := conn.CloseNow()
	if shut {
		// Already closed by the handshake.
		return nil
	}
	return err
}

func (c *WSClient) connected() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConnected {
		return nil, dmtp.InvalidState("websocket io", c.state)
	}
	return c.conn, nil
}

// ReadFrame reads one message. Cancelling ctx closes the connection; that
// is how the underlying library unblocks a pending read.
func (c *WSClient) ReadFrame(ctx context.Context) ([]byte, error) {
	conn, err := c.connected()
	if err != nil {
		return nil, err
	}
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.msgType = typ
	c.mu.Unlock()
	return data, nil
}

func (c *WSClient) WriteFrame(ctx context.Context, frame []byte) error {
	conn, err := c.connected()
	if err != nil {
		return err
	}
	c.mu.Lock()
	typ := c.msgType
	c.mu.Unlock()
	return conn.Write(ctx, typ, frame)
}

// Ping sends a WebSocket ping and waits for the pong.
func (c *WSClient) Ping(ctx context.Context) error {
	conn, err := c.connected()
	if err != nil {
		return err
	}
	return conn.Ping(ctx)
}
