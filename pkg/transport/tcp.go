package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
)

// ErrFrameTooLarge is returned when an inbound frame exceeds the read limit.
var ErrFrameTooLarge = errors.New("transport: frame too large")

// TCPClient is a raw socket client carrying u32 little-endian
// length-prefixed frames.
type TCPClient struct {
	mu         sync.Mutex
	state      connState
	opts       Options
	endpoint   Endpoint
	conn       net.Conn
	br         *bufio.Reader
	cancelDial context.CancelFunc

	readMu  sync.Mutex
	writeMu sync.Mutex
}

// NewTCPClient returns a bare client. Call Setup before Connect.
func NewTCPClient() *TCPClient {
	return &TCPClient{}
}

// AdoptTCP wraps an accepted connection as a connected client.
func AdoptTCP(conn net.Conn, opts Options) *TCPClient {
	return &TCPClient{
		state:    stateConnected,
		opts:     opts,
		endpoint: endpointFromAddr(KindTCP, conn.RemoteAddr()),
		conn:     conn,
		br:       bufio.NewReader(conn),
	}
}

func (c *TCPClient) Kind() Kind { return KindTCP }

func (c *TCPClient) RemoteEndpoint() Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

func (c *TCPClient) Setup(opts Options) error {
	ep, err := ParseTCPEndpoint(opts.Address)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateBare && c.state != stateConfigured {
		return dmtp.InvalidState("tcp setup", c.state)
	}
	c.opts = opts
	c.endpoint = ep
	c.state = stateConfigured
	return nil
}

func (c *TCPClient) Connect(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	if c.state != stateConfigured {
		state := c.state
		c.mu.Unlock()
		return dmtp.InvalidState("tcp connect", state)
	}
	dialCtx, cancel := context.WithCancel(ctx)
	c.cancelDial = cancel
	c.state = stateConnecting
	addr := c.endpoint.Address()
	dialer := net.Dialer{Timeout: timeout, KeepAlive: c.opts.keepAlive()}
	c.mu.Unlock()

	conn, err := dialer.DialContext(dialCtx, "tcp", addr)

	c.mu.Lock()
	defer c.mu.Unlock()
	cancel()
	c.cancelDial = nil
	if c.state == stateClosed {
		// Closed while dialing.
		if conn != nil {
			_ = conn.Close()
		}
		if err != nil {
			return err
		}
		return dmtp.InvalidState("tcp connect", c.state)
	}
	if err != nil {
		c.state = stateConfigured
		return err
	}
	c.conn = conn
	c.br = bufio.NewReader(conn)
	c.endpoint = endpointFromAddr(KindTCP, conn.RemoteAddr())
	c.state = stateConnected
	return nil
}

func (c *TCPClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

func (c *TCPClient) Shutdown(dir ShutdownDirection) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != stateConnected || conn == nil {
		return dmtp.InvalidState("tcp shutdown", state)
	}

	type halfCloser interface {
		CloseRead() error
		CloseWrite() error
	}
	hc, ok := conn.(halfCloser)
	if !ok {
		return fmt.Errorf("transport: %T does not support shutdown", conn)
	}
	switch dir {
	case ShutdownSend:
		return hc.CloseWrite()
	case ShutdownReceive:
		return hc.CloseRead()
	default:
		return errors.Join(hc.CloseWrite(), hc.CloseRead())
	}
}

func (c *TCPClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateClosed
}

func (c *TCPClient) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	conn, cancel := c.conn, c.cancelDial
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *TCPClient) connected() (net.Conn, *bufio.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConnected {
		return nil, nil, dmtp.InvalidState("tcp io", c.state)
	}
	return c.conn, c.br, nil
}

func (c *TCPClient) ReadFrame(ctx context.Context) ([]byte, error) {
	conn, br, err := c.connected()
	if err != nil {
		return nil, err
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()

	defer watchDeadline(ctx, conn.SetReadDeadline)()

	var lenbuf [4]byte
	if _, err := io.ReadFull(br, lenbuf[:]); err != nil {
		return nil, ctxErr(ctx, err)
	}
	n := binary.LittleEndian.Uint32(lenbuf[:])
	if int64(n) > c.opts.readLimit() {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(br, frame); err != nil {
		return nil, ctxErr(ctx, err)
	}
	return frame, nil
}

func (c *TCPClient) WriteFrame(ctx context.Context, frame []byte) error {
	conn, _, err := c.connected()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	defer watchDeadline(ctx, conn.SetWriteDeadline)()

	buf := make([]byte, 4+len(frame))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(frame)))
	copy(buf[4:], frame)
	if _, err := conn.Write(buf); err != nil {
		return ctxErr(ctx, err)
	}
	return nil
}

// watchDeadline expires the connection deadline when ctx is done. The
// returned func detaches the watch and clears any deadline it set.
func watchDeadline(ctx context.Context, set func(time.Time) error) func() {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = set(time.Now())
		close(fired)
	})
	return func() {
		if !stop() {
			<-fired
			_ = set(time.Time{})
		}
	}
}

// ctxErr prefers the context error when a deadline set by AfterFunc caused
// the I/O failure.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}
