// Package transport provides the connectable clients a DMTP session runs
// over. A client is built bare, configured with Setup, connected once, and
// finally shut down and closed. TCP and WebSocket variants share the
// ConnectableClient contract so the layers above never branch on the
// transport kind.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultReadLimit = 1024 * 1024 // Max frame size 1MB
	defaultKeepAlive = 15 * time.Second
)

// Kind identifies the transport a client runs over.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindWebSocket
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// ShutdownDirection selects which half of a connection Shutdown closes.
type ShutdownDirection int

const (
	ShutdownSend ShutdownDirection = iota
	ShutdownReceive
	ShutdownBoth
)

func (d ShutdownDirection) String() string {
	switch d {
	case ShutdownSend:
		return "send"
	case ShutdownReceive:
		return "receive"
	default:
		return "both"
	}
}

// Options is the configuration applied to a bare client.
type Options struct {
	// Address is host:port for TCP clients.
	Address string
	// URL is the ws:// or wss:// endpoint for WebSocket clients.
	URL string
	// ConnectTimeout overrides the factory timeout when positive and shorter.
	ConnectTimeout time.Duration
	// KeepAlive is the TCP keep-alive period. Negative disables it.
	KeepAlive time.Duration
	// ReadLimit caps a single inbound frame. Defaults to 1MB.
	ReadLimit int64
	// Header is sent with the WebSocket upgrade request.
	Header http.Header
	// DialOptions overrides the WebSocket dial options entirely.
	DialOptions *websocket.DialOptions
}

func (o Options) readLimit() int64 {
	if o.ReadLimit > 0 {
		return o.ReadLimit
	}
	return defaultReadLimit
}

func (o Options) keepAlive() time.Duration {
	if o.KeepAlive == 0 {
		return defaultKeepAlive
	}
	return o.KeepAlive
}

// ConnectableClient is one transport connection.
type ConnectableClient interface {
	Kind() Kind
	RemoteEndpoint() Endpoint

	// Setup applies configuration. It is rejected once the client has
	// connected or closed.
	Setup(opts Options) error
	// Connect establishes the connection within timeout. It is not
	// re-entrant: connecting a connected or closed client returns
	// dmtp.ErrInvalidState.
	Connect(ctx context.Context, timeout time.Duration) error
	Connected() bool

	// Shutdown is a best-effort half or full close that keeps resources
	// allocated until Close.
	Shutdown(dir ShutdownDirection) error
	// Close releases the connection. Calling it again returns nil.
	Close() error

	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
}

// ClosedReporter is implemented by transports that can tell whether Close
// has already run.
type ClosedReporter interface {
	Closed() bool
}

// Pinger is implemented by transports with a native liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type connState int

const (
	stateBare connState = iota
	stateConfigured
	stateConnecting
	stateConnected
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateBare:
		return "bare"
	case stateConfigured:
		return "configured"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	default:
		return "closed"
	}
}
