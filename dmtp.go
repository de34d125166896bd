// Package dmtp is the top-level entry point of go-dmtp. It re-exports the
// types most applications need and offers one-call constructors for a
// service and for TCP or WebSocket clients.
package dmtp

import (
	"context"
	"net/http"

	"github.com/lightforgemedia/go-dmtp/assets"
	"github.com/lightforgemedia/go-dmtp/pkg/client"
	core "github.com/lightforgemedia/go-dmtp/pkg/dmtp"
	"github.com/lightforgemedia/go-dmtp/pkg/factory"
	"github.com/lightforgemedia/go-dmtp/pkg/service"
	"github.com/lightforgemedia/go-dmtp/pkg/transport"
)

// Re-export core types
type (
	SessionClient  = core.SessionClient
	State          = core.State
	Envelope       = core.Envelope
	RemoteError    = core.RemoteError
	Service        = service.Service
	ServiceOptions = service.Options
	Event          = service.Event
	Client         = client.Client
	ClientOptions  = client.Options
	TransportOpts  = transport.Options
)

// Re-export error kinds
var (
	ErrConnectTimeout   = core.ErrConnectTimeout
	ErrConnectFailure   = core.ErrConnectFailure
	ErrInvalidState     = core.ErrInvalidState
	ErrIdentityConflict = core.ErrIdentityConflict
	ErrHandshakeFailure = core.ErrHandshakeFailure
	ErrDisposal         = core.ErrDisposal
	ErrSessionNotFound  = core.ErrSessionNotFound
)

// Re-export lifecycle event types
const (
	EventOnline   = service.EventOnline
	EventClosed   = service.EventClosed
	EventRejected = service.EventRejected
)

// DefaultServiceOptions returns default options for NewService.
func DefaultServiceOptions() service.Options {
	return service.DefaultOptions()
}

// DefaultClientOptions returns default options for the Dial helpers.
func DefaultClientOptions() client.Options {
	return client.DefaultOptions()
}

// NewService creates a service from options.
func NewService(opts service.Options) (*service.Service, error) {
	return service.NewWithOptions(opts)
}

// DialTCP connects to a service's TCP listener at address (host:port).
func DialTCP(ctx context.Context, address string, opts client.Options) (*client.Client, error) {
	f := factory.NewTCP(factory.WithLogger(opts.Logger))
	return client.DialWithOptions(ctx, f, transport.Options{Address: address}, opts)
}

// DialWebSocket connects to a service's WebSocket endpoint (ws:// or wss://).
func DialWebSocket(ctx context.Context, url string, opts client.Options) (*client.Client, error) {
	f := factory.NewWebSocket(factory.WithLogger(opts.Logger))
	return client.DialWithOptions(ctx, f, transport.Options{URL: url}, opts)
}

// ScriptHandler serves the embedded browser client.
func ScriptHandler() http.Handler {
	return assets.ScriptHandler()
}

// GetClientScript returns the browser client as a byte slice.
func GetClientScript(minified bool) ([]byte, error) {
	return assets.ClientScript(minified)
}
