package factory

import (
	"context"
	"time"

	"github.com/lightforgemedia/go-dmtp/pkg/transport"
)

// WebSocketBuilder builds WebSocket clients.
type WebSocketBuilder struct{}

func (WebSocketBuilder) Build(opts transport.Options) (*transport.WSClient, error) {
	c := transport.NewWSClient()
	if err := c.Setup(opts); err != nil {
		return nil, err
	}
	return c, nil
}

func (WebSocketBuilder) Connect(ctx context.Context, c *transport.WSClient, timeout time.Duration) error {
	return c.Connect(ctx, timeout)
}

// NewWebSocket returns a factory for WebSocket clients.
func NewWebSocket(opts ...Option) *Factory[*transport.WSClient] {
	return New[*transport.WSClient](WebSocketBuilder{}, opts...)
}
