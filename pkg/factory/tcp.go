package factory

import (
	"context"
	"time"

	"github.com/lightforgemedia/go-dmtp/pkg/transport"
)

// TCPBuilder builds raw socket clients. It carries no cleanup logic; the
// Factory owns that.
type TCPBuilder struct{}

func (TCPBuilder) Build(opts transport.Options) (*transport.TCPClient, error) {
	c := transport.NewTCPClient()
	if err := c.Setup(opts); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect dials with the factory timeout truncated to whole milliseconds.
func (TCPBuilder) Connect(ctx context.Context, c *transport.TCPClient, timeout time.Duration) error {
	return c.Connect(ctx, timeout.Truncate(time.Millisecond))
}

// NewTCP returns a factory for TCP clients.
func NewTCP(opts ...Option) *Factory[*transport.TCPClient] {
	return New[*transport.TCPClient](TCPBuilder{}, opts...)
}
