package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/lightforgemedia/go-dmtp/pkg/client"
	"github.com/lightforgemedia/go-dmtp/pkg/factory"
	"github.com/lightforgemedia/go-dmtp/pkg/transport"
)

const dialTimeout = 2 * time.Second

// DialTCP connects a client to addr or fails the test. The client is
// closed with the test.
func DialTCP(t *testing.T, addr string, opts ...client.Option) *client.Client {
	t.Helper()
	f := factory.NewTCP(factory.WithConnectTimeout(dialTimeout), factory.WithLogger(DefaultLogger))
	return dial(t, f, transport.Options{Address: addr}, opts)
}

// DialWebSocket connects a client to a ws:// URL or fails the test.
func DialWebSocket(t *testing.T, url string, opts ...client.Option) *client.Client {
	t.Helper()
	f := factory.NewWebSocket(factory.WithConnectTimeout(dialTimeout), factory.WithLogger(DefaultLogger))
	return dial(t, f, transport.Options{URL: url}, opts)
}

func dial[T transport.ConnectableClient](t *testing.T, f factory.Connector[T], topts transport.Options, opts []client.Option) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	opts = append([]client.Option{client.WithLogger(DefaultLogger)}, opts...)
	c, err := client.Dial(ctx, f, topts, opts...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close("test cleanup") })
	return c
}
