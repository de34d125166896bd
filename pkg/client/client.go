// Package client dials a DMTP service: it obtains a connected transport
// from a factory, performs the client side of the handshake and returns an
// online session.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
	"github.com/lightforgemedia/go-dmtp/pkg/factory"
	"github.com/lightforgemedia/go-dmtp/pkg/resolver"
	"github.com/lightforgemedia/go-dmtp/pkg/session"
	"github.com/lightforgemedia/go-dmtp/pkg/transport"
)

// Client is an online session on the dialing side.
type Client struct {
	*session.Session
	ack dmtp.HelloAck
}

// Ack is the service's acceptance of the handshake.
func (c *Client) Ack() dmtp.HelloAck { return c.ack }

// Dial connects through f and performs the handshake. Any failure after the
// transport is connected disposes it through f.
func Dial[T transport.ConnectableClient](ctx context.Context, f factory.Connector[T], opts transport.Options, copts ...Option) (*Client, error) {
	cfg := clientConfig{
		logger:           slog.Default(),
		resolver:         resolver.DefaultOptions(),
		handshakeTimeout: defaultHandshakeTimeout,
		requestTimeout:   defaultRequestTimeout,
		writeTimeout:     defaultWriteTimeout,
		mailboxSize:      defaultMailboxSize,
	}
	for _, opt := range copts {
		opt(&cfg)
	}
	if cfg.identity == "" {
		id, err := resolver.GenerateID()
		if err != nil {
			return nil, fmt.Errorf("client: generate identity: %w", err)
		}
		cfg.identity = id
	}

	root, err := resolver.NewRoot(cfg.resolver, cfg.logger)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	ser, err := resolver.Get[dmtp.Serializer](root, resolver.KeySerializer)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	tr, err := f.CreateConnectedClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	remote := tr.RemoteEndpoint().String()

	ack, err := handshake(ctx, tr, cfg, ser.Name())
	if err != nil {
		f.DisposeClient(tr)
		cfg.logger.Info("Handshake failed", "remote", remote, "error", err)
		return nil, err
	}

	scope := root.Scope()
	scope.RegisterInstance(resolver.KeyLogger, cfg.logger.With("session", ack.Identity))
	sess, err := session.New(tr, scope,
		session.WithLogger(cfg.logger),
		session.WithMailboxSize(cfg.mailboxSize),
		session.WithRequestTimeout(cfg.requestTimeout),
		session.WithWriteTimeout(cfg.writeTimeout),
		session.WithPingInterval(cfg.pingInterval),
	)
	if err != nil {
		f.DisposeClient(tr)
		return nil, fmt.Errorf("%w: %w", dmtp.ErrHandshakeFailure, err)
	}
	if err := sess.Establish(ack.Identity, nil); err != nil {
		f.DisposeClient(tr)
		return nil, err
	}
	cfg.logger.Info("Client online", "session", ack.Identity, "remote", remote)
	return &Client{Session: sess, ack: ack}, nil
}

// DialWithOptions is Dial configured from an Options struct.
func DialWithOptions[T transport.ConnectableClient](ctx context.Context, f factory.Connector[T], opts transport.Options, copts Options) (*Client, error) {
	fns, err := copts.toOptions()
	if err != nil {
		return nil, err
	}
	return Dial(ctx, f, opts, fns...)
}

func handshake(ctx context.Context, tr transport.ConnectableClient, cfg clientConfig, serializer string) (dmtp.HelloAck, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.handshakeTimeout)
	defer cancel()

	hello, err := dmtp.EncodeHello(dmtp.Hello{
		Version:    dmtp.ProtocolVersion,
		Identity:   cfg.identity,
		Name:       cfg.name,
		Serializer: serializer,
	})
	if err != nil {
		return dmtp.HelloAck{}, err
	}
	if err := tr.WriteFrame(ctx, hello); err != nil {
		return dmtp.HelloAck{}, fmt.Errorf("%w: write hello: %w", dmtp.ErrHandshakeFailure, err)
	}
	frame, err := tr.ReadFrame(ctx)
	if err != nil {
		return dmtp.HelloAck{}, fmt.Errorf("%w: read hello ack: %w", dmtp.ErrHandshakeFailure, err)
	}
	ack, err := dmtp.DecodeHelloAck(frame)
	if err != nil {
		return dmtp.HelloAck{}, err
	}
	if ack.Status == dmtp.AckStatusRejected {
		if ack.Code == http.StatusConflict {
			return ack, fmt.Errorf("%w: %s", dmtp.ErrIdentityConflict, ack.Message)
		}
		return ack, fmt.Errorf("%w: rejected (code %d): %s", dmtp.ErrHandshakeFailure, ack.Code, ack.Message)
	}
	return ack, nil
}

// Since reports how long ago the service accepted the handshake.
func (c *Client) Since() time.Duration {
	return time.Since(time.UnixMilli(c.ack.TimestampMS))
}
