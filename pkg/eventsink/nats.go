// Package eventsink forwards service lifecycle events to NATS.
package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lightforgemedia/go-dmtp/pkg/service"
)

const DefaultSubject = "dmtp.events"

// Publisher is the part of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes each event as JSON to <subject>.<type>.
type NATS struct {
	pub     Publisher
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// Options contains configuration for Connect.
type Options struct {
	// URL is the NATS server URL. Defaults to nats.DefaultURL.
	URL string
	// Subject prefixes every published subject.
	Subject string
	Logger  *slog.Logger
	// ConnectionOptions are passed to nats.Connect.
	ConnectionOptions []nats.Option
}

// Connect dials NATS and returns a sink owning the connection.
func Connect(opts Options) (*NATS, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	connOpts := append([]nats.Option{
		nats.Name("dmtp-eventsink"),
		nats.Timeout(5 * time.Second),
	}, opts.ConnectionOptions...)
	conn, err := nats.Connect(opts.URL, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("eventsink: connect to %s: %w", opts.URL, err)
	}
	s := New(conn, opts.Subject, opts.Logger)
	s.conn = conn
	return s, nil
}

// New wraps an existing publisher. The caller keeps ownership of pub.
func New(pub Publisher, subject string, logger *slog.Logger) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{pub: pub, subject: subject, logger: logger}
}

// Subject is the NATS subject ev is published to.
func (s *NATS) Subject(ev service.Event) string {
	return s.subject + "." + string(ev.Type)
}

// Publish sends one event.
func (s *NATS) Publish(ev service.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventsink: marshal %s event: %w", ev.Type, err)
	}
	if err := s.pub.Publish(s.Subject(ev), data); err != nil {
		return fmt.Errorf("eventsink: publish %s: %w", s.Subject(ev), err)
	}
	return nil
}

// Run forwards events until ctx is done or events is closed. A failed
// publish is logged and does not stop the sink.
func (s *NATS) Run(ctx context.Context, events <-chan service.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.Publish(ev); err != nil {
				s.logger.Warn("Event not forwarded", "type", ev.Type, "session", ev.Identity, "error", err)
			}
		}
	}
}

// Close flushes and closes the connection opened by Connect.
func (s *NATS) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Flush()
	s.conn.Close()
	return err
}
