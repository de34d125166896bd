// Package service owns the online registry of DMTP sessions. It accepts
// connected transports, runs the server side of the handshake, assigns
// identities through the resolver and keeps at most one online session per
// identity. Sessions unregister themselves on close.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
	"github.com/lightforgemedia/go-dmtp/pkg/metrics"
	"github.com/lightforgemedia/go-dmtp/pkg/resolver"
	"github.com/lightforgemedia/go-dmtp/pkg/session"
	"github.com/lightforgemedia/go-dmtp/pkg/transport"
)

const rejectWriteTimeout = time.Second

// entry is one registry slot. client is what callers see: the session
// itself, or its WebSocket wrapper.
type entry struct {
	s      *session.Session
	client dmtp.SessionClient
}

// Service manages session handshakes and the online registry.
type Service struct {
	config serviceConfig
	root   *resolver.Container
	ser    dmtp.Serializer
	router *session.Router
	events *eventBus

	mu       sync.RWMutex
	sessions map[string]entry

	// lifecycleMu orders online and closed events of one session.
	lifecycleMu sync.Mutex

	shutdownOnce sync.Once
	mainCtx      context.Context
	mainCancel   context.CancelFunc
}

var _ session.Owner = (*Service)(nil)

// New creates a Service.
func New(opts ...Option) (*Service, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		config: serviceConfig{
			name:             defaultName,
			logger:           slog.Default(),
			resolver:         resolver.DefaultOptions(),
			handshakeTimeout: defaultHandshakeTimeout,
			mailboxSize:      defaultMailboxSize,
			requestTimeout:   defaultRequestTimeout,
			writeTimeout:     defaultWriteTimeout,
			acceptOptions:    &websocket.AcceptOptions{},
			eventBuffer:      defaultEventBuffer,
		},
		router:     session.NewRouter(),
		sessions:   make(map[string]entry),
		mainCtx:    ctx,
		mainCancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	root, err := resolver.NewRoot(s.config.resolver, s.config.logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("service: %w", err)
	}
	s.root = root
	s.ser, _ = resolver.Get[dmtp.Serializer](root, resolver.KeySerializer)
	s.events = newEventBus(s.config.eventBuffer)
	if s.config.metrics {
		metrics.Register()
	}
	return s, nil
}

func (s *Service) Name() string { return s.config.name }

// Resolver is the root scope every session scope derives from.
func (s *Service) Resolver() *resolver.Container { return s.root }

// Context is cancelled when Shutdown starts.
func (s *Service) Context() context.Context { return s.mainCtx }

// Handle registers a handler shared by every session of the service.
// Supported shapes are those of session.NewHandler.
func (s *Service) Handle(topic string, fn any) error {
	return s.router.Handle(topic, fn)
}

// Route implements session.Owner.
func (s *Service) Route(topic string) (*session.Handler, bool) {
	return s.router.Lookup(topic)
}

// Subscribe streams lifecycle events until ctx is done. With no types
// every event is delivered.
func (s *Service) Subscribe(ctx context.Context, types ...EventType) <-chan Event {
	return s.events.subscribe(ctx, types...)
}

func (s *Service) shuttingDown() bool {
	return s.mainCtx.Err() != nil
}

func (s *Service) sessionOptions(origin *http.Request) []session.Option {
	opts := []session.Option{
		session.WithLogger(s.config.logger),
		session.WithMailboxSize(s.config.mailboxSize),
		session.WithRequestTimeout(s.config.requestTimeout),
		session.WithWriteTimeout(s.config.writeTimeout),
		session.WithPingInterval(s.config.pingInterval),
	}
	if origin != nil {
		opts = append(opts, session.WithOrigin(origin))
	}
	return opts
}

func (s *Service) transportOptions() transport.Options {
	return transport.Options{ReadLimit: s.config.readLimit}
}

// Accept runs the server side of the handshake over a connected transport
// and registers the resulting session. origin is the HTTP upgrade request
// for WebSocket transports and nil otherwise.
//
// On any failure the transport is disposed and nothing is left in the
// registry. A duplicate identity fails with dmtp.ErrIdentityConflict unless
// the service replaces existing sessions.
func (s *Service) Accept(ctx context.Context, tr transport.ConnectableClient, origin *http.Request) (dmtp.SessionClient, error) {
	remote := tr.RemoteEndpoint().String()
	if s.shuttingDown() {
		return nil, s.reject(tr, "", dmtp.CodeUnavailable, dmtp.InvalidState("accept", dmtp.StateClosed))
	}

	hsCtx, cancel := context.WithTimeout(ctx, s.config.handshakeTimeout)
	defer cancel()

	frame, err := tr.ReadFrame(hsCtx)
	if err != nil {
		return nil, s.reject(tr, "", dmtp.CodeBadRequest, fmt.Errorf("%w: read hello from %s: %w", dmtp.ErrHandshakeFailure, remote, err))
	}
	hello, err := dmtp.DecodeHello(frame)
	if err != nil {
		return nil, s.reject(tr, "", dmtp.CodeBadRequest, err)
	}
	if hello.Serializer != s.ser.Name() {
		return nil, s.reject(tr, hello.Identity, dmtp.CodeBadRequest,
			fmt.Errorf("%w: serializer '%s' not supported, service uses '%s'", dmtp.ErrHandshakeFailure, hello.Serializer, s.ser.Name()))
	}

	scope := s.root.Scope()
	assigner, err := resolver.Get[resolver.IdentityAssigner](scope, resolver.KeyIdentity)
	if err != nil {
		return nil, s.reject(tr, hello.Identity, dmtp.CodeInternal, fmt.Errorf("%w: %w", dmtp.ErrHandshakeFailure, err))
	}
	id, err := assigner.Assign(hello.Identity)
	if err != nil {
		return nil, s.reject(tr, hello.Identity, dmtp.CodeBadRequest, err)
	}
	scope.RegisterInstance(resolver.KeyLogger, s.config.logger.With("session", id))

	sess, err := session.New(tr, scope, s.sessionOptions(origin)...)
	if err != nil {
		return nil, s.reject(tr, id, dmtp.CodeInternal, fmt.Errorf("%w: %w", dmtp.ErrHandshakeFailure, err))
	}
	var client dmtp.SessionClient = sess
	if origin != nil {
		ws := &WebSocketSession{Session: sess, request: origin, service: s}
		sess.Expose(ws)
		client = ws
	}

	replaced, err := s.insert(id, entry{s: sess, client: client})
	if err != nil {
		code := http.StatusConflict
		if errors.Is(err, dmtp.ErrInvalidState) {
			code = dmtp.CodeUnavailable
		}
		return nil, s.reject(tr, id, code, err)
	}
	if replaced != nil {
		s.config.logger.Info("Replacing online session", "session", id, "remote", remote)
		replaced.Close("replaced by new session")
	}

	ack, err := dmtp.EncodeHelloAck(dmtp.HelloAck{
		Status:      dmtp.AckStatusAccepted,
		Identity:    id,
		TimestampMS: time.Now().UnixMilli(),
	})
	if err == nil {
		err = tr.WriteFrame(hsCtx, ack)
	}
	if err != nil {
		s.remove(id, sess)
		s.dispose(tr)
		s.recordRejection(id, remote, dmtp.KindHandshakeFailure.String())
		return nil, fmt.Errorf("%w: write hello ack to %s: %w", dmtp.ErrHandshakeFailure, remote, err)
	}

	if err := sess.Establish(id, s); err != nil {
		s.remove(id, sess)
		s.dispose(tr)
		return nil, err
	}

	// An OnOnline plugin or a dropped transport may already have closed the
	// session, in which case its closed event is out and online must not follow.
	s.lifecycleMu.Lock()
	if state := sess.State(); state != dmtp.StateOnline {
		s.lifecycleMu.Unlock()
		s.remove(id, sess)
		return nil, dmtp.InvalidState("accept", state)
	}
	s.onlineChanged()
	s.events.publish(Event{
		Type:      EventOnline,
		Service:   s.config.name,
		Identity:  id,
		Remote:    remote,
		Transport: tr.Kind().String(),
		Time:      time.Now(),
	})
	s.lifecycleMu.Unlock()
	s.config.logger.Info("Session online", "session", id, "remote", remote, "transport", tr.Kind().String())
	return client, nil
}

// insert claims id atomically. Under RejectDuplicate a taken identity is a
// conflict; under ReplaceExisting the previous session is returned for the
// caller to close.
func (s *Service) insert(id string, e entry) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown() {
		return nil, dmtp.InvalidState("register", dmtp.StateClosed)
	}
	existing, taken := s.sessions[id]
	if taken && s.config.conflictPolicy == RejectDuplicate {
		return nil, fmt.Errorf("%w: identity '%s' is already online", dmtp.ErrIdentityConflict, id)
	}
	s.sessions[id] = e
	if taken {
		return existing.s, nil
	}
	return nil, nil
}

// remove deletes id only while it still maps to sess, so a replaced session
// closing late cannot evict its successor.
func (s *Service) remove(id string, sess *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[id]; ok && e.s == sess {
		delete(s.sessions, id)
		return true
	}
	return false
}

// Unregister implements session.Owner. A replaced session still reports
// its closed event but leaves its successor registered.
func (s *Service) Unregister(sess *session.Session) {
	id := sess.ID()
	if s.remove(id, sess) {
		s.onlineChanged()
	}

	reason := ""
	if err := sess.CloseReason(); err != nil {
		reason = err.Error()
	}
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	s.events.publish(Event{
		Type:      EventClosed,
		Service:   s.config.name,
		Identity:  id,
		Remote:    sess.RemoteAddr(),
		Transport: sess.Transport().Kind().String(),
		Reason:    reason,
		Time:      time.Now(),
	})
	s.config.logger.Info("Session unregistered", "session", id, "reason", reason)
}

// reject answers the peer with a rejected ack when possible, disposes the
// transport and returns err.
func (s *Service) reject(tr transport.ConnectableClient, identity string, code int, err error) error {
	remote := tr.RemoteEndpoint().String()
	if tr.Connected() {
		ack, encErr := dmtp.EncodeHelloAck(dmtp.HelloAck{
			Status:      dmtp.AckStatusRejected,
			Code:        code,
			Message:     err.Error(),
			TimestampMS: time.Now().UnixMilli(),
		})
		if encErr == nil {
			ctx, cancel := context.WithTimeout(context.Background(), rejectWriteTimeout)
			_ = tr.WriteFrame(ctx, ack)
			cancel()
		}
	}
	s.dispose(tr)
	s.recordRejection(identity, remote, dmtp.KindOf(err).String())
	s.config.logger.Info("Handshake rejected", "remote", remote, "identity", identity, "error", err)
	return err
}

func (s *Service) recordRejection(identity, remote, reason string) {
	if s.config.metrics {
		metrics.RecordRejection(s.config.name, reason)
	}
	s.events.publish(Event{
		Type:     EventRejected,
		Service:  s.config.name,
		Identity: identity,
		Remote:   remote,
		Reason:   reason,
		Time:     time.Now(),
	})
}

// dispose shuts a transport down in both directions, then closes it.
func (s *Service) dispose(tr transport.ConnectableClient) {
	if tr.Connected() {
		if err := tr.Shutdown(transport.ShutdownBoth); err != nil {
			s.config.logger.Debug("Shutdown before dispose failed", "remote", tr.RemoteEndpoint().String(),
				"error", fmt.Errorf("%w: %w", dmtp.ErrDisposal, err))
		}
	}
	if err := tr.Close(); err != nil {
		s.config.logger.Warn("Close during dispose failed", "remote", tr.RemoteEndpoint().String(),
			"error", fmt.Errorf("%w: %w", dmtp.ErrDisposal, err))
	}
}

func (s *Service) onlineChanged() {
	if s.config.metrics {
		metrics.SetSessionsOnline(s.config.name, len(s.Online()))
	}
}

// Lookup returns the online session registered under id.
func (s *Service) Lookup(id string) (dmtp.SessionClient, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok || e.s.State() != dmtp.StateOnline {
		return nil, fmt.Errorf("%w: '%s'", dmtp.ErrSessionNotFound, id)
	}
	return e.client, nil
}

// Online enumerates online sessions sorted by identity.
func (s *Service) Online() []dmtp.SessionClient {
	s.mu.RLock()
	out := make([]dmtp.SessionClient, 0, len(s.sessions))
	for _, e := range s.sessions {
		if e.s.State() == dmtp.StateOnline {
			out = append(out, e.client)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len counts registry entries, including sessions still finishing their
// handshake.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CloseByID closes the session registered under id.
func (s *Service) CloseByID(id, reason string) error {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: '%s'", dmtp.ErrSessionNotFound, id)
	}
	return e.s.Close(reason)
}

// Shutdown stops accepting and closes every registered session in
// parallel, bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.config.logger.Info("Service shutting down", "service", s.config.name, "sessions", s.Len())
		s.mainCancel()

		s.mu.RLock()
		all := make([]*session.Session, 0, len(s.sessions))
		for _, e := range s.sessions {
			all = append(all, e.s)
		}
		s.mu.RUnlock()

		var g errgroup.Group
		for _, sess := range all {
			sess := sess
			g.Go(func() error {
				return sess.Close("service shutdown")
			})
		}
		done := make(chan error, 1)
		go func() { done <- g.Wait() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = fmt.Errorf("service shutdown: %w", ctx.Err())
		}
		s.events.shutdown()
	})
	return err
}
