// Package session implements the DMTP session client: one connected
// transport promoted with an identity, an actor dispatch surface, a resolver
// scope and an online state tracked by its owner.
//
// Inbound requests and publishes are queued in a bounded mailbox drained by
// a single goroutine, so a session dispatches in arrival order. The read loop
// never waits on the mailbox: actions that do not fit are parked in a bounded
// backlog fed to the mailbox in order, and a session whose backlog overflows
// is closed with ErrMailboxOverflow. Responses skip both queues and go
// straight to the waiting Request call, so a handler can issue requests of
// its own while its mailbox is full.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
	"github.com/lightforgemedia/go-dmtp/pkg/resolver"
	"github.com/lightforgemedia/go-dmtp/pkg/transport"
)

// Owner is the registry a session belongs to once established.
type Owner interface {
	// Unregister removes s from the online registry. It runs before the
	// transport is shut down.
	Unregister(s *Session)
	// Route returns a shared handler for topic when the session has none.
	Route(topic string) (*Handler, bool)
}

// Errors recorded as the close reason.
var (
	ErrClosedLocally  = errors.New("session closed locally")
	ErrClosedByRemote = errors.New("session closed by remote")

	// ErrMailboxOverflow closes a session whose peer outpaces its dispatch.
	ErrMailboxOverflow = errors.New("session mailbox overflow")
)

// Session is a SessionClient over one ConnectableClient.
type Session struct {
	tr     transport.ConnectableClient
	scope  dmtp.Resolver
	ser    dmtp.Serializer
	config sessionConfig
	router *Router

	mu      sync.Mutex
	id      string
	state   dmtp.State
	owner   Owner
	outer   dmtp.SessionClient
	reason  error
	plugins []resolver.Plugin
	stop    chan struct{}
	closed  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan *dmtp.Envelope

	backlogMu sync.Mutex
	backlog   []*dmtp.Envelope
	feeding   bool

	pendingMu sync.Mutex
	pending   map[string]chan *dmtp.Envelope
	nextReqID atomic.Uint64
}

var _ dmtp.SessionClient = (*Session)(nil)

// New creates a Pending session over a connected transport. The serializer
// is resolved from scope.
func New(tr transport.ConnectableClient, scope dmtp.Resolver, opts ...Option) (*Session, error) {
	if tr == nil {
		return nil, errors.New("session: nil transport")
	}
	if !tr.Connected() {
		return nil, dmtp.InvalidState("session new", dmtp.StatePending)
	}
	ser, err := resolver.Get[dmtp.Serializer](scope, resolver.KeySerializer)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	cfg := sessionConfig{
		logger:         slog.Default(),
		mailboxSize:    defaultMailboxSize,
		maxBacklog:     defaultMaxBacklog,
		requestTimeout: defaultRequestTimeout,
		writeTimeout:   defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		tr:      tr,
		scope:   scope,
		ser:     ser,
		config:  cfg,
		router:  NewRouter(),
		state:   dmtp.StatePending,
		stop:    make(chan struct{}),
		closed:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		mailbox: make(chan *dmtp.Envelope, cfg.mailboxSize),
		pending: make(map[string]chan *dmtp.Envelope),
	}
	s.outer = s
	return s, nil
}

// Expose sets the value handlers and plugins receive in place of s, for
// wrappers that add capabilities. It must be called before Establish.
func (s *Session) Expose(outer dmtp.SessionClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if outer != nil && s.state == dmtp.StatePending {
		s.outer = outer
	}
}

func (s *Session) self() dmtp.SessionClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outer
}

// Establish assigns the identity, moves the session Online and starts
// dispatch. Identity is assigned exactly once.
func (s *Session) Establish(id string, owner Owner) error {
	if id == "" {
		return fmt.Errorf("%w: empty identity", dmtp.ErrHandshakeFailure)
	}
	s.mu.Lock()
	if s.state != dmtp.StatePending || s.id != "" {
		state := s.state
		s.mu.Unlock()
		return dmtp.InvalidState("establish", state)
	}
	s.id = id
	s.owner = owner
	s.state = dmtp.StateOnline
	outer := s.outer
	s.mu.Unlock()

	plugins, err := resolver.Get[[]resolver.Plugin](s.scope, resolver.KeyPlugins)
	if err != nil && !errors.Is(err, resolver.ErrNotFound) {
		s.config.logger.Warn("Session plugins unavailable", "session", id, "error", err)
	}
	s.mu.Lock()
	s.plugins = plugins
	s.mu.Unlock()

	go s.readLoop()
	go s.dispatchLoop()
	if p, ok := s.tr.(transport.Pinger); ok && s.config.pingInterval > 0 {
		go s.pingLoop(p)
	}

	for _, p := range plugins {
		p.OnOnline(outer)
	}
	return nil
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) State() dmtp.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Online holds while the session is registered and its transport connected.
func (s *Session) Online() bool {
	return s.State() == dmtp.StateOnline && s.tr.Connected()
}

func (s *Session) Actor() dmtp.Actor                      { return s }
func (s *Session) Resolver() dmtp.Resolver                { return s.scope }
func (s *Session) Context() context.Context               { return s.ctx }
func (s *Session) Done() <-chan struct{}                  { return s.closed }
func (s *Session) Serializer() dmtp.Serializer            { return s.ser }
func (s *Session) Origin() any                            { return s.config.origin }
func (s *Session) Transport() transport.ConnectableClient { return s.tr }
func (s *Session) RemoteAddr() string                     { return s.tr.RemoteEndpoint().String() }

// Handle registers a handler on this session only. Topics without a session
// handler fall back to the owner's router.
func (s *Session) Handle(topic string, fn any) error {
	return s.router.Handle(topic, fn)
}

// CloseReason is the error that ended the session, nil while it is open.
func (s *Session) CloseReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) checkOnline(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != dmtp.StateOnline {
		return dmtp.InvalidState(op, s.state)
	}
	return nil
}

func (s *Session) write(ctx context.Context, env *dmtp.Envelope) error {
	frame, err := dmtp.EncodeEnvelope(s.ser, env)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", env.Type, err)
	}
	wctx, cancel := context.WithTimeout(ctx, s.config.writeTimeout)
	defer cancel()
	return s.tr.WriteFrame(wctx, frame)
}

// Send emits a one-way publish on topic.
func (s *Session) Send(ctx context.Context, topic string, payload any) error {
	if err := s.checkOnline("send"); err != nil {
		return err
	}
	env, err := dmtp.NewEnvelope(s.ser, "", dmtp.TypePublish, topic, payload, nil)
	if err != nil {
		return err
	}
	if err := s.write(ctx, env); err != nil {
		return fmt.Errorf("session %s: send on topic '%s': %w", s.ID(), topic, err)
	}
	return nil
}

// Request emits a request and waits for the response. A session that closes
// while the request is pending fails it with dmtp.ErrInvalidState.
func (s *Session) Request(ctx context.Context, topic string, payload any, respPtr any, timeout time.Duration) error {
	if err := s.checkOnline("request"); err != nil {
		return err
	}
	reqID := strconv.FormatUint(s.nextReqID.Add(1), 10)
	env, err := dmtp.NewEnvelope(s.ser, reqID, dmtp.TypeRequest, topic, payload, nil)
	if err != nil {
		return err
	}

	respCh := make(chan *dmtp.Envelope, 1)
	s.pendingMu.Lock()
	s.pending[reqID] = respCh
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, reqID)
		s.pendingMu.Unlock()
	}()

	if err := s.write(ctx, env); err != nil {
		if s.checkOnline("request") != nil {
			return dmtp.InvalidState("request", s.State())
		}
		return fmt.Errorf("session %s: request on topic '%s': %w", s.ID(), topic, err)
	}

	if timeout <= 0 {
		timeout = s.config.requestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != nil || resp.Type == dmtp.TypeError {
			remote := &dmtp.RemoteError{Topic: topic, Code: dmtp.CodeInternal}
			if resp.Error != nil {
				remote.Code, remote.Message = resp.Error.Code, resp.Error.Message
			}
			return remote
		}
		if respPtr != nil {
			if err := resp.DecodePayload(s.ser, respPtr); err != nil {
				return fmt.Errorf("session %s: decode response on topic '%s': %w", s.ID(), topic, err)
			}
		}
		return nil
	case <-s.stop:
		return dmtp.InvalidState("request", s.State())
	case <-timer.C:
		return fmt.Errorf("session %s: request on topic '%s' timed out after %v: %w", s.ID(), topic, timeout, context.DeadlineExceeded)
	case <-ctx.Done():
		return fmt.Errorf("session %s: request on topic '%s': %w", s.ID(), topic, ctx.Err())
	}
}

func (s *Session) readLoop() {
	for {
		frame, err := s.tr.ReadFrame(s.ctx)
		if err != nil {
			s.closeWith(fmt.Errorf("transport: %w", err), false)
			return
		}
		env, err := dmtp.DecodeEnvelope(s.ser, frame)
		if err != nil {
			s.config.logger.Warn("Dropping undecodable frame", "session", s.ID(), "error", err)
			continue
		}

		switch env.Type {
		case dmtp.TypeResponse, dmtp.TypeError:
			s.pendingMu.Lock()
			ch, ok := s.pending[env.ID]
			s.pendingMu.Unlock()
			if !ok {
				s.config.logger.Debug("Unsolicited response", "session", s.ID(), "id", env.ID)
				continue
			}
			select {
			case ch <- env:
			default:
			}
		case dmtp.TypeRequest, dmtp.TypePublish:
			if !s.enqueue(env) {
				s.config.logger.Warn("Mailbox overflow", "session", s.ID(), "backlog", s.config.maxBacklog)
				s.closeWith(ErrMailboxOverflow, true)
				return
			}
		case dmtp.TypeClose:
			s.closeWith(ErrClosedByRemote, false)
			return
		default:
			s.config.logger.Warn("Unknown envelope type", "session", s.ID(), "type", env.Type)
		}
	}
}

// enqueue hands env to the mailbox without blocking. Once the mailbox is
// full, env and every later action go to the backlog until it drains, which
// keeps arrival order. It reports false when the backlog is full.
func (s *Session) enqueue(env *dmtp.Envelope) bool {
	s.backlogMu.Lock()
	defer s.backlogMu.Unlock()
	if !s.feeding {
		select {
		case s.mailbox <- env:
			return true
		default:
		}
	}
	if len(s.backlog) >= s.config.maxBacklog {
		return false
	}
	s.backlog = append(s.backlog, env)
	if !s.feeding {
		s.feeding = true
		go s.feedLoop()
	}
	return true
}

func (s *Session) feedLoop() {
	for {
		s.backlogMu.Lock()
		if len(s.backlog) == 0 {
			s.feeding = false
			s.backlogMu.Unlock()
			return
		}
		env := s.backlog[0]
		s.backlogMu.Unlock()

		select {
		case s.mailbox <- env:
		case <-s.stop:
			return
		}

		s.backlogMu.Lock()
		s.backlog[0] = nil
		s.backlog = s.backlog[1:]
		s.backlogMu.Unlock()
	}
}

func (s *Session) dispatchLoop() {
	for {
		select {
		case env := <-s.mailbox:
			s.dispatch(env)
		case <-s.stop:
			return
		}
	}
}

func (s *Session) pingLoop(p transport.Pinger) {
	ticker := time.NewTicker(s.config.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, s.config.pingInterval)
			err := p.Ping(ctx)
			cancel()
			if err != nil && s.checkOnline("ping") == nil {
				s.closeWith(fmt.Errorf("ping: %w", err), false)
				return
			}
		}
	}
}

func (s *Session) lookup(topic string) (*Handler, bool) {
	if h, ok := s.router.Lookup(topic); ok {
		return h, true
	}
	s.mu.Lock()
	owner := s.owner
	s.mu.Unlock()
	if owner != nil {
		return owner.Route(topic)
	}
	return nil, false
}

func (s *Session) dispatch(env *dmtp.Envelope) {
	h, ok := s.lookup(env.Topic)
	if !ok {
		s.config.logger.Debug("No handler for topic", "session", s.ID(), "topic", env.Topic, "type", env.Type)
		if env.Type == dmtp.TypeRequest {
			s.reply(env, nil, &dmtp.ErrorPayload{Code: dmtp.CodeNotFound, Message: "no handler for topic: " + env.Topic})
		}
		return
	}

	resp, errPayload := h.call(s.self(), s.ser, env)
	if env.Type != dmtp.TypeRequest {
		if errPayload != nil {
			s.config.logger.Warn("Publish handler failed", "session", s.ID(), "topic", env.Topic, "error", errPayload.Message)
		} else if h.HasResponse() {
			s.config.logger.Debug("Publish response discarded", "session", s.ID(), "topic", env.Topic)
		}
		return
	}
	s.reply(env, resp, errPayload)
}

func (s *Session) reply(req *dmtp.Envelope, resp any, errPayload *dmtp.ErrorPayload) {
	typ := dmtp.TypeResponse
	if errPayload != nil {
		typ = dmtp.TypeError
		resp = nil
	}
	env, err := dmtp.NewEnvelope(s.ser, req.ID, typ, req.Topic, resp, errPayload)
	if err != nil {
		s.config.logger.Warn("Encoding response failed", "session", s.ID(), "topic", req.Topic, "error", err)
		env, _ = dmtp.NewEnvelope(s.ser, req.ID, dmtp.TypeError, req.Topic, nil,
			&dmtp.ErrorPayload{Code: dmtp.CodeInternal, Message: "server error creating response"})
	}
	if err := s.write(s.ctx, env); err != nil {
		s.config.logger.Debug("Writing response failed", "session", s.ID(), "topic", req.Topic, "error", err)
	}
}

// Close ends the session: it is unregistered from its owner, the peer is
// told, and the transport is shut down and released. Closing a closing or
// closed session waits for Closed and returns nil.
func (s *Session) Close(reason string) error {
	err := ErrClosedLocally
	if reason != "" {
		err = fmt.Errorf("%w: %s", ErrClosedLocally, reason)
	}
	s.closeWith(err, true)
	return nil
}

func (s *Session) closeWith(reason error, notify bool) {
	s.mu.Lock()
	if s.state == dmtp.StateClosing || s.state == dmtp.StateClosed {
		s.mu.Unlock()
		<-s.closed
		return
	}
	wasOnline := s.state == dmtp.StateOnline
	s.state = dmtp.StateClosing
	s.reason = reason
	owner, outer, plugins, id := s.owner, s.outer, s.plugins, s.id
	close(s.stop)
	s.mu.Unlock()

	if owner != nil {
		owner.Unregister(s)
	}
	if notify && wasOnline {
		ctx, cancel := context.WithTimeout(context.Background(), closeNotifyTimeout)
		env := &dmtp.Envelope{Type: dmtp.TypeClose}
		if frame, err := dmtp.EncodeEnvelope(s.ser, env); err == nil {
			_ = s.tr.WriteFrame(ctx, frame)
		}
		cancel()
	}
	if s.tr.Connected() {
		if err := s.tr.Shutdown(transport.ShutdownBoth); err != nil {
			s.config.logger.Debug("Transport shutdown failed", "session", id,
				"error", fmt.Errorf("%w: %w", dmtp.ErrDisposal, err))
		}
	}
	if err := s.tr.Close(); err != nil {
		s.config.logger.Warn("Transport close failed", "session", id,
			"error", fmt.Errorf("%w: %w", dmtp.ErrDisposal, err))
	}

	s.mu.Lock()
	s.state = dmtp.StateClosed
	s.mu.Unlock()
	s.cancel()
	close(s.closed)

	for _, p := range plugins {
		p.OnClosed(outer, reason)
	}
	s.config.logger.Debug("Session closed", "session", id, "reason", reason)
}
