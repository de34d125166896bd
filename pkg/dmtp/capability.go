// Package dmtp holds the contracts every DMTP session client satisfies, the
// lifecycle states tracked by an online registry, the error kinds shared by
// all layers and the wire envelope exchanged by session actors.
//
// The package has no dependencies on the transport or service packages so
// both sides of a connection can share it.
package dmtp

import (
	"context"
	"time"
)

// Identifiable exposes the identity a session is addressed by inside its
// service's online registry.
type Identifiable interface {
	// ID is empty until the session is established and immutable afterwards.
	ID() string
}

// Actor is the dispatch surface of a session. Inbound actions are delivered
// to handlers in arrival order; outbound actions are emitted with Send and
// Request.
type Actor interface {
	// Handle registers a handler for inbound requests or publishes on topic.
	// Supported shapes:
	//   func(SessionClient, ReqT) (RespT, error)
	//   func(SessionClient, ReqT) error
	Handle(topic string, handler any) error

	// Send emits a one-way action.
	Send(ctx context.Context, topic string, payload any) error

	// Request emits an action and waits for the peer's response, decoding it
	// into respPtr when non-nil. timeout <= 0 uses the session default.
	Request(ctx context.Context, topic string, payload any, respPtr any, timeout time.Duration) error
}

// ActorObject exposes a session's actor.
type ActorObject interface {
	Actor() Actor
}

// Closable is implemented by sessions that can be closed locally. Close is
// idempotent: closing a closed session returns nil.
type Closable interface {
	Close(reason string) error
}

// Resolver is a scoped service lookup. Sessions use it to find their
// serializer, identity strategy and plugins without knowing concrete types.
type Resolver interface {
	Resolve(key string) (any, error)
}

// ResolverConfigured exposes the resolver scope of a session.
type ResolverConfigured interface {
	Resolver() Resolver
}

// OnlineTrackable exposes the online status the registry indexes by.
type OnlineTrackable interface {
	State() State
	Online() bool
}

// SessionClient is the full capability set of a protocol session.
type SessionClient interface {
	Identifiable
	ActorObject
	Closable
	ResolverConfigured
	OnlineTrackable

	// RemoteAddr describes the peer endpoint of the underlying transport.
	RemoteAddr() string
	// Context is cancelled when the session reaches Closed.
	Context() context.Context
}
