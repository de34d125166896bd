package dmtp

import (
	"errors"
	"fmt"
)

// Error kinds shared by the transport, factory, session and service layers.
// Callers match them with errors.Is; the underlying cause stays reachable
// through the same chain.
var (
	ErrConnectTimeout   = errors.New("dmtp: connect timeout")
	ErrConnectFailure   = errors.New("dmtp: connect failure")
	ErrInvalidState     = errors.New("dmtp: invalid state")
	ErrIdentityConflict = errors.New("dmtp: identity conflict")
	ErrHandshakeFailure = errors.New("dmtp: handshake failure")
	ErrDisposal         = errors.New("dmtp: disposal error")
	ErrSessionNotFound  = errors.New("dmtp: session not found")
)

// Kind is a coarse classification of an error, used for log attributes and
// metric labels.
type Kind int

const (
	KindNone Kind = iota
	KindConnectTimeout
	KindConnectFailure
	KindInvalidState
	KindIdentityConflict
	KindHandshakeFailure
	KindDisposal
	KindSessionNotFound
	KindRemote
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConnectTimeout:
		return "connect_timeout"
	case KindConnectFailure:
		return "connect_failure"
	case KindInvalidState:
		return "invalid_state"
	case KindIdentityConflict:
		return "identity_conflict"
	case KindHandshakeFailure:
		return "handshake_failure"
	case KindDisposal:
		return "disposal"
	case KindSessionNotFound:
		return "session_not_found"
	case KindRemote:
		return "remote"
	default:
		return "other"
	}
}

// KindOf reports the kind of err. Timeouts win over failures when both are
// present in the chain.
func KindOf(err error) Kind {
	var remote *RemoteError
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrConnectTimeout):
		return KindConnectTimeout
	case errors.Is(err, ErrConnectFailure):
		return KindConnectFailure
	case errors.Is(err, ErrIdentityConflict):
		return KindIdentityConflict
	case errors.Is(err, ErrHandshakeFailure):
		return KindHandshakeFailure
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrDisposal):
		return KindDisposal
	case errors.Is(err, ErrSessionNotFound):
		return KindSessionNotFound
	case errors.As(err, &remote):
		return KindRemote
	default:
		return KindOther
	}
}

// RemoteError is returned to a requester when the peer's handler failed.
type RemoteError struct {
	Topic   string
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("dmtp: remote error on topic '%s' (code %d): %s", e.Topic, e.Code, e.Message)
}

// InvalidState wraps ErrInvalidState with the operation and the state it was
// attempted in.
func InvalidState(op string, state fmt.Stringer) error {
	return fmt.Errorf("%w: %s in state %s", ErrInvalidState, op, state)
}
