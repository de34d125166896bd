package dmtp

// State is the lifecycle position of a session as seen by its service.
type State int32

const (
	StatePending State = iota
	StateOnline
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOnline:
		return "online"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is a legal step of the
// Pending → Online → Closing → Closed machine. Pending may also move straight
// to Closing when a handshake is abandoned.
func (s State) CanTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateOnline || next == StateClosing
	case StateOnline:
		return next == StateClosing
	case StateClosing:
		return next == StateClosed
	default:
		return false
	}
}
