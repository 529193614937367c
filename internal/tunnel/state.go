package tunnel

// State describes where a session is in its lifecycle.
type State int32

const (
	// StateIdle is a constructed session that has not started connecting.
	StateIdle State = iota

	// StateConnecting covers the SSH handshake, the target check and the
	// remote bind.
	StateConnecting

	// StateActive is an established tunnel relaying channels.
	StateActive

	// StateClosing is a requested teardown in progress.
	StateClosing

	// StateClosed is a completed requested teardown.
	StateClosed

	// StateFailed is a session that ended for any other reason.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}
