package task

// State is a task's lifecycle position. States only move forward.
type State int32

const (
	StateIdle State = iota
	StateWaiting
	StateStarted
	StateSuccess
	StateCancelled
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateStarted:
		return "started"
	case StateSuccess:
		return "success"
	case StateCancelled:
		return "cancelled"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s >= StateSuccess
}

// canFinish reports whether a task in from may end in to. Success needs a
// started body; cancellation and failure can end a task that never ran.
func canFinish(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateSuccess {
		return from == StateStarted
	}
	return to.Terminal()
}
