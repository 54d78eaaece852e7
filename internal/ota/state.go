package ota

// State is the lifecycle of an update attempt. Its ordinal is the state byte
// published on the status characteristic.
type State uint8

const (
	StateIdle State = iota
	StateReady
	StateInProgress
	StateVerifying
	StateComplete
	StateError
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateInProgress:
		return "in_progress"
	case StateVerifying:
		return "verifying"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state only leaves via Reset.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError
}
