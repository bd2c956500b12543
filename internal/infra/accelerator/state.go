package accelerator

import (
	"errors"
	"time"
)

// State is the lifecycle position of a backend.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateFailed        State = "failed"
	StateReleased      State = "released"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Failed and Released are terminal.
var ValidTransitions = map[State][]State{
	StateUninitialized: {StateReady, StateFailed, StateReleased},
	StateReady:         {StateReleased},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case StateUninitialized:
		return "Uninitialized - created, Initialize not called"
	case StateReady:
		return "Ready - accepting inference calls"
	case StateFailed:
		return "Failed - initialization failed, backend unusable"
	case StateReleased:
		return "Released - resources returned to the driver"
	default:
		return "Unknown state"
	}
}

// stateValue maps a state to the backend_state gauge value.
func stateValue(s State) float64 {
	switch s {
	case StateReady:
		return 1
	case StateFailed:
		return -1
	default:
		return 0
	}
}
