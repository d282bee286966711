// Package voice controls when the assistant listens. A Lifecycle moves
// between Stopped, ActiveListening and WakeWordMode, keeping speech
// capture and wake-word detection mutually exclusive and demoting an
// idle listening session to wake-word mode after a period of silence.
// A Loop feeds final transcripts to the dialogue session and speaks the
// replies with listening suspended.
package voice

import "fmt"

// State is a voice control state.
type State int

const (
	Stopped State = iota
	ActiveListening
	WakeWordMode
)

var stateNames = map[State]string{
	Stopped:         "stopped",
	ActiveListening: "active_listening",
	WakeWordMode:    "wake_word",
}

var displayNames = map[State]string{
	Stopped:         "Stopped",
	ActiveListening: "Listening for commands",
	WakeWordMode:    "Say wake word to activate",
}

// String returns the machine-readable state name.
func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DisplayName returns the user-facing description of the state.
func (s State) DisplayName() string {
	return displayNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseState parses a machine-readable state name.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return Stopped, fmt.Errorf("unknown voice state %q", name)
}

// transitions is the complete set of legal moves. Stopped and
// WakeWordMode are never connected directly: wake-word mode only exists
// inside an explicitly started listening session.
var transitions = map[State][]State{
	Stopped:         {ActiveListening},
	ActiveListening: {WakeWordMode, Stopped},
	WakeWordMode:    {ActiveListening, Stopped},
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IllegalTransitionError is returned for a move outside the transition
// table. The state is left unchanged.
type IllegalTransitionError struct {
	From, To State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal voice transition %s -> %s", e.From, e.To)
}
