// Package devicestate provides the device-wide state machine: the state
// enumeration, the table of legal transitions and the listener registry.
package devicestate

import (
	"encoding/json"
)

// State represents the state of a device.
type State int

const (
	Unknown State = iota
	Starting
	WifiConfiguring
	Idle
	Connecting
	Listening
	Speaking
	Upgrading
	Activating
	AudioTesting
	FatalError

	numStates
)

// All returns every valid state in declaration order.
func All() []State {
	states := make([]State, 0, numStates)
	for s := Unknown; s < numStates; s++ {
		states = append(states, s)
	}
	return states
}

// String returns the name of the state. Values outside the enumeration
// return "invalid_state".
func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Starting:
		return "starting"
	case WifiConfiguring:
		return "wifi_configuring"
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Listening:
		return "listening"
	case Speaking:
		return "speaking"
	case Upgrading:
		return "upgrading"
	case Activating:
		return "activating"
	case AudioTesting:
		return "audio_testing"
	case FatalError:
		return "fatal_error"
	default:
		return "invalid_state"
	}
}

// Valid reports whether s is one of the declared states.
func (s State) Valid() bool {
	return s >= Unknown && s < numStates
}

// IsConversing reports whether an audio session with the backend is in
// progress or being established.
func (s State) IsConversing() bool {
	return s == Connecting || s == Listening || s == Speaking
}

// ParseState returns the state with the given name.
func ParseState(name string) (State, bool) {
	for _, s := range All() {
		if s.String() == name {
			return s, true
		}
	}
	return Unknown, false
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler. Unknown names decode to Unknown.
func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	*s, _ = ParseState(name)
	return nil
}

// transitions lists, for each state, the states it may move to. A
// self-transition is always accepted and is not listed.
var transitions = [numStates][]State{
	Unknown:         {Starting},
	Starting:        {WifiConfiguring, Activating},
	WifiConfiguring: {Activating, AudioTesting},
	AudioTesting:    {WifiConfiguring},
	Activating:      {Upgrading, Idle, WifiConfiguring},
	Upgrading:       {Idle, Activating},
	Idle:            {Connecting, Listening, Speaking, Activating, Upgrading, WifiConfiguring},
	Connecting:      {Idle, Listening},
	Listening:       {Speaking, Idle},
	Speaking:        {Listening, Idle},
	FatalError:      nil,
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next returns the states reachable from s in one transition, excluding s
// itself.
func Next(s State) []State {
	if !s.Valid() {
		return nil
	}
	out := make([]State, len(transitions[s]))
	copy(out, transitions[s])
	return out
}
