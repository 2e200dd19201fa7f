package devicestate

import (
	"encoding/json"
	"testing"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Unknown, "unknown"},
		{Starting, "starting"},
		{WifiConfiguring, "wifi_configuring"},
		{Idle, "idle"},
		{Connecting, "connecting"},
		{Listening, "listening"},
		{Speaking, "speaking"},
		{Upgrading, "upgrading"},
		{Activating, "activating"},
		{AudioTesting, "audio_testing"},
		{FatalError, "fatal_error"},
		{State(-1), "invalid_state"},
		{State(99), "invalid_state"},
	}

	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q; want %q", tc.state, got, tc.want)
		}
	}
}

func TestState_JSON(t *testing.T) {
	for _, state := range All() {
		data, err := json.Marshal(state)
		if err != nil {
			t.Errorf("Marshal State(%d) error: %v", state, err)
			continue
		}

		var restored State
		if err := json.Unmarshal(data, &restored); err != nil {
			t.Errorf("Unmarshal %s error: %v", data, err)
			continue
		}
		if restored != state {
			t.Errorf("State JSON roundtrip: got %v, want %v", restored, state)
		}
	}

	var s State = Idle
	if err := json.Unmarshal([]byte(`"no_such_state"`), &s); err != nil {
		t.Fatalf("Unmarshal unknown name error: %v", err)
	}
	if s != Unknown {
		t.Errorf("unknown name decoded to %v; want %v", s, Unknown)
	}
}

// legal is written out independently of the transitions table so the test
// fails if either drifts.
var legal = map[State][]State{
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
}

func isLegal(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

func TestCanTransition_Grid(t *testing.T) {
	states := All()
	if len(states) != 11 {
		t.Fatalf("len(All()) = %d; want 11", len(states))
	}
	for _, from := range states {
		for _, to := range states {
			want := isLegal(from, to)
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%v, %v) = %v; want %v", from, to, got, want)
			}
		}
	}
}

func TestCanTransition_InvalidValues(t *testing.T) {
	if CanTransition(State(42), Idle) {
		t.Error("CanTransition from invalid state should be false")
	}
	if CanTransition(Idle, State(42)) {
		t.Error("CanTransition to invalid state should be false")
	}
}

func TestNext(t *testing.T) {
	if got := Next(FatalError); len(got) != 0 {
		t.Errorf("Next(FatalError) = %v; want empty", got)
	}
	got := Next(Idle)
	got[0] = FatalError // must not alias the table
	if Next(Idle)[0] != Connecting {
		t.Error("Next returned a slice aliasing the transition table")
	}
}

func TestParseState(t *testing.T) {
	s, ok := ParseState("audio_testing")
	if !ok || s != AudioTesting {
		t.Errorf("ParseState(audio_testing) = %v, %v", s, ok)
	}
	if _, ok := ParseState("invalid_state"); ok {
		t.Error("ParseState(invalid_state) should fail")
	}
}

func TestState_IsConversing(t *testing.T) {
	for _, s := range All() {
		want := s == Connecting || s == Listening || s == Speaking
		if got := s.IsConversing(); got != want {
			t.Errorf("%v.IsConversing() = %v; want %v", s, got, want)
		}
	}
}
