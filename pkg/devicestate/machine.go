package devicestate

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Listener is called after a successful transition with the previous and
// the new state.
type Listener func(old, new State)

// ListenerID identifies a registered listener.
type ListenerID int

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// Machine holds the current device state and validates every change against
// the transition table.
//
// State may be read from any goroutine. Transitions are expected to be
// requested from a single goroutine (the event loop); listeners run
// synchronously on the goroutine that called TransitionTo.
type Machine struct {
	state  atomic.Int32
	logger *slog.Logger

	mu        sync.Mutex
	listeners []listenerEntry
	nextID    ListenerID
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger used for transition logs.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = l
	}
}

// WithInitialState sets the starting state. It is meant for tests and
// restores; production code starts in Unknown.
func WithInitialState(s State) Option {
	return func(m *Machine) {
		m.state.Store(int32(s))
	}
}

// New creates a Machine in the Unknown state.
func New(opts ...Option) *Machine {
	m := &Machine{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// CanTransitionTo reports whether the machine may move to target from its
// current state. It does not change anything.
func (m *Machine) CanTransitionTo(target State) bool {
	return CanTransition(m.State(), target)
}

// TransitionTo moves the machine to target. Requesting the current state
// succeeds without notifying listeners. An illegal transition is logged and
// returns false, leaving the state unchanged.
func (m *Machine) TransitionTo(target State) bool {
	old := m.State()
	if old == target {
		return true
	}
	if !CanTransition(old, target) {
		m.logger.Warn("devicestate: invalid transition", "from", old.String(), "to", target.String())
		return false
	}
	if !m.state.CompareAndSwap(int32(old), int32(target)) {
		// Another goroutine moved the machine in between; re-validate.
		return m.TransitionTo(target)
	}
	m.logger.Info("devicestate: transition", "from", old.String(), "to", target.String())
	m.notify(old, target)
	return true
}

// AddStateChangeListener registers fn and returns an id for removal.
// Listeners are called in registration order.
func (m *Machine) AddStateChangeListener(fn Listener) ListenerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.listeners = append(m.listeners, listenerEntry{id: m.nextID, fn: fn})
	return m.nextID
}

// RemoveStateChangeListener unregisters the listener with the given id.
// Unknown ids are ignored.
func (m *Machine) RemoveStateChangeListener(id ListenerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.listeners {
		if l.id == id {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Machine) notify(old, new State) {
	m.mu.Lock()
	snapshot := make([]listenerEntry, len(m.listeners))
	copy(snapshot, m.listeners)
	m.mu.Unlock()

	for _, l := range snapshot {
		l.fn(old, new)
	}
}
