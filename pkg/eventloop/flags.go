// Package eventloop implements the single-consumer dispatcher that
// serializes asynchronous stimuli into ordered handling on one goroutine.
//
// Producers raise [Flags] on a [Group] or push closures with
// [Loop.Schedule]. The [Loop] wakes when any flag is set, takes and clears
// every set flag at once, and runs the handler for each in ascending bit
// order, which is the priority order.
package eventloop

import (
	"context"
	"math/bits"
	"strings"
	"sync"
)

// Flags is a set of pending events. Lower bits have higher priority.
type Flags uint32

const (
	Error Flags = 1 << iota
	NetworkConnected
	NetworkDisconnected
	ActivationDone
	StateChanged
	ToggleChat
	StartListening
	StopListening
	SendAudio
	WakeWordDetected
	VadChange
	Schedule
	ClockTick

	// All is the union of every defined flag.
	All = ClockTick<<1 - 1
)

var flagNames = [...]string{
	"error",
	"network_connected",
	"network_disconnected",
	"activation_done",
	"state_changed",
	"toggle_chat",
	"start_listening",
	"stop_listening",
	"send_audio",
	"wake_word_detected",
	"vad_change",
	"schedule",
	"clock_tick",
}

// Has reports whether every flag in o is set in f.
func (f Flags) Has(o Flags) bool {
	return o != 0 && f&o == o
}

// Each calls fn for every single flag set in f, highest priority first.
func (f Flags) Each(fn func(Flags)) {
	for f != 0 {
		low := f & -f
		fn(low)
		f &^= low
	}
}

// String returns the flag names joined with "|".
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	f.Each(func(one Flags) {
		i := bits.TrailingZeros32(uint32(one))
		if i < len(flagNames) {
			names = append(names, flagNames[i])
		} else {
			names = append(names, "unknown")
		}
	})
	return strings.Join(names, "|")
}

// Group is a set of pending flags with a blocking wait-for-any. It is safe
// for concurrent use.
type Group struct {
	mu      sync.Mutex
	pending Flags
	notify  chan struct{}
}

// NewGroup returns an empty Group.
func NewGroup() *Group {
	return &Group{notify: make(chan struct{}, 1)}
}

// Set raises the given flags. It never blocks.
func (g *Group) Set(f Flags) {
	if f == 0 {
		return
	}
	g.mu.Lock()
	g.pending |= f
	g.mu.Unlock()

	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// Pending returns the flags currently raised without clearing them.
func (g *Group) Pending() Flags {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// Take returns and clears the raised flags without blocking.
func (g *Group) Take() Flags {
	g.mu.Lock()
	defer g.mu.Unlock()
	f := g.pending
	g.pending = 0
	return f
}

// Wait blocks until at least one flag is raised, then returns and clears
// all raised flags.
func (g *Group) Wait(ctx context.Context) (Flags, error) {
	for {
		if f := g.Take(); f != 0 {
			return f, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-g.notify:
		}
	}
}
