package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"runtime"
	"sync/atomic"
)

// ErrRunning is returned by Run when the loop is already running.
var ErrRunning = errors.New("eventloop: already running")

// Loop is the dispatcher. Handlers registered with Handle run on the
// goroutine that calls Run, one pass per wake.
type Loop struct {
	group  *Group
	queue  TaskQueue
	logger *slog.Logger

	handlers [32]func()
	running  atomic.Bool
	passes   atomic.Uint64
}

// New creates a Loop with its own flag group.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{group: NewGroup(), logger: logger}
}

// Group returns the flag group producers set bits on.
func (l *Loop) Group() *Group {
	return l.group
}

// Set raises flags on the loop's group.
func (l *Loop) Set(f Flags) {
	l.group.Set(f)
}

// Handle registers fn for a single flag, replacing any previous handler.
// It must be called before Run. The Schedule flag is handled by the loop
// itself and cannot be overridden.
func (l *Loop) Handle(flag Flags, fn func()) {
	if flag == 0 || flag&(flag-1) != 0 {
		panic(fmt.Sprintf("eventloop: Handle needs exactly one flag, got %v", flag))
	}
	if flag == Schedule {
		panic("eventloop: the schedule flag is handled by the loop")
	}
	l.handlers[bits.TrailingZeros32(uint32(flag))] = fn
}

// Schedule queues fn to run on the loop goroutine during the next pass.
func (l *Loop) Schedule(fn func()) {
	l.queue.Push(fn)
	l.group.Set(Schedule)
}

// Passes returns the number of completed processing passes.
func (l *Loop) Passes() uint64 {
	return l.passes.Load()
}

// Run processes events until ctx is done. It returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer l.running.Store(false)

	for {
		flags, err := l.group.Wait(ctx)
		if err != nil {
			return err
		}
		l.Dispatch(flags)
	}
}

// Dispatch runs one pass for the given flags in priority order. Run calls
// it after every wake; tests may call it directly.
func (l *Loop) Dispatch(flags Flags) {
	flags.Each(func(one Flags) {
		if one == Schedule {
			l.drain()
			return
		}
		if fn := l.handlers[bits.TrailingZeros32(uint32(one))]; fn != nil {
			fn()
		}
	})
	l.passes.Add(1)
}

func (l *Loop) drain() {
	for _, task := range l.queue.Drain() {
		l.runTask(task)
	}
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 16<<10)
			buf = buf[:runtime.Stack(buf, false)]
			l.logger.Error("eventloop: panic in scheduled task", "panic", r, "stack", string(buf))
		}
	}()
	task()
}
