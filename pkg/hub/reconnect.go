package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Connector is what a ReconnectManager keeps connected.
type Connector interface {
	Connect(ctx context.Context) error
	IsConnected() bool
}

// Backoff defaults.
const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 60 * time.Second
	defaultCheckInterval  = 5 * time.Second
)

// ReconnectManager reconnects a Connector in the background. Failed attempts
// back off exponentially from Initial, doubling up to Max; a successful
// connect resets the delay.
type ReconnectManager struct {
	Initial time.Duration
	Max     time.Duration
	// CheckInterval is how often a connected client is checked when no
	// Request arrives. Defaults to 5s.
	CheckInterval time.Duration

	// OnRetry is called after a failed attempt with the delay before the
	// next one.
	OnRetry func(attempt int, delay time.Duration, err error)
	// OnConnected is called after every successful connect.
	OnConnected func()

	Logger *slog.Logger

	conn Connector
	wake chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconnectManager returns a manager for c with the default backoff.
func NewReconnectManager(c Connector) *ReconnectManager {
	return &ReconnectManager{
		Initial: DefaultInitialBackoff,
		Max:     DefaultMaxBackoff,
		conn:    c,
		wake:    make(chan struct{}, 1),
	}
}

func (m *ReconnectManager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// Start launches the background loop. Starting a running manager is a no-op.
func (m *ReconnectManager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
}

// Stop terminates the loop and waits for it to exit.
func (m *ReconnectManager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loop is active.
func (m *ReconnectManager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Request asks for an immediate connection check. It never blocks.
func (m *ReconnectManager) Request() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *ReconnectManager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	initial := m.Initial
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	maxDelay := m.Max
	if maxDelay < initial {
		maxDelay = initial
	}
	check := m.CheckInterval
	if check <= 0 {
		check = defaultCheckInterval
	}

	delay := initial
	attempt := 0
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		var wait time.Duration
		if m.conn.IsConnected() {
			wait = check
		} else if err := m.conn.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			m.logger().Warn("hub: reconnect failed", "attempt", attempt, "retry_in", delay, "error", err)
			if m.OnRetry != nil {
				m.OnRetry(attempt, delay, err)
			}
			wait = delay
			delay = min(delay*2, maxDelay)
		} else {
			if attempt > 0 {
				m.logger().Info("hub: reconnected", "attempts", attempt)
			}
			attempt = 0
			delay = initial
			if m.OnConnected != nil {
				m.OnConnected()
			}
			wait = check
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-m.wake:
			if attempt > 0 {
				// Keep backing off; a request only shortcuts the idle check.
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
				}
			}
		}
	}
}
