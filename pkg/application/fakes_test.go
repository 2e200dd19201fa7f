package application

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haivivi/gearfw/pkg/audiosvc"
	"github.com/haivivi/gearfw/pkg/board"
	"github.com/haivivi/gearfw/pkg/deviceinfo"
	"github.com/haivivi/gearfw/pkg/devicestate"
	"github.com/haivivi/gearfw/pkg/display"
	"github.com/haivivi/gearfw/pkg/protocol"
)

// fakeProtocol records what the application sends.
type fakeProtocol struct {
	mu sync.Mutex
	cb protocol.Callbacks

	opened   bool
	failOpen bool
	// failSendAt makes the n-th SendAudio call (1-based) return false.
	failSendAt int

	started   bool
	closed    bool
	sendCalls int
	closes    int
	events    []string
	mcp       []json.RawMessage
}

var _ protocol.Protocol = (*fakeProtocol)(nil)

func (p *fakeProtocol) SetCallbacks(cb protocol.Callbacks) {
	p.mu.Lock()
	p.cb = cb
	p.mu.Unlock()
}

func (p *fakeProtocol) callbacks() protocol.Callbacks {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cb
}

func (p *fakeProtocol) Start(context.Context) error {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProtocol) OpenAudioChannel(context.Context) bool {
	p.mu.Lock()
	if p.failOpen {
		p.mu.Unlock()
		if cb := p.callbacks(); cb.OnNetworkError != nil {
			cb.OnNetworkError("server not found")
		}
		return false
	}
	p.opened = true
	p.mu.Unlock()
	if cb := p.callbacks(); cb.OnAudioChannelOpened != nil {
		cb.OnAudioChannelOpened()
	}
	return true
}

func (p *fakeProtocol) CloseAudioChannel() {
	p.mu.Lock()
	was := p.opened
	p.opened = false
	p.closes++
	p.mu.Unlock()
	if cb := p.callbacks(); was && cb.OnAudioChannelClosed != nil {
		cb.OnAudioChannelClosed()
	}
}

func (p *fakeProtocol) IsAudioChannelOpened() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

func (p *fakeProtocol) SendAudio(*protocol.AudioPacket) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendCalls++
	return p.sendCalls != p.failSendAt
}

func (p *fakeProtocol) record(ev string) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *fakeProtocol) SendStartListening(mode protocol.ListeningMode) {
	p.record("listen:start:" + mode.String())
}

func (p *fakeProtocol) SendStopListening() { p.record("listen:stop") }

func (p *fakeProtocol) SendAbortSpeaking(reason protocol.AbortReason) {
	p.record("abort:" + reason.String())
}

func (p *fakeProtocol) SendWakeWordDetected(word string) { p.record("listen:detect:" + word) }

func (p *fakeProtocol) SendMcpMessage(payload json.RawMessage) {
	p.mu.Lock()
	p.mcp = append(p.mcp, payload)
	p.mu.Unlock()
}

func (p *fakeProtocol) ServerSampleRate() int { return 24000 }

func (p *fakeProtocol) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProtocol) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *fakeProtocol) McpMessages() []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]json.RawMessage(nil), p.mcp...)
}

// fakeAudio is an audio service with a plain send queue.
type fakeAudio struct {
	mu              sync.Mutex
	send            []*protocol.AudioPacket
	decoded         int
	sounds          []audiosvc.Sound
	clips           int
	voiceProcessing bool
	wakeWord        bool
	deviceAec       bool
	busy            bool
	lastWakeWord    string
	started         int
	stopped         int
}

var _ audiosvc.Service = (*fakeAudio)(nil)

func (f *fakeAudio) Initialize(audiosvc.Codec) {}
func (f *fakeAudio) SetCallbacks(audiosvc.Callbacks) {}
func (f *fakeAudio) EnableAudioTesting(bool) {}
func (f *fakeAudio) EncodeWakeWord() {}
func (f *fakeAudio) ResetDecoder() {}
func (f *fakeAudio) WaitForPlaybackQueueEmpty() {}
func (f *fakeAudio) IsVoiceDetected() bool { return false }
func (f *fakeAudio) IsAfeWakeWord() bool { return false }
func (f *fakeAudio) PopWakeWordPacket() (*protocol.AudioPacket, bool) { return nil, false }

func (f *fakeAudio) Start() {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
}

func (f *fakeAudio) Stop() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

func (f *fakeAudio) EnableVoiceProcessing(enable bool) {
	f.mu.Lock()
	f.voiceProcessing = enable
	f.mu.Unlock()
}

func (f *fakeAudio) EnableWakeWordDetection(enable bool) {
	f.mu.Lock()
	f.wakeWord = enable
	f.mu.Unlock()
}

func (f *fakeAudio) EnableDeviceAec(enable bool) {
	f.mu.Lock()
	f.deviceAec = enable
	f.mu.Unlock()
}

func (f *fakeAudio) queue(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for range n {
		f.send = append(f.send, &protocol.AudioPacket{SampleRate: 16000, FrameDuration: 60})
	}
}

func (f *fakeAudio) PopPacketFromSendQueue() (*protocol.AudioPacket, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.send) == 0 {
		return nil, false
	}
	p := f.send[0]
	f.send = f.send[1:]
	return p, true
}

func (f *fakeAudio) queued() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.send)
}

func (f *fakeAudio) PushPacketToDecodeQueue(*protocol.AudioPacket, bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decoded++
	return true
}

func (f *fakeAudio) PlaySound(sound audiosvc.Sound) {
	f.mu.Lock()
	f.sounds = append(f.sounds, sound)
	f.mu.Unlock()
}

func (f *fakeAudio) PlayAudio([]byte) {
	f.mu.Lock()
	f.clips++
	f.mu.Unlock()
}

func (f *fakeAudio) Clips() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clips
}

func (f *fakeAudio) Sounds() []audiosvc.Sound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audiosvc.Sound(nil), f.sounds...)
}

func (f *fakeAudio) IsIdle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.busy && len(f.send) == 0
}

func (f *fakeAudio) IsAudioProcessorRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.voiceProcessing
}

func (f *fakeAudio) IsWakeWordRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wakeWord
}

func (f *fakeAudio) LastWakeWord() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastWakeWord
}

type testEnv struct {
	app      *Application
	proto    *fakeProtocol
	audio    *fakeAudio
	screen   *display.Screen
	board    *board.Sim
	restarts atomic.Int32
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTimings() Timings {
	return Timings{
		AlertPause:        time.Millisecond,
		RebootDelay:       time.Millisecond,
		VersionRetryDelay: time.Millisecond,
		VersionRetrySlice: time.Millisecond,
		ActivatePending:   time.Millisecond,
		ActivateError:     time.Millisecond,
		Notification:      time.Second,
		ClockTick:         time.Hour,
	}
}

// newTestEnv builds an application with a simulated board, a fake audio
// service and a fake protocol. The application is not initialized.
func newTestEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		proto:  &fakeProtocol{},
		audio:  &fakeAudio{},
		screen: &display.Screen{},
	}
	env.board = board.NewSim(board.SimConfig{
		Display:   env.screen,
		Logger:    discardLogger(),
		OnRestart: func() { env.restarts.Add(1) },
	})
	cfg := Config{
		Board: env.board,
		Audio: env.audio,
		Info: &deviceinfo.Info{
			MACAddress:      "02:00:00:00:00:01",
			UUID:            "3f1c6a52-6c1e-4c1b-9d53-8f0f5a4c2b11",
			BoardName:       "gearsim",
			FirmwareVersion: "1.0.0",
		},
		NewProtocol: func(Transport) protocol.Protocol { return env.proto },
		Timings:     testTimings(),
		Logger:      discardLogger(),
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	app, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { app.Close() })
	env.app = app
	return env
}

// pump runs dispatcher passes until no flag is raised.
func (e *testEnv) pump(t *testing.T) {
	t.Helper()
	for range 32 {
		f := e.app.loop.Group().Take()
		if f == 0 {
			return
		}
		e.app.loop.Dispatch(f)
	}
	t.Fatal("dispatcher did not settle")
}

// await pumps the dispatcher until cond holds, for work that finishes on
// another goroutine and schedules its result.
func (e *testEnv) await(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		e.pump(t)
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// idle wires the fake protocol and moves the device to Idle.
func (e *testEnv) idle(t *testing.T) {
	t.Helper()
	e.app.wireProtocol(e.proto)
	e.app.setProtocol(e.proto)
	for _, s := range []devicestate.State{devicestate.Starting, devicestate.Activating, devicestate.Idle} {
		if !e.app.setState(s) {
			t.Fatalf("TransitionTo(%v) = false", s)
		}
	}
	e.pump(t)
}

// listening starts a hands-free turn from Idle.
func (e *testEnv) listening(t *testing.T) {
	t.Helper()
	e.idle(t)
	e.app.ToggleChatState()
	e.pump(t)
	if got := e.app.State(); got != devicestate.Listening {
		t.Fatalf("state = %v; want %v", got, devicestate.Listening)
	}
}

// speaking moves a listening device to Speaking through a tts start.
func (e *testEnv) speaking(t *testing.T) {
	t.Helper()
	e.listening(t)
	e.app.handleIncomingJSON(json.RawMessage(`{"type":"tts","state":"start"}`))
	e.pump(t)
	if got := e.app.State(); got != devicestate.Speaking {
		t.Fatalf("state = %v; want %v", got, devicestate.Speaking)
	}
}
