// Package application is the device core: it owns the device state machine,
// the conversation protocol, the audio service and the dispatcher, and runs
// every event handler on one goroutine.
//
// Producers (protocol receive loops, audio callbacks, timers, network events
// and background tasks) never touch device state directly. They raise
// event flags or Schedule closures, and the dispatcher handles every raised
// flag once per pass in priority order:
//
//	app, err := application.New(application.Config{Board: b, Audio: audio})
//	if err != nil {
//	    return err
//	}
//	defer app.Close()
//	app.Initialize()
//	return app.Run(ctx)
package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haivivi/gearfw/pkg/audiosvc"
	"github.com/haivivi/gearfw/pkg/board"
	"github.com/haivivi/gearfw/pkg/deviceinfo"
	"github.com/haivivi/gearfw/pkg/devicestate"
	"github.com/haivivi/gearfw/pkg/display"
	"github.com/haivivi/gearfw/pkg/eventloop"
	"github.com/haivivi/gearfw/pkg/hub"
	"github.com/haivivi/gearfw/pkg/keycloak"
	"github.com/haivivi/gearfw/pkg/mcp"
	"github.com/haivivi/gearfw/pkg/ota"
	"github.com/haivivi/gearfw/pkg/protocol"
	"github.com/haivivi/gearfw/pkg/settings"
)

// Application is the device core.
type Application struct {
	cfg      Config
	logger   Logger
	slog     *slog.Logger
	board    board.Board
	audio    audiosvc.Service
	store    settings.Store
	info     *deviceinfo.Info
	machine  *devicestate.Machine
	loop     *eventloop.Loop
	mcp      *mcp.Server
	keycloak *keycloak.Client
	fetcher  ota.Fetcher
	images   ota.ImageStore

	ctx    context.Context
	cancel context.CancelFunc

	aecMode       atomic.Int32
	activating    atomic.Bool
	assetsChecked atomic.Bool
	loggingIn     atomic.Bool
	// aborted drops incoming audio between an abort and the next reply.
	aborted atomic.Bool

	mu        sync.Mutex
	protocol  protocol.Protocol
	ota       *ota.Client
	hub       *hub.Client
	reconnect *hub.ReconnectManager
	lastError string

	// Owned by the dispatcher goroutine.
	listeningMode protocol.ListeningMode
	playPopup     bool
	clockTicks    int
}

// New creates an application in the Unknown state. Call Initialize, then
// Run.
func New(cfg Config) (*Application, error) {
	if cfg.Board == nil {
		return nil, errors.New("application: board is required")
	}
	if cfg.Audio == nil {
		return nil, errors.New("application: audio service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = settings.NewMemory()
	}
	if cfg.Images == nil {
		cfg.Images = ota.Discard{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Timings.setDefaults()

	info := cfg.Info
	if info == nil {
		var err error
		info, err = deviceinfo.Load(settings.New(cfg.Store, deviceinfo.Namespace), deviceinfo.Info{})
		if err != nil {
			return nil, fmt.Errorf("application: load device info: %w", err)
		}
	}
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = &ota.MuxFetcher{HTTP: &ota.HTTPFetcher{Client: cfg.HTTPClient, UserAgent: info.UserAgent()}}
	}

	a := &Application{
		cfg:     cfg,
		logger:  SlogLogger(cfg.Logger),
		slog:    cfg.Logger,
		board:   cfg.Board,
		audio:   cfg.Audio,
		store:   cfg.Store,
		info:    info,
		machine: devicestate.New(devicestate.WithLogger(cfg.Logger)),
		loop:    eventloop.New(cfg.Logger),
		fetcher: fetcher,
		images:  cfg.Images,
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.aecMode.Store(int32(cfg.AecMode))

	kc := keycloak.FromSettings(settings.New(cfg.Store, keycloak.Namespace))
	kc.HTTPClient = cfg.HTTPClient
	kc.Logger = cfg.Logger
	kc.Now = cfg.Now
	a.keycloak = kc

	a.mcp = &mcp.Server{
		Info:     mcp.ServerInfo{Name: info.BoardName, Version: info.FirmwareVersion},
		Send:     a.SendMcpMessage,
		Schedule: a.Schedule,
		OnVision: func(v mcp.VisionConfig) {
			a.logger.InfoPrintf("vision endpoint: %s", v.URL)
		},
		Logger: cfg.Logger,
	}

	a.machine.AddStateChangeListener(func(_, _ devicestate.State) {
		a.loop.Set(eventloop.StateChanged)
	})
	a.registerHandlers()
	return a, nil
}

// Initialize moves to Starting, starts the audio service, registers the
// device tools and brings the network up.
func (a *Application) Initialize() {
	a.setState(devicestate.Starting)

	d := a.display()
	d.SetChatMessage(roleSystem, a.info.UserAgent())

	a.audio.Initialize(a.board.Codec())
	a.audio.SetCallbacks(audiosvc.Callbacks{
		OnSendQueueAvailable: func() { a.loop.Set(eventloop.SendAudio) },
		OnWakeWordDetected:   func(string) { a.loop.Set(eventloop.WakeWordDetected) },
		OnVadChange:          func(bool) { a.loop.Set(eventloop.VadChange) },
	})
	a.audio.Start()

	a.addDeviceTools()

	a.board.SetNetworkEventCallback(a.onNetworkEvent)
	a.board.StartNetwork(a.ctx)
	d.UpdateStatusBar(true)
}

// Run dispatches events until ctx is done or the application is closed.
func (a *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()

	go a.clock(ctx)
	return a.loop.Run(ctx)
}

func (a *Application) clock(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Timings.ClockTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.loop.Set(eventloop.ClockTick)
		}
	}
}

// Close stops background work, the hub, the protocol and the audio
// service.
func (a *Application) Close() error {
	a.cancel()
	a.resetHub()
	err := a.dropProtocol()
	a.audio.Stop()
	return err
}

// State returns the current device state.
func (a *Application) State() devicestate.State {
	return a.machine.State()
}

// DeviceStateMachine exposes the state machine for listeners.
func (a *Application) DeviceStateMachine() *devicestate.Machine {
	return a.machine
}

// MCP returns the tool server.
func (a *Application) MCP() *mcp.Server {
	return a.mcp
}

// Keycloak returns the account client.
func (a *Application) Keycloak() *keycloak.Client {
	return a.keycloak
}

// Info returns the device identity.
func (a *Application) Info() *deviceinfo.Info {
	return a.info
}

// Protocol returns the conversation protocol, or nil before activation.
func (a *Application) Protocol() protocol.Protocol {
	return a.proto()
}

// AecMode returns the current echo cancellation mode.
func (a *Application) AecMode() AecMode {
	return AecMode(a.aecMode.Load())
}

func (a *Application) display() display.Display {
	return a.board.Display()
}

func (a *Application) setState(s devicestate.State) bool {
	return a.machine.TransitionTo(s)
}

func (a *Application) proto() protocol.Protocol {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.protocol
}

func (a *Application) setProtocol(p protocol.Protocol) {
	a.mu.Lock()
	old := a.protocol
	a.protocol = p
	a.mu.Unlock()
	if old != nil && old != p {
		old.Close()
	}
}

func (a *Application) dropProtocol() error {
	a.mu.Lock()
	p := a.protocol
	a.protocol = nil
	a.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Close()
}

func (a *Application) lastErrorMessage() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastError
}

// sleep waits for d. It returns false if the application was closed first.
func (a *Application) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-a.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Schedule runs fn on the dispatcher goroutine during its next pass.
func (a *Application) Schedule(fn func()) {
	a.loop.Schedule(fn)
}

// ToggleChatState requests a conversation toggle, as the main button does.
func (a *Application) ToggleChatState() {
	a.loop.Set(eventloop.ToggleChat)
}

// StartListening requests push-to-talk listening.
func (a *Application) StartListening() {
	a.loop.Set(eventloop.StartListening)
}

// StopListening ends push-to-talk listening.
func (a *Application) StopListening() {
	a.loop.Set(eventloop.StopListening)
}

// Alert shows status, emotion and message, and plays sound unless it is
// empty.
func (a *Application) Alert(status, message, emotion string, sound audiosvc.Sound) {
	a.logger.WarnPrintf("alert [%s] %s: %s", emotion, status, message)
	d := a.display()
	d.SetStatus(status)
	d.SetEmotion(emotion)
	d.SetChatMessage(roleSystem, message)
	if sound != "" {
		a.audio.PlaySound(sound)
	}
}

// DismissAlert restores the standby screen. It does nothing outside Idle.
func (a *Application) DismissAlert() {
	if a.State() != devicestate.Idle {
		return
	}
	d := a.display()
	d.SetStatus(textStandby)
	d.SetEmotion(emotionNeutral)
	d.SetChatMessage(roleSystem, "")
}

// PlaySound plays a prompt sound.
func (a *Application) PlaySound(sound audiosvc.Sound) {
	a.audio.PlaySound(sound)
}

// AbortSpeaking asks the server to stop the current reply. The state is
// left to the server's tts stop.
func (a *Application) AbortSpeaking(reason protocol.AbortReason) {
	a.logger.InfoPrintf("abort speaking")
	a.aborted.Store(true)
	if p := a.proto(); p != nil {
		p.SendAbortSpeaking(reason)
	}
}

// SetListeningMode records mode and enters Listening.
func (a *Application) SetListeningMode(mode protocol.ListeningMode) {
	a.listeningMode = mode
	a.setState(devicestate.Listening)
}

// conversationMode is the listening mode of a hands-free turn.
func (a *Application) conversationMode() protocol.ListeningMode {
	if a.AecMode() == AecOff {
		return protocol.AutoStop
	}
	return protocol.Realtime
}

// CanEnterSleepMode reports whether the device is idle with no audio
// channel and no audio activity.
func (a *Application) CanEnterSleepMode() bool {
	if a.State() != devicestate.Idle {
		return false
	}
	if p := a.proto(); p != nil && p.IsAudioChannelOpened() {
		return false
	}
	return a.audio.IsIdle()
}

// SendMcpMessage sends an MCP payload from the dispatcher goroutine.
func (a *Application) SendMcpMessage(payload json.RawMessage) {
	a.Schedule(func() {
		if p := a.proto(); p != nil {
			p.SendMcpMessage(payload)
		}
	})
}

// SetAecMode switches echo cancellation. An open audio channel is closed
// so the next turn starts in the new mode.
func (a *Application) SetAecMode(mode AecMode) {
	a.aecMode.Store(int32(mode))
	a.Schedule(func() {
		d := a.display()
		switch mode {
		case AecOff:
			a.audio.EnableDeviceAec(false)
			d.ShowNotification(textAecOff, a.cfg.Timings.Notification)
		case AecOnServerSide:
			a.audio.EnableDeviceAec(false)
			d.ShowNotification(textAecOn, a.cfg.Timings.Notification)
		case AecOnDeviceSide:
			a.audio.EnableDeviceAec(true)
			d.ShowNotification(textAecOn, a.cfg.Timings.Notification)
		}
		if p := a.proto(); p != nil && p.IsAudioChannelOpened() {
			p.CloseAudioChannel()
		}
	})
}

// ResetProtocol closes the audio channel and drops the protocol.
func (a *Application) ResetProtocol() {
	a.Schedule(func() {
		if p := a.proto(); p != nil && p.IsAudioChannelOpened() {
			p.CloseAudioChannel()
		}
		if err := a.dropProtocol(); err != nil {
			a.logger.WarnPrintf("close protocol: %v", err)
		}
	})
}

// Reboot closes the session, stops audio and restarts the board.
func (a *Application) Reboot() {
	a.logger.InfoPrintf("rebooting...")
	if p := a.proto(); p != nil && p.IsAudioChannelOpened() {
		p.CloseAudioChannel()
	}
	if err := a.dropProtocol(); err != nil {
		a.logger.WarnPrintf("close protocol: %v", err)
	}
	a.audio.Stop()
	a.sleep(a.cfg.Timings.RebootDelay)
	a.board.Restart()
}

// UpgradeFirmware downloads the firmware at url and reboots. On failure
// the audio service is restarted and false is returned.
func (a *Application) UpgradeFirmware(url, version string) bool {
	if version == "" {
		version = "(Manual upgrade)"
	}
	if p := a.proto(); p != nil && p.IsAudioChannelOpened() {
		a.logger.InfoPrintf("closing audio channel before firmware upgrade")
		p.CloseAudioChannel()
	}
	a.logger.InfoPrintf("starting firmware upgrade from %s", url)

	prev := a.State()
	a.Alert(textOTAUpgrade, textUpgrading, emotionDownload, audiosvc.SoundUpgrade)
	a.sleep(a.cfg.Timings.AlertPause)

	a.setState(devicestate.Upgrading)
	d := a.display()
	d.SetChatMessage(roleSystem, textNewVersion+version)

	a.board.SetPowerSaveLevel(board.Performance)
	a.audio.Stop()
	a.sleep(a.cfg.Timings.RebootDelay)

	if err := a.download(url, "firmware.bin"); err != nil {
		a.logger.ErrorPrintf("firmware upgrade failed, resuming: %v", err)
		a.audio.Start()
		a.board.SetPowerSaveLevel(board.LowPower)
		a.Alert(textError, textUpgradeFailed, emotionError, audiosvc.SoundExclamation)
		a.sleep(a.cfg.Timings.AlertPause)
		if prev == devicestate.Idle {
			a.setState(devicestate.Idle)
		}
		return false
	}

	a.logger.InfoPrintf("firmware upgrade successful, rebooting")
	d.SetChatMessage(roleSystem, "Upgrade successful, rebooting...")
	a.sleep(a.cfg.Timings.RebootDelay)
	a.Reboot()
	return true
}

// download stores url as name in the image store, showing progress on the
// chat line.
func (a *Application) download(url, name string) error {
	w, err := a.images.Write(a.ctx, name)
	if err != nil {
		return err
	}
	_, err = ota.Copy(a.ctx, a.fetcher, url, w, a.showProgress)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}

func (a *Application) showProgress(percent int, bytesPerSecond int64) {
	a.display().SetChatMessage(roleSystem, fmt.Sprintf("%d%% %dKB/s", percent, bytesPerSecond/1024))
}

// WakeWordInvoke starts a conversation as if wake word had been detected.
// While speaking it aborts the reply; while listening it ends the turn.
// The work runs on the dispatcher goroutine.
func (a *Application) WakeWordInvoke(wakeWord string) {
	if a.proto() == nil {
		return
	}
	switch a.State() {
	case devicestate.Idle:
		a.Schedule(func() {
			if p := a.proto(); p != nil && a.State() == devicestate.Idle {
				a.wakeFromIdle(p, wakeWord)
			}
		})
	case devicestate.Speaking:
		a.Schedule(func() { a.AbortSpeaking(protocol.AbortNone) })
	case devicestate.Listening:
		a.Schedule(func() {
			if p := a.proto(); p != nil {
				p.CloseAudioChannel()
			}
		})
	}
}
