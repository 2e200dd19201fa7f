package board

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haivivi/gearfw/pkg/audiosvc"
	"github.com/haivivi/gearfw/pkg/deviceinfo"
	"github.com/haivivi/gearfw/pkg/devicestate"
	"github.com/haivivi/gearfw/pkg/display"
)

// SimConfig configures a simulated board.
type SimConfig struct {
	Display display.Display
	Codec   audiosvc.Codec
	Info    *deviceinfo.Info
	// SSID reported on connect. Defaults to "gearsim".
	SSID string
	// ConnectDelay between the connecting and connected events.
	ConnectDelay time.Duration
	// NoBacklight makes Backlight return nil.
	NoBacklight bool
	// OnRestart runs when the application restarts the device.
	OnRestart func()
	Logger    *slog.Logger
}

// Sim is a Board for running the device core on a workstation.
type Sim struct {
	cfg       SimConfig
	logger    *slog.Logger
	led       *SimLed
	backlight *SimBacklight

	mu        sync.Mutex
	netCB     NetworkEventCallback
	connected bool
	power     PowerSaveLevel
	battery   Battery
	hasBatt   bool
}

var _ Board = (*Sim)(nil)

// NewSim creates a simulated board.
func NewSim(cfg SimConfig) *Sim {
	if cfg.Display == nil {
		cfg.Display = display.Nop{}
	}
	if cfg.Codec == nil {
		cfg.Codec = audiosvc.NewSimCodec(16000, 24000)
	}
	if cfg.SSID == "" {
		cfg.SSID = "gearsim"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Sim{
		cfg:     cfg,
		logger:  cfg.Logger,
		led:     &SimLed{},
		power:   Balanced,
		battery: Battery{Level: 100},
	}
	if !cfg.NoBacklight {
		s.backlight = &SimBacklight{brightness: 75}
	}
	return s
}

func (s *Sim) Display() display.Display { return s.cfg.Display }
func (s *Sim) Led() Led                 { return s.led }
func (s *Sim) Codec() audiosvc.Codec    { return s.cfg.Codec }

// SimLed returns the concrete LED for inspection.
func (s *Sim) SimLed() *SimLed { return s.led }

func (s *Sim) Backlight() Backlight {
	if s.backlight == nil {
		return nil
	}
	return s.backlight
}

// SetBattery installs a battery reading. Boards without one report none.
func (s *Sim) SetBattery(b Battery) {
	s.mu.Lock()
	s.battery = b
	s.hasBatt = true
	s.mu.Unlock()
}

func (s *Sim) BatteryLevel() (Battery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.battery, s.hasBatt
}

func (s *Sim) SetPowerSaveLevel(level PowerSaveLevel) {
	s.mu.Lock()
	changed := s.power != level
	s.power = level
	s.mu.Unlock()
	if changed {
		s.logger.Debug("board: power save level", "level", level)
	}
}

// PowerSaveLevel returns the level last set.
func (s *Sim) PowerSaveLevel() PowerSaveLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.power
}

func (s *Sim) SetNetworkEventCallback(cb NetworkEventCallback) {
	s.mu.Lock()
	s.netCB = cb
	s.mu.Unlock()
}

func (s *Sim) emit(ev NetworkEvent, data string) {
	s.mu.Lock()
	cb := s.netCB
	switch ev {
	case NetworkConnected:
		s.connected = true
	case NetworkDisconnected, NetworkScanning:
		s.connected = false
	}
	s.mu.Unlock()
	s.logger.Info("board: network event", "event", ev, "data", data)
	if cb != nil {
		cb(ev, data)
	}
}

// StartNetwork emits scanning, connecting and connected in order on a new
// goroutine.
func (s *Sim) StartNetwork(ctx context.Context) {
	go func() {
		s.emit(NetworkScanning, "")
		s.emit(NetworkConnecting, s.cfg.SSID)
		if d := s.cfg.ConnectDelay; d > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
		}
		s.emit(NetworkConnected, s.cfg.SSID)
	}()
}

// Disconnect simulates losing the link.
func (s *Sim) Disconnect() {
	s.emit(NetworkDisconnected, "")
}

// Reconnect simulates the link coming back.
func (s *Sim) Reconnect() {
	s.emit(NetworkConnected, s.cfg.SSID)
}

// EnterWifiConfig simulates entering provisioning mode.
func (s *Sim) EnterWifiConfig() {
	s.emit(WifiConfigModeEnter, "")
}

func (s *Sim) NetworkStateIcon() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return "wifi"
	}
	return "wifi_off"
}

func (s *Sim) Restart() {
	s.logger.Info("board: restart")
	if s.cfg.OnRestart != nil {
		s.cfg.OnRestart()
	}
}

// DeviceStatusJSON describes speaker, screen, battery and network.
func (s *Sim) DeviceStatusJSON() []byte {
	type speaker struct {
		Volume int `json:"volume"`
	}
	type screen struct {
		Brightness int    `json:"brightness,omitempty"`
		Theme      string `json:"theme"`
	}
	type battery struct {
		Level    int  `json:"level"`
		Charging bool `json:"charging"`
	}
	type network struct {
		Type   string `json:"type"`
		SSID   string `json:"ssid"`
		Signal string `json:"signal"`
	}
	status := struct {
		AudioSpeaker speaker  `json:"audio_speaker"`
		Screen       screen   `json:"screen"`
		Battery      *battery `json:"battery,omitempty"`
		Network      network  `json:"network"`
	}{
		AudioSpeaker: speaker{Volume: s.cfg.Codec.OutputVolume()},
		Screen:       screen{Theme: "dark"},
		Network:      network{Type: "wifi", SSID: s.cfg.SSID, Signal: "strong"},
	}
	if s.backlight != nil {
		status.Screen.Brightness = s.backlight.Brightness()
	}
	if b, ok := s.BatteryLevel(); ok {
		status.Battery = &battery{Level: b.Level, Charging: b.Charging}
	}
	if s.NetworkStateIcon() != "wifi" {
		status.Network.Signal = "none"
	}
	out, _ := json.Marshal(status)
	return out
}

func (s *Sim) SystemInfoJSON() []byte {
	if s.cfg.Info == nil {
		return []byte("{}")
	}
	return s.cfg.Info.SystemInfoJSON()
}

// StatusBar renders the text the display shows in its status bar.
func (s *Sim) StatusBar() string {
	text := s.NetworkStateIcon()
	if b, ok := s.BatteryLevel(); ok {
		text += fmt.Sprintf("  battery %d%%", b.Level)
		if b.Charging {
			text += "+"
		}
	}
	return text + "  " + time.Now().Format("15:04")
}

// SimLed records the states it was asked to show.
type SimLed struct {
	mu     sync.Mutex
	states []devicestate.State
}

func (l *SimLed) OnStateChanged(state devicestate.State) {
	l.mu.Lock()
	l.states = append(l.states, state)
	l.mu.Unlock()
}

// States returns the states shown so far.
func (l *SimLed) States() []devicestate.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]devicestate.State(nil), l.states...)
}

// SimBacklight is an in-memory Backlight.
type SimBacklight struct {
	mu         sync.Mutex
	brightness int
	saved      int
}

func (b *SimBacklight) Brightness() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.brightness
}

func (b *SimBacklight) SetBrightness(brightness int, permanent bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.brightness = max(0, min(100, brightness))
	if permanent {
		b.saved = b.brightness
	}
}
