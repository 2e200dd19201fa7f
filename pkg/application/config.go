package application

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/haivivi/gearfw/pkg/audiosvc"
	"github.com/haivivi/gearfw/pkg/board"
	"github.com/haivivi/gearfw/pkg/deviceinfo"
	"github.com/haivivi/gearfw/pkg/hub"
	"github.com/haivivi/gearfw/pkg/ota"
	"github.com/haivivi/gearfw/pkg/protocol"
	"github.com/haivivi/gearfw/pkg/settings"
)

// AecMode selects where acoustic echo cancellation runs. With AEC on, the
// conversation runs in realtime mode so the user can talk over playback.
type AecMode int

const (
	AecOff AecMode = iota
	AecOnDeviceSide
	AecOnServerSide
)

func (m AecMode) String() string {
	switch m {
	case AecOff:
		return "off"
	case AecOnDeviceSide:
		return "device"
	case AecOnServerSide:
		return "server"
	default:
		return fmt.Sprintf("AecMode(%d)", int(m))
	}
}

// ParseAecMode parses the names returned by String. The empty string is off.
func ParseAecMode(s string) (AecMode, error) {
	switch s {
	case "", "off":
		return AecOff, nil
	case "device":
		return AecOnDeviceSide, nil
	case "server":
		return AecOnServerSide, nil
	}
	return AecOff, fmt.Errorf("application: unknown aec mode %q", s)
}

// Transport names a conversation protocol binding.
type Transport string

const (
	TransportMQTT      Transport = "mqtt"
	TransportWebSocket Transport = "websocket"
)

// Timings are the pauses of the activation and upgrade flows.
type Timings struct {
	// AlertPause lets an alert be seen and heard before the device moves on.
	AlertPause time.Duration
	// RebootDelay is the pause between shutting down and restarting.
	RebootDelay time.Duration
	// VersionRetryDelay is the first delay after a failed version check. It
	// doubles after each failure.
	VersionRetryDelay time.Duration
	// VersionRetrySlice is how often a retry delay checks for Idle.
	VersionRetrySlice time.Duration
	// ActivatePending is the wait after the server reports activation pending.
	ActivatePending time.Duration
	// ActivateError is the wait after a failed activation request.
	ActivateError time.Duration
	// Notification is how long notifications stay up.
	Notification time.Duration
	// ClockTick is the period of the clock tick event.
	ClockTick time.Duration
}

// DefaultTimings returns the timings used on a real device.
func DefaultTimings() Timings {
	return Timings{
		AlertPause:        3 * time.Second,
		RebootDelay:       time.Second,
		VersionRetryDelay: 10 * time.Second,
		VersionRetrySlice: time.Second,
		ActivatePending:   3 * time.Second,
		ActivateError:     10 * time.Second,
		Notification:      3 * time.Second,
		ClockTick:         time.Second,
	}
}

func (t *Timings) setDefaults() {
	def := DefaultTimings()
	if t.AlertPause <= 0 {
		t.AlertPause = def.AlertPause
	}
	if t.RebootDelay <= 0 {
		t.RebootDelay = def.RebootDelay
	}
	if t.VersionRetryDelay <= 0 {
		t.VersionRetryDelay = def.VersionRetryDelay
	}
	if t.VersionRetrySlice <= 0 {
		t.VersionRetrySlice = def.VersionRetrySlice
	}
	if t.ActivatePending <= 0 {
		t.ActivatePending = def.ActivatePending
	}
	if t.ActivateError <= 0 {
		t.ActivateError = def.ActivateError
	}
	if t.Notification <= 0 {
		t.Notification = def.Notification
	}
	if t.ClockTick <= 0 {
		t.ClockTick = def.ClockTick
	}
}

// Config configures an Application.
type Config struct {
	Board board.Board
	Audio audiosvc.Service

	// Store persists settings: protocol configs, tokens, hub url and asset
	// requests. Defaults to an in-memory store.
	Store settings.Store
	// Info is the device identity. Loaded from Store when nil.
	Info *deviceinfo.Info

	// OTAURL is the version check endpoint.
	OTAURL string
	// HTTPClient is used by the OTA and Keycloak clients.
	HTTPClient *http.Client
	// Fetcher downloads firmware, assets, images and audio clips. Defaults to
	// HTTP only.
	Fetcher ota.Fetcher
	// Images receives downloaded firmware and assets. Defaults to ota.Discard.
	Images ota.ImageStore
	// SerialNumber and HMACKey answer activation challenges. Without a
	// serial number the device activates with an empty payload.
	SerialNumber string
	HMACKey      []byte

	// NewProtocol builds the conversation protocol for a transport. The
	// default builds the MQTT and WebSocket bindings from the settings the
	// version check stored.
	NewProtocol func(t Transport) protocol.Protocol

	// HubURL is used when the signalr/hub_url setting is empty. No hub
	// connection is made when both are empty.
	HubURL string
	// NewHub overrides how the hub client is built.
	NewHub func(cfg hub.Config) *hub.Client

	AecMode AecMode
	// SendWakeWordData streams the wake word audio to the server and
	// announces the detected phrase. Otherwise a popup sound is played on
	// entering Listening.
	SendWakeWordData bool
	// ReceiveCustomMessage shows "custom" protocol messages in the chat area.
	ReceiveCustomMessage bool

	Timings Timings
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// Logger is used for leaf packages; the application logs through
	// SlogLogger(Logger). Defaults to slog.Default().
	Logger *slog.Logger
}
