// Package board abstracts the hardware around the device core: display,
// LED, backlight, audio codec, battery, power saving and the network link.
package board

import (
	"context"
	"fmt"

	"github.com/haivivi/gearfw/pkg/audiosvc"
	"github.com/haivivi/gearfw/pkg/devicestate"
	"github.com/haivivi/gearfw/pkg/display"
)

// PowerSaveLevel trades responsiveness for power.
type PowerSaveLevel int

const (
	LowPower PowerSaveLevel = iota
	Balanced
	Performance
)

func (l PowerSaveLevel) String() string {
	switch l {
	case LowPower:
		return "low_power"
	case Balanced:
		return "balanced"
	case Performance:
		return "performance"
	default:
		return fmt.Sprintf("PowerSaveLevel(%d)", int(l))
	}
}

// NetworkEvent is reported by the network link.
type NetworkEvent int

const (
	NetworkScanning NetworkEvent = iota
	NetworkConnecting
	NetworkConnected
	NetworkDisconnected
	WifiConfigModeEnter
	WifiConfigModeExit
	ModemDetecting
	ModemErrorNoSim
	ModemErrorRegDenied
	ModemErrorInitFailed
	ModemErrorTimeout
)

var networkEventNames = [...]string{
	NetworkScanning:      "scanning",
	NetworkConnecting:    "connecting",
	NetworkConnected:     "connected",
	NetworkDisconnected:  "disconnected",
	WifiConfigModeEnter:  "wifi_config_mode_enter",
	WifiConfigModeExit:   "wifi_config_mode_exit",
	ModemDetecting:       "modem_detecting",
	ModemErrorNoSim:      "modem_error_no_sim",
	ModemErrorRegDenied:  "modem_error_reg_denied",
	ModemErrorInitFailed: "modem_error_init_failed",
	ModemErrorTimeout:    "modem_error_timeout",
}

func (e NetworkEvent) String() string {
	if e >= 0 && int(e) < len(networkEventNames) {
		return networkEventNames[e]
	}
	return fmt.Sprintf("NetworkEvent(%d)", int(e))
}

// NetworkEventCallback receives link events. data carries the SSID or
// carrier name where one applies.
type NetworkEventCallback func(event NetworkEvent, data string)

// Led mirrors the device state.
type Led interface {
	OnStateChanged(state devicestate.State)
}

// Backlight controls screen brightness (0..100).
type Backlight interface {
	Brightness() int
	SetBrightness(brightness int, permanent bool)
}

// Battery is a battery reading.
type Battery struct {
	Level       int
	Charging    bool
	Discharging bool
}

// Board is the hardware the application runs on.
type Board interface {
	Display() display.Display
	Led() Led
	// Backlight returns nil when the screen has no adjustable backlight.
	Backlight() Backlight
	Codec() audiosvc.Codec
	// BatteryLevel returns false when the board has no battery gauge.
	BatteryLevel() (Battery, bool)
	SetPowerSaveLevel(level PowerSaveLevel)
	SetNetworkEventCallback(cb NetworkEventCallback)
	// StartNetwork brings the link up and reports progress through the
	// network event callback.
	StartNetwork(ctx context.Context)
	// NetworkStateIcon is a short text for the status bar.
	NetworkStateIcon() string
	Restart()
	DeviceStatusJSON() []byte
	SystemInfoJSON() []byte
}
