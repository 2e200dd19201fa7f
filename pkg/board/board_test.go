package board

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haivivi/gearfw/pkg/devicestate"
	"github.com/tidwall/gjson"
)

func newTestSim(cfg SimConfig) *Sim {
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSim(cfg)
}

func TestSim_StartNetwork(t *testing.T) {
	s := newTestSim(SimConfig{SSID: "lab", ConnectDelay: time.Millisecond})

	var mu sync.Mutex
	var events []NetworkEvent
	done := make(chan struct{})
	s.SetNetworkEventCallback(func(ev NetworkEvent, data string) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		if ev == NetworkConnected {
			if data != "lab" {
				t.Errorf("connected data = %q; want lab", data)
			}
			close(done)
		}
	})
	s.StartNetwork(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no connected event")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []NetworkEvent{NetworkScanning, NetworkConnecting, NetworkConnected}
	if len(events) != len(want) {
		t.Fatalf("events = %v; want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %v; want %v", i, events[i], want[i])
		}
	}
	if s.NetworkStateIcon() != "wifi" {
		t.Errorf("NetworkStateIcon = %q; want wifi", s.NetworkStateIcon())
	}
}

func TestSim_DeviceStatusJSON(t *testing.T) {
	s := newTestSim(SimConfig{})
	s.SetBattery(Battery{Level: 42, Charging: true})
	s.Backlight().SetBrightness(130, true)
	s.Codec().SetOutputVolume(55)

	js := s.DeviceStatusJSON()
	if got := gjson.GetBytes(js, "audio_speaker.volume").Int(); got != 55 {
		t.Errorf("volume = %d; want 55", got)
	}
	if got := gjson.GetBytes(js, "screen.brightness").Int(); got != 100 {
		t.Errorf("brightness = %d; want 100", got)
	}
	if got := gjson.GetBytes(js, "battery.level").Int(); got != 42 {
		t.Errorf("battery.level = %d; want 42", got)
	}
	if got := gjson.GetBytes(js, "network.signal").String(); got != "none" {
		t.Errorf("network.signal before connect = %q; want none", got)
	}

	noBl := newTestSim(SimConfig{NoBacklight: true})
	if noBl.Backlight() != nil {
		t.Error("Backlight() != nil with NoBacklight")
	}
	if gjson.GetBytes(noBl.DeviceStatusJSON(), "battery").Exists() {
		t.Error("battery reported without a gauge")
	}
}

func TestSim_PowerAndLed(t *testing.T) {
	s := newTestSim(SimConfig{})
	s.SetPowerSaveLevel(Performance)
	if got := s.PowerSaveLevel(); got != Performance {
		t.Errorf("PowerSaveLevel = %v; want performance", got)
	}
	s.Led().OnStateChanged(devicestate.Listening)
	s.Led().OnStateChanged(devicestate.Idle)
	if got := s.SimLed().States(); len(got) != 2 || got[1] != devicestate.Idle {
		t.Errorf("led states = %v", got)
	}

	restarted := false
	r := newTestSim(SimConfig{OnRestart: func() { restarted = true }})
	r.Restart()
	if !restarted {
		t.Error("OnRestart not called")
	}
}

func TestNetworkEvent_String(t *testing.T) {
	if got := ModemErrorRegDenied.String(); got != "modem_error_reg_denied" {
		t.Errorf("String = %q", got)
	}
	if got := NetworkEvent(99).String(); got != "NetworkEvent(99)" {
		t.Errorf("String = %q", got)
	}
	if got := Balanced.String(); got != "balanced" {
		t.Errorf("PowerSaveLevel String = %q", got)
	}
}
