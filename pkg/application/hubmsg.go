package application

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tidwall/gjson"

	"github.com/haivivi/gearfw/pkg/audiosvc"
	"github.com/haivivi/gearfw/pkg/eventloop"
	"github.com/haivivi/gearfw/pkg/hub"
	"github.com/haivivi/gearfw/pkg/keycloak"
	"github.com/haivivi/gearfw/pkg/ota"
	"github.com/haivivi/gearfw/pkg/settings"
)

// hubNamespace holds the hub_url setting.
const hubNamespace = "signalr"

// Download limits of hub media.
const (
	maxImageSize = 2 << 20
	maxAudioSize = 512 << 10

	mediaDownloadTimeout = 30 * time.Second
)

// hubToken returns the stored access token if it has not expired.
func (a *Application) hubToken() (string, bool) {
	s := settings.New(a.store, keycloak.Namespace)
	token := s.GetString("access_token", "")
	expires := s.GetInt("access_expires", 0)
	if token == "" || expires <= a.cfg.Now().Unix() {
		return "", false
	}
	return token, true
}

// initializeHub connects the hub when a URL and a valid token are
// available. The ReconnectManager keeps it connected from then on.
func (a *Application) initializeHub() {
	url := settings.New(a.store, hubNamespace).GetString("hub_url", a.cfg.HubURL)
	if url == "" {
		a.logger.InfoPrintf("hub url not configured, skipping hub")
		return
	}
	token, ok := a.hubToken()
	if !ok {
		a.logger.InfoPrintf("no valid access token, skipping hub")
		return
	}

	a.mu.Lock()
	initialized := a.hub != nil
	a.mu.Unlock()
	if initialized {
		return
	}

	cfg := hub.Config{URL: url, Token: token, Logger: a.slog}
	var h *hub.Client
	if a.cfg.NewHub != nil {
		h = a.cfg.NewHub(cfg)
	} else {
		h = hub.New(cfg)
	}

	rm := hub.NewReconnectManager(h)
	rm.Logger = a.slog
	rm.OnConnected = func() { a.logger.InfoPrintf("hub connected to %s", url) }

	h.OnCustomMessage(func(payload json.RawMessage) {
		msg := append([]byte(nil), payload...)
		a.Schedule(func() { a.HandleHubMessage(msg) })
	})
	h.OnStateChanged(func(connected bool, reason string) {
		if !connected {
			a.logger.WarnPrintf("hub disconnected: %s", reason)
			rm.Request()
		}
	})

	a.mu.Lock()
	a.hub, a.reconnect = h, rm
	a.mu.Unlock()
	rm.Start(a.ctx)
}

// resetHub stops reconnecting and disconnects the hub.
func (a *Application) resetHub() {
	a.mu.Lock()
	h, rm := a.hub, a.reconnect
	a.hub, a.reconnect = nil, nil
	a.mu.Unlock()
	if rm != nil {
		rm.Stop()
	}
	if h != nil {
		h.Disconnect()
	}
}

// checkHubToken drops the hub once its token has expired.
func (a *Application) checkHubToken() {
	a.mu.Lock()
	initialized := a.hub != nil
	a.mu.Unlock()
	if !initialized {
		return
	}
	if _, ok := a.hubToken(); !ok {
		a.logger.WarnPrintf("access token expired, disconnecting hub")
		a.resetHub()
	}
}

// parseHubMessage validates msg, repairing it once if needed.
func parseHubMessage(msg []byte) (gjson.Result, error) {
	if gjson.ValidBytes(msg) {
		return gjson.ParseBytes(msg), nil
	}
	fixed, err := jsonrepair.JSONRepair(string(msg))
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.Valid(fixed) {
		return gjson.Result{}, errors.New("invalid json after repair")
	}
	return gjson.Parse(fixed), nil
}

func hubSound(name string) audiosvc.Sound {
	switch name {
	case "success":
		return audiosvc.SoundSuccess
	case "vibration":
		return audiosvc.SoundVibration
	case "exclamation":
		return audiosvc.SoundExclamation
	case "low_battery":
		return audiosvc.SoundLowBattery
	case "none":
		return ""
	default:
		return audiosvc.SoundPopup
	}
}

func stringOr(r gjson.Result, def string) string {
	if r.Type == gjson.String && r.Str != "" {
		return r.Str
	}
	return def
}

// HandleHubMessage runs a hub custom message. It must be called on the
// dispatcher goroutine; the hub client schedules it.
func (a *Application) HandleHubMessage(msg []byte) {
	r, err := parseHubMessage(msg)
	if err != nil {
		a.logger.ErrorPrintf("invalid hub message: %v", err)
		return
	}
	d := a.display()

	switch action := r.Get("action").String(); action {
	case "notification":
		a.Alert(
			stringOr(r.Get("title"), textInfo),
			r.Get("content").String(),
			stringOr(r.Get("emotion"), emotionBell),
			hubSound(r.Get("sound").String()),
		)
	case "command":
		switch cmd := r.Get("command").String(); cmd {
		case "reboot":
			a.Reboot()
		case "wake":
			a.loop.Set(eventloop.WakeWordDetected)
		case "listen":
			a.StartListening()
		case "stop":
			a.StopListening()
		default:
			a.logger.WarnPrintf("unknown hub command: %s", cmd)
		}
	case "display":
		if content := r.Get("content"); content.Exists() {
			d.SetChatMessage(stringOr(r.Get("role"), roleSystem), content.String())
		}
	case "emotion":
		if emotion := r.Get("emotion"); emotion.Type == gjson.String {
			d.SetEmotion(emotion.Str)
		}
	case "image":
		url := r.Get("url").String()
		if url == "" {
			a.logger.WarnPrintf("hub image without url")
			return
		}
		a.showImage(url)
	case "audio":
		url := r.Get("url").String()
		if url == "" {
			a.logger.WarnPrintf("hub audio without url")
			return
		}
		a.playAudio(url)
	case "qrcode":
		data := r.Get("data").String()
		if data == "" {
			a.logger.WarnPrintf("hub qrcode without data")
			return
		}
		d.ShowQRCode(data, r.Get("title").String(), r.Get("subtitle").String())
	case "hide_qrcode":
		d.HideQRCode()
	default:
		if action != "" {
			a.logger.WarnPrintf("unknown hub action: %s", action)
		}
		d.SetChatMessage(roleSystem, strings.TrimSpace(r.Get("@pretty").Raw))
	}
}

// downloadMedia fetches url off the dispatcher and schedules done with the
// result.
func (a *Application) downloadMedia(url string, limit int64, done func([]byte, error)) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, mediaDownloadTimeout)
		defer cancel()
		data, err := ota.Download(ctx, a.fetcher, url, limit)
		a.Schedule(func() { done(data, err) })
	}()
}

func (a *Application) playAudio(url string) {
	a.downloadMedia(url, maxAudioSize, func(data []byte, err error) {
		if err != nil {
			a.logger.ErrorPrintf("download audio %s: %v", url, err)
			return
		}
		a.audio.PlayAudio(data)
	})
}

// showImage pauses the microphone while the image downloads and restores
// it once the image is shown or the download failed.
func (a *Application) showImage(url string) {
	processing := a.audio.IsAudioProcessorRunning()
	wakeWord := a.audio.IsWakeWordRunning()
	a.audio.EnableVoiceProcessing(false)
	a.audio.EnableWakeWordDetection(false)

	a.downloadMedia(url, maxImageSize, func(data []byte, err error) {
		if err != nil {
			a.logger.ErrorPrintf("download image %s: %v", url, err)
		} else {
			a.audio.WaitForPlaybackQueueEmpty()
			a.display().ShowImage(data)
		}
		if processing {
			a.audio.EnableVoiceProcessing(true)
		}
		if wakeWord {
			a.audio.EnableWakeWordDetection(true)
		}
	})
}
