package application

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/haivivi/gearfw/pkg/audiosvc"
	"github.com/haivivi/gearfw/pkg/board"
	"github.com/haivivi/gearfw/pkg/devicestate"
	"github.com/haivivi/gearfw/pkg/eventloop"
	"github.com/haivivi/gearfw/pkg/ota"
	"github.com/haivivi/gearfw/pkg/protocol"
	"github.com/haivivi/gearfw/pkg/settings"
)

// initializeProtocol builds the protocol the version check asked for,
// wires its callbacks and starts it.
func (a *Application) initializeProtocol(o *ota.Client) {
	a.display().SetStatus(textLoadingProtocol)

	var t Transport
	switch {
	case o != nil && o.HasMqttConfig():
		t = TransportMQTT
	case o != nil && o.HasWebsocketConfig():
		t = TransportWebSocket
	default:
		a.logger.WarnPrintf("no protocol in the version check response, using mqtt")
		t = TransportMQTT
	}

	newProtocol := a.cfg.NewProtocol
	if newProtocol == nil {
		newProtocol = a.newProtocol
	}
	p := newProtocol(t)
	a.wireProtocol(p)
	a.setProtocol(p)
	if err := p.Start(a.ctx); err != nil {
		a.logger.ErrorPrintf("start %s protocol: %v", t, err)
	}
}

// newProtocol builds a binding from the configs the version check stored.
func (a *Application) newProtocol(t Transport) protocol.Protocol {
	if t == TransportWebSocket {
		s := settings.New(a.store, ota.WebSocketNamespace)
		return protocol.NewWebSocket(protocol.WebSocketConfig{
			URL:      s.GetString("url", ""),
			Token:    s.GetString("token", ""),
			Version:  int(s.GetInt("version", 1)),
			DeviceID: a.info.MACAddress,
			ClientID: a.info.UUID,
			Logger:   a.slog,
		})
	}
	s := settings.New(a.store, ota.MQTTNamespace)
	return protocol.NewMQTT(protocol.MQTTConfig{
		Endpoint:       s.GetString("endpoint", ""),
		ClientID:       s.GetString("client_id", ""),
		Username:       s.GetString("username", ""),
		Password:       s.GetString("password", ""),
		PublishTopic:   s.GetString("publish_topic", ""),
		SubscribeTopic: s.GetString("subscribe_topic", ""),
		KeepAlive:      int(s.GetInt("keepalive", 0)),
		DeviceID:       a.info.MACAddress,
		Logger:         a.slog,
	})
}

func (a *Application) wireProtocol(p protocol.Protocol) {
	codec := a.board.Codec()
	p.SetCallbacks(protocol.Callbacks{
		OnConnected: func() { a.Schedule(a.DismissAlert) },
		OnNetworkError: func(message string) {
			a.mu.Lock()
			a.lastError = message
			a.mu.Unlock()
			a.loop.Set(eventloop.Error)
		},
		OnIncomingAudio: func(packet *protocol.AudioPacket) {
			if a.State() == devicestate.Speaking && !a.aborted.Load() {
				a.audio.PushPacketToDecodeQueue(packet, false)
			}
		},
		OnAudioChannelOpened: func() {
			a.board.SetPowerSaveLevel(board.Performance)
			if rate := p.ServerSampleRate(); rate != codec.OutputSampleRate() {
				a.logger.WarnPrintf("server sample rate %d does not match device output sample rate %d, resampling may cause distortion",
					rate, codec.OutputSampleRate())
			}
		},
		OnAudioChannelClosed: func() {
			a.board.SetPowerSaveLevel(board.LowPower)
			a.Schedule(func() {
				a.display().SetChatMessage(roleSystem, "")
				a.setState(devicestate.Idle)
			})
		},
		OnIncomingJSON: a.handleIncomingJSON,
	})
}

// handleIncomingJSON runs on the protocol goroutine. Anything touching
// device state is scheduled.
func (a *Application) handleIncomingJSON(msg json.RawMessage) {
	r := gjson.ParseBytes(msg)
	d := a.display()
	typ := r.Get("type").String()
	switch typ {
	case "tts":
		switch r.Get("state").String() {
		case "start":
			a.Schedule(func() {
				a.aborted.Store(false)
				a.setState(devicestate.Speaking)
			})
		case "stop":
			a.Schedule(func() {
				if a.State() != devicestate.Speaking {
					return
				}
				if a.listeningMode == protocol.ManualStop {
					a.setState(devicestate.Idle)
				} else {
					a.setState(devicestate.Listening)
				}
			})
		case "sentence_start":
			if text := r.Get("text"); text.Type == gjson.String {
				a.logger.InfoPrintf("<< %s", text.Str)
				a.Schedule(func() { d.SetChatMessage("assistant", text.Str) })
			}
		}
	case "stt":
		if text := r.Get("text"); text.Type == gjson.String {
			a.logger.InfoPrintf(">> %s", text.Str)
			a.Schedule(func() { d.SetChatMessage("user", text.Str) })
		}
	case "llm":
		if emotion := r.Get("emotion"); emotion.Type == gjson.String {
			a.Schedule(func() { d.SetEmotion(emotion.Str) })
		}
	case "mcp":
		if payload := r.Get("payload"); payload.IsObject() {
			a.mcp.HandleMessage(json.RawMessage(payload.Raw))
		}
	case "system":
		command := r.Get("command")
		if command.Type != gjson.String {
			return
		}
		a.logger.InfoPrintf("system command: %s", command.Str)
		if command.Str == "reboot" {
			a.Schedule(a.Reboot)
		} else {
			a.logger.WarnPrintf("unknown system command: %s", command.Str)
		}
	case "alert":
		status, message, emotion := r.Get("status"), r.Get("message"), r.Get("emotion")
		if status.Type != gjson.String || message.Type != gjson.String || emotion.Type != gjson.String {
			a.logger.WarnPrintf("alert command requires status, message and emotion")
			return
		}
		a.Schedule(func() {
			a.Alert(status.Str, message.Str, emotion.Str, audiosvc.SoundVibration)
		})
	case "custom":
		if !a.cfg.ReceiveCustomMessage {
			a.logger.WarnPrintf("unknown message type: %s", typ)
			return
		}
		a.logger.InfoPrintf("received custom message: %s", r.Get("@ugly").Raw)
		payload := r.Get("payload")
		if !payload.IsObject() {
			a.logger.WarnPrintf("invalid custom message format: missing payload")
			return
		}
		compact := payload.Get("@ugly").Raw
		a.Schedule(func() { d.SetChatMessage(roleSystem, compact) })
	default:
		a.logger.WarnPrintf("unknown message type: %s", typ)
	}
}
