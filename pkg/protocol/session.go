package protocol

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// channelTimeout is how long an opened channel may stay silent before it is
// considered dead.
const channelTimeout = 120 * time.Second

// session holds the state both bindings share: callbacks, the server-issued
// session id, the server audio parameters and incoming-traffic liveness.
type session struct {
	logger *slog.Logger

	mu                  sync.Mutex
	cb                  Callbacks
	sessionID           string
	serverSampleRate    int
	serverFrameDuration int

	lastIncoming  atomic.Int64
	errorOccurred atomic.Bool
}

func (s *session) init(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.logger = logger
	s.serverSampleRate = 24000
	s.serverFrameDuration = 60
}

// SetCallbacks implements Protocol.
func (s *session) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

func (s *session) callbacks() Callbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cb
}

// ServerSampleRate implements Protocol.
func (s *session) ServerSampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverSampleRate
}

// SessionID returns the id issued by the server hello, or "".
func (s *session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *session) touch() {
	s.lastIncoming.Store(time.Now().UnixNano())
}

func (s *session) timedOut() bool {
	last := s.lastIncoming.Load()
	if last == 0 {
		return false
	}
	if time.Since(time.Unix(0, last)) > channelTimeout {
		s.logger.Warn("protocol: channel timeout", "silent", time.Since(time.Unix(0, last)).Round(time.Second))
		return true
	}
	return false
}

func (s *session) setError(message string) {
	s.errorOccurred.Store(true)
	if fn := s.callbacks().OnNetworkError; fn != nil {
		fn(message)
	}
}

// applyServerHello records the session id and audio parameters from a server
// hello message.
func (s *session) applyServerHello(msg []byte) {
	r := gjson.ParseBytes(msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	if id := r.Get("session_id"); id.Exists() {
		s.sessionID = id.String()
	}
	if sr := r.Get("audio_params.sample_rate"); sr.Exists() && sr.Int() > 0 {
		s.serverSampleRate = int(sr.Int())
	}
	if fd := r.Get("audio_params.frame_duration"); fd.Exists() && fd.Int() > 0 {
		s.serverFrameDuration = int(fd.Int())
	}
}

func (s *session) incomingPacket(payload []byte, timestamp uint32) *AudioPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &AudioPacket{
		SampleRate:    s.serverSampleRate,
		FrameDuration: s.serverFrameDuration,
		Timestamp:     timestamp,
		Payload:       payload,
	}
}

// dispatchJSON hands a non-hello text message to OnIncomingJSON.
func (s *session) dispatchJSON(msg []byte) {
	if !gjson.ValidBytes(msg) {
		s.logger.Warn("protocol: invalid json", "msg", string(msg))
		return
	}
	if fn := s.callbacks().OnIncomingJSON; fn != nil {
		fn(json.RawMessage(msg))
	}
}

func (s *session) message(typ string) []byte {
	b, _ := sjson.SetBytes(nil, "session_id", s.SessionID())
	b, _ = sjson.SetBytes(b, "type", typ)
	return b
}

func (s *session) startListeningMessage(mode ListeningMode) []byte {
	b := s.message("listen")
	b, _ = sjson.SetBytes(b, "state", "start")
	b, _ = sjson.SetBytes(b, "mode", mode.String())
	return b
}

func (s *session) stopListeningMessage() []byte {
	b := s.message("listen")
	b, _ = sjson.SetBytes(b, "state", "stop")
	return b
}

func (s *session) wakeWordMessage(wakeWord string) []byte {
	b := s.message("listen")
	b, _ = sjson.SetBytes(b, "state", "detect")
	b, _ = sjson.SetBytes(b, "text", wakeWord)
	return b
}

func (s *session) abortMessage(reason AbortReason) []byte {
	b := s.message("abort")
	if name := reason.String(); name != "" {
		b, _ = sjson.SetBytes(b, "reason", name)
	}
	return b
}

func (s *session) mcpMessage(payload json.RawMessage) []byte {
	b := s.message("mcp")
	b, _ = sjson.SetRawBytes(b, "payload", payload)
	return b
}

func helloMessage(transport string, params AudioParams) []byte {
	hello := struct {
		Type        string          `json:"type"`
		Version     int             `json:"version"`
		Transport   string          `json:"transport"`
		Features    map[string]bool `json:"features"`
		AudioParams AudioParams     `json:"audio_params"`
	}{
		Type:        "hello",
		Version:     1,
		Transport:   transport,
		Features:    map[string]bool{"mcp": true},
		AudioParams: params,
	}
	b, _ := json.Marshal(hello)
	return b
}

func typeOf(msg []byte) string {
	return gjson.GetBytes(msg, "type").String()
}

func gjsonString(msg []byte, path string) string {
	return gjson.GetBytes(msg, path).String()
}
