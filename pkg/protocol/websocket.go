package protocol

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const defaultHelloTimeout = 10 * time.Second

// WebSocketConfig configures a WebSocket binding.
type WebSocketConfig struct {
	URL      string
	Token    string
	DeviceID string
	ClientID string
	// Version is sent as the Protocol-Version header. Defaults to 1.
	Version int

	// AudioParams announced in the hello. Defaults to DefaultAudioParams.
	AudioParams *AudioParams

	// HelloTimeout bounds the wait for the server hello. Defaults to 10s.
	HelloTimeout time.Duration

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// WebSocket is a Protocol over a single WebSocket connection per audio
// channel. Text frames carry JSON, binary frames carry audio payloads.
type WebSocket struct {
	session
	cfg WebSocketConfig

	mu sync.Mutex
	ch *wsChannel
}

type wsChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	hello   chan struct{}
	opened  atomic.Bool
	closing atomic.Bool
}

func (c *wsChannel) write(typ int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(typ, data)
}

var _ Protocol = (*WebSocket)(nil)

// NewWebSocket creates a WebSocket binding. No connection is made until
// OpenAudioChannel.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	ws := &WebSocket{cfg: cfg}
	ws.init(cfg.Logger)
	return ws
}

// Start implements Protocol. The WebSocket binding connects lazily.
func (ws *WebSocket) Start(ctx context.Context) error {
	return nil
}

func (ws *WebSocket) current() *wsChannel {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.ch
}

func (ws *WebSocket) header() http.Header {
	h := http.Header{}
	if tok := ws.cfg.Token; tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	v := ws.cfg.Version
	if v == 0 {
		v = 1
	}
	h.Set("Protocol-Version", strconv.Itoa(v))
	if ws.cfg.DeviceID != "" {
		h.Set("Device-Id", ws.cfg.DeviceID)
	}
	if ws.cfg.ClientID != "" {
		h.Set("Client-Id", ws.cfg.ClientID)
	}
	return h
}

// OpenAudioChannel implements Protocol.
func (ws *WebSocket) OpenAudioChannel(ctx context.Context) bool {
	if old := ws.current(); old != nil {
		ws.closeChannel(old)
	}
	ws.errorOccurred.Store(false)

	dialer := ws.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, ws.cfg.URL, ws.header())
	if err != nil {
		ws.logger.Error("protocol: websocket dial failed", "url", ws.cfg.URL, "error", err)
		ws.setError("server not found")
		return false
	}

	ch := &wsChannel{conn: conn, hello: make(chan struct{}, 1)}
	ws.mu.Lock()
	ws.ch = ch
	ws.mu.Unlock()
	ws.touch()
	go ws.readLoop(ch)

	params := DefaultAudioParams
	if ws.cfg.AudioParams != nil {
		params = *ws.cfg.AudioParams
	}
	if err := ch.write(websocket.TextMessage, helloMessage("websocket", params)); err != nil {
		ws.logger.Error("protocol: send hello failed", "error", err)
		ws.closeChannel(ch)
		ws.setError("server error")
		return false
	}

	timeout := ws.cfg.HelloTimeout
	if timeout <= 0 {
		timeout = defaultHelloTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch.hello:
	case <-timer.C:
		ws.logger.Error("protocol: server hello timeout")
		ws.closeChannel(ch)
		ws.setError("server timeout")
		return false
	case <-ctx.Done():
		ws.closeChannel(ch)
		return false
	}

	ch.opened.Store(true)
	if fn := ws.callbacks().OnAudioChannelOpened; fn != nil {
		fn()
	}
	return true
}

func (ws *WebSocket) readLoop(ch *wsChannel) {
	defer func() {
		ch.conn.Close()
		ws.mu.Lock()
		if ws.ch == ch {
			ws.ch = nil
		}
		ws.mu.Unlock()
		if ch.opened.Swap(false) {
			ws.logger.Info("protocol: websocket disconnected")
			if fn := ws.callbacks().OnAudioChannelClosed; fn != nil {
				fn()
			}
		}
	}()
	for {
		typ, data, err := ch.conn.ReadMessage()
		if err != nil {
			if !ch.closing.Load() {
				ws.logger.Warn("protocol: websocket read", "error", err)
			}
			return
		}
		ws.touch()
		switch typ {
		case websocket.BinaryMessage:
			if fn := ws.callbacks().OnIncomingAudio; fn != nil {
				fn(ws.incomingPacket(data, 0))
			}
		case websocket.TextMessage:
			if typeOf(data) == "hello" {
				ws.applyServerHello(data)
				select {
				case ch.hello <- struct{}{}:
				default:
				}
				continue
			}
			ws.dispatchJSON(data)
		}
	}
}

func (ws *WebSocket) closeChannel(ch *wsChannel) {
	if ch.closing.Swap(true) {
		return
	}
	ch.writeMu.Lock()
	_ = ch.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	ch.writeMu.Unlock()
	ch.conn.Close()
}

// CloseAudioChannel implements Protocol. OnAudioChannelClosed fires from the
// receive goroutine once the connection is torn down.
func (ws *WebSocket) CloseAudioChannel() {
	if ch := ws.current(); ch != nil {
		ws.closeChannel(ch)
	}
}

// IsAudioChannelOpened implements Protocol.
func (ws *WebSocket) IsAudioChannelOpened() bool {
	ch := ws.current()
	return ch != nil && ch.opened.Load() && !ch.closing.Load() &&
		!ws.errorOccurred.Load() && !ws.timedOut()
}

// SendAudio implements Protocol.
func (ws *WebSocket) SendAudio(packet *AudioPacket) bool {
	ch := ws.current()
	if ch == nil || !ch.opened.Load() || ch.closing.Load() {
		return false
	}
	if err := ch.write(websocket.BinaryMessage, packet.Payload); err != nil {
		ws.logger.Warn("protocol: send audio", "error", err)
		return false
	}
	return true
}

func (ws *WebSocket) sendText(msg []byte) bool {
	ch := ws.current()
	if ch == nil {
		return false
	}
	if err := ch.write(websocket.TextMessage, msg); err != nil {
		ws.logger.Error("protocol: send text", "error", err)
		ws.setError("server error")
		return false
	}
	return true
}

func (ws *WebSocket) SendStartListening(mode ListeningMode) {
	ws.sendText(ws.startListeningMessage(mode))
}

func (ws *WebSocket) SendStopListening() {
	ws.sendText(ws.stopListeningMessage())
}

func (ws *WebSocket) SendAbortSpeaking(reason AbortReason) {
	ws.sendText(ws.abortMessage(reason))
}

func (ws *WebSocket) SendWakeWordDetected(wakeWord string) {
	ws.sendText(ws.wakeWordMessage(wakeWord))
}

func (ws *WebSocket) SendMcpMessage(payload json.RawMessage) {
	ws.sendText(ws.mcpMessage(payload))
}

// Close implements Protocol.
func (ws *WebSocket) Close() error {
	ws.CloseAudioChannel()
	return nil
}
