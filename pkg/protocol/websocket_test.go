package protocol

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeServer is a conversation backend speaking the WebSocket binding.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	silent   bool
	mu       sync.Mutex
	headers  http.Header
	texts    []string
	conn     *websocket.Conn
	received chan string
}

func newFakeServer(t *testing.T, silent bool) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, silent: silent, received: make(chan string, 16)}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fs.mu.Lock()
		fs.headers = r.Header.Clone()
		fs.conn = conn
		fs.mu.Unlock()
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch typ {
			case websocket.TextMessage:
				fs.mu.Lock()
				fs.texts = append(fs.texts, string(data))
				fs.mu.Unlock()
				if gjson.GetBytes(data, "type").String() == "hello" && !fs.silent {
					fs.write(websocket.TextMessage, []byte(`{"type":"hello","transport":"websocket","session_id":"s-1","audio_params":{"sample_rate":16000,"frame_duration":60}}`))
					continue
				}
				fs.received <- string(data)
			case websocket.BinaryMessage:
				fs.write(websocket.BinaryMessage, data)
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) write(typ int, data []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.conn != nil {
		_ = fs.conn.WriteMessage(typ, data)
	}
}

func (fs *fakeServer) next(t *testing.T) string {
	t.Helper()
	select {
	case s := <-fs.received:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return ""
	}
}

type recorder struct {
	mu      sync.Mutex
	opened  int
	closed  int
	errors  []string
	audio   chan *AudioPacket
	json    chan json.RawMessage
	closedC chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		audio:   make(chan *AudioPacket, 8),
		json:    make(chan json.RawMessage, 8),
		closedC: make(chan struct{}, 4),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnNetworkError: func(msg string) {
			r.mu.Lock()
			r.errors = append(r.errors, msg)
			r.mu.Unlock()
		},
		OnIncomingAudio:      func(p *AudioPacket) { r.audio <- p },
		OnIncomingJSON:       func(m json.RawMessage) { r.json <- m },
		OnAudioChannelOpened: func() { r.mu.Lock(); r.opened++; r.mu.Unlock() },
		OnAudioChannelClosed: func() {
			r.mu.Lock()
			r.closed++
			r.mu.Unlock()
			r.closedC <- struct{}{}
		},
	}
}

func (r *recorder) counts() (opened, closed int, errs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened, r.closed, append([]string(nil), r.errors...)
}

func TestWebSocket_Session(t *testing.T) {
	fs := newFakeServer(t, false)
	rec := newRecorder()
	ws := NewWebSocket(WebSocketConfig{
		URL:      fs.url(),
		Token:    "tok",
		DeviceID: "aa:bb:cc:dd:ee:ff",
		ClientID: "client-1",
		Logger:   discardLogger(),
	})
	ws.SetCallbacks(rec.callbacks())
	if err := ws.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !ws.OpenAudioChannel(context.Background()) {
		t.Fatal("OpenAudioChannel = false; want true")
	}
	if !ws.IsAudioChannelOpened() {
		t.Error("IsAudioChannelOpened = false after open")
	}
	if got := ws.ServerSampleRate(); got != 16000 {
		t.Errorf("ServerSampleRate = %d; want 16000", got)
	}
	if got := ws.SessionID(); got != "s-1" {
		t.Errorf("SessionID = %q; want s-1", got)
	}
	fs.mu.Lock()
	auth := fs.headers.Get("Authorization")
	dev := fs.headers.Get("Device-Id")
	hello := fs.texts[0]
	fs.mu.Unlock()
	if auth != "Bearer tok" {
		t.Errorf("Authorization = %q; want Bearer tok", auth)
	}
	if dev != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("Device-Id = %q", dev)
	}
	if got := gjson.Get(hello, "transport").String(); got != "websocket" {
		t.Errorf("hello transport = %q; want websocket", got)
	}
	if !gjson.Get(hello, "features.mcp").Bool() {
		t.Error("hello features.mcp = false; want true")
	}

	ws.SendStartListening(AutoStop)
	msg := fs.next(t)
	if gjson.Get(msg, "type").String() != "listen" ||
		gjson.Get(msg, "state").String() != "start" ||
		gjson.Get(msg, "mode").String() != "auto" ||
		gjson.Get(msg, "session_id").String() != "s-1" {
		t.Errorf("start listening message = %s", msg)
	}

	ws.SendAbortSpeaking(AbortWakeWordDetected)
	msg = fs.next(t)
	if gjson.Get(msg, "reason").String() != "wake_word_detected" {
		t.Errorf("abort message = %s", msg)
	}

	ws.SendMcpMessage(json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	msg = fs.next(t)
	if gjson.Get(msg, "payload.id").Int() != 1 {
		t.Errorf("mcp message = %s", msg)
	}

	if !ws.SendAudio(&AudioPacket{Payload: []byte{1, 2, 3}}) {
		t.Fatal("SendAudio = false; want true")
	}
	select {
	case p := <-rec.audio:
		if string(p.Payload) != "\x01\x02\x03" {
			t.Errorf("echoed payload = %v", p.Payload)
		}
		if p.SampleRate != 16000 || p.FrameDuration != 60 {
			t.Errorf("packet params = %d/%d; want 16000/60", p.SampleRate, p.FrameDuration)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no incoming audio")
	}

	fs.write(websocket.TextMessage, []byte(`{"type":"tts","state":"start"}`))
	select {
	case m := <-rec.json:
		if gjson.GetBytes(m, "state").String() != "start" {
			t.Errorf("incoming json = %s", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no incoming json")
	}

	ws.CloseAudioChannel()
	select {
	case <-rec.closedC:
	case <-time.After(2 * time.Second):
		t.Fatal("OnAudioChannelClosed not called")
	}
	ws.CloseAudioChannel()
	if ws.IsAudioChannelOpened() {
		t.Error("IsAudioChannelOpened = true after close")
	}
	if ws.SendAudio(&AudioPacket{Payload: []byte{1}}) {
		t.Error("SendAudio after close = true; want false")
	}
	opened, closed, _ := rec.counts()
	if opened != 1 || closed != 1 {
		t.Errorf("opened/closed = %d/%d; want 1/1", opened, closed)
	}
}

func TestWebSocket_HelloTimeout(t *testing.T) {
	fs := newFakeServer(t, true)
	rec := newRecorder()
	ws := NewWebSocket(WebSocketConfig{
		URL:          fs.url(),
		HelloTimeout: 100 * time.Millisecond,
		Logger:       discardLogger(),
	})
	ws.SetCallbacks(rec.callbacks())
	if ws.OpenAudioChannel(context.Background()) {
		t.Fatal("OpenAudioChannel = true; want false")
	}
	opened, closed, errs := rec.counts()
	if opened != 0 || closed != 0 {
		t.Errorf("opened/closed = %d/%d; want 0/0", opened, closed)
	}
	if len(errs) != 1 || errs[0] != "server timeout" {
		t.Errorf("errors = %v; want [server timeout]", errs)
	}
}

func TestWebSocket_DialFailure(t *testing.T) {
	fs := newFakeServer(t, false)
	url := fs.url()
	fs.srv.Close()

	rec := newRecorder()
	ws := NewWebSocket(WebSocketConfig{URL: url, Logger: discardLogger()})
	ws.SetCallbacks(rec.callbacks())
	if ws.OpenAudioChannel(context.Background()) {
		t.Fatal("OpenAudioChannel = true; want false")
	}
	if _, _, errs := rec.counts(); len(errs) != 1 || errs[0] != "server not found" {
		t.Errorf("errors = %v; want [server not found]", errs)
	}
	if ws.SendAudio(&AudioPacket{}) {
		t.Error("SendAudio without channel = true")
	}
}

func TestWebSocket_ServerDisconnect(t *testing.T) {
	fs := newFakeServer(t, false)
	rec := newRecorder()
	ws := NewWebSocket(WebSocketConfig{URL: fs.url(), Logger: discardLogger()})
	ws.SetCallbacks(rec.callbacks())
	if !ws.OpenAudioChannel(context.Background()) {
		t.Fatal("OpenAudioChannel = false")
	}
	fs.mu.Lock()
	fs.conn.Close()
	fs.mu.Unlock()
	select {
	case <-rec.closedC:
	case <-time.After(2 * time.Second):
		t.Fatal("OnAudioChannelClosed not called on server disconnect")
	}
	if ws.IsAudioChannelOpened() {
		t.Error("IsAudioChannelOpened = true after disconnect")
	}
}

func TestListeningMode_String(t *testing.T) {
	tests := []struct {
		mode ListeningMode
		want string
	}{
		{ManualStop, "manual"},
		{AutoStop, "auto"},
		{Realtime, "realtime"},
		{ListeningMode(9), "ListeningMode(9)"},
	}
	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.want {
			t.Errorf("%d.String() = %q; want %q", int(tt.mode), got, tt.want)
		}
	}
	if got := AbortNone.String(); got != "" {
		t.Errorf("AbortNone.String() = %q; want empty", got)
	}
}

func TestAudioFrame(t *testing.T) {
	b := encodeAudioFrame(&AudioPacket{Timestamp: 0x01020304, Payload: []byte("opus")})
	ts, payload, err := decodeAudioFrame(b)
	if err != nil {
		t.Fatalf("decodeAudioFrame: %v", err)
	}
	if ts != 0x01020304 || string(payload) != "opus" {
		t.Errorf("decoded = %x %q", ts, payload)
	}
	if _, _, err := decodeAudioFrame([]byte{1, 2}); err == nil {
		t.Error("decodeAudioFrame(short) err = nil")
	}
}
