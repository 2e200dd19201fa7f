package application

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haivivi/gearfw/pkg/audiosvc"
	"github.com/haivivi/gearfw/pkg/board"
	"github.com/haivivi/gearfw/pkg/devicestate"
	"github.com/haivivi/gearfw/pkg/eventloop"
	"github.com/haivivi/gearfw/pkg/ota"
	"github.com/haivivi/gearfw/pkg/protocol"
	"github.com/haivivi/gearfw/pkg/settings"
)

// otaServer answers version checks with body, or with activated once an
// activation succeeded. The first failures checks fail, and activation
// stays pending for pending calls.
type otaServer struct {
	*httptest.Server
	body      string
	activated string
	failures  int32
	pending   int32

	checks    atomic.Int32
	activates atomic.Int32
	done      atomic.Bool
}

func newOTAServer(t *testing.T, body string) *otaServer {
	t.Helper()
	s := &otaServer{body: body}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ota/":
			if n := s.checks.Add(1); n <= s.failures {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
			body := s.body
			if s.done.Load() && s.activated != "" {
				body = s.activated
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(body))
		case "/ota/activate":
			if n := s.activates.Add(1); n <= s.pending {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			s.done.Store(true)
			w.Write([]byte(`{}`))
		case "/assets.bin":
			w.Write(make([]byte, 2048))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

// newActivationEnv returns an env in Activating whose protocol factory
// records the transports it is asked for.
func newActivationEnv(t *testing.T, srv *otaServer, configure ...func(*Config)) (*testEnv, *[]Transport) {
	t.Helper()
	var (
		mu         sync.Mutex
		transports []Transport
	)
	var env *testEnv
	env = newTestEnv(t, append([]func(*Config){func(c *Config) {
		c.OTAURL = srv.URL + "/ota/"
		c.SerialNumber = "SN-0001"
		c.HMACKey = []byte("secret")
		c.NewProtocol = func(tr Transport) protocol.Protocol {
			mu.Lock()
			transports = append(transports, tr)
			mu.Unlock()
			return env.proto
		}
	}}, configure...)...)
	for _, s := range []devicestate.State{devicestate.Starting, devicestate.Activating} {
		env.app.setState(s)
	}
	return env, &transports
}

func TestActivation_WebSocket(t *testing.T) {
	srv := newOTAServer(t, `{
		"firmware": {"version": "1.0.0", "url": ""},
		"websocket": {"url": "wss://chat.example.com/v1/", "token": "tk"},
		"server_time": {"timestamp": 1750000000000, "timezone_offset": 480}
	}`)
	env, transports := newActivationEnv(t, srv)

	env.app.activationTask()

	if got, want := *transports, []Transport{TransportWebSocket}; !slices.Equal(got, want) {
		t.Errorf("transports = %v; want %v", got, want)
	}
	if !env.proto.started {
		t.Error("protocol not started")
	}
	if !env.app.loop.Group().Pending().Has(eventloop.ActivationDone) {
		t.Fatal("ActivationDone not raised")
	}
	ws := settings.New(env.app.store, ota.WebSocketNamespace)
	if got := ws.GetString("url", ""); got != "wss://chat.example.com/v1/" {
		t.Errorf("websocket url = %q", got)
	}

	env.pump(t)
	if got := env.app.State(); got != devicestate.Idle {
		t.Errorf("state = %v; want %v", got, devicestate.Idle)
	}
	if got := env.screen.State().Notification; got != textVersion+"1.0.0" {
		t.Errorf("notification = %q; want %q", got, textVersion+"1.0.0")
	}
	if !slices.Contains(env.audio.Sounds(), audiosvc.SoundSuccess) {
		t.Errorf("sounds = %v; want success", env.audio.Sounds())
	}
	if env.board.PowerSaveLevel() != board.LowPower {
		t.Errorf("power save level = %v; want %v", env.board.PowerSaveLevel(), board.LowPower)
	}
	if env.app.ota != nil {
		t.Error("ota client kept after activation")
	}
}

func TestActivation_TransportChoice(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Transport
	}{
		{"mqtt", `{"mqtt":{"endpoint":"mqtt.example.com:8883","client_id":"c"},"websocket":{"url":"wss://x"}}`, TransportMQTT},
		{"websocket", `{"websocket":{"url":"wss://x"}}`, TransportWebSocket},
		{"none", `{}`, TransportMQTT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, transports := newActivationEnv(t, newOTAServer(t, tt.body))
			env.app.activationTask()
			if got := *transports; len(got) != 1 || got[0] != tt.want {
				t.Errorf("transports = %v; want [%v]", got, tt.want)
			}
		})
	}
}

func TestActivation_Code(t *testing.T) {
	srv := newOTAServer(t, `{
		"websocket": {"url": "wss://x"},
		"activation": {"code": "246", "challenge": "ch", "message": "Enter 246 in the app"}
	}`)
	srv.activated = `{"websocket": {"url": "wss://x"}}`
	srv.pending = 2
	env, _ := newActivationEnv(t, srv)

	env.app.activationTask()

	if got := srv.activates.Load(); got != 3 {
		t.Errorf("activate calls = %d; want 3", got)
	}
	if got := srv.checks.Load(); got != 2 {
		t.Errorf("version checks = %d; want 2", got)
	}
	want := []audiosvc.Sound{audiosvc.SoundActivation, audiosvc.Digit(2), audiosvc.Digit(4), audiosvc.Digit(6)}
	if got := env.audio.Sounds(); !slices.Equal(got, want) {
		t.Errorf("sounds = %v; want %v", got, want)
	}
	if got := env.screen.State().Chat.Content; got != "" {
		t.Errorf("chat = %q; want cleared after activation", got)
	}
	if !env.app.loop.Group().Pending().Has(eventloop.ActivationDone) {
		t.Error("ActivationDone not raised")
	}
}

func TestActivation_RetriesVersionCheck(t *testing.T) {
	srv := newOTAServer(t, `{"websocket":{"url":"wss://x"}}`)
	srv.failures = 2
	env, transports := newActivationEnv(t, srv)

	env.app.activationTask()

	if got := srv.checks.Load(); got != 3 {
		t.Errorf("version checks = %d; want 3", got)
	}
	if got := *transports; len(got) != 1 || got[0] != TransportWebSocket {
		t.Errorf("transports = %v; want [websocket]", got)
	}
	if !slices.Contains(env.audio.Sounds(), audiosvc.SoundExclamation) {
		t.Errorf("sounds = %v; want exclamation", env.audio.Sounds())
	}
}

func TestActivation_GivesUpVersionCheck(t *testing.T) {
	srv := newOTAServer(t, `{}`)
	srv.failures = 100
	env, transports := newActivationEnv(t, srv)

	env.app.activationTask()

	if got := srv.checks.Load(); got != maxVersionRetries {
		t.Errorf("version checks = %d; want %d", got, maxVersionRetries)
	}
	// The device still comes up with the default transport.
	if got := *transports; len(got) != 1 || got[0] != TransportMQTT {
		t.Errorf("transports = %v; want [mqtt]", got)
	}
}

func TestActivation_Assets(t *testing.T) {
	srv := newOTAServer(t, `{"websocket":{"url":"wss://x"}}`)
	images, err := ota.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	env, _ := newActivationEnv(t, srv, func(c *Config) { c.Images = images })
	assets := settings.New(env.app.store, assetsNamespace)
	assets.SetString("download_url", srv.URL+"/assets.bin")

	env.app.activationTask()

	ok, err := images.Exists(context.Background(), "assets.bin")
	if err != nil || !ok {
		t.Errorf("assets.bin exists = %v, %v; want true", ok, err)
	}
	if assets.Has("download_url") {
		t.Error("download_url not erased")
	}
	if got := env.screen.State().Emotion; got != emotionReady {
		t.Errorf("emotion = %q; want %q", got, emotionReady)
	}
	if got := env.app.State(); got != devicestate.Activating {
		t.Errorf("state = %v; want %v", got, devicestate.Activating)
	}

	// Assets are checked once per boot.
	assets.SetString("download_url", srv.URL+"/assets.bin")
	env.app.checkAssetsVersion()
	if !assets.Has("download_url") {
		t.Error("assets checked twice")
	}
}

func TestActivation_AssetsFailure(t *testing.T) {
	srv := newOTAServer(t, `{"websocket":{"url":"wss://x"}}`)
	env, _ := newActivationEnv(t, srv)
	settings.New(env.app.store, assetsNamespace).SetString("download_url", srv.URL+"/missing.bin")

	env.app.checkAssetsVersion()

	if got := env.app.State(); got != devicestate.Activating {
		t.Errorf("state = %v; want %v", got, devicestate.Activating)
	}
	if got := env.screen.State().Chat.Content; got != textDownloadAssetsError {
		t.Errorf("chat = %q; want %q", got, textDownloadAssetsError)
	}
}

func TestInitialize_ActivatesOnNetwork(t *testing.T) {
	srv := newOTAServer(t, `{"websocket":{"url":"wss://x"}}`)
	env := newTestEnv(t, func(c *Config) { c.OTAURL = srv.URL + "/ota/" })

	env.app.Initialize()
	if got := env.screen.State().History[0].Content; got != "gearsim/1.0.0" {
		t.Errorf("first chat line = %q; want the user agent", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- env.app.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for env.app.State() != devicestate.Idle && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := env.app.State(); got != devicestate.Idle {
		t.Fatalf("state = %v; want %v", got, devicestate.Idle)
	}
	if env.app.Protocol() == nil {
		t.Error("protocol not initialized")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v; want context.Canceled", err)
	}
}

func TestActivation_UnreachableBroker(t *testing.T) {
	srv := newOTAServer(t, `{"mqtt":{"endpoint":"mqtt.example.com:8883","client_id":"c"}}`)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	endpoint := "mqtt://" + l.Addr().String()
	l.Close()

	env, _ := newActivationEnv(t, srv, func(c *Config) {
		c.NewProtocol = func(Transport) protocol.Protocol {
			m := protocol.NewMQTT(protocol.MQTTConfig{
				Endpoint:       endpoint,
				ClientID:       "dev-1",
				DeviceID:       "dev-1",
				ConnectTimeout: 200 * time.Millisecond,
				Logger:         discardLogger(),
			})
			t.Cleanup(func() { m.Close() })
			return m
		}
	})

	done := make(chan struct{})
	go func() {
		env.app.activationTask()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("activation blocked on an unreachable broker")
	}

	if !env.app.loop.Group().Pending().Has(eventloop.ActivationDone) {
		t.Fatal("ActivationDone not raised")
	}
	env.pump(t)
	if got := env.app.State(); got != devicestate.Idle {
		t.Errorf("state = %v; want %v", got, devicestate.Idle)
	}
}
