package protocol

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

const (
	defaultMQTTScope         = "gear"
	defaultConnectTimeout    = 10 * time.Second
	defaultConnectRetryDelay = 3 * time.Second
	audioFrameHeaderSize     = 4
	publishTimeout           = 5 * time.Second
)

// MQTTConfig configures an MQTT binding.
type MQTTConfig struct {
	// Endpoint is the broker URL, e.g. mqtt://host:1883 or mqtts://host:8883.
	Endpoint string
	ClientID string
	Username string
	Password string

	// Scope prefixes every topic. Defaults to "gear".
	Scope    string
	DeviceID string

	// PublishTopic and SubscribeTopic override the control and server topics.
	PublishTopic   string
	SubscribeTopic string

	// KeepAlive in seconds. Defaults to 20.
	KeepAlive      int
	ConnectTimeout time.Duration
	HelloTimeout   time.Duration

	AudioParams *AudioParams
	TLSConfig   *tls.Config
	Logger      *slog.Logger
}

// Topics are the four topics a device uses.
type Topics struct {
	Control     string // JSON, device to server
	Server      string // JSON, server to device
	InputAudio  string // audio, device to server
	OutputAudio string // audio, server to device
}

// Topics derives the topic set from the config.
func (c MQTTConfig) Topics() Topics {
	scope := c.Scope
	if scope == "" {
		scope = defaultMQTTScope
	}
	base := fmt.Sprintf("%s/device/%s", scope, c.DeviceID)
	t := Topics{
		Control:     base + "/control",
		Server:      base + "/server",
		InputAudio:  base + "/input_audio_stream",
		OutputAudio: base + "/output_audio_stream",
	}
	if c.PublishTopic != "" {
		t.Control = c.PublishTopic
	}
	if c.SubscribeTopic != "" {
		t.Server = c.SubscribeTopic
	}
	return t
}

// MQTT is a Protocol over an MQTT broker connection. The broker connection is
// kept for the life of the binding; audio channels are opened and closed with
// hello and goodbye messages on the control topic.
type MQTT struct {
	session
	cfg    MQTTConfig
	topics Topics

	mu     sync.Mutex
	cm     *autopaho.ConnectionManager
	cancel context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
	hello     chan struct{}
	connected atomic.Bool
	opened    atomic.Bool
}

var _ Protocol = (*MQTT)(nil)

// NewMQTT creates an MQTT binding. Call Start to connect.
func NewMQTT(cfg MQTTConfig) *MQTT {
	m := &MQTT{
		cfg:    cfg,
		topics: cfg.Topics(),
		ready:  make(chan struct{}),
		hello:  make(chan struct{}, 1),
	}
	m.init(cfg.Logger)
	return m
}

// Start connects to the broker and subscribes to the downlink topics. It
// returns once the subscriptions are in place or ctx is done.
func (m *MQTT) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cm != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if m.cfg.Endpoint == "" {
		m.setError("server not found")
		return fmt.Errorf("protocol: mqtt endpoint not specified")
	}
	u, err := url.Parse(m.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("protocol: parse mqtt endpoint: %w", err)
	}
	keepAlive := m.cfg.KeepAlive
	if keepAlive == 0 {
		keepAlive = 20
	}
	connectTimeout := m.cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = defaultConnectTimeout
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     uint16(keepAlive),
		CleanStartOnInitialConnection: true,
		ConnectRetryDelay:             defaultConnectRetryDelay,
		ConnectTimeout:                connectTimeout,
		TlsCfg:                        m.cfg.TLSConfig,
		ConnectPacketBuilder: func(pc *paho.Connect, _ *url.URL) (*paho.Connect, error) {
			if m.cfg.Username == "" {
				return pc, nil
			}
			pc.UsernameFlag = true
			pc.Username = m.cfg.Username
			if m.cfg.Password != "" {
				pc.PasswordFlag = true
				pc.Password = []byte(m.cfg.Password)
			}
			return pc, nil
		},
		OnConnectionUp: m.onConnectionUp,
		OnConnectError: func(err error) {
			m.logger.Warn("protocol: mqtt connect", "endpoint", m.cfg.Endpoint, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					m.handlePublish(pr.Packet)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				m.connected.Store(false)
				m.logger.Warn("protocol: mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				m.connected.Store(false)
				m.logger.Warn("protocol: mqtt server disconnect", "reason", d.ReasonCode)
			},
		},
	}

	cmCtx, cancel := context.WithCancel(context.Background())
	cm, err := autopaho.NewConnection(cmCtx, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("protocol: mqtt connect: %w", err)
	}
	m.mu.Lock()
	m.cm = cm
	m.cancel = cancel
	m.mu.Unlock()

	// The connection manager keeps retrying in the background; Start only
	// waits for the first attempt.
	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	select {
	case <-m.ready:
		return nil
	case <-timer.C:
		m.logger.Warn("protocol: mqtt server not connected", "endpoint", m.cfg.Endpoint, "timeout", connectTimeout)
		return fmt.Errorf("protocol: mqtt connect: %w", ErrNotConnected)
	case <-ctx.Done():
		m.setError("server not connected")
		return fmt.Errorf("protocol: mqtt connect: %w", ctx.Err())
	}
}

func (m *MQTT) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: m.topics.Server, QoS: 1},
			{Topic: m.topics.OutputAudio, QoS: 0},
		},
	})
	if err != nil {
		m.logger.Error("protocol: mqtt subscribe", "error", err)
		return
	}
	m.connected.Store(true)
	m.logger.Info("protocol: mqtt connected", "endpoint", m.cfg.Endpoint)
	m.readyOnce.Do(func() { close(m.ready) })
	if fn := m.callbacks().OnConnected; fn != nil {
		fn()
	}
}

func (m *MQTT) handlePublish(p *paho.Publish) {
	m.touch()
	switch p.Topic {
	case m.topics.Server:
		switch typeOf(p.Payload) {
		case "hello":
			m.applyServerHello(p.Payload)
			select {
			case m.hello <- struct{}{}:
			default:
			}
		case "goodbye":
			sid := gjsonString(p.Payload, "session_id")
			if sid == "" || sid == m.SessionID() {
				m.logger.Info("protocol: server goodbye", "session_id", sid)
				m.closeLocal()
			}
		default:
			m.dispatchJSON(p.Payload)
		}
	case m.topics.OutputAudio:
		if !m.opened.Load() {
			return
		}
		ts, payload, err := decodeAudioFrame(p.Payload)
		if err != nil {
			m.logger.Warn("protocol: bad audio frame", "error", err)
			return
		}
		if fn := m.callbacks().OnIncomingAudio; fn != nil {
			fn(m.incomingPacket(payload, ts))
		}
	}
}

func (m *MQTT) connection() *autopaho.ConnectionManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cm
}

func (m *MQTT) publish(topic string, payload []byte, qos byte) error {
	cm := m.connection()
	if cm == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     qos,
		Payload: payload,
	})
	return err
}

// OpenAudioChannel implements Protocol.
func (m *MQTT) OpenAudioChannel(ctx context.Context) bool {
	timeout := m.cfg.HelloTimeout
	if timeout <= 0 {
		timeout = defaultHelloTimeout
	}
	cm := m.connection()
	if cm == nil {
		m.setError("server not connected")
		return false
	}
	if !m.connected.Load() {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		err := cm.AwaitConnection(waitCtx)
		cancel()
		if err != nil {
			m.logger.Error("protocol: mqtt not connected", "error", err)
			m.setError("server not connected")
			return false
		}
	}

	m.errorOccurred.Store(false)
	select {
	case <-m.hello:
	default:
	}
	params := DefaultAudioParams
	if m.cfg.AudioParams != nil {
		params = *m.cfg.AudioParams
	}
	if err := m.publish(m.topics.Control, helloMessage("mqtt", params), 0); err != nil {
		m.logger.Error("protocol: send hello", "error", err)
		m.setError("server error")
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-m.hello:
	case <-timer.C:
		m.logger.Error("protocol: server hello timeout")
		m.setError("server timeout")
		return false
	case <-ctx.Done():
		return false
	}

	m.touch()
	m.opened.Store(true)
	if fn := m.callbacks().OnAudioChannelOpened; fn != nil {
		fn()
	}
	return true
}

func (m *MQTT) closeLocal() bool {
	if !m.opened.Swap(false) {
		return false
	}
	if fn := m.callbacks().OnAudioChannelClosed; fn != nil {
		fn()
	}
	return true
}

// CloseAudioChannel implements Protocol.
func (m *MQTT) CloseAudioChannel() {
	if !m.opened.Load() {
		return
	}
	if err := m.publish(m.topics.Control, m.message("goodbye"), 0); err != nil {
		m.logger.Warn("protocol: send goodbye", "error", err)
	}
	m.closeLocal()
}

// IsAudioChannelOpened implements Protocol.
func (m *MQTT) IsAudioChannelOpened() bool {
	return m.opened.Load() && !m.errorOccurred.Load() && !m.timedOut()
}

// SendAudio implements Protocol.
func (m *MQTT) SendAudio(packet *AudioPacket) bool {
	if !m.opened.Load() {
		return false
	}
	if err := m.publish(m.topics.InputAudio, encodeAudioFrame(packet), 0); err != nil {
		m.logger.Warn("protocol: send audio", "error", err)
		return false
	}
	return true
}

func (m *MQTT) sendText(msg []byte) bool {
	if err := m.publish(m.topics.Control, msg, 0); err != nil {
		m.logger.Error("protocol: publish", "topic", m.topics.Control, "error", err)
		m.setError("server error")
		return false
	}
	return true
}

func (m *MQTT) SendStartListening(mode ListeningMode) {
	m.sendText(m.startListeningMessage(mode))
}

func (m *MQTT) SendStopListening() {
	m.sendText(m.stopListeningMessage())
}

func (m *MQTT) SendAbortSpeaking(reason AbortReason) {
	m.sendText(m.abortMessage(reason))
}

func (m *MQTT) SendWakeWordDetected(wakeWord string) {
	m.sendText(m.wakeWordMessage(wakeWord))
}

func (m *MQTT) SendMcpMessage(payload json.RawMessage) {
	m.sendText(m.mcpMessage(payload))
}

// Close implements Protocol.
func (m *MQTT) Close() error {
	m.CloseAudioChannel()
	m.mu.Lock()
	cm, cancel := m.cm, m.cancel
	m.cm, m.cancel = nil, nil
	m.mu.Unlock()
	if cm == nil {
		return nil
	}
	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	err := cm.Disconnect(ctx)
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("protocol: mqtt disconnect: %w", err)
	}
	return nil
}

// Audio frames on the audio topics carry a 4-byte big-endian timestamp
// followed by the encoded payload.
func encodeAudioFrame(p *AudioPacket) []byte {
	b := make([]byte, audioFrameHeaderSize+len(p.Payload))
	binary.BigEndian.PutUint32(b, p.Timestamp)
	copy(b[audioFrameHeaderSize:], p.Payload)
	return b
}

func decodeAudioFrame(b []byte) (uint32, []byte, error) {
	if len(b) < audioFrameHeaderSize {
		return 0, nil, fmt.Errorf("protocol: audio frame too short (%d bytes)", len(b))
	}
	return binary.BigEndian.Uint32(b), b[audioFrameHeaderSize:], nil
}
