// Package hub is a client for SignalR hubs using the JSON hub protocol over
// WebSocket, plus a ReconnectManager that keeps the connection up with
// exponential backoff.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// recordSeparator terminates every hub protocol record.
const recordSeparator = 0x1e

// Hub protocol message types.
const (
	typeInvocation = 1
	typeCompletion = 3
	typePing       = 6
	typeClose      = 7
)

// CustomMessageTarget is the hub method the server uses to push device
// messages.
const CustomMessageTarget = "CustomMessage"

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultKeepAlive        = 15 * time.Second
)

var (
	ErrNotConnected = errors.New("hub: not connected")
	ErrHandshake    = errors.New("hub: handshake failed")
)

// ConnectionState is the client connection state.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Config configures a Client.
type Config struct {
	// URL of the hub, http(s) or ws(s).
	URL string
	// Token is sent as access_token query and Bearer authorization.
	Token string

	HandshakeTimeout time.Duration
	// KeepAlive is the interval of client pings. Defaults to 15s.
	KeepAlive time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Handler receives the arguments of a server invocation.
type Handler func(args []json.RawMessage)

type completion struct {
	result json.RawMessage
	err    error
}

// Client is a hub connection. Handlers registered with On survive
// reconnects.
type Client struct {
	cfg    Config
	logger *slog.Logger

	state   atomic.Int32
	closing atomic.Bool

	mu             sync.Mutex
	conn           *websocket.Conn
	done           chan struct{}
	handlers       map[string]Handler
	pending        map[string]chan completion
	lastErr        string
	onStateChanged func(connected bool, err string)

	writeMu sync.Mutex
}

// New creates a disconnected client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
		pending:  make(map[string]chan completion),
	}
}

// On registers the handler for target, replacing any previous one.
func (c *Client) On(target string, h Handler) {
	c.mu.Lock()
	c.handlers[strings.ToLower(target)] = h
	c.mu.Unlock()
}

// OnCustomMessage registers fn for CustomMessage invocations. The first
// argument is a JSON document encoded as a string; fn receives the decoded
// document.
func (c *Client) OnCustomMessage(fn func(payload json.RawMessage)) {
	c.On(CustomMessageTarget, func(args []json.RawMessage) {
		if len(args) == 0 {
			c.logger.Warn("hub: empty custom message")
			return
		}
		arg := gjson.ParseBytes(args[0])
		if arg.Type == gjson.String {
			fn(json.RawMessage(arg.Str))
			return
		}
		fn(args[0])
	})
}

// OnStateChanged registers fn for connection changes. fn runs on the
// receive goroutine and must not block.
func (c *Client) OnStateChanged(fn func(connected bool, err string)) {
	c.mu.Lock()
	c.onStateChanged = fn
	c.mu.Unlock()
}

// ConnectionState reports the current state.
func (c *Client) ConnectionState() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsConnected reports whether the handshake completed and the connection
// is up.
func (c *Client) IsConnected() bool {
	return c.ConnectionState() == Connected
}

// LastError returns the message of the last connection failure.
func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Client) setLastError(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

func (c *Client) notify(connected bool, msg string) {
	c.mu.Lock()
	fn := c.onStateChanged
	c.mu.Unlock()
	if fn != nil {
		fn(connected, msg)
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("access_token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect dials the hub and performs the protocol handshake. It is a no-op
// when already connected.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		if c.IsConnected() {
			return nil
		}
		return errors.New("hub: connect in progress")
	}
	conn, err := c.dial(ctx)
	if err != nil {
		c.state.Store(int32(Disconnected))
		c.setLastError(err)
		c.logger.Error("hub: connection failed", "error", err)
		c.notify(false, err.Error())
		return err
	}

	done := make(chan struct{})
	c.closing.Store(false)
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.mu.Unlock()
	c.state.Store(int32(Connected))
	c.logger.Info("hub: connected", "url", c.cfg.URL)

	go c.readLoop(conn, done)
	go c.keepAlive(conn, done)
	c.notify(true, "")
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, fmt.Errorf("hub: invalid url: %w", err)
	}
	h := http.Header{}
	if tok := c.cfg.Token; tok != "" {
		if !strings.HasPrefix(strings.ToLower(tok), "bearer ") {
			tok = "Bearer " + tok
		}
		h.Set("Authorization", tok)
	}
	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, h)
	if err != nil {
		return nil, fmt.Errorf("hub: dial: %w", err)
	}

	timeout := c.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	conn.SetWriteDeadline(time.Now().Add(timeout))
	conn.SetReadDeadline(time.Now().Add(timeout))
	hs := append([]byte(`{"protocol":"json","version":1}`), recordSeparator)
	if err := conn.WriteMessage(websocket.TextMessage, hs); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hub: handshake: %w", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("hub: handshake: %w", err)
	}
	resp, _, _ := bytes.Cut(data, []byte{recordSeparator})
	if e := gjson.GetBytes(resp, "error"); e.Exists() {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrHandshake, e.String())
	}
	conn.SetWriteDeadline(time.Time{})
	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	var closeErr error
	defer func() {
		c.teardown(conn, done, closeErr)
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeErr = err
			return
		}
		for rec := range bytes.SplitSeq(data, []byte{recordSeparator}) {
			if len(rec) == 0 {
				continue
			}
			if stop, err := c.handleRecord(rec); stop {
				closeErr = err
				return
			}
		}
	}
}

// handleRecord processes one record and reports whether the server closed
// the connection.
func (c *Client) handleRecord(rec []byte) (bool, error) {
	r := gjson.ParseBytes(rec)
	switch r.Get("type").Int() {
	case typeInvocation:
		target := r.Get("target").String()
		c.mu.Lock()
		h := c.handlers[strings.ToLower(target)]
		c.mu.Unlock()
		if h == nil {
			c.logger.Warn("hub: no handler for target", "target", target)
			return false, nil
		}
		var args []json.RawMessage
		for _, a := range r.Get("arguments").Array() {
			args = append(args, json.RawMessage(a.Raw))
		}
		h(args)
	case typeCompletion:
		id := r.Get("invocationId").String()
		c.mu.Lock()
		ch := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ch == nil {
			return false, nil
		}
		if e := r.Get("error"); e.Exists() {
			ch <- completion{err: errors.New(e.String())}
		} else {
			ch <- completion{result: json.RawMessage(r.Get("result").Raw)}
		}
	case typePing:
	case typeClose:
		msg := r.Get("error").String()
		if msg == "" {
			return true, nil
		}
		return true, fmt.Errorf("hub: server closed: %s", msg)
	default:
		c.logger.Debug("hub: ignored record", "type", r.Get("type").Int())
	}
	return false, nil
}

func (c *Client) teardown(conn *websocket.Conn, done chan struct{}, err error) {
	conn.Close()
	if c.closing.Load() {
		err = nil
	}
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	close(done)
	pending := c.pending
	c.pending = make(map[string]chan completion)
	if err != nil {
		c.lastErr = err.Error()
	}
	c.mu.Unlock()
	c.state.Store(int32(Disconnected))

	for _, ch := range pending {
		ch <- completion{err: ErrNotConnected}
	}
	msg := ""
	if err != nil {
		msg = err.Error()
		c.logger.Warn("hub: disconnected", "error", err)
	} else {
		c.logger.Info("hub: disconnected")
	}
	c.notify(false, msg)
}

func (c *Client) keepAlive(conn *websocket.Conn, done chan struct{}) {
	interval := c.cfg.KeepAlive
	if interval <= 0 {
		interval = defaultKeepAlive
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.write(conn, map[string]any{"type": typePing}); err != nil {
				c.logger.Warn("hub: ping", "error", err)
				return
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, recordSeparator)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

type invocation struct {
	Type         int    `json:"type"`
	InvocationID string `json:"invocationId,omitempty"`
	Target       string `json:"target"`
	Arguments    []any  `json:"arguments"`
}

// Send invokes target without waiting for a result.
func (c *Client) Send(ctx context.Context, target string, args ...any) error {
	conn := c.current()
	if conn == nil || !c.IsConnected() {
		return ErrNotConnected
	}
	if args == nil {
		args = []any{}
	}
	return c.write(conn, invocation{Type: typeInvocation, Target: target, Arguments: args})
}

// Invoke calls target and waits for its completion.
func (c *Client) Invoke(ctx context.Context, target string, args ...any) (json.RawMessage, error) {
	conn := c.current()
	if conn == nil || !c.IsConnected() {
		return nil, ErrNotConnected
	}
	if args == nil {
		args = []any{}
	}
	id := uuid.NewString()
	ch := make(chan completion, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	err := c.write(conn, invocation{Type: typeInvocation, InvocationID: id, Target: target, Arguments: args})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("hub: invoke %s: %w", target, err)
	}
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("hub: invoke %s: %w", target, res.err)
		}
		return res.result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Disconnect closes the connection. OnStateChanged fires from the receive
// goroutine.
func (c *Client) Disconnect() {
	conn := c.current()
	if conn == nil {
		return
	}
	c.logger.Info("hub: disconnecting")
	c.closing.Store(true)
	_ = c.write(conn, map[string]any{"type": typeClose})
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	conn.Close()
}
