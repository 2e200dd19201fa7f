// Package ota talks to the device management server: version check,
// activation, and firmware and asset download.
package ota

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haivivi/gearfw/pkg/deviceinfo"
	"github.com/haivivi/gearfw/pkg/settings"
)

// Sentinel errors.
var (
	ErrActivationTimeout = errors.New("ota: activation pending")
	ErrNotFound          = errors.New("ota: not found")
	ErrTooLarge          = errors.New("ota: object too large")
	ErrNoURL             = errors.New("ota: check version url not configured")
)

// Firmware describes the firmware the server offers.
type Firmware struct {
	Version string `json:"version"`
	URL     string `json:"url"`
	Force   int    `json:"force,omitempty"`
}

// Activation is the pending activation the server asks for.
type Activation struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Challenge string `json:"challenge"`
	TimeoutMs int    `json:"timeout_ms"`
}

// MQTTConfig is the broker the server assigns.
type MQTTConfig struct {
	Endpoint       string `json:"endpoint"`
	ClientID       string `json:"client_id"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	PublishTopic   string `json:"publish_topic"`
	SubscribeTopic string `json:"subscribe_topic"`
	KeepAlive      int    `json:"keepalive,omitempty"`
}

// WebSocketConfig is the conversation endpoint the server assigns.
type WebSocketConfig struct {
	URL     string `json:"url"`
	Token   string `json:"token"`
	Version int    `json:"version,omitempty"`
}

// ServerTime is the server clock at response time.
type ServerTime struct {
	Timestamp      int64 `json:"timestamp"`
	TimezoneOffset int   `json:"timezone_offset"`
}

// CheckResult is the version check response.
type CheckResult struct {
	Firmware   *Firmware        `json:"firmware,omitempty"`
	Activation *Activation      `json:"activation,omitempty"`
	MQTT       *MQTTConfig      `json:"mqtt,omitempty"`
	WebSocket  *WebSocketConfig `json:"websocket,omitempty"`
	ServerTime *ServerTime      `json:"server_time,omitempty"`
}

// Settings namespaces the version check writes.
const (
	MQTTNamespace      = "mqtt"
	WebSocketNamespace = "websocket"
)

// Client is the OTA client of one device.
type Client struct {
	CheckVersionURL string
	HTTPClient      *http.Client
	Info            *deviceinfo.Info
	// Fetcher downloads images. Defaults to a MuxFetcher with HTTP only.
	Fetcher Fetcher
	// Store receives the protocol configs from the version check.
	Store settings.Store
	// SerialNumber and HMACKey answer activation challenges.
	SerialNumber string
	HMACKey      []byte
	Logger       *slog.Logger

	mu        sync.Mutex
	result    CheckResult
	valid     bool
	timeDelta time.Duration
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) fetcher() Fetcher {
	if c.Fetcher != nil {
		return c.Fetcher
	}
	ua := ""
	if c.Info != nil {
		ua = c.Info.UserAgent()
	}
	return &MuxFetcher{HTTP: &HTTPFetcher{Client: c.HTTPClient, UserAgent: ua}}
}

func (c *Client) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Activation-Version", c.activationVersion())
	if c.Info != nil {
		req.Header.Set("Device-Id", c.Info.MACAddress)
		req.Header.Set("Client-Id", c.Info.UUID)
		req.Header.Set("User-Agent", c.Info.UserAgent())
		req.Header.Set("Accept-Language", c.Info.Language)
	}
	if c.SerialNumber != "" {
		req.Header.Set("Serial-Number", c.SerialNumber)
	}
	return req, nil
}

func (c *Client) activationVersion() string {
	if c.SerialNumber != "" {
		return "2"
	}
	return "1"
}

// CheckVersion posts the device description and records the response.
// Protocol configs in the response are written to the mqtt and websocket
// settings namespaces.
func (c *Client) CheckVersion(ctx context.Context) error {
	if c.CheckVersionURL == "" {
		return ErrNoURL
	}
	var body []byte
	if c.Info != nil {
		body = c.Info.SystemInfoJSON()
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.CheckVersionURL, body)
	if err != nil {
		return fmt.Errorf("ota: check version: %w", err)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("ota: check version: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ota: check version: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ota: check version: http status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	var result CheckResult
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("ota: check version: decode: %w", err)
	}

	if err := c.saveProtocolConfigs(&result); err != nil {
		return fmt.Errorf("ota: check version: %w", err)
	}
	c.mu.Lock()
	c.result = result
	if st := result.ServerTime; st != nil && st.Timestamp > 0 {
		server := time.UnixMilli(st.Timestamp).Add(time.Duration(st.TimezoneOffset) * time.Minute)
		c.timeDelta = time.Until(server)
	}
	c.mu.Unlock()

	c.logger().Info("ota: version checked",
		"current", c.CurrentVersion(),
		"latest", c.FirmwareVersion(),
		"activation", c.HasActivationCode() || c.HasActivationChallenge())
	return nil
}

func (c *Client) saveProtocolConfigs(r *CheckResult) error {
	if c.Store == nil {
		return nil
	}
	if m := r.MQTT; m != nil {
		s := settings.New(c.Store, MQTTNamespace)
		for k, v := range map[string]string{
			"endpoint":        m.Endpoint,
			"client_id":       m.ClientID,
			"username":        m.Username,
			"password":        m.Password,
			"publish_topic":   m.PublishTopic,
			"subscribe_topic": m.SubscribeTopic,
		} {
			if err := s.SetString(k, v); err != nil {
				return err
			}
		}
		if m.KeepAlive > 0 {
			if err := s.SetInt("keepalive", int64(m.KeepAlive)); err != nil {
				return err
			}
		}
	}
	if w := r.WebSocket; w != nil {
		s := settings.New(c.Store, WebSocketNamespace)
		if err := s.SetString("url", w.URL); err != nil {
			return err
		}
		if err := s.SetString("token", w.Token); err != nil {
			return err
		}
		if w.Version > 0 {
			if err := s.SetInt("version", int64(w.Version)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Result returns a copy of the last version check response.
func (c *Client) Result() CheckResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

func (c *Client) CurrentVersion() string {
	if c.Info == nil {
		return ""
	}
	return c.Info.FirmwareVersion
}

func (c *Client) FirmwareVersion() string {
	if fw := c.Result().Firmware; fw != nil {
		return fw.Version
	}
	return ""
}

func (c *Client) FirmwareURL() string {
	if fw := c.Result().Firmware; fw != nil {
		return fw.URL
	}
	return ""
}

// HasNewVersion reports whether the server offers a newer firmware, or any
// different firmware when forced.
func (c *Client) HasNewVersion() bool {
	fw := c.Result().Firmware
	if fw == nil || fw.URL == "" || fw.Version == "" {
		return false
	}
	if fw.Force == 1 {
		return fw.Version != c.CurrentVersion()
	}
	return CompareVersions(c.CurrentVersion(), fw.Version) < 0
}

func (c *Client) HasActivationCode() bool {
	a := c.Result().Activation
	return a != nil && a.Code != ""
}

func (c *Client) HasActivationChallenge() bool {
	a := c.Result().Activation
	return a != nil && a.Challenge != ""
}

func (c *Client) ActivationCode() string {
	if a := c.Result().Activation; a != nil {
		return a.Code
	}
	return ""
}

func (c *Client) ActivationMessage() string {
	if a := c.Result().Activation; a != nil {
		return a.Message
	}
	return ""
}

func (c *Client) HasMqttConfig() bool      { return c.Result().MQTT != nil }
func (c *Client) HasWebsocketConfig() bool { return c.Result().WebSocket != nil }
func (c *Client) HasServerTime() bool      { return c.Result().ServerTime != nil }

// ServerNow returns the local clock corrected by the last server time.
func (c *Client) ServerNow() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.timeDelta)
}

// MarkCurrentVersionValid confirms the running firmware so it is not rolled
// back on the next boot.
func (c *Client) MarkCurrentVersionValid() {
	c.mu.Lock()
	already := c.valid
	c.valid = true
	c.mu.Unlock()
	if !already {
		c.logger().Info("ota: running firmware marked valid", "version", c.CurrentVersion())
	}
}

// IsCurrentVersionValid reports whether MarkCurrentVersionValid was called.
func (c *Client) IsCurrentVersionValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}

func (c *Client) activationPayload() []byte {
	challenge := ""
	if a := c.Result().Activation; a != nil {
		challenge = a.Challenge
	}
	if c.SerialNumber == "" {
		return []byte("{}")
	}
	mac := hmac.New(sha256.New, c.HMACKey)
	mac.Write([]byte(challenge))
	payload := map[string]string{
		"algorithm":     "hmac-sha256",
		"serial_number": c.SerialNumber,
		"challenge":     challenge,
		"hmac":          hex.EncodeToString(mac.Sum(nil)),
	}
	b, _ := json.Marshal(payload)
	return b
}

// Activate answers the activation challenge. ErrActivationTimeout means the
// user has not confirmed the code yet; call again.
func (c *Client) Activate(ctx context.Context) error {
	if !c.HasActivationChallenge() {
		return nil
	}
	url := strings.TrimSuffix(c.CheckVersionURL, "/") + "/activate"
	req, err := c.newRequest(ctx, http.MethodPost, url, c.activationPayload())
	if err != nil {
		return fmt.Errorf("ota: activate: %w", err)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("ota: activate: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		c.logger().Info("ota: activated")
		return nil
	case http.StatusAccepted:
		return ErrActivationTimeout
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ota: activate: http status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
}

// Progress reports download progress: percent complete (or -1 when the
// size is unknown) and the recent transfer rate.
type Progress func(percent int, bytesPerSecond int64)

// Upgrade downloads rawURL into dst, reporting progress about once a
// second. It returns the number of bytes written.
func (c *Client) Upgrade(ctx context.Context, rawURL string, dst io.Writer, progress Progress) (int64, error) {
	return Copy(ctx, c.fetcher(), rawURL, dst, progress)
}

// Download fetches rawURL with the client's fetcher.
func (c *Client) Download(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	return Download(ctx, c.fetcher(), rawURL, limit)
}

// Copy streams rawURL into dst with progress reports.
func Copy(ctx context.Context, f Fetcher, rawURL string, dst io.Writer, progress Progress) (int64, error) {
	body, size, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	buf := make([]byte, 32*1024)
	var total, window int64
	last := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("ota: write image: %w", err)
			}
			total += int64(n)
			window += int64(n)
		}
		if now := time.Now(); progress != nil && (now.Sub(last) >= time.Second || rerr == io.EOF) {
			percent := -1
			if size > 0 {
				percent = int(total * 100 / size)
			}
			elapsed := max(now.Sub(last), time.Millisecond)
			progress(percent, window*int64(time.Second)/int64(elapsed))
			last, window = now, 0
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return total, fmt.Errorf("ota: read image: %w", rerr)
		}
	}
	if size > 0 && total != size {
		return total, fmt.Errorf("ota: image truncated: got %d of %d bytes", total, size)
	}
	return total, nil
}

// CompareVersions compares dotted numeric versions. Missing or non-numeric
// components count as zero.
func CompareVersions(a, b string) int {
	pa := strings.Split(strings.TrimPrefix(a, "v"), ".")
	pb := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < max(len(pa), len(pb)); i++ {
		var x, y int
		if i < len(pa) {
			x, _ = strconv.Atoi(pa[i])
		}
		if i < len(pb) {
			y, _ = strconv.Atoi(pb[i])
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}
