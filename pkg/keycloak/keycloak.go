// Package keycloak implements the OAuth2 device authorization grant against
// a Keycloak realm, with token refresh and persistence in device settings.
package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/haivivi/gearfw/pkg/settings"
)

// Namespace is the settings namespace holding the tokens and the server
// configuration.
const Namespace = "keycloak"

// Defaults used when the settings carry no server configuration.
const (
	DefaultServerURL = "https://auth.verdure-hiro.cn/"
	DefaultRealm     = "maker-community"
	DefaultClientID  = "verdure-assistant"
)

// refreshMargin is how long before expiry an access token is refreshed.
const refreshMargin = 60 * time.Second

var (
	// ErrAuthorizationPending is returned by PollToken while the user has not
	// completed the authorization yet (authorization_pending or slow_down).
	ErrAuthorizationPending = errors.New("keycloak: authorization pending")
	// ErrLoginTimeout is returned by Login when the device code expires.
	ErrLoginTimeout = errors.New("keycloak: login timeout")
	// ErrNoRefreshToken is returned by RefreshToken without a stored refresh token.
	ErrNoRefreshToken = errors.New("keycloak: no refresh token")
)

// DeviceCode is the device authorization response.
type DeviceCode struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// DisplayURI prefers the complete URI, which embeds the user code.
func (d *DeviceCode) DisplayURI() string {
	if d.VerificationURIComplete != "" {
		return d.VerificationURIComplete
	}
	return d.VerificationURI
}

// TokenResponse is a token endpoint response.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshExpiresIn int    `json:"refresh_expires_in,omitempty"`
}

type tokenError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// Tokens is the persisted token state.
type Tokens struct {
	AccessToken    string
	RefreshToken   string
	AccessExpires  time.Time
	RefreshExpires time.Time
}

// Client talks to one realm. Tokens are loaded lazily from Store.
type Client struct {
	ServerURL  string
	Realm      string
	ClientID   string
	HTTPClient *http.Client
	Store      *settings.Settings
	Logger     *slog.Logger

	// Interval overrides the server polling interval of Login when positive.
	Interval time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	mu     sync.Mutex
	loaded bool
	tokens Tokens
}

// FromSettings builds a client from the server_url, realm and client_id keys
// of s, falling back to the defaults.
func FromSettings(s *settings.Settings) *Client {
	return &Client{
		ServerURL: s.GetString("server_url", DefaultServerURL),
		Realm:     s.GetString("realm", DefaultRealm),
		ClientID:  s.GetString("client_id", DefaultClientID),
		Store:     s,
	}
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
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.ServerURL, "/") + "/realms/" + url.PathEscape(c.Realm) + "/protocol/openid-connect/" + path
}

// DeviceAuthURL is the device authorization endpoint.
func (c *Client) DeviceAuthURL() string { return c.endpoint("auth/device") }

// TokenURL is the token endpoint.
func (c *Client) TokenURL() string { return c.endpoint("token") }

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// RequestDeviceCode starts a device authorization.
func (c *Client) RequestDeviceCode(ctx context.Context) (*DeviceCode, error) {
	status, body, err := c.postForm(ctx, c.DeviceAuthURL(), url.Values{"client_id": {c.ClientID}})
	if err != nil {
		return nil, fmt.Errorf("keycloak: device code: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("keycloak: device code: status %d", status)
	}
	var dc DeviceCode
	if err := json.Unmarshal(body, &dc); err != nil {
		return nil, fmt.Errorf("keycloak: device code: %w", err)
	}
	if dc.DeviceCode == "" || dc.UserCode == "" || dc.VerificationURI == "" || dc.ExpiresIn == 0 {
		return nil, errors.New("keycloak: device code: missing required fields")
	}
	if dc.Interval <= 0 {
		dc.Interval = 5
	}
	return &dc, nil
}

// PollToken asks once whether the user finished authorizing deviceCode.
func (c *Client) PollToken(ctx context.Context, deviceCode string) (*TokenResponse, error) {
	status, body, err := c.postForm(ctx, c.TokenURL(), url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"client_id":   {c.ClientID},
		"device_code": {deviceCode},
	})
	if err != nil {
		return nil, fmt.Errorf("keycloak: poll token: %w", err)
	}
	if status == http.StatusBadRequest {
		var te tokenError
		if json.Unmarshal(body, &te) == nil {
			switch te.Error {
			case "authorization_pending":
				return nil, ErrAuthorizationPending
			case "slow_down":
				c.logger().Warn("keycloak: polling too fast")
				return nil, ErrAuthorizationPending
			}
			if te.Error != "" {
				return nil, fmt.Errorf("keycloak: poll token: %s: %s", te.Error, te.Description)
			}
		}
		return nil, fmt.Errorf("keycloak: poll token: status %d", status)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("keycloak: poll token: status %d", status)
	}
	return parseToken(body)
}

func parseToken(body []byte) (*TokenResponse, error) {
	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("keycloak: token response: %w", err)
	}
	if tr.AccessToken == "" || tr.TokenType == "" || tr.ExpiresIn == 0 {
		return nil, errors.New("keycloak: token response: missing required fields")
	}
	return &tr, nil
}

// RefreshToken exchanges the stored refresh token and saves the result.
func (c *Client) RefreshToken(ctx context.Context) error {
	refresh := c.Tokens().RefreshToken
	if refresh == "" {
		return ErrNoRefreshToken
	}
	status, body, err := c.postForm(ctx, c.TokenURL(), url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.ClientID},
		"refresh_token": {refresh},
	})
	if err != nil {
		return fmt.Errorf("keycloak: refresh: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("keycloak: refresh: status %d", status)
	}
	tr, err := parseToken(body)
	if err != nil {
		return err
	}
	return c.SaveTokens(tr)
}

// IsAuthenticated reports whether a usable access token is available. A token
// within a minute of expiry is refreshed first when the refresh token is
// still valid.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	tok := c.Tokens()
	if tok.AccessToken == "" {
		return false
	}
	now := c.now()
	if now.Before(tok.AccessExpires.Add(-refreshMargin)) {
		return true
	}
	c.logger().Info("keycloak: access token expired or expiring soon")
	if tok.RefreshToken == "" || !now.Before(tok.RefreshExpires) {
		return false
	}
	if err := c.RefreshToken(ctx); err != nil {
		c.logger().Warn("keycloak: refresh failed", "error", err)
		return false
	}
	return true
}

// AccessToken returns the stored access token, or "".
func (c *Client) AccessToken() string {
	return c.Tokens().AccessToken
}

// Tokens returns the current token state, loading it from Store on first use.
func (c *Client) Tokens() Tokens {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked()
	return c.tokens
}

// LoadTokens reloads the token state from Store.
func (c *Client) LoadTokens() Tokens {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
	c.loadLocked()
	return c.tokens
}

func (c *Client) loadLocked() {
	if c.loaded {
		return
	}
	c.loaded = true
	if c.Store == nil {
		return
	}
	c.tokens = Tokens{
		AccessToken:    c.Store.GetString("access_token", ""),
		RefreshToken:   c.Store.GetString("refresh_token", ""),
		AccessExpires:  time.Unix(c.Store.GetInt("access_expires", 0), 0),
		RefreshExpires: time.Unix(c.Store.GetInt("refresh_expires", 0), 0),
	}
	if c.tokens.AccessToken != "" {
		c.logger().Info("keycloak: tokens loaded from storage")
	}
}

// SaveTokens records tr with expiry times relative to now.
func (c *Client) SaveTokens(tr *TokenResponse) error {
	now := c.now()
	tok := Tokens{
		AccessToken:    tr.AccessToken,
		RefreshToken:   tr.RefreshToken,
		AccessExpires:  now.Add(time.Duration(tr.ExpiresIn) * time.Second),
		RefreshExpires: now.Add(time.Duration(tr.RefreshExpiresIn) * time.Second),
	}
	c.mu.Lock()
	c.tokens = tok
	c.loaded = true
	c.mu.Unlock()

	if c.Store == nil {
		return nil
	}
	err := errors.Join(
		c.Store.SetString("access_token", tok.AccessToken),
		c.Store.SetString("refresh_token", tok.RefreshToken),
		c.Store.SetInt("access_expires", tok.AccessExpires.Unix()),
		c.Store.SetInt("refresh_expires", tok.RefreshExpires.Unix()),
	)
	if err != nil {
		return fmt.Errorf("keycloak: save tokens: %w", err)
	}
	c.logger().Info("keycloak: tokens saved")
	return nil
}

// ClearTokens forgets all tokens.
func (c *Client) ClearTokens() error {
	c.mu.Lock()
	c.tokens = Tokens{}
	c.loaded = true
	c.mu.Unlock()

	if c.Store == nil {
		return nil
	}
	return errors.Join(
		c.Store.EraseKey("access_token"),
		c.Store.EraseKey("refresh_token"),
		c.Store.EraseKey("access_expires"),
		c.Store.EraseKey("refresh_expires"),
	)
}
