package commands

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/haivivi/gearfw/pkg/application"
	"github.com/haivivi/gearfw/pkg/cli"
	"github.com/haivivi/gearfw/pkg/keycloak"
	"github.com/haivivi/gearfw/pkg/ota"
	"github.com/haivivi/gearfw/pkg/settings"
)

// Context.Extra keys.
const (
	keyOTAURL           = "ota_url"
	keyDeviceID         = "device_id"
	keyHubURL           = "hub_url"
	keyKeycloakServer   = "keycloak_server"
	keyKeycloakRealm    = "keycloak_realm"
	keyKeycloakClientID = "keycloak_client_id"
	keyAecMode          = "aec_mode"
	keyDataDir          = "data_dir"
	keySerialNumber     = "serial_number"
	keyHMACKey          = "hmac_key"
	keyS3Endpoint       = "s3_endpoint"
	keyS3Region         = "s3_region"
	keyS3AccessKey      = "s3_access_key"
	keyS3SecretKey      = "s3_secret_key"
)

// DeviceConfig is the device part of a context.
type DeviceConfig struct {
	OTAURL   string `json:"ota_url" yaml:"ota_url"`
	DeviceID string `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	HubURL   string `json:"hub_url,omitempty" yaml:"hub_url,omitempty"`

	KeycloakServer   string `json:"keycloak_server,omitempty" yaml:"keycloak_server,omitempty"`
	KeycloakRealm    string `json:"keycloak_realm,omitempty" yaml:"keycloak_realm,omitempty"`
	KeycloakClientID string `json:"keycloak_client_id,omitempty" yaml:"keycloak_client_id,omitempty"`

	AecMode string `json:"aec_mode,omitempty" yaml:"aec_mode,omitempty"`
	DataDir string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`

	SerialNumber string `json:"serial_number,omitempty" yaml:"serial_number,omitempty"`
	HMACKey      string `json:"hmac_key,omitempty" yaml:"hmac_key,omitempty"`

	S3Endpoint  string `json:"s3_endpoint,omitempty" yaml:"s3_endpoint,omitempty"`
	S3Region    string `json:"s3_region,omitempty" yaml:"s3_region,omitempty"`
	S3AccessKey string `json:"s3_access_key,omitempty" yaml:"s3_access_key,omitempty"`
	S3SecretKey string `json:"s3_secret_key,omitempty" yaml:"s3_secret_key,omitempty"`

	// Timeout is copied from the context, in seconds.
	Timeout int `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

func (c *DeviceConfig) fields() []struct {
	key string
	val *string
} {
	return []struct {
		key string
		val *string
	}{
		{keyOTAURL, &c.OTAURL},
		{keyDeviceID, &c.DeviceID},
		{keyHubURL, &c.HubURL},
		{keyKeycloakServer, &c.KeycloakServer},
		{keyKeycloakRealm, &c.KeycloakRealm},
		{keyKeycloakClientID, &c.KeycloakClientID},
		{keyAecMode, &c.AecMode},
		{keyDataDir, &c.DataDir},
		{keySerialNumber, &c.SerialNumber},
		{keyHMACKey, &c.HMACKey},
		{keyS3Endpoint, &c.S3Endpoint},
		{keyS3Region, &c.S3Region},
		{keyS3AccessKey, &c.S3AccessKey},
		{keyS3SecretKey, &c.S3SecretKey},
	}
}

// LoadDeviceConfig reads the device settings of ctx. A nil context gives
// an empty config.
func LoadDeviceConfig(ctx *cli.Context) *DeviceConfig {
	cfg := &DeviceConfig{}
	if ctx == nil {
		return cfg
	}
	for _, f := range cfg.fields() {
		*f.val = ctx.GetExtra(f.key)
	}
	cfg.Timeout = ctx.Timeout
	return cfg
}

// SaveDeviceConfig writes cfg into ctx. Empty fields are removed.
func SaveDeviceConfig(ctx *cli.Context, cfg *DeviceConfig) {
	for _, f := range cfg.fields() {
		ctx.SetExtra(f.key, *f.val)
	}
	ctx.Timeout = cfg.Timeout
}

// Masked returns a copy with the secrets masked, for display.
func (c DeviceConfig) Masked() DeviceConfig {
	c.HMACKey = cli.MaskSecret(c.HMACKey)
	c.S3SecretKey = cli.MaskSecret(c.S3SecretKey)
	return c
}

// Validate checks the fields that must parse.
func (c *DeviceConfig) Validate() error {
	if _, err := application.ParseAecMode(c.AecMode); err != nil {
		return err
	}
	if _, err := c.hmacKey(); err != nil {
		return err
	}
	return nil
}

// requireOTA reports the missing version check URL.
func (c *DeviceConfig) requireOTA() error {
	if c.OTAURL == "" {
		return fmt.Errorf("ota url is required. Use --ota flag or configure a context:\n" +
			"  gearsim config context set dev --ota=http://localhost:8080/ota/\n" +
			"  gearsim config context use dev")
	}
	return nil
}

func (c *DeviceConfig) hmacKey() ([]byte, error) {
	if c.HMACKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.HMACKey)
	if err != nil {
		return nil, fmt.Errorf("hmac key must be hex: %w", err)
	}
	return key, nil
}

func (c *DeviceConfig) httpClient() *http.Client {
	return &http.Client{Timeout: time.Duration(c.Timeout) * time.Second}
}

// fetcher serves http(s) always and s3 when an endpoint or region is set.
func (c *DeviceConfig) fetcher(client *http.Client, userAgent string) ota.Fetcher {
	m := &ota.MuxFetcher{HTTP: &ota.HTTPFetcher{Client: client, UserAgent: userAgent}}
	if c.S3Endpoint != "" || c.S3Region != "" {
		m.S3 = &ota.S3Fetcher{Client: ota.NewS3Client(ota.S3Config{
			Region:          c.S3Region,
			Endpoint:        c.S3Endpoint,
			AccessKeyID:     c.S3AccessKey,
			SecretAccessKey: c.S3SecretKey,
			UsePathStyle:    c.S3Endpoint != "",
		})}
	}
	return m
}

// dataDir is the configured data_dir or the per-context default.
func (c *DeviceConfig) dataDir(paths *cli.Paths, context string) string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return paths.ContextDataDir(context)
}

// openStore opens the device settings under dir and seeds the Keycloak
// endpoint from the context.
func (c *DeviceConfig) openStore(dir string, logger *slog.Logger) (*settings.Badger, error) {
	if err := cli.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := settings.NewBadger(settings.BadgerOptions{Dir: dir, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}
	if err := c.seedKeycloak(store); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func (c *DeviceConfig) seedKeycloak(store settings.Store) error {
	kc := settings.New(store, keycloak.Namespace)
	for _, kv := range []struct{ key, val string }{
		{"server_url", c.KeycloakServer},
		{"realm", c.KeycloakRealm},
		{"client_id", c.KeycloakClientID},
	} {
		if kv.val == "" {
			continue
		}
		if err := kc.SetString(kv.key, kv.val); err != nil {
			return fmt.Errorf("save keycloak %s: %w", kv.key, err)
		}
	}
	return nil
}
