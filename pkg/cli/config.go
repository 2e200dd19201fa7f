package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-yaml"
)

const (
	// DefaultBaseDir is the directory under $HOME holding every app's files.
	DefaultBaseDir = ".giztoy"
	// DefaultConfigFile is the config filename inside an app directory.
	DefaultConfigFile = "config.yaml"
)

// Config is a kubectl-like set of named contexts for one app.
type Config struct {
	AppName string `yaml:"-"`

	CurrentContext string              `yaml:"current_context,omitempty"`
	Contexts       map[string]*Context `yaml:"contexts,omitempty"`

	configPath string
}

// Context is one environment: which servers a device talks to and where its
// data lives.
type Context struct {
	Name string `yaml:"name"`

	// Timeout is the HTTP request timeout in seconds. Zero means no timeout.
	Timeout int `yaml:"timeout,omitempty"`

	// Extra holds the app's settings as flat string pairs.
	Extra map[string]string `yaml:"extra,omitempty"`
}

// LoadConfig loads the config of appName from ~/.giztoy/<app>/config.yaml,
// creating an empty one if needed.
func LoadConfig(appName string) (*Config, error) {
	return LoadConfigWithPath(appName, "")
}

// LoadConfigWithPath is LoadConfig with an explicit file path. An empty path
// uses the default location.
func LoadConfigWithPath(appName, customPath string) (*Config, error) {
	configPath := customPath
	if configPath == "" {
		p, err := NewPaths(appName)
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = p.ConfigFile()
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	cfg := &Config{
		AppName:    appName,
		Contexts:   make(map[string]*Context),
		configPath: configPath,
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Save()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Contexts == nil {
		cfg.Contexts = make(map[string]*Context)
	}
	for name, ctx := range cfg.Contexts {
		if ctx == nil {
			ctx = &Context{}
			cfg.Contexts[name] = ctx
		}
		ctx.Name = name
	}
	cfg.AppName = appName
	cfg.configPath = configPath
	return cfg, nil
}

// LoadConfigIfExists loads the default config without creating it. It
// returns nil when the file is missing or unreadable.
func LoadConfigIfExists(appName string) *Config {
	p, err := NewPaths(appName)
	if err != nil {
		return nil
	}
	if _, err := os.Stat(p.ConfigFile()); err != nil {
		return nil
	}
	cfg, err := LoadConfigWithPath(appName, p.ConfigFile())
	if err != nil {
		return nil
	}
	return cfg
}

// Save writes the config back to its file.
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(c.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) Path() string { return c.configPath }

func (c *Config) Dir() string { return filepath.Dir(c.configPath) }

// AddContext adds or replaces a context and saves.
func (c *Config) AddContext(name string, ctx *Context) error {
	ctx.Name = name
	c.Contexts[name] = ctx
	return c.Save()
}

// DeleteContext removes a context and saves. Deleting the current context
// leaves no context selected.
func (c *Config) DeleteContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	delete(c.Contexts, name)
	if c.CurrentContext == name {
		c.CurrentContext = ""
	}
	return c.Save()
}

// UseContext selects the current context and saves.
func (c *Config) UseContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	c.CurrentContext = name
	return c.Save()
}

func (c *Config) GetContext(name string) (*Context, error) {
	ctx, ok := c.Contexts[name]
	if !ok {
		return nil, fmt.Errorf("context %q not found", name)
	}
	return ctx, nil
}

func (c *Config) GetCurrentContext() (*Context, error) {
	if c.CurrentContext == "" {
		return nil, errors.New("no current context set")
	}
	return c.GetContext(c.CurrentContext)
}

// ResolveContext returns the named context, or the current one if name is
// empty.
func (c *Config) ResolveContext(name string) (*Context, error) {
	if name == "" {
		return c.GetCurrentContext()
	}
	return c.GetContext(name)
}

// ListContexts returns the context names sorted.
func (c *Config) ListContexts() []string {
	names := make([]string, 0, len(c.Contexts))
	for name := range c.Contexts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (ctx *Context) GetExtra(key string) string {
	if ctx.Extra == nil {
		return ""
	}
	return ctx.Extra[key]
}

// SetExtra sets key. An empty value removes it.
func (ctx *Context) SetExtra(key, value string) {
	if value == "" {
		delete(ctx.Extra, key)
		return
	}
	if ctx.Extra == nil {
		ctx.Extra = make(map[string]string)
	}
	ctx.Extra[key] = value
}

// MaskSecret keeps the first and last four characters of a secret.
func MaskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
