package cli

import (
	"os"
	"path/filepath"
)

// Paths locates an app's files under ~/.giztoy/<app>.
type Paths struct {
	AppName string
	HomeDir string
}

func NewPaths(appName string) (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return &Paths{AppName: appName, HomeDir: home}, nil
}

// BaseDir is ~/.giztoy.
func (p *Paths) BaseDir() string {
	return filepath.Join(p.HomeDir, DefaultBaseDir)
}

// AppDir is ~/.giztoy/<app>.
func (p *Paths) AppDir() string {
	return filepath.Join(p.BaseDir(), p.AppName)
}

func (p *Paths) ConfigFile() string {
	return filepath.Join(p.AppDir(), DefaultConfigFile)
}

// LogDir is ~/.giztoy/<app>/logs.
func (p *Paths) LogDir() string {
	return filepath.Join(p.AppDir(), "logs")
}

// DataDir is ~/.giztoy/<app>/data.
func (p *Paths) DataDir() string {
	return filepath.Join(p.AppDir(), "data")
}

// ContextDataDir is the data directory of one context, so that devices
// simulated for different environments keep separate identities.
func (p *Paths) ContextDataDir(context string) string {
	if context == "" {
		context = "default"
	}
	return filepath.Join(p.DataDir(), context)
}

// EnsureDir creates dir and its parents.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}
