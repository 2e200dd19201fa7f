package commands

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haivivi/gearfw/pkg/cli"
)

const appName = "gearsim"

var (
	cfgFile      string
	contextName  string
	logLevel     string
	globalConfig *cli.Config
	configErr    error
)

var rootCmd = &cobra.Command{
	Use:   "gearsim",
	Short: "Voice assistant device simulator",
	Long: `gearsim runs the voice assistant device core on a workstation.

It activates against an OTA server, opens the conversation protocol the
server hands out, and exposes the device tools over MCP. The board, the
audio pipeline and the screen are simulated.

Configuration is stored in ~/.giztoy/gearsim/ and supports multiple contexts,
allowing you to switch between environments (dev, staging, prod).`,
	SilenceUsage: true,
	RunE:         runDevice,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.giztoy/gearsim/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&contextName, "context", "c", "", "context to use (default is current context)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(configCmd)
}

func initConfig() {
	globalConfig, configErr = cli.LoadConfigWithPath(appName, cfgFile)
}

func loadedConfig() (*cli.Config, error) {
	if configErr != nil {
		return nil, fmt.Errorf("%s config: %w", appName, configErr)
	}
	if globalConfig == nil {
		return nil, fmt.Errorf("%s config: not loaded", appName)
	}
	return globalConfig, nil
}

// getContext resolves the -c flag or the current context.
func getContext() (*cli.Context, error) {
	cfg, err := loadedConfig()
	if err != nil {
		return nil, err
	}
	return cfg.ResolveContext(contextName)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

func newLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}
