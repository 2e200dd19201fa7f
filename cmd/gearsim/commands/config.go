package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haivivi/gearfw/pkg/cli"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage gearsim configuration.

Configuration is stored in ~/.giztoy/gearsim/config.yaml`,
}

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Manage contexts",
	Long:  `Manage gearsim contexts for different environments.`,
}

var contextListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadedConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		names := cfg.ListContexts()
		if len(names) == 0 {
			fmt.Fprintln(out, "No contexts configured.")
			fmt.Fprintln(out, "\nCreate one with:")
			fmt.Fprintln(out, "  gearsim config context set dev --ota=http://localhost:8080/ota/")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CURRENT\tNAME\tOTA_URL\tDEVICE_ID")
		for _, name := range names {
			ctx, _ := cfg.GetContext(name)
			dc := LoadDeviceConfig(ctx)
			current := ""
			if name == cfg.CurrentContext {
				current = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", current, name, valueOrNotSet(dc.OTAURL), valueOrNotSet(dc.DeviceID))
		}
		return w.Flush()
	},
}

var contextUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Switch to a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadedConfig()
		if err != nil {
			return err
		}
		if err := cfg.UseContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess(cmd.OutOrStdout(), "Switched to context %q", args[0])
		return nil
	},
}

// contextFlags maps context set flags to Extra keys.
var contextFlags = []struct {
	flag, key, usage string
}{
	{"ota", keyOTAURL, "OTA version check URL"},
	{"device-id", keyDeviceID, "device id (MAC address) to report"},
	{"hub", keyHubURL, "hub URL"},
	{"keycloak-server", keyKeycloakServer, "Keycloak server URL"},
	{"keycloak-realm", keyKeycloakRealm, "Keycloak realm"},
	{"keycloak-client-id", keyKeycloakClientID, "Keycloak client id"},
	{"aec", keyAecMode, "AEC mode: off, device or server"},
	{"data-dir", keyDataDir, "device data directory"},
	{"serial-number", keySerialNumber, "serial number for activation challenges"},
	{"hmac-key", keyHMACKey, "hex HMAC key for activation challenges"},
	{"s3-endpoint", keyS3Endpoint, "S3-compatible endpoint for s3:// downloads"},
	{"s3-region", keyS3Region, "S3 region"},
	{"s3-access-key", keyS3AccessKey, "S3 access key id"},
	{"s3-secret-key", keyS3SecretKey, "S3 secret access key"},
}

var contextSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Create or update a context",
	Long: `Create or update a context with the specified settings.

Examples:
  # Create a new context
  gearsim config context set dev --ota=http://localhost:8080/ota/

  # Point it at a hub and a Keycloak realm
  gearsim config context set dev --hub=wss://hub.example.com/hubs/device --keycloak-realm=makers

  # Clear a setting
  gearsim config context set dev --hub=`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadedConfig()
		if err != nil {
			return err
		}
		name := args[0]
		ctx, err := cfg.GetContext(name)
		if err != nil {
			ctx = &cli.Context{Name: name}
		}
		for _, f := range contextFlags {
			if cmd.Flags().Changed(f.flag) {
				v, _ := cmd.Flags().GetString(f.flag)
				ctx.SetExtra(f.key, v)
			}
		}
		if cmd.Flags().Changed("timeout") {
			ctx.Timeout, _ = cmd.Flags().GetInt("timeout")
		}
		if err := LoadDeviceConfig(ctx).Validate(); err != nil {
			return err
		}
		if err := cfg.AddContext(name, ctx); err != nil {
			return err
		}
		cli.PrintSuccess(cmd.OutOrStdout(), "Context %q saved", name)
		return nil
	},
}

var contextDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadedConfig()
		if err != nil {
			return err
		}
		if err := cfg.DeleteContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess(cmd.OutOrStdout(), "Context %q deleted", args[0])
		return nil
	},
}

var contextShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show context details",
	Long:  `Show details of a context. If no name is provided, shows the current context.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadedConfig()
		if err != nil {
			return err
		}
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		ctx, err := cfg.ResolveContext(name)
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("output")
		f, err := cli.ParseOutputFormat(format)
		if err != nil {
			return err
		}
		return cli.Output(cmd.OutOrStdout(), struct {
			Name    string       `json:"name" yaml:"name"`
			Current bool         `json:"current" yaml:"current"`
			Device  DeviceConfig `json:"device" yaml:"device"`
			File    string       `json:"file" yaml:"file"`
		}{
			Name:    ctx.Name,
			Current: ctx.Name == cfg.CurrentContext,
			Device:  LoadDeviceConfig(ctx).Masked(),
			File:    cfg.Path(),
		}, f)
	},
}

var contextCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Show current context name",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadedConfig()
		if err != nil {
			return err
		}
		if cfg.CurrentContext == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "No current context set")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), cfg.CurrentContext)
		return nil
	},
}

func valueOrNotSet(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

func init() {
	configCmd.AddCommand(contextCmd)

	contextCmd.AddCommand(contextListCmd)
	contextCmd.AddCommand(contextUseCmd)
	contextCmd.AddCommand(contextSetCmd)
	contextCmd.AddCommand(contextDeleteCmd)
	contextCmd.AddCommand(contextShowCmd)
	contextCmd.AddCommand(contextCurrentCmd)

	for _, f := range contextFlags {
		contextSetCmd.Flags().String(f.flag, "", f.usage)
	}
	contextSetCmd.Flags().Int("timeout", 0, "HTTP timeout in seconds")
	contextShowCmd.Flags().StringP("output", "o", "yaml", "output format: yaml or json")
}
