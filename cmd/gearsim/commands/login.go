package commands

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/gearfw/pkg/cli"
	"github.com/haivivi/gearfw/pkg/keycloak"
	"github.com/haivivi/gearfw/pkg/settings"
)

var flagForceLogin bool

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log the device in with the Keycloak device flow",
	Long: `Log the device in with the Keycloak device flow.

The tokens are saved in the device data directory, where gearsim run picks
them up to connect to the hub. The device must not be running.`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the saved Keycloak tokens",
	RunE: func(cmd *cobra.Command, _ []string) error {
		kc, closeStore, err := openKeycloak(cmd)
		if err != nil {
			return err
		}
		defer closeStore()
		if err := kc.ClearTokens(); err != nil {
			return err
		}
		cli.PrintSuccess(cmd.OutOrStdout(), "Logged out")
		return nil
	},
}

func init() {
	loginCmd.Flags().BoolVar(&flagForceLogin, "force", false, "log in again even with a valid token")
}

// openKeycloak opens the device store of the selected context and returns
// its Keycloak client.
func openKeycloak(cmd *cobra.Command) (*keycloak.Client, func(), error) {
	dc, name := resolveDevice()
	if err := dc.Validate(); err != nil {
		return nil, nil, err
	}
	paths, err := cli.NewPaths(appName)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	store, err := dc.openStore(dc.dataDir(paths, name), logger)
	if err != nil {
		return nil, nil, err
	}
	kc := keycloak.FromSettings(settings.New(store, keycloak.Namespace))
	kc.HTTPClient = dc.httpClient()
	kc.Logger = logger
	return kc, func() { store.Close() }, nil
}

func runLogin(cmd *cobra.Command, _ []string) error {
	kc, closeStore, err := openKeycloak(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	if !flagForceLogin && kc.IsAuthenticated(ctx) {
		t := kc.Tokens()
		cli.PrintSuccess(out, "Already logged in, token valid until %s", t.AccessExpires.Format(time.RFC3339))
		return nil
	}

	fmt.Fprintf(out, "Logging in to %s (realm %s)\n", kc.ServerURL, kc.Realm)
	tr, err := kc.Login(ctx, keycloak.LoginCallbacks{
		OnDeviceCode: func(dc *keycloak.DeviceCode) {
			fmt.Fprintf(out, "\nOpen %s\nand enter the code: %s\n\n", dc.DisplayURI(), dc.UserCode)
		},
		OnPoll: func(attempt, total int) {
			kc.Logger.Debug("keycloak: polling", "attempt", attempt, "total", total)
		},
	})
	switch {
	case errors.Is(err, keycloak.ErrLoginTimeout):
		cli.PrintWarning(out, "Login timed out, please try again")
		return err
	case err != nil:
		return fmt.Errorf("login: %w", err)
	}
	cli.PrintSuccess(out, "Logged in, access token expires in %ds", tr.ExpiresIn)
	return nil
}
