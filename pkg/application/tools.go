package application

import (
	"encoding/json"
	"errors"

	"github.com/haivivi/gearfw/pkg/audiosvc"
	"github.com/haivivi/gearfw/pkg/keycloak"
	"github.com/haivivi/gearfw/pkg/mcp"
	"github.com/haivivi/gearfw/pkg/settings"
)

const keycloakToolDescription = "Keycloak authentication management. Use this tool when user wants to:\n" +
	"- Check login status or ask 'am I logged in?'\n" +
	"- Login to Keycloak account (shows QR code on device screen)\n" +
	"- Logout or sign out from account\n" +
	"\n" +
	"Actions:\n" +
	"- 'check': Returns whether user is currently authenticated\n" +
	"- 'login': Starts OAuth2 device flow, displays QR code and user code on device, waits for user to authorize on phone/computer\n" +
	"- 'logout': Clears authentication tokens"

// addDeviceTools registers the tools the device itself provides.
func (a *Application) addDeviceTools() {
	codec := a.board.Codec()
	common := []*mcp.Tool{
		{
			Name: "self.get_device_status",
			Description: "Provides the real-time information of the device, including the current status of the audio speaker, screen, battery, network, etc.\n" +
				"Use this tool for: \n" +
				"1. Answering questions about current condition (e.g. what is the current volume of the audio speaker?)\n" +
				"2. As the first step to control the device (e.g. turn up / down the volume of the audio speaker, etc.)",
			Call: func(mcp.Arguments) (any, error) {
				return json.RawMessage(a.board.DeviceStatusJSON()), nil
			},
		},
		{
			Name:        "self.audio_speaker.set_volume",
			Description: "Set the volume of the audio speaker. If the current volume is unknown, you must call `self.get_device_status` tool first and then call this tool.",
			Properties:  []mcp.Property{mcp.Integer("volume", 0, 100)},
			Call: func(args mcp.Arguments) (any, error) {
				codec.SetOutputVolume(args.Int("volume"))
				return true, nil
			},
		},
	}
	if backlight := a.board.Backlight(); backlight != nil {
		common = append(common, &mcp.Tool{
			Name:        "self.screen.set_brightness",
			Description: "Set the brightness of the screen.",
			Properties:  []mcp.Property{mcp.Integer("brightness", 0, 100)},
			Call: func(args mcp.Arguments) (any, error) {
				backlight.SetBrightness(args.Int("brightness"), true)
				return true, nil
			},
		})
	}
	a.mcp.AddCommonTools(common...)

	a.mcp.AddUserOnlyTool(&mcp.Tool{
		Name:        "self.get_system_info",
		Description: "Get the system information",
		Call: func(mcp.Arguments) (any, error) {
			return json.RawMessage(a.board.SystemInfoJSON()), nil
		},
	})
	a.mcp.AddUserOnlyTool(&mcp.Tool{
		Name:        "self.reboot",
		Description: "Reboot the system",
		Call: func(mcp.Arguments) (any, error) {
			a.logger.WarnPrintf("user requested reboot")
			// The reply is queued ahead of the reboot.
			go func() {
				if a.sleep(a.cfg.Timings.RebootDelay) {
					a.Schedule(a.Reboot)
				}
			}()
			return true, nil
		},
	})
	a.mcp.AddUserOnlyTool(&mcp.Tool{
		Name:        "self.upgrade_firmware",
		Description: "Upgrade firmware from a specific URL. This will download and install the firmware, then reboot the device.",
		Properties:  []mcp.Property{mcp.String("url", "The URL of the firmware binary file to download and install")},
		Call: func(args mcp.Arguments) (any, error) {
			url := args.String("url")
			a.logger.InfoPrintf("user requested firmware upgrade from %s", url)
			go func() {
				if !a.UpgradeFirmware(url, "") {
					a.logger.ErrorPrintf("firmware upgrade failed")
				}
			}()
			return true, nil
		},
	})
	a.mcp.AddUserOnlyTool(&mcp.Tool{
		Name:        "self.assets.set_download_url",
		Description: "Set the download url for the assets",
		Properties:  []mcp.Property{mcp.String("url", "")},
		Call: func(args mcp.Arguments) (any, error) {
			s := settings.New(a.store, assetsNamespace)
			if err := s.SetString("download_url", args.String("url")); err != nil {
				return nil, err
			}
			return true, nil
		},
	})

	a.mcp.AddTool(&mcp.Tool{
		Name:        "keycloak",
		Description: keycloakToolDescription,
		Properties:  []mcp.Property{mcp.String("action", "")},
		Call:        a.keycloakTool,
	})
}

func (a *Application) keycloakTool(args mcp.Arguments) (any, error) {
	switch action := args.String("action"); action {
	case "check":
		if a.keycloak.IsAuthenticated(a.ctx) {
			return map[string]any{
				"action":        "check",
				"authenticated": true,
				"status":        "logged_in",
				"message":       "You are currently logged in to Keycloak.",
			}, nil
		}
		return map[string]any{
			"action":        "check",
			"authenticated": false,
			"status":        "not_logged_in",
			"message":       "You are not logged in. Please use action=login to authenticate.",
		}, nil

	case "login":
		if !a.loggingIn.CompareAndSwap(false, true) {
			return map[string]any{
				"action":  "login",
				"status":  "in_progress",
				"message": "A login process is already running. Please scan the QR code displayed on the device screen.",
			}, nil
		}
		go func() {
			defer a.loggingIn.Store(false)
			a.keycloakLogin()
		}()
		return map[string]any{
			"action":  "login",
			"status":  "started",
			"message": "Login process started. Please scan the QR code displayed on the device screen.",
		}, nil

	case "logout":
		was := a.keycloak.IsAuthenticated(a.ctx)
		if err := a.keycloak.ClearTokens(); err != nil {
			a.logger.WarnPrintf("clear tokens: %v", err)
		}
		a.resetHub()
		message := "You were not logged in. No tokens to clear."
		if was {
			message = "You have been logged out successfully. All authentication tokens have been cleared."
		}
		return map[string]any{
			"action":  "logout",
			"success": true,
			"status":  "logged_out",
			"message": message,
		}, nil

	default:
		return nil, errors.New("Invalid action. Use: check, login, or logout")
	}
}

// keycloakLogin runs the device flow, showing the user code as a QR code.
// It runs on its own goroutine; screen changes are scheduled.
func (a *Application) keycloakLogin() {
	started := false
	_, err := a.keycloak.Login(a.ctx, keycloak.LoginCallbacks{
		OnDeviceCode: func(dc *keycloak.DeviceCode) {
			started = true
			uri, code := dc.DisplayURI(), dc.UserCode
			a.Schedule(func() {
				a.display().ShowQRCode(uri, "Keycloak Login", "User Code: "+code)
			})
		},
	})
	if a.ctx.Err() != nil {
		return
	}

	switch {
	case err == nil:
		a.logger.InfoPrintf("keycloak login succeeded")
		a.loginAlert("Login Success", "You are now logged in!", emotionCheck, audiosvc.SoundSuccess)
		a.initializeHub()
	case !started:
		a.logger.ErrorPrintf("keycloak login: %v", err)
		a.loginAlert("Login Error", "Failed to start login process", emotionWarning, audiosvc.SoundExclamation)
	case errors.Is(err, keycloak.ErrLoginTimeout):
		a.logger.WarnPrintf("keycloak login timed out")
		a.loginAlert("Login Timeout", "Please try again", emotionWarning, audiosvc.SoundExclamation)
	default:
		a.logger.ErrorPrintf("keycloak login: %v", err)
		a.loginAlert("Login Error", "Authentication failed", emotionWarning, audiosvc.SoundExclamation)
	}
}

// loginAlert hides the QR code, alerts and restores the standby screen
// after a pause.
func (a *Application) loginAlert(status, message, emotion string, sound audiosvc.Sound) {
	a.Schedule(func() {
		a.display().HideQRCode()
		a.Alert(status, message, emotion, sound)
	})
	if a.sleep(a.cfg.Timings.AlertPause) {
		a.Schedule(a.DismissAlert)
	}
}
