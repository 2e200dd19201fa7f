package commands

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/haivivi/gearfw/pkg/application"
	"github.com/haivivi/gearfw/pkg/audiosvc"
	"github.com/haivivi/gearfw/pkg/board"
	"github.com/haivivi/gearfw/pkg/cli"
	"github.com/haivivi/gearfw/pkg/deviceinfo"
	"github.com/haivivi/gearfw/pkg/display"
	"github.com/haivivi/gearfw/pkg/ota"
	"github.com/haivivi/gearfw/pkg/protocol"
	"github.com/haivivi/gearfw/pkg/settings"
)

const defaultWakeWord = "你好小智"

var (
	flagOTAURL       string
	flagDeviceID     string
	flagHubURL       string
	flagAecMode      string
	flagDataDir      string
	flagFirmware     string
	flagPlain        bool
	flagSendWakeWord bool
	flagCustomMsg    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the device simulator",
	Long: `Run the device core with a simulated board, audio pipeline and screen.

The device activates against the OTA server, then opens the protocol the
server hands out. Press a key to drive it:

  t / enter  toggle chat
  w          wake word
  l / s      start / stop manual listening
  v          toggle voice activity
  a          cycle AEC mode
  d / r      drop / restore the network
  x          abort speaking
  b          reboot
  q          quit

With --plain every frame is printed below the last one and logs go to
stderr; keys are still read from stdin.

The settings store is locked while the device runs; stop it before running
gearsim login.`,
	RunE: runDevice,
}

func init() {
	runCmd.Flags().StringVar(&flagOTAURL, "ota", "", "OTA version check URL")
	runCmd.Flags().StringVar(&flagDeviceID, "device-id", "", "device id (MAC address) to report")
	runCmd.Flags().StringVar(&flagHubURL, "hub", "", "hub URL")
	runCmd.Flags().StringVar(&flagAecMode, "aec", "", "AEC mode: off, device or server")
	runCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "device data directory")
	runCmd.Flags().StringVar(&flagFirmware, "firmware", "1.0.0", "firmware version to report")
	runCmd.Flags().BoolVar(&flagPlain, "plain", false, "print frames without clearing and log to stderr")
	runCmd.Flags().BoolVar(&flagSendWakeWord, "send-wake-word-data", false, "stream wake word audio to the server")
	runCmd.Flags().BoolVar(&flagCustomMsg, "custom-messages", false, "show custom protocol messages")
}

// resolveDevice merges the context and the run flags.
func resolveDevice() (*DeviceConfig, string) {
	dc := &DeviceConfig{}
	name := contextName
	if ctx, err := getContext(); err == nil {
		dc = LoadDeviceConfig(ctx)
		name = ctx.Name
	}
	for _, o := range []struct {
		flag string
		dst  *string
	}{
		{flagOTAURL, &dc.OTAURL},
		{flagDeviceID, &dc.DeviceID},
		{flagHubURL, &dc.HubURL},
		{flagAecMode, &dc.AecMode},
		{flagDataDir, &dc.DataDir},
	} {
		if o.flag != "" {
			*o.dst = o.flag
		}
	}
	return dc, name
}

func runDevice(cmd *cobra.Command, _ []string) error {
	dc, name := resolveDevice()
	if err := dc.requireOTA(); err != nil {
		return err
	}
	if err := dc.Validate(); err != nil {
		return err
	}
	aec, _ := application.ParseAecMode(dc.AecMode)
	hmacKey, _ := dc.hmacKey()

	paths, err := cli.NewPaths(appName)
	if err != nil {
		return err
	}
	dataDir := dc.dataDir(paths, name)

	logs := cli.NewLogWriter(200)
	var logOut io.Writer = logs
	if flagPlain {
		logOut = cmd.ErrOrStderr()
	}
	logger, err := newLogger(logOut)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	store, err := dc.openStore(dataDir, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	images, err := ota.NewLocalStore(filepath.Join(dataDir, "images"))
	if err != nil {
		return err
	}
	info, err := deviceinfo.Load(settings.New(store, deviceinfo.Namespace), deviceinfo.Info{
		MACAddress:      dc.DeviceID,
		FirmwareVersion: flagFirmware,
	})
	if err != nil {
		return err
	}
	client := dc.httpClient()
	fetcher := dc.fetcher(client, info.UserAgent())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var current atomic.Pointer[device]
	opts := []tea.ProgramOption{tea.WithInput(cmd.InOrStdin()), tea.WithOutput(cmd.OutOrStdout())}
	if flagPlain {
		opts = append(opts, tea.WithoutRenderer())
	} else {
		opts = append(opts, tea.WithAltScreen())
	}
	p := tea.NewProgram(newTUIModel(&current, logs, flagPlain), opts...)

	bootLoop := func() error {
		logger.Info("gearsim: starting", "context", name, "data_dir", dataDir, "device_id", info.MACAddress)
		for {
			// The TUI renders the screen itself; plain mode prints frames.
			var frames io.Writer
			if flagPlain {
				frames = cmd.OutOrStdout()
			}
			term := display.NewTerminal(frames, appName)

			restart := make(chan struct{}, 1)
			brd := board.NewSim(board.SimConfig{
				Display: term,
				Info:    info,
				OnRestart: func() {
					select {
					case restart <- struct{}{}:
					default:
					}
				},
				Logger: logger,
			})
			audio := audiosvc.NewSim(audiosvc.SimConfig{Realtime: true, Logger: logger})
			app, err := application.New(application.Config{
				Board:                brd,
				Audio:                audio,
				Store:                store,
				Info:                 info,
				OTAURL:               dc.OTAURL,
				HTTPClient:           client,
				Fetcher:              fetcher,
				Images:               images,
				SerialNumber:         dc.SerialNumber,
				HMACKey:              hmacKey,
				HubURL:               dc.HubURL,
				AecMode:              aec,
				SendWakeWordData:     flagSendWakeWord,
				ReceiveCustomMessage: flagCustomMsg,
				Logger:               logger,
			})
			if err != nil {
				return err
			}

			d := &device{app: app, audio: audio, board: brd, term: term, logger: logger}
			current.Store(d)
			p.Send(bootMsg{})
			rebooted, err := d.boot(ctx, restart)
			if cerr := app.Close(); cerr != nil {
				logger.Warn("gearsim: close", "error", cerr)
			}
			if !rebooted {
				return err
			}
			logger.Info("gearsim: rebooting")
		}
	}

	errc := make(chan error, 1)
	go func() {
		err := bootLoop()
		errc <- err
		p.Send(exitMsg{err: err})
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		cancel()
		<-errc
		return err
	}
	cancel()
	return <-errc
}

type device struct {
	app    *application.Application
	audio  *audiosvc.Sim
	board  *board.Sim
	term   *display.Terminal
	logger *slog.Logger
}

// boot runs one power cycle. It reports whether the device asked to
// restart.
func (d *device) boot(ctx context.Context, restart <-chan struct{}) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.app.Initialize()
	errc := make(chan error, 1)
	go func() { errc <- d.app.Run(ctx) }()

	select {
	case <-restart:
		cancel()
		<-errc
		return true, nil
	case err := <-errc:
		if errors.Is(err, context.Canceled) {
			return false, nil
		}
		return false, err
	}
}

// exec runs one key command. It reports whether to quit.
func (d *device) exec(line string) bool {
	key, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch key {
	case "", "t", "enter":
		d.app.ToggleChatState()
	case "w":
		word := strings.TrimSpace(arg)
		if word == "" {
			word = defaultWakeWord
		}
		if !d.audio.TriggerWakeWord(word) {
			d.logger.Warn("gearsim: wake word detection is off", "state", d.app.State())
		}
	case "l":
		d.app.StartListening()
	case "s":
		d.app.StopListening()
	case "v":
		d.audio.SetVoiceActive(!d.audio.IsVoiceDetected())
	case "a":
		next := (d.app.AecMode() + 1) % 3
		d.app.SetAecMode(next)
	case "d":
		d.board.Disconnect()
	case "r":
		d.board.Reconnect()
	case "b":
		d.app.Schedule(d.app.Reboot)
	case "x":
		d.app.AbortSpeaking(protocol.AbortNone)
	case "q":
		return true
	default:
		d.logger.Warn("gearsim: unknown key", "key", key)
	}
	return false
}
