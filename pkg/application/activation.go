package application

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/haivivi/gearfw/pkg/audiosvc"
	"github.com/haivivi/gearfw/pkg/board"
	"github.com/haivivi/gearfw/pkg/devicestate"
	"github.com/haivivi/gearfw/pkg/eventloop"
	"github.com/haivivi/gearfw/pkg/ota"
	"github.com/haivivi/gearfw/pkg/settings"
)

const (
	maxVersionRetries  = 10
	maxActivateRetries = 10
)

// assetsNamespace holds the pending asset download requested through the
// self.assets.set_download_url tool.
const assetsNamespace = "assets"

// activationTask runs on its own goroutine: assets, version check,
// activation, protocol and hub. It ends by raising ActivationDone.
func (a *Application) activationTask() {
	o := &ota.Client{
		CheckVersionURL: a.cfg.OTAURL,
		HTTPClient:      a.cfg.HTTPClient,
		Info:            a.info,
		Fetcher:         a.fetcher,
		Store:           a.store,
		SerialNumber:    a.cfg.SerialNumber,
		HMACKey:         a.cfg.HMACKey,
		Logger:          a.slog,
	}
	a.mu.Lock()
	a.ota = o
	a.mu.Unlock()

	a.checkAssetsVersion()
	if a.checkNewVersion(o) || a.ctx.Err() != nil {
		// Upgraded and rebooting, or closed.
		return
	}

	a.initializeProtocol(o)
	a.initializeHub()
	a.loop.Set(eventloop.ActivationDone)
}

// checkAssetsVersion downloads assets requested through settings, once per
// boot.
func (a *Application) checkAssetsVersion() {
	if !a.assetsChecked.CompareAndSwap(false, true) {
		return
	}
	s := settings.New(a.store, assetsNamespace)
	url := s.GetString("download_url", "")
	if url == "" {
		return
	}
	if err := s.EraseKey("download_url"); err != nil {
		a.logger.WarnPrintf("erase assets download url: %v", err)
	}

	a.Alert(textLoadingAssets, fmt.Sprintf(textFoundNewAssets, url), emotionCloudDown, audiosvc.SoundUpgrade)
	if !a.sleep(a.cfg.Timings.AlertPause) {
		return
	}

	a.setState(devicestate.Upgrading)
	a.board.SetPowerSaveLevel(board.Performance)
	d := a.display()
	d.SetChatMessage(roleSystem, textPleaseWait)

	err := a.download(url, "assets.bin")
	a.board.SetPowerSaveLevel(board.LowPower)
	if !a.sleep(a.cfg.Timings.RebootDelay) {
		return
	}
	if err != nil {
		a.logger.ErrorPrintf("download assets from %s: %v", url, err)
		a.Alert(textError, textDownloadAssetsError, emotionError, audiosvc.SoundExclamation)
		a.sleep(a.cfg.Timings.AlertPause)
		a.setState(devicestate.Activating)
		return
	}
	a.logger.InfoPrintf("assets downloaded from %s", url)
	a.setState(devicestate.Activating)
	d.SetChatMessage(roleSystem, "")
	d.SetEmotion(emotionReady)
}

// checkNewVersion checks for new firmware, retrying with a doubling delay,
// then runs the activation exchange the server asks for. It reports whether
// new firmware was installed.
func (a *Application) checkNewVersion(o *ota.Client) bool {
	delay := a.cfg.Timings.VersionRetryDelay
	retries := 0
	for {
		if a.ctx.Err() != nil {
			return false
		}
		a.display().SetStatus(textCheckingNewVersion)

		if err := o.CheckVersion(a.ctx); err != nil {
			retries++
			if retries >= maxVersionRetries {
				a.logger.ErrorPrintf("too many version check failures, giving up: %v", err)
				return false
			}
			secs := int(delay.Seconds())
			a.logger.WarnPrintf("check new version failed, retry in %v (%d/%d): %v", delay, retries, maxVersionRetries, err)
			a.Alert(textError, fmt.Sprintf(textCheckVersionFailed, secs, fmt.Sprintf("%v, url=%s", err, a.cfg.OTAURL)), emotionCloudSlash, audiosvc.SoundExclamation)
			if !a.waitRetry(delay) {
				return false
			}
			delay *= 2
			continue
		}
		retries = 0
		delay = a.cfg.Timings.VersionRetryDelay

		if o.HasNewVersion() {
			if a.UpgradeFirmware(o.FirmwareURL(), o.FirmwareVersion()) {
				return true
			}
			// Upgrade failed; carry on with the running firmware.
		}

		o.MarkCurrentVersionValid()
		if !o.HasActivationCode() && !o.HasActivationChallenge() {
			return false
		}

		a.display().SetStatus(textActivation)
		if o.HasActivationCode() {
			a.showActivationCode(o.ActivationCode(), o.ActivationMessage())
		}
		// Check again: a successful activation no longer asks for one.
		a.activate(o)
	}
}

// waitRetry sleeps for d in slices, cutting the wait short once the user
// moved the device to Idle. It returns false if the application closed.
func (a *Application) waitRetry(d time.Duration) bool {
	slice := a.cfg.Timings.VersionRetrySlice
	for waited := time.Duration(0); waited < d; waited += slice {
		if !a.sleep(min(slice, d-waited)) {
			return false
		}
		if a.State() == devicestate.Idle {
			break
		}
	}
	return true
}

// activate answers the activation challenge until the server accepts it,
// giving up after a few attempts or once the device is Idle.
func (a *Application) activate(o *ota.Client) {
	for i := range maxActivateRetries {
		a.logger.InfoPrintf("activating... %d/%d", i+1, maxActivateRetries)
		err := o.Activate(a.ctx)
		if err == nil {
			a.display().SetChatMessage(roleSystem, "")
			return
		}
		wait := a.cfg.Timings.ActivateError
		if errors.Is(err, ota.ErrActivationTimeout) {
			wait = a.cfg.Timings.ActivatePending
		} else {
			a.logger.WarnPrintf("activate: %v", err)
		}
		if !a.sleep(wait) || a.State() == devicestate.Idle {
			return
		}
	}
}

// showActivationCode alerts the code and reads it out digit by digit.
func (a *Application) showActivationCode(code, message string) {
	a.Alert(textActivation, message, emotionLink, audiosvc.SoundActivation)
	for _, r := range code {
		if d, err := strconv.Atoi(string(r)); err == nil {
			a.audio.PlaySound(audiosvc.Digit(d))
		}
	}
}
