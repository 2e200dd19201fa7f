package application

import (
	"runtime"
	"time"

	"github.com/haivivi/gearfw/pkg/audiosvc"
	"github.com/haivivi/gearfw/pkg/board"
	"github.com/haivivi/gearfw/pkg/devicestate"
	"github.com/haivivi/gearfw/pkg/eventloop"
	"github.com/haivivi/gearfw/pkg/protocol"
)

func (a *Application) registerHandlers() {
	a.loop.Handle(eventloop.Error, a.handleError)
	a.loop.Handle(eventloop.NetworkConnected, a.handleNetworkConnected)
	a.loop.Handle(eventloop.NetworkDisconnected, a.handleNetworkDisconnected)
	a.loop.Handle(eventloop.ActivationDone, a.handleActivationDone)
	a.loop.Handle(eventloop.StateChanged, a.handleStateChanged)
	a.loop.Handle(eventloop.ToggleChat, a.handleToggleChat)
	a.loop.Handle(eventloop.StartListening, a.handleStartListening)
	a.loop.Handle(eventloop.StopListening, a.handleStopListening)
	a.loop.Handle(eventloop.SendAudio, a.handleSendAudio)
	a.loop.Handle(eventloop.WakeWordDetected, a.handleWakeWordDetected)
	a.loop.Handle(eventloop.VadChange, a.handleVadChange)
	a.loop.Handle(eventloop.ClockTick, a.handleClockTick)
}

// onNetworkEvent runs on the board's goroutine. It only touches the
// display and raises flags.
func (a *Application) onNetworkEvent(ev board.NetworkEvent, data string) {
	d := a.display()
	long := 10 * a.cfg.Timings.Notification
	switch ev {
	case board.NetworkScanning:
		d.ShowNotification(textScanningWifi, long)
		a.loop.Set(eventloop.NetworkDisconnected)
	case board.NetworkConnecting:
		if data == "" {
			// Cellular registration before the carrier is known.
			d.SetStatus(textRegisteringNetwork)
		} else {
			d.ShowNotification(textConnectTo+data+"...", long)
		}
	case board.NetworkConnected:
		d.ShowNotification(textConnectedTo+data, long)
		a.loop.Set(eventloop.NetworkConnected)
	case board.NetworkDisconnected:
		a.loop.Set(eventloop.NetworkDisconnected)
	case board.WifiConfigModeEnter, board.WifiConfigModeExit:
		// The board drives the configuration portal itself.
	case board.ModemDetecting:
		d.SetStatus(textDetectingModule)
	case board.ModemErrorNoSim:
		a.Alert(textError, textPinError, emotionWarning, audiosvc.SoundErrorPIN)
	case board.ModemErrorRegDenied:
		a.Alert(textError, textRegError, emotionWarning, audiosvc.SoundErrorReg)
	case board.ModemErrorInitFailed:
		a.Alert(textError, textModemInitError, emotionWarning, audiosvc.SoundExclamation)
	case board.ModemErrorTimeout:
		d.SetStatus(textRegisteringNetwork)
	}
}

func (a *Application) handleError() {
	a.setState(devicestate.Idle)
	a.Alert(textError, a.lastErrorMessage(), emotionError, audiosvc.SoundExclamation)
}

func (a *Application) handleNetworkConnected() {
	a.logger.InfoPrintf("network connected")
	switch a.State() {
	case devicestate.Starting, devicestate.WifiConfiguring:
		a.setState(devicestate.Activating)
		if !a.activating.CompareAndSwap(false, true) {
			a.logger.WarnPrintf("activation task already running")
			return
		}
		go func() {
			defer a.activating.Store(false)
			a.activationTask()
		}()
	default:
		a.mu.Lock()
		h, rm := a.hub, a.reconnect
		a.mu.Unlock()
		if h != nil && !h.IsConnected() {
			a.logger.InfoPrintf("network restored, hub is %s", h.ConnectionState())
			rm.Request()
		}
	}
	a.display().UpdateStatusBar(true)
}

func (a *Application) handleNetworkDisconnected() {
	switch a.State() {
	case devicestate.Connecting, devicestate.Listening, devicestate.Speaking:
		a.logger.InfoPrintf("closing audio channel due to network disconnection")
		if p := a.proto(); p != nil {
			p.CloseAudioChannel()
		}
		a.setState(devicestate.Idle)
	}

	a.mu.Lock()
	h := a.hub
	a.mu.Unlock()
	if h != nil {
		a.logger.InfoPrintf("disconnecting hub due to network loss")
		h.Disconnect()
	}
	a.display().UpdateStatusBar(true)
}

func (a *Application) handleActivationDone() {
	a.logger.InfoPrintf("activation done")
	a.setState(devicestate.Idle)

	a.mu.Lock()
	o := a.ota
	a.ota = nil
	a.mu.Unlock()

	version := a.info.FirmwareVersion
	if o != nil {
		version = o.CurrentVersion()
		if o.HasServerTime() {
			a.logger.InfoPrintf("server time %s", o.ServerNow().Format(time.RFC3339))
		}
	}
	d := a.display()
	d.ShowNotification(textVersion+version, a.cfg.Timings.Notification)
	d.SetChatMessage(roleSystem, "")

	a.audio.PlaySound(audiosvc.SoundSuccess)
	a.board.SetPowerSaveLevel(board.LowPower)
}

func (a *Application) handleStateChanged() {
	state := a.State()
	a.clockTicks = 0
	a.board.Led().OnStateChanged(state)

	d := a.display()
	switch state {
	case devicestate.Unknown, devicestate.Idle:
		d.SetStatus(textStandby)
		d.SetEmotion(emotionNeutral)
		a.audio.EnableVoiceProcessing(false)
		a.audio.EnableWakeWordDetection(true)
	case devicestate.Connecting:
		d.SetStatus(textConnecting)
		d.SetEmotion(emotionNeutral)
		d.SetChatMessage(roleSystem, "")
	case devicestate.Listening:
		d.SetStatus(textListening)
		d.SetEmotion(emotionNeutral)
		if !a.audio.IsAudioProcessorRunning() {
			// Let a late reply finish playing so it is not cut by the
			// decoder reset.
			if a.listeningMode == protocol.AutoStop {
				a.audio.WaitForPlaybackQueueEmpty()
			}
			if p := a.proto(); p != nil {
				p.SendStartListening(a.listeningMode)
			}
			a.audio.EnableVoiceProcessing(true)
			a.audio.EnableWakeWordDetection(false)
		}
		// After EnableVoiceProcessing, which resets the decoder.
		if a.playPopup {
			a.playPopup = false
			a.audio.PlaySound(audiosvc.SoundPopup)
		}
	case devicestate.Speaking:
		d.SetStatus(textSpeaking)
		if a.listeningMode != protocol.Realtime {
			a.audio.EnableVoiceProcessing(false)
			a.audio.EnableWakeWordDetection(a.audio.IsAfeWakeWord())
		}
		a.audio.ResetDecoder()
	case devicestate.WifiConfiguring:
		a.audio.EnableVoiceProcessing(false)
		a.audio.EnableWakeWordDetection(false)
	}
}

// openAudioChannel makes sure the channel is open, entering Connecting
// while it is established.
func (a *Application) openAudioChannel(p protocol.Protocol) bool {
	if p.IsAudioChannelOpened() {
		return true
	}
	a.setState(devicestate.Connecting)
	return p.OpenAudioChannel(a.ctx)
}

func (a *Application) handleToggleChat() {
	switch a.State() {
	case devicestate.Activating:
		a.setState(devicestate.Idle)
		return
	case devicestate.WifiConfiguring:
		a.audio.EnableAudioTesting(true)
		a.setState(devicestate.AudioTesting)
		return
	case devicestate.AudioTesting:
		a.audio.EnableAudioTesting(false)
		a.setState(devicestate.WifiConfiguring)
		return
	}

	p := a.proto()
	if p == nil {
		a.logger.ErrorPrintf("protocol not initialized")
		return
	}
	switch a.State() {
	case devicestate.Idle:
		if !a.openAudioChannel(p) {
			return
		}
		a.SetListeningMode(a.conversationMode())
	case devicestate.Speaking:
		a.AbortSpeaking(protocol.AbortNone)
	case devicestate.Listening:
		p.CloseAudioChannel()
	}
}

func (a *Application) handleStartListening() {
	switch a.State() {
	case devicestate.Activating:
		a.setState(devicestate.Idle)
		return
	case devicestate.WifiConfiguring:
		a.audio.EnableAudioTesting(true)
		a.setState(devicestate.AudioTesting)
		return
	}

	p := a.proto()
	if p == nil {
		a.logger.ErrorPrintf("protocol not initialized")
		return
	}
	switch a.State() {
	case devicestate.Idle:
		if !a.openAudioChannel(p) {
			return
		}
		a.SetListeningMode(protocol.ManualStop)
	case devicestate.Speaking:
		a.AbortSpeaking(protocol.AbortNone)
		a.SetListeningMode(protocol.ManualStop)
	}
}

func (a *Application) handleStopListening() {
	switch a.State() {
	case devicestate.AudioTesting:
		a.audio.EnableAudioTesting(false)
		a.setState(devicestate.WifiConfiguring)
	case devicestate.Listening:
		if p := a.proto(); p != nil {
			p.SendStopListening()
		}
		a.setState(devicestate.Idle)
	}
}

func (a *Application) handleSendAudio() {
	p := a.proto()
	for {
		packet, ok := a.audio.PopPacketFromSendQueue()
		if !ok {
			return
		}
		if p != nil && !p.SendAudio(packet) {
			return
		}
	}
}

func (a *Application) handleWakeWordDetected() {
	p := a.proto()
	if p == nil {
		return
	}
	switch a.State() {
	case devicestate.Idle:
		a.wakeFromIdle(p, a.audio.LastWakeWord())
	case devicestate.Speaking:
		a.AbortSpeaking(protocol.AbortWakeWordDetected)
	case devicestate.Activating:
		// Restarts the activation check.
		a.setState(devicestate.Idle)
	}
}

func (a *Application) wakeFromIdle(p protocol.Protocol, wakeWord string) {
	a.audio.EncodeWakeWord()
	if !a.openAudioChannel(p) {
		a.audio.EnableWakeWordDetection(true)
		return
	}
	a.logger.InfoPrintf("wake word detected: %s", wakeWord)
	if a.cfg.SendWakeWordData {
		for {
			packet, ok := a.audio.PopWakeWordPacket()
			if !ok {
				break
			}
			p.SendAudio(packet)
		}
		p.SendWakeWordDetected(wakeWord)
	} else {
		// Played on entering Listening; a sound queued now would be
		// dropped by the decoder reset.
		a.playPopup = true
	}
	a.SetListeningMode(a.conversationMode())
}

func (a *Application) handleVadChange() {
	if state := a.State(); state == devicestate.Listening {
		a.board.Led().OnStateChanged(state)
	}
}

func (a *Application) handleClockTick() {
	a.clockTicks++
	a.display().UpdateStatusBar(false)

	if a.clockTicks%10 == 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		a.logger.DebugPrintf("heap alloc=%dKB sys=%dKB goroutines=%d",
			ms.HeapAlloc/1024, ms.Sys/1024, runtime.NumGoroutine())
	}
	a.checkHubToken()
}
