// Package audiosvc is the audio pipeline as the device core sees it: capture
// frames queued for sending, received frames queued for playback, wake-word
// and voice-activity events, and prompt sounds.
//
// Signal processing itself (echo cancellation, VAD and wake-word models,
// encoding) lives behind [Service]. [Sim] is a software implementation that
// produces PCM frames and plays received frames into a [Codec].
package audiosvc

import (
	"strconv"

	"github.com/haivivi/gearfw/pkg/protocol"
)

// Sound names a built-in prompt sound.
type Sound string

const (
	SoundSuccess     Sound = "success"
	SoundPopup       Sound = "popup"
	SoundVibration   Sound = "vibration"
	SoundExclamation Sound = "exclamation"
	SoundLowBattery  Sound = "low_battery"
	SoundActivation  Sound = "activation"
	SoundUpgrade     Sound = "upgrade"
	SoundWifiConfig  Sound = "wificonfig"
	SoundErrorPIN    Sound = "err_pin"
	SoundErrorReg    Sound = "err_reg"
)

// Digit returns the sound reading out d (0..9).
func Digit(d int) Sound {
	return Sound(strconv.Itoa(d % 10))
}

// Callbacks are raised from audio goroutines; they must not block.
type Callbacks struct {
	// OnSendQueueAvailable fires when packets are waiting in the send queue.
	OnSendQueueAvailable func()
	// OnWakeWordDetected fires with the detected phrase.
	OnWakeWordDetected func(wakeWord string)
	// OnVadChange fires when voice activity starts or stops.
	OnVadChange func(speaking bool)
}

// Codec is the audio hardware: a microphone input and a speaker output.
type Codec interface {
	InputSampleRate() int
	OutputSampleRate() int
	OutputVolume() int
	SetOutputVolume(volume int)
	// WriteOutput plays mono PCM samples in [-1, 1] at OutputSampleRate.
	WriteOutput(samples []float64)
}

// Service is the audio pipeline.
type Service interface {
	Initialize(codec Codec)
	SetCallbacks(cb Callbacks)
	Start()
	Stop()

	EnableVoiceProcessing(enable bool)
	EnableWakeWordDetection(enable bool)
	EnableDeviceAec(enable bool)
	EnableAudioTesting(enable bool)

	// PopPacketFromSendQueue returns the oldest captured packet.
	PopPacketFromSendQueue() (*protocol.AudioPacket, bool)
	// PushPacketToDecodeQueue queues a received packet for playback. With
	// wait false a full queue rejects the packet.
	PushPacketToDecodeQueue(packet *protocol.AudioPacket, wait bool) bool
	// EncodeWakeWord snapshots the audio around the last wake word so it
	// can be sent with PopWakeWordPacket.
	EncodeWakeWord()
	PopWakeWordPacket() (*protocol.AudioPacket, bool)

	PlaySound(sound Sound)
	// PlayAudio plays an encoded clip fetched at runtime.
	PlayAudio(data []byte)
	ResetDecoder()
	// WaitForPlaybackQueueEmpty blocks until queued playback has drained or
	// a bounded timeout elapses.
	WaitForPlaybackQueueEmpty()

	IsIdle() bool
	IsVoiceDetected() bool
	IsAudioProcessorRunning() bool
	IsWakeWordRunning() bool
	// IsAfeWakeWord reports whether wake-word detection shares the audio
	// front end with voice processing and may stay on while speaking.
	IsAfeWakeWord() bool
	LastWakeWord() string
}
