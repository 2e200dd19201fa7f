// Package protocol defines the audio-channel session abstraction the device
// core talks to, and its WebSocket and MQTT bindings.
//
// A Protocol carries two kinds of traffic once its audio channel is open:
// binary audio packets in both directions, and JSON control messages. The
// core never parses the wire formats; it sees [Callbacks] and the methods
// of [Protocol].
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrNotConnected = errors.New("protocol: not connected")
	ErrTimeout      = errors.New("protocol: server timeout")
	ErrClosed       = errors.New("protocol: closed")
)

// ListeningMode governs how the Listening state is left.
type ListeningMode int

const (
	// ManualStop keeps listening until the device sends stop.
	ManualStop ListeningMode = iota
	// AutoStop lets the server end the turn on detected silence.
	AutoStop
	// Realtime streams continuously, with playback and capture overlapping.
	Realtime
)

// String returns the wire name of the mode.
func (m ListeningMode) String() string {
	switch m {
	case ManualStop:
		return "manual"
	case AutoStop:
		return "auto"
	case Realtime:
		return "realtime"
	default:
		return fmt.Sprintf("ListeningMode(%d)", int(m))
	}
}

// AbortReason explains why the device interrupts the server's speech.
type AbortReason int

const (
	AbortNone AbortReason = iota
	AbortWakeWordDetected
)

// String returns the wire name of the reason. AbortNone has no wire name.
func (r AbortReason) String() string {
	switch r {
	case AbortWakeWordDetected:
		return "wake_word_detected"
	default:
		return ""
	}
}

// AudioPacket is one encoded audio frame.
type AudioPacket struct {
	SampleRate    int
	FrameDuration int // milliseconds
	Timestamp     uint32
	Payload       []byte
}

// AudioParams describes an audio stream in the hello handshake.
type AudioParams struct {
	Format        string `json:"format,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	FrameDuration int    `json:"frame_duration,omitempty"`
}

// DefaultAudioParams is what the device announces when none is configured.
var DefaultAudioParams = AudioParams{
	Format:        "opus",
	SampleRate:    16000,
	Channels:      1,
	FrameDuration: 60,
}

// Callbacks receive protocol events. They may be called from the protocol's
// own goroutines; implementations must not block and should hand work to the
// event loop.
type Callbacks struct {
	OnConnected          func()
	OnNetworkError       func(message string)
	OnIncomingAudio      func(packet *AudioPacket)
	OnAudioChannelOpened func()
	OnAudioChannelClosed func()
	OnIncomingJSON       func(msg json.RawMessage)
}

// Protocol is a session with the conversation backend.
type Protocol interface {
	// SetCallbacks replaces the event callbacks. Call before Start.
	SetCallbacks(cb Callbacks)
	// Start prepares the transport. Bindings that connect lazily return nil
	// immediately.
	Start(ctx context.Context) error
	// OpenAudioChannel establishes the audio session. It reports failures
	// through OnNetworkError and returns false.
	OpenAudioChannel(ctx context.Context) bool
	// CloseAudioChannel ends the audio session. OnAudioChannelClosed fires
	// once per opened channel.
	CloseAudioChannel()
	// IsAudioChannelOpened reports whether the audio session is usable.
	IsAudioChannelOpened() bool
	// SendAudio sends one packet. False means the packet was not accepted
	// and the caller should stop sending for now.
	SendAudio(packet *AudioPacket) bool
	SendStartListening(mode ListeningMode)
	SendStopListening()
	SendAbortSpeaking(reason AbortReason)
	SendWakeWordDetected(wakeWord string)
	SendMcpMessage(payload json.RawMessage)
	// ServerSampleRate is the sample rate of the audio the server sends.
	ServerSampleRate() int
	// Close releases the transport.
	Close() error
}
