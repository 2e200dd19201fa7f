package audiosvc

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haivivi/gearfw/pkg/protocol"
	resampling "github.com/tphakala/go-audio-resampling"
)

// SimConfig configures a Sim.
type SimConfig struct {
	// FrameDuration of captured packets. Defaults to 60ms.
	FrameDuration time.Duration
	// SendQueueSize bounds captured packets waiting to be sent. The oldest
	// packet is dropped when full. Defaults to 40.
	SendQueueSize int
	// DecodeQueueSize bounds received packets waiting for playback.
	// Defaults to 40.
	DecodeQueueSize int
	// WakeWordFrames is how many frames before a wake word are kept for
	// EncodeWakeWord. Defaults to 2s worth.
	WakeWordFrames int
	// PlaybackTimeout bounds WaitForPlaybackQueueEmpty. Defaults to 5s.
	PlaybackTimeout time.Duration
	// Realtime paces playback to the packet duration.
	Realtime bool
	// AfeWakeWord keeps wake-word detection on while speaking.
	AfeWakeWord bool
	Logger      *slog.Logger
}

func (c *SimConfig) setDefaults() {
	if c.FrameDuration <= 0 {
		c.FrameDuration = 60 * time.Millisecond
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 40
	}
	if c.DecodeQueueSize <= 0 {
		c.DecodeQueueSize = 40
	}
	if c.WakeWordFrames <= 0 {
		c.WakeWordFrames = int(2 * time.Second / c.FrameDuration)
	}
	if c.PlaybackTimeout <= 0 {
		c.PlaybackTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Sim is a software audio pipeline. Captured frames are synthesized: silence,
// or a tone while voice is active. Payloads are little-endian 16-bit PCM.
type Sim struct {
	cfg    SimConfig
	logger *slog.Logger

	cbMu  sync.Mutex
	cb    Callbacks
	codec Codec

	send     *packetQueue
	decode   *packetQueue
	preWake  *packetQueue
	wakeWord *packetQueue
	testing  *packetQueue
	wake     chan struct{}

	voiceProcessing atomic.Bool
	wakeWordOn      atomic.Bool
	deviceAec       atomic.Bool
	audioTesting    atomic.Bool
	voiceActive     atomic.Bool
	playing         atomic.Bool
	timestamp       atomic.Uint32

	wordMu       sync.Mutex
	lastWakeWord string

	rsMu       sync.Mutex
	resamplers map[int]resampling.Resampler

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Service = (*Sim)(nil)

// NewSim creates a Sim. Call Initialize and Start before use.
func NewSim(cfg SimConfig) *Sim {
	cfg.setDefaults()
	return &Sim{
		cfg:        cfg,
		logger:     cfg.Logger,
		send:       newPacketQueue(cfg.SendQueueSize),
		decode:     newPacketQueue(cfg.DecodeQueueSize),
		preWake:    newPacketQueue(cfg.WakeWordFrames),
		wakeWord:   newPacketQueue(cfg.WakeWordFrames),
		testing:    newPacketQueue(int(10 * time.Second / cfg.FrameDuration)),
		wake:       make(chan struct{}, 1),
		resamplers: make(map[int]resampling.Resampler),
	}
}

func (s *Sim) Initialize(codec Codec) {
	s.cbMu.Lock()
	s.codec = codec
	s.cbMu.Unlock()
}

func (s *Sim) SetCallbacks(cb Callbacks) {
	s.cbMu.Lock()
	s.cb = cb
	s.cbMu.Unlock()
}

func (s *Sim) callbacks() (Callbacks, Codec) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	return s.cb, s.codec
}

// Start runs the capture and playback goroutines. Start on a running Sim is
// a no-op.
func (s *Sim) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go s.captureLoop(ctx)
	go s.playbackLoop(ctx)
	s.logger.Info("audiosvc: started")
}

// Stop halts the goroutines started by Start and waits for them.
func (s *Sim) Stop() {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("audiosvc: stopped")
}

func (s *Sim) captureLoop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.FrameDuration)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Capture()
		}
	}
}

// Capture produces one input frame and routes it to the active consumers:
// the send queue, the wake-word history and the audio test recording.
func (s *Sim) Capture() {
	processing := s.voiceProcessing.Load()
	wakeWord := s.wakeWordOn.Load()
	testing := s.audioTesting.Load()
	if !processing && !wakeWord && !testing {
		return
	}
	cb, codec := s.callbacks()
	rate := 16000
	if codec != nil {
		rate = codec.InputSampleRate()
	}
	n := rate * int(s.cfg.FrameDuration/time.Millisecond) / 1000
	samples := make([]float64, n)
	if s.voiceActive.Load() {
		ts := s.timestamp.Load()
		for i := range samples {
			phase := float64(int(ts)*n+i) / float64(rate)
			samples[i] = 0.3 * math.Sin(2*math.Pi*220*phase)
		}
	}
	packet := &protocol.AudioPacket{
		SampleRate:    rate,
		FrameDuration: int(s.cfg.FrameDuration / time.Millisecond),
		Timestamp:     s.timestamp.Add(1),
		Payload:       encodePCM(samples),
	}

	if testing {
		s.testing.push(packet, true)
		return
	}
	if wakeWord {
		s.preWake.push(packet, true)
	}
	if processing {
		s.send.push(packet, true)
		if cb.OnSendQueueAvailable != nil {
			cb.OnSendQueueAvailable()
		}
	}
}

// TriggerWakeWord simulates the detector firing. It reports false when
// wake-word detection is off.
func (s *Sim) TriggerWakeWord(word string) bool {
	if !s.wakeWordOn.Load() {
		return false
	}
	s.wordMu.Lock()
	s.lastWakeWord = word
	s.wordMu.Unlock()
	s.logger.Info("audiosvc: wake word detected", "word", word)
	if cb, _ := s.callbacks(); cb.OnWakeWordDetected != nil {
		cb.OnWakeWordDetected(word)
	}
	return true
}

// SetVoiceActive simulates the VAD. OnVadChange fires on edges while voice
// processing is on.
func (s *Sim) SetVoiceActive(active bool) {
	if s.voiceActive.Swap(active) == active {
		return
	}
	if !s.voiceProcessing.Load() {
		return
	}
	if cb, _ := s.callbacks(); cb.OnVadChange != nil {
		cb.OnVadChange(active)
	}
}

func (s *Sim) IsVoiceDetected() bool {
	return s.voiceProcessing.Load() && s.voiceActive.Load()
}

func (s *Sim) EnableVoiceProcessing(enable bool) {
	if s.voiceProcessing.Swap(enable) == enable {
		return
	}
	if enable {
		s.send.clear()
	}
	s.logger.Debug("audiosvc: voice processing", "enable", enable)
}

func (s *Sim) EnableWakeWordDetection(enable bool) {
	if s.wakeWordOn.Swap(enable) == enable {
		return
	}
	if enable {
		s.preWake.clear()
	}
	s.logger.Debug("audiosvc: wake word detection", "enable", enable)
}

func (s *Sim) EnableDeviceAec(enable bool) {
	s.deviceAec.Store(enable)
	s.logger.Info("audiosvc: device aec", "enable", enable)
}

// EnableAudioTesting records microphone input while enabled and plays the
// recording back when disabled.
func (s *Sim) EnableAudioTesting(enable bool) {
	if s.audioTesting.Swap(enable) == enable {
		return
	}
	if enable {
		s.testing.clear()
		return
	}
	for _, p := range s.testing.snapshot() {
		s.PushPacketToDecodeQueue(p, false)
	}
	s.testing.clear()
}

func (s *Sim) PopPacketFromSendQueue() (*protocol.AudioPacket, bool) {
	return s.send.pop()
}

func (s *Sim) PushPacketToDecodeQueue(packet *protocol.AudioPacket, wait bool) bool {
	deadline := time.Now().Add(s.cfg.PlaybackTimeout)
	for !s.decode.push(packet, false) {
		if !wait || time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Sim) EncodeWakeWord() {
	s.wakeWord.clear()
	for _, p := range s.preWake.snapshot() {
		s.wakeWord.push(p, true)
	}
	s.preWake.clear()
}

func (s *Sim) PopWakeWordPacket() (*protocol.AudioPacket, bool) {
	return s.wakeWord.pop()
}

func (s *Sim) LastWakeWord() string {
	s.wordMu.Lock()
	defer s.wordMu.Unlock()
	return s.lastWakeWord
}

// PlaySound queues a short synthesized chime for sound.
func (s *Sim) PlaySound(sound Sound) {
	_, codec := s.callbacks()
	rate := 24000
	if codec != nil {
		rate = codec.OutputSampleRate()
	}
	h := fnv.New32a()
	h.Write([]byte(sound))
	freq := 400 + float64(h.Sum32()%800)
	samples := make([]float64, rate/10)
	for i := range samples {
		samples[i] = 0.2 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	s.logger.Debug("audiosvc: play sound", "sound", sound)
	s.PushPacketToDecodeQueue(&protocol.AudioPacket{
		SampleRate:    rate,
		FrameDuration: 100,
		Payload:       encodePCM(samples),
	}, true)
}

// PlayAudio queues 16-bit PCM at the codec output rate, split into frames.
func (s *Sim) PlayAudio(data []byte) {
	_, codec := s.callbacks()
	rate := 24000
	if codec != nil {
		rate = codec.OutputSampleRate()
	}
	frameMs := int(s.cfg.FrameDuration / time.Millisecond)
	frameBytes := rate * frameMs / 1000 * 2
	for len(data) > 0 {
		n := min(frameBytes, len(data))
		s.PushPacketToDecodeQueue(&protocol.AudioPacket{
			SampleRate:    rate,
			FrameDuration: frameMs,
			Payload:       data[:n],
		}, true)
		data = data[n:]
	}
}

func (s *Sim) ResetDecoder() {
	s.decode.clear()
	s.rsMu.Lock()
	clear(s.resamplers)
	s.rsMu.Unlock()
}

func (s *Sim) WaitForPlaybackQueueEmpty() {
	deadline := time.Now().Add(s.cfg.PlaybackTimeout)
	for s.decode.len() > 0 || s.playing.Load() {
		if time.Now().After(deadline) {
			s.logger.Warn("audiosvc: playback queue not drained", "remaining", s.decode.len())
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Sim) IsIdle() bool {
	return s.send.len() == 0 && s.decode.len() == 0 && s.testing.len() == 0 && !s.playing.Load()
}

func (s *Sim) IsAudioProcessorRunning() bool {
	return s.voiceProcessing.Load()
}

func (s *Sim) IsWakeWordRunning() bool {
	return s.wakeWordOn.Load()
}

func (s *Sim) IsAfeWakeWord() bool {
	return s.cfg.AfeWakeWord
}

func (s *Sim) playbackLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.playing.Store(true)
		p, ok := s.decode.pop()
		if !ok {
			s.playing.Store(false)
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		s.play(p)
		if s.cfg.Realtime && p.FrameDuration > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(p.FrameDuration) * time.Millisecond):
			}
		}
		s.playing.Store(false)
	}
}

// play decodes p and writes it to the codec, resampling when the packet
// rate differs from the codec output rate.
func (s *Sim) play(p *protocol.AudioPacket) {
	_, codec := s.callbacks()
	if codec == nil {
		return
	}
	samples := decodePCM(p.Payload)
	out := codec.OutputSampleRate()
	if p.SampleRate > 0 && p.SampleRate != out {
		rs, err := s.resampler(p.SampleRate, out)
		if err != nil {
			s.logger.Error("audiosvc: create resampler", "from", p.SampleRate, "to", out, "error", err)
			return
		}
		samples, err = rs.Process(samples)
		if err != nil {
			s.logger.Error("audiosvc: resample", "error", err)
			return
		}
	}
	if len(samples) > 0 {
		codec.WriteOutput(samples)
	}
}

func (s *Sim) resampler(from, to int) (resampling.Resampler, error) {
	s.rsMu.Lock()
	defer s.rsMu.Unlock()
	if rs, ok := s.resamplers[from]; ok {
		return rs, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, err
	}
	s.resamplers[from] = rs
	return rs, nil
}

func encodePCM(samples []float64) []byte {
	b := make([]byte, len(samples)*2)
	for i, v := range samples {
		v = max(-1, min(1, v))
		binary.LittleEndian.PutUint16(b[i*2:], uint16(int16(v*32767)))
	}
	return b
}

func decodePCM(b []byte) []float64 {
	samples := make([]float64, len(b)/2)
	for i := range samples {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(b[i*2:]))) / 32768
	}
	return samples
}
