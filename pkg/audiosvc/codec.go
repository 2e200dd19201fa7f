package audiosvc

import (
	"sync"
	"sync/atomic"
)

// SimCodec is a Codec with no hardware behind it. It counts played samples
// and keeps the peak level for meters.
type SimCodec struct {
	inputRate  int
	outputRate int
	volume     atomic.Int32

	mu      sync.Mutex
	written int64
	peak    float64
}

var _ Codec = (*SimCodec)(nil)

// NewSimCodec returns a codec with the given rates and volume 70.
func NewSimCodec(inputRate, outputRate int) *SimCodec {
	c := &SimCodec{inputRate: inputRate, outputRate: outputRate}
	c.volume.Store(70)
	return c
}

func (c *SimCodec) InputSampleRate() int  { return c.inputRate }
func (c *SimCodec) OutputSampleRate() int { return c.outputRate }
func (c *SimCodec) OutputVolume() int     { return int(c.volume.Load()) }

func (c *SimCodec) SetOutputVolume(volume int) {
	c.volume.Store(int32(max(0, min(100, volume))))
}

func (c *SimCodec) WriteOutput(samples []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written += int64(len(samples))
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		c.peak = max(c.peak, s)
	}
}

// Written returns the number of samples played so far.
func (c *SimCodec) Written() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

// Peak returns the largest absolute sample played.
func (c *SimCodec) Peak() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}
