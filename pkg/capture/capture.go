// Package capture acquires microphone audio and delivers it as fixed-size
// frames at the device sample rate.
package capture

import (
	"context"
	"time"

	"github.com/mavu-ai/voicewire/pkg/audio"
)

// Default capture parameters.
const (
	DefaultSampleRate    = 48000
	DefaultFrameDuration = 100 * time.Millisecond
	DefaultFrameQueue    = 16
)

// Source delivers microphone frames. Implementations close the Frames
// channel when the source shuts down.
type Source interface {
	// Start begins frame delivery. Idempotent.
	Start(ctx context.Context) error

	// Frames returns the stream of captured frames.
	Frames() <-chan audio.Frame

	// Close stops capture and releases the device. Idempotent.
	Close() error
}

// Config configures a capture source.
type Config struct {
	// SampleRate of the capture device.
	SampleRate int

	// FrameDuration is the length of each delivered frame.
	FrameDuration time.Duration
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = DefaultFrameDuration
	}
}

// framer accumulates the raw PCM16 byte stream from the device callback and
// cuts it into whole frames. Not safe for concurrent use; the device
// serializes its data callbacks.
type framer struct {
	rate       int
	frameBytes int
	pending    []byte
	elapsed    time.Duration
}

func newFramer(rate int, frameDur time.Duration) *framer {
	n := int(int64(rate) * int64(frameDur) / int64(time.Second))
	return &framer{rate: rate, frameBytes: n * 2}
}

// push appends raw device bytes and returns every complete frame now
// available, stamped with its capture offset.
func (f *framer) push(data []byte) []audio.Frame {
	f.pending = append(f.pending, data...)

	var frames []audio.Frame
	for len(f.pending) >= f.frameBytes {
		chunk := f.pending[:f.frameBytes]
		f.pending = f.pending[f.frameBytes:]

		samples, err := audio.DecodePCM16(chunk)
		if err != nil {
			continue
		}
		frames = append(frames, audio.Frame{
			Samples:    samples,
			SampleRate: f.rate,
			Timestamp:  f.elapsed,
		})
		f.elapsed += audio.Duration(len(samples), f.rate)
	}
	return frames
}
