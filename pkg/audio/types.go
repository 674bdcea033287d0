package audio

import "time"

// Frame represents a single frame of captured audio flowing through the
// pipeline. Frames are the atomic unit of the capture path: produced per
// capture tick, resampled to the transport rate, encoded, and released.
type Frame struct {
	// Samples holds mono float32 samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz at which Samples were captured (e.g. 44100, 48000).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame at its sample rate.
func (f Frame) Duration() time.Duration {
	return Duration(len(f.Samples), f.SampleRate)
}

// Duration returns the playback duration of n mono samples at rate Hz.
// Returns zero for a non-positive rate.
func Duration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
