package audio

import "time"

// FadeIn applies an in-place linear ramp from silence over the first d of the
// buffer. Prevents the audible pop when playback starts on a fresh utterance.
// The ramp is clamped to the buffer length.
func FadeIn(samples []float32, rate int, d time.Duration) {
	n := rampSamples(len(samples), rate, d)
	for i := range n {
		samples[i] *= float32(i) / float32(n)
	}
}

// FadeOut applies an in-place linear ramp to silence over the last d of the
// buffer. Avoids inter-chunk clicks at scheduled buffer boundaries.
// The ramp is clamped to the buffer length.
func FadeOut(samples []float32, rate int, d time.Duration) {
	n := rampSamples(len(samples), rate, d)
	off := len(samples) - n
	for i := range n {
		samples[off+i] *= float32(n-i) / float32(n)
	}
}

// rampSamples converts a ramp duration to a sample count bounded by max.
func rampSamples(max, rate int, d time.Duration) int {
	if rate <= 0 || d <= 0 || max == 0 {
		return 0
	}
	n := int(int64(rate) * int64(d) / int64(time.Second))
	if n > max {
		n = max
	}
	return n
}
