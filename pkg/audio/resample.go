// Package audio provides the sample-level building blocks of the voicewire
// pipeline: frames, linear-interpolation resampling, PCM16 encoding and
// decoding, fade ramps, and a smoothed playback level meter.
//
// Everything in this package is deterministic and stateless per call (the
// [Meter] being the one stateful exception), which keeps the capture and
// playback paths reproducible under test.
package audio

// Resample converts mono float32 samples from srcRate to dstRate using linear
// interpolation. For a ratio r = srcRate/dstRate the output has
// floor(len(samples)/r) samples; output sample i is interpolated at fractional
// source position i*r, clamping at the final input sample when the position
// runs past the end. Same-rate input is returned unchanged.
//
// Deterministic and stateless: identical input always yields identical output.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(srcRate) / float64(dstRate)
	n := int(float64(len(samples)) / ratio)
	if n == 0 {
		return nil
	}

	out := make([]float32, n)
	last := len(samples) - 1
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := samples[idx+1]
		out[i] = s0 + (s1-s0)*frac
	}
	return out
}
