package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodePCM16 quantizes mono float32 samples to little-endian signed 16-bit
// PCM. A gain other than 1.0 is applied before quantization. Samples are
// clamped (not wrapped) to [-1, 1] after gain.
func EncodePCM16(samples []float32, gain float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s)
		if gain != 1.0 && gain != 0 {
			v *= gain
		}
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}

// DecodePCM16 converts little-endian signed 16-bit PCM bytes to mono float32
// samples in [-1, 1]. An odd byte count is malformed input and returns an
// error so the caller can drop the chunk without corrupting the stream.
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("audio: odd PCM16 byte count %d", len(data))
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / math.MaxInt16
	}
	return out, nil
}
