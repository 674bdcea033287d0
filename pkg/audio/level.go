package audio

import (
	"math"
	"sync"
)

// DefaultSmoothing is the exponential smoothing factor applied per observed
// buffer. Higher values react faster; lower values give steadier animation.
const DefaultSmoothing = 0.3

// Meter tracks a smoothed playback amplitude in [0, 1], suitable for driving
// avatar mouth animation or a UI level indicator. Observe is called by the
// playback scheduler per scheduled buffer; Level may be read from any
// goroutine.
type Meter struct {
	mu        sync.Mutex
	smoothing float64
	level     float64
}

// NewMeter creates a Meter with the given smoothing factor in (0, 1].
// A non-positive or out-of-range factor falls back to [DefaultSmoothing].
func NewMeter(smoothing float64) *Meter {
	if smoothing <= 0 || smoothing > 1 {
		smoothing = DefaultSmoothing
	}
	return &Meter{smoothing: smoothing}
}

// Observe folds the RMS amplitude of samples into the smoothed level.
// An empty buffer decays the level toward zero.
func (m *Meter) Observe(samples []float32) {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := 0.0
	if len(samples) > 0 {
		rms = math.Sqrt(sum / float64(len(samples)))
	}
	if rms > 1 {
		rms = 1
	}

	m.mu.Lock()
	m.level += (rms - m.level) * m.smoothing
	m.mu.Unlock()
}

// Reset snaps the level back to zero, used when playback deactivates.
func (m *Meter) Reset() {
	m.mu.Lock()
	m.level = 0
	m.mu.Unlock()
}

// Level returns the current smoothed amplitude in [0, 1].
func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}
