package audio_test

import (
	"testing"

	"github.com/mavu-ai/voicewire/pkg/audio"
)

func TestMeter_StartsSilent(t *testing.T) {
	m := audio.NewMeter(0.3)
	if m.Level() != 0 {
		t.Errorf("initial level = %f; want 0", m.Level())
	}
}

func TestMeter_RisesWithSignalAndDecaysWithSilence(t *testing.T) {
	m := audio.NewMeter(0.5)

	loud := ones(480)
	for range 10 {
		m.Observe(loud)
	}
	high := m.Level()
	if high < 0.9 {
		t.Fatalf("level after sustained signal = %f; want > 0.9", high)
	}

	silence := make([]float32, 480)
	for range 10 {
		m.Observe(silence)
	}
	if low := m.Level(); low >= high/10 {
		t.Errorf("level after sustained silence = %f; want well below %f", low, high)
	}
}

func TestMeter_LevelBounded(t *testing.T) {
	m := audio.NewMeter(1.0)
	over := make([]float32, 100)
	for i := range over {
		over[i] = 2.0 // out-of-range input must not push level past 1
	}
	m.Observe(over)
	if l := m.Level(); l > 1 {
		t.Errorf("level = %f; want <= 1", l)
	}
}

func TestMeter_Reset(t *testing.T) {
	m := audio.NewMeter(1.0)
	m.Observe(ones(100))
	m.Reset()
	if m.Level() != 0 {
		t.Errorf("level after reset = %f; want 0", m.Level())
	}
}

func TestMeter_InvalidSmoothingFallsBack(t *testing.T) {
	m := audio.NewMeter(-3)
	m.Observe(ones(10))
	if m.Level() <= 0 {
		t.Error("meter with fallback smoothing never rose")
	}
}
