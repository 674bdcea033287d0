// Package speaker plays scheduled audio buffers through the system's default
// output device.
package speaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/mavu-ai/voicewire/pkg/audio"
	"github.com/mavu-ai/voicewire/pkg/playback"
)

var _ playback.Sink = (*Speaker)(nil)

// Speaker implements [playback.Sink] on top of an oto player. The device
// clock owns pacing: the player continuously pulls PCM from the internal
// queue and receives silence when nothing is scheduled. Scheduled start
// times are honoured by padding the queue with silence up to the gap.
type Speaker struct {
	otoCtx *oto.Context
	player *oto.Player
	rate   int

	mu      sync.Mutex
	pending []byte    // PCM16LE waiting for the device
	cursor  time.Time // end time of everything queued so far

	closeOnce sync.Once
}

// New opens the default output device at the given sample rate (mono).
func New(rate int) (*Speaker, error) {
	if rate <= 0 {
		rate = playback.DefaultSampleRate
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("speaker: open output device: %w", err)
	}
	<-ready

	s := &Speaker{otoCtx: otoCtx, rate: rate}
	s.player = otoCtx.NewPlayer(s)
	s.player.Play()
	return s, nil
}

// ScheduleAt queues one buffer for playback at the given start time.
func (s *Speaker) ScheduleAt(buf playback.Buffer, start time.Time) {
	samples := buf.Samples
	if buf.Rate != s.rate {
		samples = audio.Resample(samples, buf.Rate, s.rate)
	}
	pcm := audio.EncodePCM16(samples, 1.0)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.cursor.Before(now) {
		s.cursor = now
	}
	if gap := start.Sub(s.cursor); gap > 0 {
		pad := int(float64(s.rate)*gap.Seconds()) * 2
		pad -= pad % 2
		s.pending = append(s.pending, make([]byte, pad)...)
		s.cursor = start
	}
	s.pending = append(s.pending, pcm...)
	s.cursor = s.cursor.Add(buf.Duration())
}

// Read feeds the device. Serves queued PCM and falls back to silence so the
// player never starves.
func (s *Speaker) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		clear(p)
		return len(p), nil
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	return len(p), nil
}

// Close stops playback and releases the device.
func (s *Speaker) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.player.Close()
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
	})
	return err
}
