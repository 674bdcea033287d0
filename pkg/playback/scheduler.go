// Package playback implements the adaptive jitter buffer that smooths
// variable network delivery of synthesized speech before it reaches the
// output device.
//
// Decoded buffers queue in strict arrival order. Playback starts only once a
// minimum duration is buffered, then a periodic tick keeps a target depth
// scheduled ahead of the output clock. The design trades a bounded,
// configurable amount of added latency for glitch-free playback: immediate
// playback stutters under network jitter, while a large fixed buffer hurts
// perceived latency.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mavu-ai/voicewire/pkg/audio"
)

// Default scheduling parameters.
const (
	DefaultMinBuffer    = 250 * time.Millisecond
	DefaultTargetBuffer = 500 * time.Millisecond
	DefaultLookahead    = 150 * time.Millisecond
	DefaultTickInterval = 25 * time.Millisecond
	DefaultFadeIn       = 50 * time.Millisecond
	DefaultFadeOut      = 5 * time.Millisecond
	DefaultSampleRate   = 48000

	// startEpsilon is the margin added to the output clock when a buffer
	// must start "now": scheduling exactly at the current instant would
	// already be in the past by the time the sink sees it.
	startEpsilon = 10 * time.Millisecond
)

// Clock abstracts the output clock so tests can drive scheduling
// deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall-clock [Clock] used outside of tests.
var SystemClock Clock = systemClock{}

// Buffer is one decoded chunk of synthesized speech at the output rate,
// owned exclusively by the scheduler from enqueue until handed to the sink.
type Buffer struct {
	Samples []float32
	Rate    int
}

// Duration returns the playback duration of the buffer.
func (b Buffer) Duration() time.Duration {
	return audio.Duration(len(b.Samples), b.Rate)
}

// Sink receives scheduled buffers. ScheduleAt is called from the scheduler's
// tick goroutine with strictly non-decreasing start times and must not block.
type Sink interface {
	ScheduleAt(buf Buffer, start time.Time)
}

// Config holds the scheduler tuning knobs. Zero values use the package
// defaults. The invariants MinBuffer < TargetBuffer and
// Lookahead < TargetBuffer are enforced by [New].
type Config struct {
	// MinBuffer is the queued duration required before playback starts.
	MinBuffer time.Duration

	// TargetBuffer is the steady-state depth kept scheduled ahead of the
	// output clock.
	TargetBuffer time.Duration

	// Lookahead bounds how far ahead of the clock a tick may schedule.
	Lookahead time.Duration

	// TickInterval is the scheduling cadence while active.
	TickInterval time.Duration

	// FadeIn is the ramp applied to the first buffer of a fresh utterance.
	FadeIn time.Duration

	// FadeOut is the tail ramp applied to every scheduled buffer.
	FadeOut time.Duration

	// SampleRate of enqueued samples.
	SampleRate int

	// Clock defaults to [SystemClock].
	Clock Clock

	// Meter, when set, observes every scheduled buffer for the smoothed
	// playback amplitude signal.
	Meter *audio.Meter

	// OnDrift, when set, is called once per drift-correction event (a tick
	// found the cursor already in the past). Must not block.
	OnDrift func()
}

// Scheduler is the adaptive jitter buffer. Create with [New]; safe for
// concurrent use, though in the engine the receive loop is the sole producer.
type Scheduler struct {
	cfg  Config
	sink Sink

	mu        sync.Mutex
	queue     []Buffer
	queuedDur time.Duration
	cursor    time.Time // next scheduled time; zero while inactive
	active    bool
	stopTick  chan struct{}
	drift     int64
	closed    bool
}

// New creates a Scheduler delivering to sink. Zero config fields take the
// package defaults; invalid threshold combinations are rejected.
func New(sink Sink, cfg Config) (*Scheduler, error) {
	if cfg.MinBuffer <= 0 {
		cfg.MinBuffer = DefaultMinBuffer
	}
	if cfg.TargetBuffer <= 0 {
		cfg.TargetBuffer = DefaultTargetBuffer
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = DefaultLookahead
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.FadeIn <= 0 {
		cfg.FadeIn = DefaultFadeIn
	}
	if cfg.FadeOut <= 0 {
		cfg.FadeOut = DefaultFadeOut
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}

	if cfg.MinBuffer >= cfg.TargetBuffer {
		return nil, errors.New("playback: min buffer must be below target buffer")
	}
	if cfg.Lookahead >= cfg.TargetBuffer {
		return nil, errors.New("playback: lookahead must be below target buffer")
	}
	if sink == nil {
		return nil, errors.New("playback: nil sink")
	}

	return &Scheduler{cfg: cfg, sink: sink}, nil
}

// Enqueue pushes a decoded buffer onto the queue in arrival order. The first
// buffer of a fresh utterance gets a fade-in to avoid an audible pop. Once
// the queued duration reaches MinBuffer the scheduler activates and ticks
// immediately; activating while already active is a no-op.
func (s *Scheduler) Enqueue(samples []float32) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return
	}

	if len(s.queue) == 0 && !s.active {
		audio.FadeIn(samples, s.cfg.SampleRate, s.cfg.FadeIn)
	}

	buf := Buffer{Samples: samples, Rate: s.cfg.SampleRate}
	s.queue = append(s.queue, buf)
	s.queuedDur += buf.Duration()

	if !s.active && s.queuedDur >= s.cfg.MinBuffer {
		s.active = true
		stop := make(chan struct{})
		s.stopTick = stop
		s.mu.Unlock()
		go s.run(stop)
		return
	}
	s.mu.Unlock()
}

// Active reports whether the scheduler is currently ticking.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// QueuedDuration returns the total duration of not-yet-scheduled buffers.
func (s *Scheduler) QueuedDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedDur
}

// DriftCorrections returns the number of drift-correction events so far.
func (s *Scheduler) DriftCorrections() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drift
}

// Flush discards all queued buffers without touching the cursor. Used on
// teardown and barge-in.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.queuedDur = 0
}

// Close stops ticking and discards the queue. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.deactivateLocked()
	s.queue = nil
	s.queuedDur = 0
	return nil
}

// run is the tick goroutine for one activation. It fires once immediately,
// then on every tick until deactivation or Close.
func (s *Scheduler) run(stop chan struct{}) {
	s.step(s.cfg.Clock.Now())

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.step(s.cfg.Clock.Now())
		}
	}
}

// step runs one scheduling pass at the given instant. Lookahead is the
// low-water mark and TargetBuffer the high-water mark: a tick does nothing
// while more than Lookahead of audio is already scheduled, and otherwise
// schedules queued buffers in strict arrival order until the headroom
// (cursor − now) reaches TargetBuffer. The scheduler deactivates once the
// queue is drained and the cursor has been reached.
func (s *Scheduler) step(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active || s.closed {
		return
	}

	refill := s.cursor.IsZero() || s.cursor.Sub(now) <= s.cfg.Lookahead

	for refill && len(s.queue) > 0 {
		if !s.cursor.IsZero() && s.cursor.Sub(now) >= s.cfg.TargetBuffer {
			break
		}

		start := now.Add(startEpsilon)
		if s.cursor.After(start) {
			start = s.cursor
		} else if !s.cursor.IsZero() && s.cursor.Before(now) {
			// The cursor lapsed behind the clock: playback stalled
			// (long GC pause, device underrun) and the start time is
			// snapped forward to keep the cursor non-decreasing.
			s.drift++
			slog.Debug("playback drift corrected",
				"lapsed_by", now.Sub(s.cursor),
				"drift_total", s.drift,
			)
			if s.cfg.OnDrift != nil {
				s.cfg.OnDrift()
			}
		}

		buf := s.queue[0]
		s.queue = s.queue[1:]
		s.queuedDur -= buf.Duration()

		audio.FadeOut(buf.Samples, buf.Rate, s.cfg.FadeOut)
		if s.cfg.Meter != nil {
			s.cfg.Meter.Observe(buf.Samples)
		}
		s.sink.ScheduleAt(buf, start)
		s.cursor = start.Add(buf.Duration())
	}

	// Deactivate once everything scheduled has played out.
	if len(s.queue) == 0 && !s.cursor.After(now) {
		s.deactivateLocked()
		if s.cfg.Meter != nil {
			s.cfg.Meter.Reset()
		}
	}
}

// deactivateLocked stops the tick goroutine and resets the cursor.
// Must be called with s.mu held.
func (s *Scheduler) deactivateLocked() {
	if s.stopTick != nil {
		close(s.stopTick)
		s.stopTick = nil
	}
	s.active = false
	s.cursor = time.Time{}
}
