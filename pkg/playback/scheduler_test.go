package playback

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// recordSink captures every scheduled buffer with its start time.
type recordSink struct {
	mu     sync.Mutex
	bufs   []Buffer
	starts []time.Time
}

func (r *recordSink) ScheduleAt(buf Buffer, start time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bufs = append(r.bufs, buf)
	r.starts = append(r.starts, start)
}

func (r *recordSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bufs)
}

func (r *recordSink) snapshot() ([]Buffer, []time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Buffer(nil), r.bufs...), append([]time.Time(nil), r.starts...)
}

// chunk returns n samples of the given constant value at 48 kHz.
func chunk(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

// samplesFor returns the sample count for a duration at 48 kHz.
func samplesFor(d time.Duration) int {
	return int(d.Seconds() * 48000)
}

// testScheduler builds a scheduler with a fake clock and the ticker
// effectively disabled, so tests drive step() by hand.
func testScheduler(t *testing.T, sink Sink, clk Clock) *Scheduler {
	t.Helper()
	s, err := New(sink, Config{
		Clock:        clk,
		TickInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewRejectsBadThresholds(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	if _, err := New(sink, Config{MinBuffer: 600 * time.Millisecond}); err == nil {
		t.Error("min >= target accepted")
	}
	if _, err := New(sink, Config{Lookahead: 700 * time.Millisecond}); err == nil {
		t.Error("lookahead >= target accepted")
	}
	if _, err := New(nil, Config{}); err == nil {
		t.Error("nil sink accepted")
	}
}

func TestHoldsBelowMinBuffer(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	clk := newFakeClock()
	s := testScheduler(t, sink, clk)

	// 200ms queued, below the 250ms threshold.
	s.Enqueue(chunk(samplesFor(200*time.Millisecond), 0.5))

	if s.Active() {
		t.Fatal("activated below min buffer")
	}
	if got := sink.len(); got != 0 {
		t.Fatalf("scheduled %d buffers before activation", got)
	}
	if got, want := s.QueuedDuration(), 200*time.Millisecond; got != want {
		t.Errorf("QueuedDuration() = %v, want %v", got, want)
	}
}

func TestSchedulesInArrivalOrder(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	clk := newFakeClock()
	s := testScheduler(t, sink, clk)

	// Three distinguishable 150ms buffers, 450ms total.
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	for _, v := range []float32{0.1, 0.2, 0.3} {
		s.Enqueue(chunk(samplesFor(150*time.Millisecond), v))
	}

	s.step(clk.Now())

	bufs, starts := sink.snapshot()
	if len(bufs) != 3 {
		t.Fatalf("scheduled %d buffers, want 3", len(bufs))
	}
	// FIFO order: identify buffers by their mid sample, away from the fades.
	for i, want := range []float32{0.1, 0.2, 0.3} {
		if got := bufs[i].Samples[len(bufs[i].Samples)/2]; got != want {
			t.Errorf("buffer %d mid sample = %v, want %v", i, got, want)
		}
	}
	// Start times non-decreasing and back to back.
	for i := 1; i < len(starts); i++ {
		if starts[i].Before(starts[i-1]) {
			t.Errorf("start %d (%v) before start %d (%v)", i, starts[i], i-1, starts[i-1])
		}
		if got, want := starts[i], starts[i-1].Add(bufs[i-1].Duration()); !got.Equal(want) {
			t.Errorf("start %d = %v, want contiguous %v", i, got, want)
		}
	}
}

func TestStopsSchedulingAtTargetBuffer(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	clk := newFakeClock()
	s := testScheduler(t, sink, clk)

	// Six 200ms buffers. With a 500ms target, a single pass must stop once
	// the cursor is at least 500ms ahead of the clock.
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	for i := 0; i < 6; i++ {
		s.Enqueue(chunk(samplesFor(200*time.Millisecond), 0.4))
	}

	s.step(clk.Now())

	if got := sink.len(); got >= 6 {
		t.Fatalf("scheduled all %d buffers in one pass", got)
	}
	if s.QueuedDuration() == 0 {
		t.Error("queue fully drained despite target buffer cap")
	}

	// Advancing the clock past the scheduled audio lets the rest through.
	s.step(clk.Advance(2 * time.Second))
	s.step(clk.Advance(2 * time.Second))
	if got := sink.len(); got != 6 {
		t.Errorf("scheduled %d buffers total, want 6", got)
	}
}

func TestDriftCorrectionSnapsForward(t *testing.T) {
	t.Parallel()

	var driftCalls int
	sink := &recordSink{}
	clk := newFakeClock()
	s, err := New(sink, Config{
		Clock:        clk,
		TickInterval: time.Hour,
		OnDrift:      func() { driftCalls++ },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	s.Enqueue(chunk(samplesFor(100*time.Millisecond), 0.3))
	s.step(clk.Now())

	// Jump the clock far past the cursor, then deliver another buffer.
	now := clk.Advance(5 * time.Second)
	s.Enqueue(chunk(samplesFor(100*time.Millisecond), 0.3))
	s.step(now)

	_, starts := sink.snapshot()
	if len(starts) != 2 {
		t.Fatalf("scheduled %d buffers, want 2", len(starts))
	}
	if !starts[1].After(now) {
		t.Errorf("lapsed buffer scheduled at %v, not after clock %v", starts[1], now)
	}
	if starts[1].Before(starts[0]) {
		t.Error("cursor went backwards across the stall")
	}
	if got := s.DriftCorrections(); got != 1 {
		t.Errorf("DriftCorrections() = %d, want 1", got)
	}
	if driftCalls != 1 {
		t.Errorf("OnDrift called %d times, want 1", driftCalls)
	}
}

func TestDeactivatesWhenDrained(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	clk := newFakeClock()
	s := testScheduler(t, sink, clk)

	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	s.Enqueue(chunk(samplesFor(300*time.Millisecond), 0.2))
	s.step(clk.Now())

	if !s.Active() {
		t.Fatal("deactivated while scheduled audio still playing")
	}

	s.step(clk.Advance(time.Second))
	if s.Active() {
		t.Error("still active after queue drained and cursor reached")
	}

	// A fresh utterance reactivates via Enqueue once min buffer is met.
	s.Enqueue(chunk(samplesFor(300*time.Millisecond), 0.2))
	waitFor(t, func() bool { return sink.len() == 2 })
}

func TestEnqueueActivatesAtMinBuffer(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	s, err := New(sink, Config{TickInterval: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	s.Enqueue(chunk(samplesFor(100*time.Millisecond), 0.1))
	if s.Active() {
		t.Fatal("activated at 100ms")
	}
	s.Enqueue(chunk(samplesFor(200*time.Millisecond), 0.1))

	waitFor(t, func() bool { return sink.len() == 2 })
	if !s.Active() {
		t.Error("not active after crossing min buffer")
	}
}

func TestFadeInOnFreshUtterance(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	clk := newFakeClock()
	s := testScheduler(t, sink, clk)

	// First buffer of a fresh utterance crosses min buffer and activates.
	s.Enqueue(chunk(samplesFor(300*time.Millisecond), 1))
	waitFor(t, func() bool { return sink.len() == 1 })

	// Second buffer arrives mid-utterance and must not be faded in.
	s.Enqueue(chunk(samplesFor(300*time.Millisecond), 1))
	s.step(clk.Advance(250 * time.Millisecond))

	bufs, _ := sink.snapshot()
	if len(bufs) != 2 {
		t.Fatalf("scheduled %d buffers, want 2", len(bufs))
	}
	if got := bufs[0].Samples[0]; got != 0 {
		t.Errorf("first utterance buffer starts at %v, want 0 after fade-in", got)
	}
	if got := bufs[1].Samples[0]; got != 1 {
		t.Errorf("second buffer faded in too: starts at %v, want 1", got)
	}
	// Tail fade-out on every buffer.
	for i, b := range bufs {
		if got := b.Samples[len(b.Samples)-1]; got > 0.01 {
			t.Errorf("buffer %d tail = %v, want near 0 after fade-out", i, got)
		}
	}
}

func TestFlushDiscardsQueue(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	clk := newFakeClock()
	s := testScheduler(t, sink, clk)

	s.Enqueue(chunk(samplesFor(200*time.Millisecond), 0.1))
	s.Flush()

	if got := s.QueuedDuration(); got != 0 {
		t.Errorf("QueuedDuration() = %v after Flush, want 0", got)
	}
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	s.step(clk.Now())
	if got := sink.len(); got != 0 {
		t.Errorf("scheduled %d buffers after Flush", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	s, err := New(sink, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	s.Enqueue(chunk(100, 0.1))
	if got := s.QueuedDuration(); got != 0 {
		t.Errorf("Enqueue after Close queued %v", got)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
