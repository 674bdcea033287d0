// Package mock provides an in-memory implementation of the [capture.Source]
// interface for use in unit tests.
//
// The mock is safe for concurrent use. It records method calls so tests can
// assert on call counts, and exposes exported fields to control return
// values. Feed audio into the engine under test with [Source.Push] or
// [Source.PushSamples].
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/mavu-ai/voicewire/pkg/audio"
	"github.com/mavu-ai/voicewire/pkg/capture"
)

// Compile-time assertion that Source satisfies capture.Source.
var _ capture.Source = (*Source)(nil)

// Source is a mock implementation of [capture.Source].
// Set the exported fields before use; inspect the CallCount* fields after.
type Source struct {
	mu sync.Mutex

	// StartError is returned by [Source.Start].
	StartError error

	// SampleRate stamps frames pushed via [Source.PushSamples].
	// Defaults to 48000 if left zero.
	SampleRate int

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	frames  chan audio.Frame
	elapsed time.Duration
	closed  bool
}

// NewSource creates a mock source with a buffered frame channel.
func NewSource() *Source {
	return &Source{frames: make(chan audio.Frame, 64)}
}

// Start implements [capture.Source]. Records the call and returns StartError.
func (s *Source) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	return s.StartError
}

// Frames implements [capture.Source].
func (s *Source) Frames() <-chan audio.Frame { return s.frames }

// Close implements [capture.Source]. Records the call and closes the frame
// channel on first use.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// Push delivers one frame to the consumer. No-op after Close.
func (s *Source) Push(frame audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.frames <- frame
}

// PushSamples wraps samples in a frame with a running timestamp and
// delivers it.
func (s *Source) PushSamples(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	rate := s.SampleRate
	if rate <= 0 {
		rate = 48000
	}
	frame := audio.Frame{Samples: samples, SampleRate: rate, Timestamp: s.elapsed}
	s.elapsed += frame.Duration()
	s.frames <- frame
}
