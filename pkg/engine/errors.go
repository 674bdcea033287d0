package engine

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by the push-to-talk surface.
var (
	// ErrNotReady is returned when recording is requested before the
	// backend has confirmed the session.
	ErrNotReady = errors.New("engine: session not ready")

	// ErrBusy is returned when recording is requested in a state that
	// cannot accept it (committing or awaiting a response).
	ErrBusy = errors.New("engine: busy processing previous utterance")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine: closed")
)

// ConnectionError is a terminal transport failure. Exhausted is set when the
// reconnection loop gave up after its attempt budget.
type ConnectionError struct {
	Exhausted bool
	Err       error
}

func (e *ConnectionError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("engine: connection lost, retries exhausted: %v", e.Err)
	}
	return fmt.Sprintf("engine: connection lost: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError reports a credential rejection by the backend. The
// session cannot be resumed with the same token.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("engine: authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// InsufficientAudioError is the soft failure for an utterance too short or
// too delayed for the backend to acknowledge any of it. The recording is
// abandoned without a commit.
type InsufficientAudioError struct {
	// Sent is how many chunks went out unacknowledged.
	Sent int
}

func (e *InsufficientAudioError) Error() string {
	return fmt.Sprintf("engine: no audio acknowledged (%d chunks sent)", e.Sent)
}

// ProcessingTimeoutError reports that the backend did not complete a
// response within the safety window after a commit.
type ProcessingTimeoutError struct {
	After time.Duration
}

func (e *ProcessingTimeoutError) Error() string {
	return fmt.Sprintf("engine: no response after %v", e.After)
}

// ProtocolError carries an error event sent by the backend over the wire.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "engine: backend error: " + e.Message
}

// errorKind labels an error for metrics.
func errorKind(err error) string {
	var (
		connErr    *ConnectionError
		authErr    *AuthenticationError
		shortErr   *InsufficientAudioError
		timeoutErr *ProcessingTimeoutError
		protoErr   *ProtocolError
	)
	switch {
	case errors.As(err, &authErr):
		return "authentication"
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &shortErr):
		return "insufficient_audio"
	case errors.As(err, &timeoutErr):
		return "processing_timeout"
	case errors.As(err, &protoErr):
		return "protocol"
	default:
		return "other"
	}
}
