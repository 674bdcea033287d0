package engine

// State is the push-to-talk session state. Only the controller mutates it;
// every transition is checked against the current state.
type State int

const (
	// StateIdle: connected, waiting for the user to press talk.
	StateIdle State = iota

	// StateRecording: talk held, microphone frames streaming to the backend.
	StateRecording

	// StateCommitting: talk released, waiting on the acknowledgement gate.
	StateCommitting

	// StateAwaitingResponse: commit sent, waiting for the first server audio.
	StateAwaitingResponse

	// StateSpeaking: synthesized speech is queued or playing.
	StateSpeaking

	// StateError: a terminal transport failure is being surfaced. The
	// controller passes through it and settles in StateIdle, where recording
	// stays gated until the backend signals ready again.
	StateError
)

// String returns the state name for logs and /statusz.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateCommitting:
		return "committing"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// BargeInPolicy decides what happens to microphone frames captured while the
// assistant is speaking and the user is holding talk.
type BargeInPolicy string

const (
	// BargeInDiscard drops suppressed frames. The default: a child talking
	// over the assistant usually is not addressing it.
	BargeInDiscard BargeInPolicy = "discard"

	// BargeInHold buffers suppressed frames and transmits them once the
	// assistant finishes, so the start of an eager reply is not lost.
	BargeInHold BargeInPolicy = "hold"
)

// IsValid reports whether p is a known policy.
func (p BargeInPolicy) IsValid() bool {
	return p == BargeInDiscard || p == BargeInHold
}
