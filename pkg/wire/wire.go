// Package wire defines the JSON text-frame protocol spoken between the
// voicewire engine and the speech backend, along with chunk id minting and
// server-event parsing.
//
// Audio travels as base64-encoded little-endian PCM16 mono. Every outbound
// audio chunk carries a chunk id that the backend echoes back in an
// audio.received acknowledgment; inbound audio deltas carry backend-minted
// ids used for duplicate suppression.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// Client event types (engine → backend).
const (
	TypeAudioAppend = "audio.append"
	TypeAudioCommit = "audio.commit"
	TypeVoiceChange = "voice.change"
	TypeSessionEnd  = "session.end"
)

// Server event types (backend → engine).
const (
	TypeAudioDelta    = "audio.delta"
	TypeAudioReceived = "audio.received"
	TypeTranscription = "transcription"
	TypeResponseDone  = "response.done"
	TypeSessionReady  = "session.ready"
	TypeError         = "error"
)

// response.done status values reported by the backend.
const (
	StatusCompleted         = "completed"
	StatusNoAudio           = "no_audio"
	StatusInsufficientAudio = "insufficient_audio"
)

// ClientEvent is an outbound message. Only the fields relevant to Type are
// populated; the zero values are omitted from the encoded JSON.
type ClientEvent struct {
	Type string `json:"type"`

	// audio.append
	Audio   string `json:"audio,omitempty"` // base64 PCM16LE mono
	ChunkID string `json:"chunk_id,omitempty"`

	// voice.change
	Voice string `json:"voice,omitempty"`
}

// AudioAppend builds an audio.append event from raw PCM16 bytes and a freshly
// minted chunk id.
func AudioAppend(pcm []byte, chunkID string) ClientEvent {
	return ClientEvent{
		Type:    TypeAudioAppend,
		Audio:   base64.StdEncoding.EncodeToString(pcm),
		ChunkID: chunkID,
	}
}

// Marshal encodes the event as a JSON text frame.
func (e ClientEvent) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s: %w", e.Type, err)
	}
	return data, nil
}

// ServerEvent is an inbound message. Only the fields relevant to Type are set.
type ServerEvent struct {
	Type string `json:"type"`

	// audio.delta / audio.received
	Audio   string `json:"audio,omitempty"`
	ChunkID string `json:"chunk_id,omitempty"`

	// transcription
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`

	// response.done
	Status string `json:"status,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// DecodeError reports a malformed inbound frame or payload. The offending
// chunk is dropped; the stream continues.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: decode: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("wire: decode: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ParseServerEvent decodes one inbound JSON text frame. Malformed JSON and
// frames without a type are reported as a *DecodeError.
func ParseServerEvent(data []byte) (*ServerEvent, error) {
	var evt ServerEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, &DecodeError{Reason: "malformed frame", Err: err}
	}
	if evt.Type == "" {
		return nil, &DecodeError{Reason: "frame missing type"}
	}
	return &evt, nil
}

// DecodeAudio returns the raw PCM16 bytes carried by an audio.delta event.
// Base64 corruption and empty payloads are reported as a *DecodeError.
func (e *ServerEvent) DecodeAudio() ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(e.Audio)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64 audio payload", Err: err}
	}
	if len(pcm) == 0 {
		return nil, &DecodeError{Reason: "empty audio payload"}
	}
	return pcm, nil
}

// ChunkIDSource mints chunk ids of the form "{unix-millis}-{sequence}". Ids
// are unique and strictly monotonic within a session; the timestamp prefix is
// fixed at construction so a session never reuses an id even across clock
// adjustments.
type ChunkIDSource struct {
	base int64
	seq  atomic.Uint64
}

// NewChunkIDSource creates an id source stamped with the current time.
func NewChunkIDSource() *ChunkIDSource {
	return &ChunkIDSource{base: time.Now().UnixMilli()}
}

// Next returns the next chunk id. Safe for concurrent use.
func (s *ChunkIDSource) Next() string {
	return fmt.Sprintf("%d-%d", s.base, s.seq.Add(1))
}
