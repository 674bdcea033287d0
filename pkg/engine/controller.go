// Package engine drives the push-to-talk conversation session.
//
// The Controller owns the session state machine and wires the capture,
// transport, tracking and playback layers together: microphone frames are
// resampled, encoded and streamed while talk is held; on release the
// acknowledgement gate decides whether to commit the utterance; streamed
// response audio is deduplicated and handed to the playback scheduler. The
// controller is the sole writer of the state and the sole consumer of
// transport events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mavu-ai/voicewire/internal/observe"
	"github.com/mavu-ai/voicewire/pkg/audio"
	"github.com/mavu-ai/voicewire/pkg/capture"
	"github.com/mavu-ai/voicewire/pkg/playback"
	"github.com/mavu-ai/voicewire/pkg/track"
	"github.com/mavu-ai/voicewire/pkg/transcript"
	"github.com/mavu-ai/voicewire/pkg/transport"
	"github.com/mavu-ai/voicewire/pkg/wire"
)

// Default session parameters.
const (
	DefaultTransportRate = 24000
	DefaultOutputRate    = 48000
	DefaultGain          = 1.0
	DefaultDebounce      = 500 * time.Millisecond
	DefaultSafetyTimeout = 30 * time.Second

	// maxHeldFrames bounds audio buffered under the hold barge-in policy
	// (100 frames of 100 ms each is 10 s of speech).
	maxHeldFrames = 100

	// drainPoll is how often the controller checks whether playback has
	// finished after the response completed.
	drainPoll = 50 * time.Millisecond
)

// Transport is the slice of the transport session the controller consumes.
// *transport.Session satisfies it; tests substitute a scripted fake.
type Transport interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	Events() <-chan transport.Event
	Connected() bool
	Reconnects() int64
	Close() error
}

var _ Transport = (*transport.Session)(nil)

// Config configures a Controller. Zero fields take the package defaults.
type Config struct {
	// SessionID labels transcript entries and logs.
	SessionID string

	// TransportRate is the sample rate chunks are encoded at on the wire.
	TransportRate int

	// OutputRate is the sample rate handed to the playback sink.
	OutputRate int

	// Gain is applied before PCM16 quantization of outbound audio.
	Gain float64

	// Debounce is the minimum interval between accepted talk presses.
	Debounce time.Duration

	// CommitWindow and CommitPoll tune the acknowledgement gate.
	CommitWindow time.Duration
	CommitPoll   time.Duration

	// SafetyTimeout bounds how long a committed utterance may wait for its
	// response before the session is forced back to idle.
	SafetyTimeout time.Duration

	// BargeIn decides the fate of microphone frames captured while the
	// assistant is speaking. Defaults to [BargeInDiscard].
	BargeIn BargeInPolicy

	// Playback tunes the jitter buffer. Meter and OnDrift are owned by the
	// controller and must be left nil.
	Playback playback.Config

	// Store, when set, persists transcription events.
	Store transcript.Store

	// Metrics, when set, receives session instrumentation.
	Metrics *observe.Metrics

	// OnState is called after every state transition, in order.
	OnState func(State)

	// OnTranscript is called for every finalized transcription.
	OnTranscript func(transcript.Entry)

	// OnError is called for every surfaced error, terminal or soft.
	OnError func(error)
}

func (c *Config) applyDefaults() {
	if c.TransportRate <= 0 {
		c.TransportRate = DefaultTransportRate
	}
	if c.OutputRate <= 0 {
		c.OutputRate = DefaultOutputRate
	}
	if c.Gain == 0 {
		c.Gain = DefaultGain
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.CommitWindow <= 0 {
		c.CommitWindow = track.DefaultCommitWindow
	}
	if c.CommitPoll <= 0 {
		c.CommitPoll = track.DefaultCommitPoll
	}
	if c.SafetyTimeout <= 0 {
		c.SafetyTimeout = DefaultSafetyTimeout
	}
	if c.BargeIn == "" {
		c.BargeIn = BargeInDiscard
	}
}

// Status is the point-in-time snapshot served by /statusz.
type Status struct {
	State            string  `json:"state"`
	Connected        bool    `json:"connected"`
	Ready            bool    `json:"ready"`
	ChunksSent       int     `json:"chunks_sent"`
	ChunksAcked      int     `json:"chunks_acked"`
	PendingChunks    int     `json:"pending_chunks"`
	Reconnects       int64   `json:"reconnects"`
	DriftCorrections int64   `json:"drift_corrections"`
	QueuedPlayback   float64 `json:"queued_playback_seconds"`
	Amplitude        float64 `json:"amplitude"`
}

// Controller is the push-to-talk session controller. Create with [New],
// establish with [Controller.Start]. All methods are safe for concurrent
// use.
type Controller struct {
	cfg     Config
	session Transport
	source  capture.Source
	sched   *playback.Scheduler
	tracker *track.Tracker
	ids     *wire.ChunkIDSource
	meter   *audio.Meter

	mu           sync.Mutex
	state        State
	ready        bool
	talking      bool
	lastPress    time.Time
	held         []audio.Frame
	safety       *time.Timer
	commitSentAt time.Time
	opened       int
	closed       bool

	stateCh   chan State
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Controller streaming between src and the given transport,
// delivering response audio to sink.
func New(session Transport, src capture.Source, sink playback.Sink, cfg Config) (*Controller, error) {
	cfg.applyDefaults()
	if !cfg.BargeIn.IsValid() {
		return nil, fmt.Errorf("engine: unknown barge-in policy %q", cfg.BargeIn)
	}

	c := &Controller{
		cfg:     cfg,
		session: session,
		source:  src,
		tracker: track.New(0),
		ids:     wire.NewChunkIDSource(),
		meter:   audio.NewMeter(audio.DefaultSmoothing),
		stateCh: make(chan State, 16),
	}

	pcfg := cfg.Playback
	pcfg.SampleRate = cfg.OutputRate
	pcfg.Meter = c.meter
	if m := cfg.Metrics; m != nil {
		pcfg.OnDrift = func() {
			m.DriftCorrections.Add(context.Background(), 1)
		}
	}
	sched, err := playback.New(sink, pcfg)
	if err != nil {
		return nil, err
	}
	c.sched = sched

	return c, nil
}

// Start connects the transport and launches the capture and receive loops.
// Idempotent; a failed initial dial is returned as a *ConnectionError.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.ctx != nil {
		c.mu.Unlock()
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	if err := c.session.Connect(ctx); err != nil {
		return &ConnectionError{Err: err}
	}
	if err := c.source.Start(c.ctx); err != nil {
		return fmt.Errorf("engine: start capture: %w", err)
	}

	c.wg.Add(3)
	go c.eventLoop()
	go c.captureLoop()
	go c.notifyLoop()
	return nil
}

// StartRecording handles a talk press. Presses within the debounce interval
// of the last press or release are ignored. During assistant speech the
// press is remembered and microphone frames follow the barge-in policy until
// the speech ends.
func (c *Controller) StartRecording() error {
	now := time.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if now.Sub(c.lastPress) < c.cfg.Debounce {
		c.mu.Unlock()
		slog.Debug("talk press debounced")
		return nil
	}
	c.lastPress = now

	switch c.state {
	case StateIdle:
		if !c.ready {
			c.mu.Unlock()
			return ErrNotReady
		}
		c.talking = true
		c.setStateLocked(StateRecording)
		c.mu.Unlock()
		c.tracker.Reset()
		return nil
	case StateRecording:
		c.mu.Unlock()
		return nil
	case StateSpeaking:
		c.talking = true
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		return ErrBusy
	}
}

// StopRecording handles a talk release. From Recording it enters the commit
// gate; a release during assistant speech just clears the pending press and
// any held frames. A release arms the debounce window the same as a press.
func (c *Controller) StopRecording() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	switch c.state {
	case StateRecording:
		c.talking = false
		c.lastPress = time.Now()
		c.setStateLocked(StateCommitting)
		c.mu.Unlock()
		go c.commit()
		return nil
	case StateSpeaking:
		c.talking = false
		c.lastPress = time.Now()
		c.held = nil
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		return nil
	}
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether the backend has confirmed the session.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Amplitude returns the smoothed playback level in [0, 1], the signal that
// drives avatar animation.
func (c *Controller) Amplitude() float64 { return c.meter.Level() }

// Connected reports whether the transport link is up.
func (c *Controller) Connected() bool { return c.session.Connected() }

// Processing reports whether a released utterance is between the commit
// gate and the first response audio.
func (c *Controller) Processing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateCommitting || c.state == StateAwaitingResponse
}

// SetVoice asks the backend to switch the synthesis voice.
func (c *Controller) SetVoice(name string) error {
	data, err := wire.ClientEvent{Type: wire.TypeVoiceChange, Voice: name}.Marshal()
	if err != nil {
		return fmt.Errorf("engine: set voice: %w", err)
	}
	return c.session.Send(data)
}

// Stat returns the snapshot served by /statusz.
func (c *Controller) Stat() Status {
	c.mu.Lock()
	state, ready := c.state, c.ready
	c.mu.Unlock()

	return Status{
		State:            state.String(),
		Connected:        c.session.Connected(),
		Ready:            ready,
		ChunksSent:       c.tracker.SentCount(),
		ChunksAcked:      c.tracker.AckedCount(),
		PendingChunks:    c.tracker.PendingCount(),
		Reconnects:       c.session.Reconnects(),
		DriftCorrections: c.sched.DriftCorrections(),
		QueuedPlayback:   c.sched.QueuedDuration().Seconds(),
		Amplitude:        c.meter.Level(),
	}
}

// Close tears the session down: capture stops first so no frame outlives
// the transport, timers are cancelled, the transport closes with a normal
// closure, and queued playback is discarded. Idempotent, runs on every exit
// path.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.safety != nil {
			c.safety.Stop()
			c.safety = nil
		}
		cancel := c.cancel
		c.mu.Unlock()

		_ = c.source.Close()
		if cancel != nil {
			cancel()
		}
		if data, err := (wire.ClientEvent{Type: wire.TypeSessionEnd}).Marshal(); err == nil {
			_ = c.session.Send(data)
		}
		_ = c.session.Close()
		_ = c.sched.Close()
		c.wg.Wait()
		audio.Drain(c.source.Frames())
	})
	return nil
}

// captureLoop consumes microphone frames until the source shuts down or the
// session is cancelled; frames still buffered at that point are drained by
// Close so they never reach a closing transport.
func (c *Controller) captureLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case frame, ok := <-c.source.Frames():
			if !ok {
				return
			}
			c.mu.Lock()
			state, talking := c.state, c.talking
			c.mu.Unlock()

			switch {
			case state == StateRecording:
				c.sendFrame(frame.Samples, frame.SampleRate)
			case state == StateSpeaking && talking:
				c.suppressFrame(frame)
			}
		}
	}
}

// sendFrame resamples, encodes and transmits one microphone frame.
func (c *Controller) sendFrame(samples []float32, rate int) {
	if rate != c.cfg.TransportRate {
		samples = audio.Resample(samples, rate, c.cfg.TransportRate)
	}
	pcm := audio.EncodePCM16(samples, c.cfg.Gain)
	id := c.ids.Next()

	data, err := wire.AudioAppend(pcm, id).Marshal()
	if err != nil {
		slog.Warn("dropping capture frame", "error", err)
		return
	}
	if err := c.session.Send(data); err != nil {
		slog.Warn("dropping capture frame", "chunk_id", id, "error", err)
		return
	}

	c.tracker.Sent(id)
	if m := c.cfg.Metrics; m != nil {
		m.ChunksSent.Add(context.Background(), 1)
	}
}

// suppressFrame handles a microphone frame captured while the assistant is
// speaking and talk is held.
func (c *Controller) suppressFrame(frame audio.Frame) {
	if m := c.cfg.Metrics; m != nil {
		m.RecordSuppressedFrame(context.Background(), string(c.cfg.BargeIn))
	}
	if c.cfg.BargeIn != BargeInHold {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.held) >= maxHeldFrames {
		c.held = c.held[1:]
	}
	c.held = append(c.held, frame)
}

// commit runs the acknowledgement gate after a talk release.
func (c *Controller) commit() {
	start := time.Now()
	decision := c.tracker.AwaitCommit(c.ctx, c.cfg.CommitWindow, c.cfg.CommitPoll)
	if m := c.cfg.Metrics; m != nil {
		m.CommitGateWait.Record(context.Background(), time.Since(start).Seconds())
	}

	c.mu.Lock()
	if c.state != StateCommitting {
		// Closed or reset while the gate was waiting.
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	switch decision {
	case track.CommitSkip:
		slog.Debug("nothing sent, skipping commit")
		c.recordCommit("skip")
		c.setState(StateIdle)

	case track.CommitSoftFail:
		sent := c.tracker.SentCount()
		c.recordCommit("soft_fail")
		c.setState(StateIdle)
		c.surfaceError(&InsufficientAudioError{Sent: sent})

	case track.CommitSend:
		data, err := wire.ClientEvent{Type: wire.TypeAudioCommit}.Marshal()
		if err == nil {
			err = c.session.Send(data)
		}
		if err != nil {
			c.setState(StateIdle)
			c.surfaceError(fmt.Errorf("engine: send commit: %w", err))
			return
		}
		c.recordCommit("sent")

		c.mu.Lock()
		c.commitSentAt = time.Now()
		c.armSafetyLocked()
		c.setStateLocked(StateAwaitingResponse)
		c.mu.Unlock()
	}
}

// eventLoop is the sole consumer of transport events.
func (c *Controller) eventLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case evt := <-c.session.Events():
			switch evt.Kind {
			case transport.KindOpened:
				c.handleOpened()
			case transport.KindMessage:
				c.handleServer(evt.Server)
			case transport.KindClosed:
				c.handleClosed(evt.Err)
				return
			}
		}
	}
}

func (c *Controller) handleOpened() {
	c.mu.Lock()
	c.opened++
	reconnected := c.opened > 1
	c.mu.Unlock()

	if reconnected {
		slog.Info("transport reconnected")
		if m := c.cfg.Metrics; m != nil {
			m.Reconnects.Add(context.Background(), 1)
		}
	}
}

// handleClosed maps the terminal transport outcome into the error taxonomy.
func (c *Controller) handleClosed(err error) {
	c.stopSafety()

	if err == nil {
		c.mu.Lock()
		c.ready = false
		c.setStateLocked(StateIdle)
		c.mu.Unlock()
		return
	}

	var mapped error
	var authErr *transport.AuthError
	switch {
	case errors.As(err, &authErr):
		mapped = &AuthenticationError{Err: err}
	case errors.Is(err, transport.ErrRetriesExhausted):
		mapped = &ConnectionError{Exhausted: true, Err: err}
	default:
		mapped = &ConnectionError{Err: err}
	}

	c.mu.Lock()
	c.ready = false
	c.setStateLocked(StateError)
	c.mu.Unlock()
	c.surfaceError(mapped)

	// Error is transient: once the failure is surfaced the session settles
	// back to idle, where recording stays gated on readiness until the
	// backend confirms a new session.
	c.setState(StateIdle)
}

// handleServer dispatches one decoded server event.
func (c *Controller) handleServer(se *wire.ServerEvent) {
	switch se.Type {
	case wire.TypeSessionReady:
		c.mu.Lock()
		c.ready = true
		c.mu.Unlock()
		slog.Info("session ready", "session_id", c.cfg.SessionID)

	case wire.TypeAudioReceived:
		c.tracker.Acked(se.ChunkID)
		if m := c.cfg.Metrics; m != nil {
			m.ChunksAcked.Add(context.Background(), 1)
		}

	case wire.TypeAudioDelta:
		c.handleDelta(se)

	case wire.TypeTranscription:
		c.handleTranscription(se)

	case wire.TypeResponseDone:
		c.handleResponseDone(se.Status)

	case wire.TypeError:
		c.stopSafety()
		c.mu.Lock()
		if c.state == StateAwaitingResponse || c.state == StateSpeaking {
			c.talking = false
			c.held = nil
			c.setStateLocked(StateIdle)
		}
		c.mu.Unlock()
		c.sched.Flush()
		c.recordQueueDepth()
		c.surfaceError(&ProtocolError{Message: se.Message})
	}
}

// handleDelta decodes one chunk of synthesized speech, drops duplicate
// redeliveries after a reconnect, and queues the rest for playback.
func (c *Controller) handleDelta(se *wire.ServerEvent) {
	if se.ChunkID != "" && c.tracker.MarkSeen(se.ChunkID) {
		slog.Debug("dropping duplicate delta", "chunk_id", se.ChunkID)
		if m := c.cfg.Metrics; m != nil {
			m.DuplicateDeltas.Add(context.Background(), 1)
		}
		return
	}

	pcm, err := se.DecodeAudio()
	if err != nil {
		slog.Warn("dropping undecodable delta", "chunk_id", se.ChunkID, "error", err)
		return
	}
	samples, err := audio.DecodePCM16(pcm)
	if err != nil {
		slog.Warn("dropping undecodable delta", "chunk_id", se.ChunkID, "error", err)
		return
	}
	if c.cfg.TransportRate != c.cfg.OutputRate {
		samples = audio.Resample(samples, c.cfg.TransportRate, c.cfg.OutputRate)
	}
	c.sched.Enqueue(samples)
	c.recordQueueDepth()

	c.mu.Lock()
	if c.state == StateAwaitingResponse {
		c.setStateLocked(StateSpeaking)
	}
	c.mu.Unlock()
}

func (c *Controller) handleTranscription(se *wire.ServerEvent) {
	entry := transcript.Entry{Role: se.Role, Text: se.Text, Timestamp: time.Now()}

	if c.cfg.Store != nil {
		if err := c.cfg.Store.Append(c.ctx, c.cfg.SessionID, entry); err != nil {
			slog.Warn("transcript append failed", "error", err)
		}
	}
	if cb := c.cfg.OnTranscript; cb != nil {
		cb(entry)
	}
}

// handleResponseDone completes one utterance cycle.
func (c *Controller) handleResponseDone(status string) {
	c.stopSafety()

	c.mu.Lock()
	if !c.commitSentAt.IsZero() {
		if m := c.cfg.Metrics; m != nil {
			m.RecordResponseLatency(context.Background(), time.Since(c.commitSentAt), status)
		}
		c.commitSentAt = time.Time{}
	}
	speaking := c.state == StateSpeaking
	awaiting := c.state == StateAwaitingResponse
	c.mu.Unlock()

	if !speaking && !awaiting {
		return
	}

	if status == wire.StatusInsufficientAudio {
		c.surfaceError(&InsufficientAudioError{Sent: c.tracker.SentCount()})
	}

	if speaking && (c.sched.Active() || c.sched.QueuedDuration() > 0) {
		// Let the queued speech play out before returning to idle.
		go c.watchDrain()
		return
	}
	c.finishSpeaking()
}

// watchDrain waits for playback to finish after the response completed.
func (c *Controller) watchDrain() {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.recordQueueDepth()
			if !c.sched.Active() && c.sched.QueuedDuration() == 0 {
				c.finishSpeaking()
				return
			}
		}
	}
}

// finishSpeaking ends the speaking (or empty-response) phase. If the user is
// still holding talk, recording resumes immediately; under the hold policy
// the suppressed frames are transmitted first.
func (c *Controller) finishSpeaking() {
	c.mu.Lock()
	if c.state != StateSpeaking && c.state != StateAwaitingResponse {
		c.mu.Unlock()
		return
	}
	talking := c.talking
	held := c.held
	c.held = nil
	if talking {
		c.setStateLocked(StateRecording)
	} else {
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()

	if talking {
		c.tracker.Reset()
		for _, frame := range held {
			c.sendFrame(frame.Samples, frame.SampleRate)
		}
	}
}

// armSafetyLocked starts the response watchdog. Must be called with c.mu
// held.
func (c *Controller) armSafetyLocked() {
	if c.safety != nil {
		c.safety.Stop()
	}
	c.safety = time.AfterFunc(c.cfg.SafetyTimeout, c.onSafetyTimeout)
}

func (c *Controller) stopSafety() {
	c.mu.Lock()
	if c.safety != nil {
		c.safety.Stop()
		c.safety = nil
	}
	c.mu.Unlock()
}

// onSafetyTimeout abandons a response that never completed.
func (c *Controller) onSafetyTimeout() {
	c.mu.Lock()
	if c.state != StateAwaitingResponse && c.state != StateSpeaking {
		c.mu.Unlock()
		return
	}
	c.talking = false
	c.held = nil
	c.commitSentAt = time.Time{}
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	c.sched.Flush()
	c.recordQueueDepth()
	c.surfaceError(&ProcessingTimeoutError{After: c.cfg.SafetyTimeout})
}

// setState transitions outside of a held lock.
func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

// setStateLocked performs one state transition. Must be called with c.mu
// held.
func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	slog.Debug("state transition", "from", c.state, "to", s)
	c.state = s

	if m := c.cfg.Metrics; m != nil {
		m.SessionState.Record(context.Background(), int64(s))
	}
	select {
	case c.stateCh <- s:
	default:
		// Observer fell behind; it will still see the latest state.
	}
}

// notifyLoop delivers state transitions to the OnState callback in order,
// decoupled from the controller's lock.
func (c *Controller) notifyLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case s := <-c.stateCh:
			if cb := c.cfg.OnState; cb != nil {
				cb(s)
			}
		}
	}
}

// surfaceError reports one error to logs, metrics and the OnError callback.
// Never called with c.mu held.
func (c *Controller) surfaceError(err error) {
	slog.Error("session error", "kind", errorKind(err), "error", err)
	if m := c.cfg.Metrics; m != nil {
		m.RecordSessionError(context.Background(), errorKind(err))
	}
	if cb := c.cfg.OnError; cb != nil {
		cb(err)
	}
}

// recordQueueDepth reports the queued playback duration gauge.
func (c *Controller) recordQueueDepth() {
	if m := c.cfg.Metrics; m != nil {
		m.PlaybackQueueDepth.Record(context.Background(), c.sched.QueuedDuration().Seconds())
	}
}

// recordCommit records one commit gate outcome.
func (c *Controller) recordCommit(outcome string) {
	slog.Info("commit gate decided", "outcome", outcome,
		"sent", c.tracker.SentCount(), "acked", c.tracker.AckedCount())
	if m := c.cfg.Metrics; m != nil {
		m.RecordCommit(context.Background(), outcome)
	}
}
