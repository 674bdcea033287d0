package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mavu-ai/voicewire/internal/config"
	"github.com/mavu-ai/voicewire/internal/observe"
	"github.com/mavu-ai/voicewire/pkg/capture"
	"github.com/mavu-ai/voicewire/pkg/engine"
	"github.com/mavu-ai/voicewire/pkg/playback"
	"github.com/mavu-ai/voicewire/pkg/transcript"
	"github.com/mavu-ai/voicewire/pkg/transport"
)

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// Voice is the synthesis voice the session was started with.
	Voice string

	// StartedAt is when the session was started.
	StartedAt time.Time
}

// Factories produce the device-facing pieces of a session. The defaults open
// the real microphone, speaker, and WebSocket transport; tests substitute
// doubles.
type Factories struct {
	Transport func(cfg config.TransportConfig) (engine.Transport, error)
	Source    func(cfg config.AudioConfig) (capture.Source, error)
	Sink      func(rate int) (playback.Sink, func() error, error)
}

// SessionManager manages the lifecycle of the conversation session.
// Only one session can be active at a time (enforced by mutex).
// All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg       *config.Config
	metrics   *observe.Metrics
	store     transcript.Store
	factories Factories

	// OnError, OnState, and OnTranscript are forwarded to the controller
	// of every session the manager starts. Set before the first Start.
	OnError      func(error)
	OnState      func(engine.State)
	OnTranscript func(transcript.Entry)

	mu     sync.Mutex
	active bool
	info   SessionInfo
	ctrl   *engine.Controller
	span   trace.Span // covers the session lifetime, Start to Stop

	// closers are called in reverse order during Stop.
	closers []func() error
}

// NewSessionManager creates a manager. The store may be nil when transcripts
// are not persisted.
func NewSessionManager(cfg *config.Config, metrics *observe.Metrics, store transcript.Store, factories Factories) *SessionManager {
	return &SessionManager{
		cfg:       cfg,
		metrics:   metrics,
		store:     store,
		factories: factories,
	}
}

// Start builds the capture, playback and transport stack and connects the
// session. Returns an error if a session is already active.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return fmt.Errorf("app: session already active")
	}

	sessionID := m.cfg.Session.ID
	if sessionID == "" {
		sessionID = fmt.Sprintf("session-%d", time.Now().Unix())
	}

	var closers []func() error
	fail := func(err error) error {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return err
	}

	session, err := m.factories.Transport(m.cfg.Transport)
	if err != nil {
		return fail(fmt.Errorf("app: create transport: %w", err))
	}
	closers = append(closers, session.Close)

	source, err := m.factories.Source(m.cfg.Audio)
	if err != nil {
		return fail(fmt.Errorf("app: open capture device: %w", err))
	}
	closers = append(closers, source.Close)

	outputRate := m.cfg.Audio.OutputRate
	if outputRate == 0 {
		outputRate = engine.DefaultOutputRate
	}
	sink, closeSink, err := m.factories.Sink(outputRate)
	if err != nil {
		return fail(fmt.Errorf("app: open output device: %w", err))
	}
	if closeSink != nil {
		closers = append(closers, closeSink)
	}

	ctrl, err := engine.New(session, source, sink, engine.Config{
		SessionID:     sessionID,
		TransportRate: m.cfg.Audio.TransportRate,
		OutputRate:    outputRate,
		Gain:          m.cfg.Audio.Gain,
		Debounce:      m.cfg.Session.Debounce,
		CommitWindow:  m.cfg.Session.CommitWindow,
		CommitPoll:    m.cfg.Session.CommitPoll,
		SafetyTimeout: m.cfg.Session.SafetyTimeout,
		BargeIn:       m.cfg.Session.BargeIn,
		Playback: playback.Config{
			MinBuffer:    m.cfg.Playback.MinBuffer,
			TargetBuffer: m.cfg.Playback.TargetBuffer,
			Lookahead:    m.cfg.Playback.Lookahead,
			TickInterval: m.cfg.Playback.TickInterval,
			FadeIn:       m.cfg.Playback.FadeIn,
			FadeOut:      m.cfg.Playback.FadeOut,
		},
		Store:        m.store,
		Metrics:      m.metrics,
		OnError:      m.OnError,
		OnState:      m.OnState,
		OnTranscript: m.OnTranscript,
	})
	if err != nil {
		return fail(fmt.Errorf("app: build controller: %w", err))
	}

	if err := ctrl.Start(ctx); err != nil {
		_ = ctrl.Close()
		return fail(fmt.Errorf("app: start controller: %w", err))
	}

	if voice := m.cfg.Session.Voice; voice != "" {
		if err := ctrl.SetVoice(voice); err != nil {
			slog.Warn("failed to request voice", "voice", voice, "err", err)
		}
	}

	_, m.span = observe.StartSpan(ctx, "voice session",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)

	m.ctrl = ctrl
	m.closers = closers
	m.active = true
	m.info = SessionInfo{
		SessionID: sessionID,
		Voice:     m.cfg.Session.Voice,
		StartedAt: time.Now(),
	}

	slog.Info("session started", "session_id", sessionID, "backend", m.cfg.Transport.URL)
	return nil
}

// Stop tears the active session down: controller first (which stops capture
// and closes the transport), then remaining device closers in reverse order.
func (m *SessionManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return nil
	}

	if err := m.ctrl.Close(); err != nil {
		slog.Warn("controller close error", "err", err)
	}
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil {
			slog.Warn("session closer error", "index", i, "err", err)
		}
	}

	if m.span != nil {
		m.span.End()
		m.span = nil
	}

	m.ctrl = nil
	m.closers = nil
	m.active = false
	slog.Info("session stopped", "session_id", m.info.SessionID)
	return nil
}

// Restart stops the active session (if any) and starts a fresh one.
func (m *SessionManager) Restart(ctx context.Context) error {
	if err := m.Stop(); err != nil {
		return err
	}
	return m.Start(ctx)
}

// Active reports whether a session is currently running.
func (m *SessionManager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Info returns metadata about the active session.
func (m *SessionManager) Info() SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// Controller returns the active session's controller, or nil.
func (m *SessionManager) Controller() *engine.Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctrl
}

// defaultTransportFactory builds the real WebSocket session. Construction
// never fails; dialing happens in Connect.
func defaultTransportFactory(cfg config.TransportConfig) (engine.Transport, error) {
	return transport.New(transport.Config{
		URL:         cfg.URL,
		Token:       cfg.Token,
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff,
		MaxBackoff:  cfg.MaxBackoff,
		SendQueue:   cfg.SendQueue,
	}), nil
}

// defaultSourceFactory opens the default microphone.
func defaultSourceFactory(cfg config.AudioConfig) (capture.Source, error) {
	return capture.NewDevice(capture.Config{
		SampleRate:    cfg.CaptureRate,
		FrameDuration: cfg.FrameDuration,
	})
}
