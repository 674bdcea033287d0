// Package transport maintains the duplex WebSocket session to the
// conversation backend.
//
// A [Session] owns one logical connection across its physical incarnations:
// it dials, reads server events, writes queued client messages, and
// transparently re-establishes the link with exponential backoff when it
// drops mid-conversation. Consumers observe the session through the
// [Session.Events] channel and never touch the underlying connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mavu-ai/voicewire/pkg/wire"
)

// Default connection parameters.
const (
	DefaultMaxAttempts = 5
	DefaultBackoff     = 1 * time.Second
	DefaultMaxBackoff  = 16 * time.Second
	DefaultSendQueue   = 64
	DefaultEventQueue  = 64
)

// Close codes the backend uses to reject or terminate a session for
// authentication reasons. Together with the standard policy-violation code
// they mark the session as not worth retrying.
const (
	StatusAuthFailed  websocket.StatusCode = 4001
	StatusAuthExpired websocket.StatusCode = 4003
)

// Sentinel errors surfaced through [Event].
var (
	ErrRetriesExhausted = errors.New("transport: retries exhausted")
	ErrSessionClosed    = errors.New("transport: session closed")
	ErrSendQueueFull    = errors.New("transport: send queue full")
)

// AuthError is a terminal close triggered by a credential problem. The
// session never reconnects after one: retrying with the same credential
// would only repeat the rejection.
type AuthError struct {
	Code   websocket.StatusCode
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("transport: authentication rejected (code %d): %s", e.Code, e.Reason)
}

// Kind discriminates session events.
type Kind int

const (
	// KindOpened fires after every successful dial, including reconnects.
	KindOpened Kind = iota

	// KindMessage carries one decoded server event.
	KindMessage

	// KindClosed is the final event of a session. Err is nil for a clean
	// shutdown, an [*AuthError] for credential rejections, and
	// [ErrRetriesExhausted] (wrapped) when reconnection gave up.
	KindClosed
)

// Event is one observation on the [Session.Events] channel.
type Event struct {
	Kind   Kind
	Server *wire.ServerEvent // set for KindMessage
	Err    error             // set for terminal KindClosed failures
}

// Config configures a [Session].
type Config struct {
	// URL is the backend WebSocket endpoint.
	URL string

	// Token is appended as the token query parameter when non-empty.
	Token string

	// MaxAttempts bounds consecutive failed reconnection dials before the
	// session gives up. Defaults to 5. The counter resets on success.
	MaxAttempts int

	// Backoff is the delay after the first failed reconnect dial. It
	// doubles per attempt up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// SendQueue bounds the outbound message queue. Send never blocks; a
	// full queue is an error surfaced to the caller.
	SendQueue int
}

// Session is a reconnecting WebSocket session. Create with [New], establish
// with [Session.Connect]. Safe for concurrent use.
type Session struct {
	cfg    Config
	events chan Event
	sendCh chan []byte

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	started   bool
	unsent    [][]byte // messages that failed mid-write, resent once

	done      chan struct{}
	stopOnce  sync.Once
	dialNow   chan struct{} // manual reconnect: skip the current backoff wait
	reconnect int64

	// sleep is swapped out by tests to observe the backoff sequence.
	sleep func(d time.Duration) <-chan time.Time
}

// New creates a Session for the given endpoint. Zero config fields take the
// package defaults.
func New(cfg Config) *Session {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	return &Session{
		cfg:     cfg,
		events:  make(chan Event, DefaultEventQueue),
		sendCh:  make(chan []byte, cfg.SendQueue),
		done:    make(chan struct{}),
		dialNow: make(chan struct{}, 1),
		sleep:   time.After,
	}
}

// Events returns the session's event stream. KindClosed is the final event;
// the channel itself is never closed.
func (s *Session) Events() <-chan Event { return s.events }

// Connected reports whether a physical connection is currently up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Reconnects returns the number of successful reconnections so far.
func (s *Session) Reconnects() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnect
}

// Connect dials the backend and starts the session goroutines. Calling it
// on an already started session is a no-op. A failed initial dial is
// returned to the caller; the automatic retry loop only covers connections
// lost after they were established.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("transport: dial: %w", err)
	}

	s.setConn(conn)
	s.drainDialNow()
	s.emit(Event{Kind: KindOpened})
	go s.supervise(ctx, conn)
	return nil
}

// Send queues one message for transmission in FIFO order. It never blocks:
// a full queue or a closed session is reported as an error.
func (s *Session) Send(data []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.sendCh <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Reconnect forces an immediate dial, cancelling any backoff wait in
// progress. Used when the caller has reason to believe the network is back
// before the timer fires. No-op while the connection is healthy.
func (s *Session) Reconnect() {
	select {
	case s.dialNow <- struct{}{}:
	default:
	}
}

// Close shuts the session down with a normal closure. Safe to call multiple
// times.
func (s *Session) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.connected = false
		s.mu.Unlock()
		if conn != nil {
			err = conn.Close(websocket.StatusNormalClosure, "session end")
		}
	})
	return err
}

// dial establishes one physical connection, attaching the credential as a
// query parameter.
func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint := s.cfg.URL
	if s.cfg.Token != "" {
		u, err := url.Parse(s.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		q := u.Query()
		q.Set("token", s.cfg.Token)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Session) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()
}

// supervise owns the connection lifecycle: it runs the read loop over each
// physical connection, classifies how it ended, and either reconnects or
// emits the terminal KindClosed event.
func (s *Session) supervise(ctx context.Context, conn *websocket.Conn) {
	for {
		readErr := s.readLoop(ctx, conn)

		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()

		select {
		case <-s.done:
			s.emit(Event{Kind: KindClosed})
			return
		case <-ctx.Done():
			s.emit(Event{Kind: KindClosed, Err: ctx.Err()})
			return
		default:
		}

		code := websocket.CloseStatus(readErr)
		switch {
		case code == websocket.StatusNormalClosure:
			slog.Info("session closed by backend")
			s.emit(Event{Kind: KindClosed})
			return
		case code == websocket.StatusPolicyViolation || code == StatusAuthFailed || code == StatusAuthExpired:
			slog.Error("session rejected for authentication", "code", code)
			s.emit(Event{Kind: KindClosed, Err: &AuthError{Code: code, Reason: reasonOf(readErr)}})
			return
		}

		next, err := s.redial(ctx)
		if err != nil {
			s.emit(Event{Kind: KindClosed, Err: err})
			return
		}

		conn = next
		s.setConn(conn)
		s.mu.Lock()
		s.reconnect++
		s.mu.Unlock()
		s.emit(Event{Kind: KindOpened})
	}
}

// readLoop reads and decodes server events from one physical connection
// until it fails. It also runs that connection's writer.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.writeLoop(connCtx, conn)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return err
		}

		evt, err := wire.ParseServerEvent(data)
		if err != nil {
			slog.Warn("dropping undecodable server event", "error", err)
			continue
		}

		s.emit(Event{Kind: KindMessage, Server: evt})
	}
}

// writeLoop drains the send queue onto one physical connection. A message
// that fails mid-write is stashed and resent once on the next connection;
// if the resend fails too it is dropped rather than retried forever.
func (s *Session) writeLoop(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	pending := s.unsent
	s.unsent = nil
	s.mu.Unlock()

	for _, msg := range pending {
		if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
			slog.Warn("dropping message after failed resend", "error", err)
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.sendCh:
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				s.mu.Lock()
				s.unsent = append(s.unsent, msg)
				s.mu.Unlock()
				return
			}
		}
	}
}

// redial attempts reconnection with exponential backoff. The first dial is
// immediate; each failure doubles the wait up to MaxBackoff. A manual
// [Session.Reconnect] skips the wait in progress.
func (s *Session) redial(ctx context.Context) (*websocket.Conn, error) {
	backoff := s.cfg.Backoff

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		slog.Info("attempting reconnection",
			"attempt", attempt,
			"max_attempts", s.cfg.MaxAttempts,
		)

		conn, err := s.dial(ctx)
		if err == nil {
			slog.Info("reconnection successful", "attempt", attempt)
			s.drainDialNow()
			return conn, nil
		}

		slog.Warn("reconnection attempt failed",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrSessionClosed
		case <-s.dialNow:
		case <-s.sleep(backoff):
		}

		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}

	return nil, fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, s.cfg.MaxAttempts)
}

// drainDialNow discards a [Session.Reconnect] token issued while the link
// was healthy, so it cannot spuriously skip the first backoff wait of a
// later redial cycle.
func (s *Session) drainDialNow() {
	select {
	case <-s.dialNow:
	default:
	}
}

// emit delivers an event unless the consumer is gone.
func (s *Session) emit(evt Event) {
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

func reasonOf(err error) string {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return err.Error()
}
