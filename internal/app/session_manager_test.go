package app_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mavu-ai/voicewire/internal/app"
	"github.com/mavu-ai/voicewire/internal/config"
	"github.com/mavu-ai/voicewire/pkg/capture"
	capmock "github.com/mavu-ai/voicewire/pkg/capture/mock"
	"github.com/mavu-ai/voicewire/pkg/engine"
	"github.com/mavu-ai/voicewire/pkg/playback"
	"github.com/mavu-ai/voicewire/pkg/transport"
	"github.com/mavu-ai/voicewire/pkg/wire"
)

// fakeTransport satisfies engine.Transport without a network. Connect emits
// an opened event followed by session.ready so the controller comes up ready
// immediately.
type fakeTransport struct {
	mu        sync.Mutex
	sent      [][]byte
	events    chan transport.Event
	connected bool
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 64)}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.events <- transport.Event{Kind: transport.KindOpened}
	f.events <- transport.Event{
		Kind:   transport.KindMessage,
		Server: &wire.ServerEvent{Type: wire.TypeSessionReady},
	}
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrSessionClosed
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Reconnects() int64 { return 0 }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	return nil
}

func (f *fakeTransport) sentTypes(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var types []string
	for _, data := range f.sent {
		var ev struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("undecodable outbound frame: %v", err)
		}
		types = append(types, ev.Type)
	}
	return types
}

type nopSink struct{}

func (nopSink) ScheduleAt(playback.Buffer, time.Time) {}

// testHarness holds the fakes behind a SessionManager under test.
type testHarness struct {
	manager *app.SessionManager
	tr      *fakeTransport
	src     *capmock.Source
}

func newHarness(cfg *config.Config) *testHarness {
	h := &testHarness{
		tr:  newFakeTransport(),
		src: capmock.NewSource(),
	}
	h.manager = app.NewSessionManager(cfg, nil, nil, app.Factories{
		Transport: func(config.TransportConfig) (engine.Transport, error) { return h.tr, nil },
		Source:    func(config.AudioConfig) (capture.Source, error) { return h.src, nil },
		Sink: func(int) (playback.Sink, func() error, error) {
			return nopSink{}, nil, nil
		},
	})
	return h
}

func managerConfig() *config.Config {
	return &config.Config{
		Transport: config.TransportConfig{URL: "wss://api.example.com/ws", Token: "tok"},
		Session:   config.SessionConfig{ID: "test-session", Voice: "luna"},
	}
}

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()
	h := newHarness(managerConfig())

	if h.manager.Active() {
		t.Fatal("manager active before Start")
	}
	if h.manager.Controller() != nil {
		t.Fatal("controller present before Start")
	}

	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !h.manager.Active() {
		t.Fatal("manager not active after Start")
	}
	if h.manager.Controller() == nil {
		t.Fatal("controller missing after Start")
	}
	if info := h.manager.Info(); info.SessionID != "test-session" || info.Voice != "luna" {
		t.Fatalf("info = %+v", info)
	}

	if err := h.manager.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.manager.Active() {
		t.Fatal("manager still active after Stop")
	}
	if h.src.CallCountClose == 0 {
		t.Fatal("capture source not closed")
	}
	if h.tr.Connected() {
		t.Fatal("transport still connected after Stop")
	}
}

func TestSessionManager_StartTwiceFails(t *testing.T) {
	t.Parallel()
	h := newHarness(managerConfig())

	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.manager.Stop()

	if err := h.manager.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail while a session is active")
	}
}

func TestSessionManager_RequestsConfiguredVoice(t *testing.T) {
	t.Parallel()
	h := newHarness(managerConfig())

	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.manager.Stop()

	found := false
	for _, typ := range h.tr.sentTypes(t) {
		if typ == wire.TypeVoiceChange {
			found = true
		}
	}
	if !found {
		t.Fatal("voice.change was not sent on start")
	}
}

func TestSessionManager_StopWithoutStartIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(managerConfig())

	if err := h.manager.Stop(); err != nil {
		t.Fatalf("Stop without Start: %v", err)
	}
}

func TestSessionManager_Restart(t *testing.T) {
	t.Parallel()
	cfg := managerConfig()

	// Both fakes are single-use once closed, so the factories hand out a
	// fresh instance per session.
	var mu sync.Mutex
	var transports []*fakeTransport
	var sources []*capmock.Source

	manager := app.NewSessionManager(cfg, nil, nil, app.Factories{
		Transport: func(config.TransportConfig) (engine.Transport, error) {
			mu.Lock()
			defer mu.Unlock()
			tr := newFakeTransport()
			transports = append(transports, tr)
			return tr, nil
		},
		Source: func(config.AudioConfig) (capture.Source, error) {
			mu.Lock()
			defer mu.Unlock()
			src := capmock.NewSource()
			sources = append(sources, src)
			return src, nil
		},
		Sink: func(int) (playback.Sink, func() error, error) {
			return nopSink{}, nil, nil
		},
	})

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := manager.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	defer manager.Stop()

	if !manager.Active() {
		t.Fatal("manager not active after Restart")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transports) != 2 || len(sources) != 2 {
		t.Fatalf("created %d transports and %d sources, want 2 each", len(transports), len(sources))
	}
	if transports[0].Connected() {
		t.Fatal("first transport still connected after Restart")
	}
	if !transports[1].Connected() {
		t.Fatal("second transport not connected after Restart")
	}
}
