package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mavu-ai/voicewire/internal/app"
	"github.com/mavu-ai/voicewire/internal/config"
	"github.com/mavu-ai/voicewire/pkg/capture"
	capmock "github.com/mavu-ai/voicewire/pkg/capture/mock"
	"github.com/mavu-ai/voicewire/pkg/engine"
	"github.com/mavu-ai/voicewire/pkg/playback"
	"github.com/mavu-ai/voicewire/pkg/transcript"
	"github.com/mavu-ai/voicewire/pkg/wire"
)

// TestApp_Lifecycle exercises New, Run, ApplyConfig and Shutdown in one
// sequence. app.New sets the global OTel providers, so it can only run once
// per test binary.
func TestApp_Lifecycle(t *testing.T) {
	cfg := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogInfo},
		Transport: config.TransportConfig{URL: "wss://api.example.com/ws", Token: "tok"},
		Session:   config.SessionConfig{ID: "lifecycle-test"},
	}

	tr := newFakeTransport()
	store := transcript.NewMemStore(0)

	application, err := app.New(context.Background(), cfg,
		app.WithStore(store),
		app.WithFactories(app.Factories{
			Transport: func(config.TransportConfig) (engine.Transport, error) { return tr, nil },
			Source:    func(config.AudioConfig) (capture.Source, error) { return capmock.NewSource(), nil },
			Sink: func(int) (playback.Sink, func() error, error) {
				return nopSink{}, nil, nil
			},
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	// Wait for the session to come up.
	deadline := time.Now().Add(5 * time.Second)
	for !application.Manager().Active() {
		if time.Now().After(deadline) {
			t.Fatal("session never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A voice hot-reload reaches the live controller.
	application.ApplyConfig(config.ConfigDiff{VoiceChanged: true, NewVoice: "nova"})
	found := false
	for _, typ := range tr.sentTypes(t) {
		if typ == wire.TypeVoiceChange {
			found = true
		}
	}
	if !found {
		t.Error("voice.change was not sent after ApplyConfig")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}

	shutdownCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if application.Manager().Active() {
		t.Fatal("session still active after Shutdown")
	}

	// Shutdown is idempotent.
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
