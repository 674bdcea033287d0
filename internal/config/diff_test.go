package config_test

import (
	"testing"
	"time"

	"github.com/mavu-ai/voicewire/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":9090", LogLevel: config.LogInfo},
		Transport: config.TransportConfig{
			URL:   "wss://api.example.com/ws",
			Token: "tok",
		},
		Session: config.SessionConfig{
			Voice:    "luna",
			Debounce: 500 * time.Millisecond,
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()

	d := config.Diff(old, new)
	if d.Changed() {
		t.Errorf("identical configs should produce an empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged should be true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want debug", d.NewLogLevel)
	}
	if d.RestartRequired {
		t.Error("log level change should not require a restart")
	}
}

func TestDiff_VoiceChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Session.Voice = "nova"

	d := config.Diff(old, new)
	if !d.VoiceChanged {
		t.Fatal("VoiceChanged should be true")
	}
	if d.NewVoice != "nova" {
		t.Errorf("NewVoice: got %q, want nova", d.NewVoice)
	}
	if d.RestartRequired {
		t.Error("voice change should not require a restart")
	}
}

func TestDiff_TransportChangeRequiresRestart(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Transport.URL = "wss://other.example.com/ws"

	d := config.Diff(old, new)
	if !d.RestartRequired {
		t.Error("transport change should require a restart")
	}
}

func TestDiff_SessionTimingRequiresRestart(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Session.Debounce = time.Second

	d := config.Diff(old, new)
	if !d.RestartRequired {
		t.Error("debounce change should require a restart")
	}
	if d.VoiceChanged {
		t.Error("voice did not change")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogWarn
	new.Session.Voice = "nova"
	new.Playback.TargetBuffer = time.Second

	d := config.Diff(old, new)
	if !d.LogLevelChanged || !d.VoiceChanged || !d.RestartRequired {
		t.Errorf("all three flags should be set, got %+v", d)
	}
}
