package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Transport
	if cfg.Transport.URL == "" {
		errs = append(errs, errors.New("transport.url is required"))
	} else if u, err := url.Parse(cfg.Transport.URL); err != nil {
		errs = append(errs, fmt.Errorf("transport.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("transport.url scheme %q is invalid; must be ws or wss", u.Scheme))
	}
	if cfg.Transport.Token == "" {
		slog.Warn("transport.token is empty; the backend may reject the session")
	}
	if cfg.Transport.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("transport.max_attempts %d is negative", cfg.Transport.MaxAttempts))
	}
	if cfg.Transport.Backoff < 0 || cfg.Transport.MaxBackoff < 0 {
		errs = append(errs, errors.New("transport backoff durations must not be negative"))
	}
	if cfg.Transport.Backoff > 0 && cfg.Transport.MaxBackoff > 0 && cfg.Transport.MaxBackoff < cfg.Transport.Backoff {
		errs = append(errs, fmt.Errorf("transport.max_backoff %s is below transport.backoff %s", cfg.Transport.MaxBackoff, cfg.Transport.Backoff))
	}

	// Audio
	for name, rate := range map[string]int{
		"audio.capture_rate":   cfg.Audio.CaptureRate,
		"audio.transport_rate": cfg.Audio.TransportRate,
		"audio.output_rate":    cfg.Audio.OutputRate,
	} {
		if rate < 0 {
			errs = append(errs, fmt.Errorf("%s %d is negative", name, rate))
		}
	}
	if d := cfg.Audio.FrameDuration; d != 0 && (d < 10*time.Millisecond || d > time.Second) {
		errs = append(errs, fmt.Errorf("audio.frame_duration %s is out of range [10ms, 1s]", d))
	}
	if g := cfg.Audio.Gain; g < 0 || g > 4 {
		errs = append(errs, fmt.Errorf("audio.gain %.2f is out of range (0, 4]", g))
	}

	// Playback thresholds. Zeroes take the scheduler defaults, so only
	// explicitly contradictory pairs are rejected here.
	if p := cfg.Playback; p.MinBuffer > 0 && p.TargetBuffer > 0 && p.MinBuffer >= p.TargetBuffer {
		errs = append(errs, fmt.Errorf("playback.min_buffer %s must be below playback.target_buffer %s", p.MinBuffer, p.TargetBuffer))
	}
	if p := cfg.Playback; p.Lookahead > 0 && p.TargetBuffer > 0 && p.Lookahead >= p.TargetBuffer {
		errs = append(errs, fmt.Errorf("playback.lookahead %s must be below playback.target_buffer %s", p.Lookahead, p.TargetBuffer))
	}

	// Session
	if b := cfg.Session.BargeIn; b != "" && !b.IsValid() {
		errs = append(errs, fmt.Errorf("session.barge_in %q is invalid; valid values: discard, hold", b))
	}
	for name, d := range map[string]time.Duration{
		"session.debounce":       cfg.Session.Debounce,
		"session.commit_window":  cfg.Session.CommitWindow,
		"session.commit_poll":    cfg.Session.CommitPoll,
		"session.safety_timeout": cfg.Session.SafetyTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s %s is negative", name, d))
		}
	}

	// Transcripts
	if cfg.Transcripts.MemoryCapacity < 0 {
		errs = append(errs, fmt.Errorf("transcripts.memory_capacity %d is negative", cfg.Transcripts.MemoryCapacity))
	}
	if cfg.Transcripts.PostgresDSN == "" {
		slog.Warn("transcripts.postgres_dsn is empty; transcripts will not survive restarts")
	}

	return errors.Join(errs...)
}
