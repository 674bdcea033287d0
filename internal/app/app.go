// Package app wires all voicewire subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the main loops, and Shutdown tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithFactories). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mavu-ai/voicewire/internal/config"
	"github.com/mavu-ai/voicewire/internal/health"
	"github.com/mavu-ai/voicewire/internal/observe"
	"github.com/mavu-ai/voicewire/internal/speaker"
	"github.com/mavu-ai/voicewire/pkg/playback"
	"github.com/mavu-ai/voicewire/pkg/transcript"
	"github.com/mavu-ai/voicewire/pkg/transcript/postgres"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	metrics  *observe.Metrics
	registry *prometheus.Registry
	store    transcript.Store
	manager  *SessionManager
	httpSrv  *http.Server

	factories Factories
	logLevel  *slog.LevelVar

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a transcript store instead of creating one from config.
func WithStore(s transcript.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLogLevelVar hands the app the logger's level so hot reloads can adjust
// verbosity.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithFactories injects device and transport factories.
func WithFactories(f Factories) Option {
	return func(a *App) {
		if f.Transport != nil {
			a.factories.Transport = f.Transport
		}
		if f.Source != nil {
			a.factories.Source = f.Source
		}
		if f.Sink != nil {
			a.factories.Sink = f.Sink
		}
	}
}

// New creates an App by wiring all subsystems together: telemetry, the
// transcript store, the session manager, and the HTTP surface.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		factories: Factories{
			Transport: defaultTransportFactory,
			Source:    defaultSourceFactory,
			Sink: func(rate int) (playback.Sink, func() error, error) {
				sp, err := speaker.New(rate)
				if err != nil {
					return nil, nil, err
				}
				return sp, sp.Close, nil
			},
		},
	}
	for _, o := range opts {
		o(a)
	}

	// Telemetry first so every subsystem can record from the start. The app
	// owns its Prometheus registry instead of using the process-global one,
	// so repeated App lifetimes in tests never collide on registration.
	a.registry = prometheus.NewRegistry()
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voicewire",
		Registry:    a.registry,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error {
		return shutdownTelemetry(context.Background())
	})

	a.metrics = observe.DefaultMetrics()

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init transcript store: %w", err)
	}

	a.manager = NewSessionManager(cfg, a.metrics, a.store, a.factories)
	a.manager.OnError = func(err error) {
		slog.Error("session surfaced error", "err", err)
	}

	a.initHTTP()

	return a, nil
}

// initStore creates the transcript store: PostgreSQL when a DSN is
// configured, bounded in-memory otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}

	if dsn := a.cfg.Transcripts.PostgresDSN; dsn != "" {
		store, err := postgres.New(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = transcript.WithBreaker(store, "transcripts")
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		slog.Info("transcripts persisted to postgres")
		return nil
	}

	a.store = transcript.NewMemStore(a.cfg.Transcripts.MemoryCapacity)
	return nil
}

// initHTTP builds the metrics/health/status surface. Disabled when no
// listen address is configured.
func (a *App) initHTTP() {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		return
	}

	statusFn := func() any {
		ctrl := a.manager.Controller()
		if ctrl == nil {
			return map[string]any{"active": false}
		}
		return ctrl.Stat()
	}

	h := health.New(statusFn,
		health.Checker{
			Name: "transport",
			Check: func(context.Context) error {
				ctrl := a.manager.Controller()
				if ctrl == nil || !ctrl.Connected() {
					return errors.New("transport not connected")
				}
				return nil
			},
		},
	)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	a.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Manager returns the session manager, for the push-to-talk frontend.
func (a *App) Manager() *SessionManager { return a.manager }

// Run starts the session and the HTTP surface, then blocks until ctx is
// cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.httpSrv != nil {
		g.Go(func() error {
			slog.Info("http surface listening", "addr", a.httpSrv.Addr)
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.httpSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	return g.Wait()
}

// ApplyConfig applies a hot-reloaded config: log level and voice take effect
// immediately; anything else is reported as needing a restart.
func (a *App) ApplyConfig(diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(levelFor(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.VoiceChanged {
		if ctrl := a.manager.Controller(); ctrl != nil {
			if err := ctrl.SetVoice(diff.NewVoice); err != nil {
				slog.Warn("voice change failed", "voice", diff.NewVoice, "err", err)
			} else {
				slog.Info("voice changed", "voice", diff.NewVoice)
			}
		}
	}
	if diff.RestartRequired {
		slog.Warn("config changes require a restart to take effect")
	}
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop the session first so no audio outlives the devices.
		if err := a.manager.Stop(); err != nil {
			slog.Warn("session stop error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// levelFor maps a config log level onto slog.
func levelFor(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
