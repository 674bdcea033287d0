// Command voicewire is a push-to-talk voice client for the conversation
// backend: it streams microphone audio over a WebSocket session and plays
// the synthesized replies.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mavu-ai/voicewire/internal/app"
	"github.com/mavu-ai/voicewire/internal/config"
	"github.com/mavu-ai/voicewire/pkg/engine"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicewire: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicewire: %v\n", err)
		}
		return 1
	}

	level := &slog.LevelVar{}
	level.Set(levelFor(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("voicewire starting",
		"config", *configPath,
		"backend", cfg.Transport.URL,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, app.WithLogLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// Watch the config file so voice and log level apply without a restart.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		application.ApplyConfig(config.Diff(old, new))
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg)

	go talkLoop(ctx, stop, application.Manager())

	slog.Info("ready — press Enter to talk, Enter again to send, Ctrl+C to quit")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// talkLoop is the terminal push-to-talk frontend. Enter toggles between
// recording and sending; "voice <name>" switches the synthesis voice; "quit"
// exits.
func talkLoop(ctx context.Context, stop context.CancelFunc, manager *app.SessionManager) {
	scanner := bufio.NewScanner(os.Stdin)
	talking := false

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		ctrl := manager.Controller()
		if ctrl == nil {
			continue
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "quit" || line == "q":
			stop()
			return

		case strings.HasPrefix(line, "voice "):
			name := strings.TrimSpace(strings.TrimPrefix(line, "voice "))
			if err := ctrl.SetVoice(name); err != nil {
				slog.Warn("voice change failed", "voice", name, "err", err)
			}

		case line == "":
			if talking {
				talking = false
				if err := ctrl.StopRecording(); err != nil {
					slog.Warn("stop recording", "err", err)
				}
				continue
			}
			err := ctrl.StartRecording()
			switch {
			case errors.Is(err, engine.ErrNotReady):
				fmt.Println("(session not ready yet)")
			case errors.Is(err, engine.ErrBusy):
				fmt.Println("(still processing the last utterance)")
			case err != nil:
				slog.Warn("start recording", "err", err)
			default:
				talking = true
				fmt.Println("(recording — press Enter to send)")
			}
		}
	}
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voicewire — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Backend", trimFor(cfg.Transport.URL))
	printField("Voice", orDefault(cfg.Session.Voice, "(backend default)"))
	printField("Barge-in", orDefault(string(cfg.Session.BargeIn), "discard"))
	if cfg.Transcripts.PostgresDSN != "" {
		printField("Transcripts", "postgres")
	} else {
		printField("Transcripts", "in-memory")
	}
	printField("Listen addr", orDefault(cfg.Server.ListenAddr, "(disabled)"))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	fmt.Printf("║  %-12s : %-22s ║\n", name, value)
}

func trimFor(value string) string {
	if len(value) > 22 {
		return value[:19] + "…"
	}
	return value
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return trimFor(value)
}

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
