// Command callbridge bridges telephony media-streaming WebSockets to a
// realtime voice-AI service so callers can talk to an AI agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/callbridge/internal/app"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional; defaults and environment are used without it)")
	envFile := flag.String("env", ".env", "path to a .env file loaded before the configuration")
	watch := flag.Bool("watch", false, "reload the configuration file when it changes or on SIGHUP")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "callbridge: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callbridge: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(newLogger(os.Stderr, &level))

	slog.Info("callbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "callbridge",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg,
		app.WithLevelVar(&level),
		app.WithCloser(func() error { return otelShutdown(context.Background()) }),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload (optional) ──────────────────────────────────────────
	if *watch && *configPath != "" {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		go w.Run(ctx)
		go reloadOnHangup(ctx, w)
	}

	printStartupSummary(os.Stdout, cfg)
	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup forces a config reload on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := w.Reload(); err != nil {
				slog.Warn("config reload failed; keeping previous config", "err", err)
			}
		}
	}
}

// newLogger returns a text logger writing to w whose level follows level.
func newLogger(w io.Writer, level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func printStartupSummary(w io.Writer, cfg *config.Config) {
	greeting := "(disabled)"
	if cfg.Realtime.Greeting != "" {
		greeting = "enabled"
	}
	breaker := "off"
	if b := cfg.Realtime.Breaker; b.Enabled {
		breaker = fmt.Sprintf("%d fails/%s", b.MaxFailures, b.ResetTimeout)
	}
	rows := [][2]string{
		{"Listen addr", cfg.Server.ListenAddr},
		{"Call path", cfg.Server.Path},
		{"Model", cfg.Realtime.Model},
		{"Voice", cfg.Realtime.Voice},
		{"Greeting", greeting},
		{"Human digit", cfg.Telephony.HumanDigit},
		{"AI breaker", breaker},
	}
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║      callbridge: startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	for _, r := range rows {
		fmt.Fprintf(w, "║  %-15s : %-19s ║\n", r[0], r[1])
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}
