// Package app wires the callbridge subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the realtime provider,
// the bridge handler and the HTTP routes, Run serves until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithProvider,
// WithListener, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/MrWong99/callbridge/internal/bridge"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/health"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/pkg/realtime"
	"github.com/MrWong99/callbridge/pkg/realtime/openai"
)

// readHeaderTimeout bounds how long a client may take to send request
// headers, including the WebSocket upgrade request.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes and serves telephony calls.
type App struct {
	cfg      *config.Config
	provider realtime.Provider
	metrics  *observe.Metrics
	level    *slog.LevelVar
	transfer bridge.TransferFunc

	bridge         *bridge.Handler
	health         *health.Handler
	metricsHandler http.Handler
	server         *http.Server
	listener       net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects a realtime provider instead of creating the OpenAI
// provider from config.
func WithProvider(p realtime.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithMetrics injects the metrics recorder. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener makes Run serve on l instead of listening on
// cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithMetricsHandler replaces the /metrics handler. Defaults to
// promhttp.Handler().
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets [App.ApplyConfig] adjust the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithTransfer sets the hook invoked when a caller asks for a human.
func WithTransfer(f bridge.TransferFunc) Option {
	return func(a *App) { a.transfer = f }
}

// WithCloser registers fn to run during Shutdown after the server stopped.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It does not open
// any network connection; the AI leg is dialled per call.
func New(_ context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.provider == nil {
		a.provider = openai.New(cfg.Realtime.APIKey,
			openai.WithModel(cfg.Realtime.Model),
			openai.WithBaseURL(cfg.Realtime.BaseURL),
		)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}
	if a.transfer == nil {
		a.transfer = logTransfer
	}

	checkers := []health.Checker{}
	if b := cfg.Realtime.Breaker; b.Enabled {
		guard := resilience.Guard(a.provider, resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "realtime",
			MaxFailures:  b.MaxFailures,
			ResetTimeout: b.ResetTimeout,
			HalfOpenMax:  b.HalfOpenMax,
			OnStateChange: func(_, to resilience.State) {
				a.metrics.RecordBreakerTransition(context.Background(), to.String())
			},
		}))
		a.provider = guard
		checkers = append(checkers, health.Checker{Name: "realtime", Check: guard.Check})
	}

	a.bridge = bridge.NewHandler(a.provider, BridgeConfig(cfg, a.transfer),
		bridge.WithMetrics(a.metrics),
		bridge.WithAcceptRate(rate.Limit(cfg.Server.AcceptRate), cfg.Server.AcceptBurst),
		bridge.WithOriginPatterns(cfg.Telephony.OriginPatterns...),
	)
	checkers = append(checkers, health.NotDraining("bridge", a.bridge.Draining))
	a.health = health.New(checkers)

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)
	mux.Handle("GET "+cfg.Server.Path, a.bridge)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	return a, nil
}

// BridgeConfig derives the per-call settings from cfg.
func BridgeConfig(cfg *config.Config, transfer bridge.TransferFunc) bridge.Config {
	rt := cfg.Realtime
	return bridge.Config{
		Realtime: realtime.SessionConfig{
			Voice:            rt.Voice,
			InputAudioFormat: rt.InputAudioFormat,
			TurnDetection: realtime.TurnDetection{
				Type:           rt.TurnDetection.Type,
				CreateResponse: rt.TurnDetection.CreateResponse,
			},
			Instructions: rt.Instructions,
			Greeting:     rt.Greeting,
		},
		HumanDigit:       cfg.Telephony.HumanDigit,
		HandshakeTimeout: rt.HandshakeTimeout,
		QueueSize:        cfg.Telephony.SendQueue,
		OnTransfer:       transfer,
	}
}

// logTransfer is the default human-handoff hook. Actual transfer is left to
// the telephony platform. The session context already carries session_id.
func logTransfer(ctx context.Context, _ string) {
	observe.Logger(ctx).Info("human agent requested")
}

// Handler returns the root HTTP handler with all routes and middleware.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Provider returns the realtime provider calls dial through, including the
// circuit breaker when one is configured.
func (a *App) Provider() realtime.Provider { return a.provider }

// Bridge returns the call handler.
func (a *App) Bridge() *bridge.Handler { return a.bridge }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the server fails. A server
// stopped by Shutdown is not an error.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()

	slog.Info("app running",
		"addr", ln.Addr().String(),
		"path", a.cfg.Server.Path,
		"model", a.cfg.Realtime.Model,
		"tls", a.cfg.Server.TLS != nil,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ApplyConfig applies a reloaded config. The log level changes immediately,
// call settings apply to calls accepted afterwards, and everything else is
// reported as needing a restart. It is suitable as a [config.Watcher]
// callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.CallSettingsChanged {
		a.bridge.SetConfig(BridgeConfig(new, a.transfer))
		slog.Info("call settings reloaded; new calls use them")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "keys", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting calls, hangs up every live call, stops the HTTP
// server and runs the registered closers. Only the first call has effect.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.bridge.ActiveSessions(), "closers", len(a.closers))

		// Calls run on hijacked connections, which http.Server.Shutdown
		// does not track.
		if err := a.bridge.Shutdown(ctx); err != nil {
			slog.Warn("bridge shutdown incomplete", "err", err)
			shutdownErr = err
		}
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
			shutdownErr = errors.Join(shutdownErr, err)
		}

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
