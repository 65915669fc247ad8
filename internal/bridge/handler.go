package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/realtime"
)

// Handler upgrades HTTP requests to telephony WebSockets and runs one
// [Session] per connection. It is safe for concurrent use.
type Handler struct {
	provider realtime.Provider
	cfg      Config
	metrics  *observe.Metrics
	limiter  *rate.Limiter
	accept   websocket.AcceptOptions

	mu       sync.Mutex
	sessions map[string]*Session
	draining bool
	wg       sync.WaitGroup
}

// HandlerOption configures a [Handler].
type HandlerOption func(*Handler)

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithAcceptRate limits how many calls per second are accepted. A
// non-positive limit disables limiting.
func WithAcceptRate(limit rate.Limit, burst int) HandlerOption {
	return func(h *Handler) {
		if limit <= 0 {
			h.limiter = nil
			return
		}
		h.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithOriginPatterns sets the host patterns allowed for cross-origin
// upgrades. Telephony platforms normally send no Origin header.
func WithOriginPatterns(patterns ...string) HandlerOption {
	return func(h *Handler) { h.accept.OriginPatterns = patterns }
}

// NewHandler returns a Handler that bridges every accepted call to provider.
func NewHandler(provider realtime.Provider, cfg Config, opts ...HandlerOption) *Handler {
	h := &Handler{
		provider: provider,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// ServeHTTP accepts the telephony WebSocket and blocks until the call ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Draining() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if h.limiter != nil && !h.limiter.Allow() {
		http.Error(w, "too many calls", http.StatusTooManyRequests)
		return
	}

	conn, err := websocket.Accept(w, r, &h.accept)
	if err != nil {
		slog.Debug("bridge: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	// Sessions end via Shutdown, not request cancellation. The request
	// context still carries the trace.
	h.serve(context.WithoutCancel(r.Context()), conn)
}

// serve runs one call on an accepted connection. A call that arrives after
// Shutdown began is hung up at once.
func (h *Handler) serve(ctx context.Context, conn Conn) {
	sess := NewSession(ctx, conn, h.provider, h.config(), h.metrics)
	if !h.track(sess) {
		sess.abort(ReasonShutdown)
		return
	}
	defer h.untrack(sess)

	if err := sess.Run(); err != nil {
		sess.log.Warn("session ended with error", "err", err)
	}
}

// SetConfig replaces the settings used for calls accepted from now on. Calls
// in progress keep the settings they started with.
func (h *Handler) SetConfig(cfg Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
}

func (h *Handler) config() Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

func (h *Handler) track(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.sessions[s.ID()] = s
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID())
	h.mu.Unlock()
	h.wg.Done()
}

// ActiveSessions returns the number of calls currently being served.
func (h *Handler) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Draining reports whether Shutdown has been called.
func (h *Handler) Draining() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.draining
}

// Shutdown stops accepting calls, closes every live session and waits for
// them to finish or for ctx to be done.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	live := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()

	for _, s := range live {
		s.closeWith(ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
