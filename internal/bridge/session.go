// Package bridge relays one phone call between a telephony media-streaming
// WebSocket and a realtime voice-AI session.
//
// A [Session] owns both legs of a call. It waits for the telephony leg to
// declare its audio format, opens the AI leg exactly once, then forwards
// caller audio upstream and re-frames model audio into fixed 20 ms frames for
// the caller. Closing either leg closes the other.
//
// [Handler] upgrades HTTP requests to telephony WebSockets and runs one
// Session per connection.
package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/realtime"
	"github.com/MrWong99/callbridge/pkg/telephony"
)

// Conn is the telephony leg. *websocket.Conn satisfies it.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// TransferFunc is invoked when the caller presses the human-request digit.
// It runs on the telephony read goroutine and must not block.
type TransferFunc func(ctx context.Context, sessionID string)

// Config holds the per-session parameters shared by every call.
type Config struct {
	// Realtime is sent to the AI provider on Connect.
	Realtime realtime.SessionConfig

	// HumanDigit is the DTMF digit that cancels the current AI response and
	// triggers OnTransfer.
	HumanDigit string

	// HandshakeTimeout bounds the AI dial. Zero means no bound beyond the
	// session lifetime.
	HandshakeTimeout time.Duration

	// QueueSize is the capacity of each leg's outbound queue.
	QueueSize int

	// OnTransfer is the human-handoff hook. Nil means log only.
	OnTransfer TransferFunc
}

// Session is one relayed call. Create it with [NewSession] and drive it with
// [Session.Run].
type Session struct {
	id       string
	tel      Conn
	provider realtime.Provider
	cfg      Config
	metrics  *observe.Metrics
	log      *slog.Logger
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	span   trace.Span

	toCaller *outbox
	toAI     *outbox

	mu         sync.Mutex
	state      State
	format     audio.Format
	frameBytes int
	ai         realtime.SessionHandle
	reason     string
}

// NewSession creates a session for an accepted telephony connection. The
// session ends when ctx is cancelled, when either leg closes, or on Close.
func NewSession(ctx context.Context, tel Conn, provider realtime.Provider, cfg Config, metrics *observe.Metrics) *Session {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(observe.WithSessionID(ctx, id))
	ctx, span := observe.StartSpan(ctx, "bridge.session",
		trace.WithAttributes(attribute.String("session.id", id)))
	log := observe.Logger(ctx)

	return &Session{
		id:       id,
		tel:      tel,
		provider: provider,
		cfg:      cfg,
		metrics:  metrics,
		log:      log,
		started:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
		span:     span,
		toCaller: newOutbox("telephony", cfg.QueueSize, log),
		toAI:     newOutbox("ai", cfg.QueueSize, log),
		state:    StateAwaitingFormat,
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FrameBytes returns the negotiated telephony frame size, or zero before the
// format is known.
func (s *Session) FrameBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameBytes
}

// Done returns a channel that is closed once the session has begun closing.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Run serves the call until it ends and returns once every session goroutine
// has exited.
func (s *Session) Run() error {
	s.metrics.ActiveSessions.Add(s.ctx, 1)
	s.log.Info("call connected")

	s.group.Go(func() error { s.toCaller.run(s.ctx); return nil })
	s.group.Go(func() error { s.toAI.run(s.ctx); return nil })
	s.group.Go(s.readTelephony)
	err := s.group.Wait()

	s.mu.Lock()
	reason := s.reason
	s.mu.Unlock()

	bg := context.WithoutCancel(s.ctx)
	s.metrics.ActiveSessions.Add(bg, -1)
	s.metrics.RecordSessionClosed(bg, reason, time.Since(s.started).Seconds())
	s.span.SetAttributes(attribute.String("close.reason", reason))
	s.span.End()
	return err
}

// abort closes a session that was never run and ends its span.
func (s *Session) abort(reason string) {
	s.closeWith(reason)
	s.span.SetAttributes(attribute.String("close.reason", reason))
	s.span.End()
}

// Close ends the call, closing both legs. Safe to call more than once and
// from any goroutine.
func (s *Session) Close() error {
	s.closeWith(ReasonLocal)
	return nil
}

// closeWith transitions to StateClosed and closes both legs. Only the first
// call has any effect; later calls return immediately.
func (s *Session) closeWith(reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = StateClosed
	s.reason = reason
	ai := s.ai
	s.mu.Unlock()

	s.log.Info("call closing", "reason", reason, "from", from.String())

	if ai != nil {
		if err := ai.Close(); err != nil {
			s.log.Debug("close AI leg", "err", err)
		}
	}
	if err := s.tel.Close(websocket.StatusNormalClosure, "call ended"); err != nil {
		s.log.Debug("close telephony leg", "err", err)
	}
	s.cancel()
}

// activeAI returns the AI handle, or nil unless the session is active.
func (s *Session) activeAI() realtime.SessionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil
	}
	return s.ai
}

// ── Telephony leg ────────────────────────────────────────────────────────────

// readTelephony handles inbound telephony messages one at a time in receipt
// order until the leg closes.
func (s *Session) readTelephony() error {
	for {
		typ, data, err := s.tel.Read(s.ctx)
		if err != nil {
			s.closeWith(telephonyReason(s.ctx, err))
			return nil
		}
		s.handleTelephony(typ, data)
	}
}

func telephonyReason(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return ReasonShutdown
	case websocket.CloseStatus(err) != -1, errors.Is(err, io.EOF):
		return ReasonTelephonyClosed
	default:
		return ReasonTelephonyError
	}
}

func (s *Session) handleTelephony(typ websocket.MessageType, data []byte) {
	if typ == websocket.MessageBinary {
		s.forwardToAI(data)
		return
	}

	evt, err := telephony.Parse(data)
	if err != nil {
		s.log.Debug("ignoring telephony message", "err", err)
		return
	}
	switch evt.Type {
	case telephony.EventConnected:
		s.handleConnected(evt)
	case telephony.EventDTMF:
		s.handleDTMF(evt)
	default:
		s.log.Debug("ignoring telephony event", "event", evt.Type)
	}
}

func (s *Session) forwardToAI(frame []byte) {
	ai := s.activeAI()
	if ai == nil {
		s.metrics.RecordDropped(s.ctx, observe.DirectionToAI, "ai_not_ready")
		return
	}
	if !s.toAI.push(func(context.Context) error { return ai.SendAudio(frame) }) {
		s.metrics.RecordDropped(s.ctx, observe.DirectionToAI, "queue_full")
		return
	}
	s.metrics.RecordForwarded(s.ctx, observe.DirectionToAI, 1)
}

// handleConnected records the stream format and starts negotiation. Only the
// first connected event of a session has any effect.
func (s *Session) handleConnected(evt telephony.Event) {
	if evt.ContentType == "" {
		s.log.Debug("connected event without content-type")
		return
	}
	format := evt.Format()

	s.mu.Lock()
	if s.state != StateAwaitingFormat {
		s.mu.Unlock()
		s.log.Debug("ignoring repeated connected event", "content_type", evt.ContentType)
		return
	}
	s.state = StateNegotiating
	s.format = format
	s.frameBytes = format.FrameBytes()
	s.mu.Unlock()

	s.log.Info("telephony format declared",
		"content_type", evt.ContentType,
		"format", format.String(),
		"frame_bytes", format.FrameBytes(),
	)
	s.group.Go(func() error {
		s.negotiate()
		return nil
	})
}

func (s *Session) handleDTMF(evt telephony.Event) {
	s.metrics.RecordDTMF(s.ctx, evt.Digit)
	if evt.Digit != s.cfg.HumanDigit {
		s.log.Debug("dtmf", "digit", evt.Digit)
		return
	}

	s.log.Info("caller requested a human agent", "digit", evt.Digit)
	if ai := s.activeAI(); ai != nil {
		if !s.toAI.push(func(context.Context) error { return ai.Interrupt() }) {
			s.log.Warn("dropping response cancel, AI queue full")
		}
	}
	if s.cfg.OnTransfer != nil {
		s.cfg.OnTransfer(s.ctx, s.id)
	}
}

// ── AI leg ───────────────────────────────────────────────────────────────────

// negotiate opens the AI leg and, once it is active, pumps model audio to the
// caller until either leg ends.
func (s *Session) negotiate() {
	ctx, span := observe.StartSpan(s.ctx, "realtime.negotiate")
	var err error
	defer func() { observe.EndSpan(span, err) }()
	if s.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()
	}

	start := time.Now()
	var ai realtime.SessionHandle
	ai, err = s.provider.Connect(ctx, s.cfg.Realtime)
	elapsed := time.Since(start)
	if err != nil && s.ctx.Err() != nil {
		// The call ended while dialling.
		return
	}
	s.metrics.RecordNegotiation(s.ctx, elapsed.Seconds(), err)
	if err != nil {
		s.log.Warn("AI handshake failed", "err", err, "elapsed", elapsed)
		s.closeWith(ReasonHandshakeFailed)
		return
	}

	ai.OnError(func(err error) {
		s.metrics.RecordAIError(s.ctx, "event")
		s.log.Warn("AI error event", "err", err)
	})

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		if err := ai.Close(); err != nil {
			s.log.Debug("close AI leg", "err", err)
		}
		return
	}
	s.ai = ai
	s.state = StateActive
	frameBytes := s.frameBytes
	s.mu.Unlock()

	s.log.Info("AI leg active", "elapsed", elapsed)
	s.pumpAI(ai, frameBytes)
}

// pumpAI forwards decoded model audio to the caller in fixed-size frames.
func (s *Session) pumpAI(ai realtime.SessionHandle, frameBytes int) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case pcm, ok := <-ai.Audio():
			if !ok {
				s.aiEnded(ai.Err())
				return
			}
			s.forwardToCaller(pcm, frameBytes)
		}
	}
}

func (s *Session) aiEnded(err error) {
	if err == nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		s.closeWith(ReasonAIClosed)
		return
	}
	s.metrics.RecordAIError(s.ctx, "closed")
	s.log.Warn("AI leg failed", "err", err)
	s.closeWith(ReasonAIError)
}

// forwardToCaller queues every whole frame of pcm for the caller, blocking
// the AI pump while the telephony queue is full so no model audio is lost.
func (s *Session) forwardToCaller(pcm []byte, frameBytes int) {
	sent := 0
	for frame := range audio.Frames(pcm, frameBytes) {
		ok := s.toCaller.send(s.ctx, func(ctx context.Context) error {
			return s.tel.Write(ctx, websocket.MessageBinary, frame)
		})
		if !ok {
			break
		}
		sent++
	}
	s.metrics.RecordForwarded(s.ctx, observe.DirectionToCaller, sent)
	if rem := audio.Remainder(len(pcm), frameBytes); rem > 0 {
		s.metrics.RecordRemainder(s.ctx, rem)
		s.log.Debug("dropped partial frame", "bytes", rem)
	}
}
