// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// A session is a single WebSocket to the Realtime endpoint exchanging JSON
// events. Caller audio is sent as base64-encoded PCM16 in
// input_audio_buffer.append events; model audio arrives base64-encoded inside
// server events and is decoded onto the Audio channel.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/MrWong99/callbridge/pkg/realtime"
)

var _ realtime.Provider = (*Provider)(nil)
var _ realtime.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-realtime"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// audioBuffer is the capacity of the decoded-audio channel.
	audioBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model embedded in the connection URL.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// URL returns the endpoint a session connects to.
func (p *Provider) URL() string {
	return p.baseURL + "?model=" + url.QueryEscape(p.model)
}

// Connect dials the Realtime endpoint and sends session.update followed by
// response.create for the greeting. Both are written before Connect returns;
// their acknowledgements are not awaited.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	conn, _, err := websocket.Dial(ctx, p.URL(), &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	// Server events carrying audio deltas can exceed the library default.
	conn.SetReadLimit(1 << 22)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:    conn,
		audioCh: make(chan []byte, audioBuffer),
		ctx:     sessCtx,
		cancel:  sessCancel,
	}

	// The handshake writes stay bounded by the caller's ctx; later writes use
	// the session's own lifetime.
	if err := sess.sendSessionUpdate(ctx, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}
	if cfg.Greeting != "" {
		if err := sess.sendGreeting(ctx, cfg); err != nil {
			sessCancel()
			conn.Close(websocket.StatusInternalError, "greeting failed")
			return nil, fmt.Errorf("openai: response create: %w", err)
		}
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice            string         `json:"voice,omitempty"`
	InputAudioFormat string         `json:"input_audio_format,omitempty"`
	TurnDetection    *turnDetection `json:"turn_detection,omitempty"`
	Instructions     string         `json:"instructions,omitempty"`
}

type turnDetection struct {
	Type           string `json:"type"`
	CreateResponse bool   `json:"create_response"`
}

type responseCreateMessage struct {
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Modalities   []string `json:"modalities"`
	Instructions string   `json:"instructions"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Protocol message parsing (incoming) ───────────────────────────────────────

// audioPaths are the locations probed for a base64 audio payload, in
// priority order. The field name differs between event types.
var audioPaths = []string{"delta.audio", "data.audio", "audio"}

// extractAudio returns the base64 audio payload carried by a server event.
func extractAudio(data []byte) (string, bool) {
	for _, r := range gjson.GetManyBytes(data, audioPaths...) {
		if r.Type == gjson.String && r.Str != "" {
			return r.Str, true
		}
	}
	// Audio delta events carry the payload directly as a string delta.
	switch gjson.GetBytes(data, "type").Str {
	case "response.audio.delta", "response.output_audio.delta":
		if d := gjson.GetBytes(data, "delta"); d.Type == gjson.String && d.Str != "" {
			return d.Str, true
		}
	}
	return "", false
}

// decodeAudio accepts standard base64 with or without padding.
func decodeAudio(b64 string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return base64.RawStdEncoding.DecodeString(b64)
	}
	return pcm, nil
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn         *websocket.Conn
	audioCh      chan []byte
	errorHandler func(error)

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *session) sendSessionUpdate(ctx context.Context, cfg realtime.SessionConfig) error {
	params := sessionParams{
		Voice:            cfg.Voice,
		InputAudioFormat: cfg.InputAudioFormat,
		Instructions:     cfg.Instructions,
	}
	if cfg.TurnDetection.Type != "" {
		params.TurnDetection = &turnDetection{
			Type:           cfg.TurnDetection.Type,
			CreateResponse: cfg.TurnDetection.CreateResponse,
		}
	}
	return s.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

func (s *session) sendGreeting(ctx context.Context, cfg realtime.SessionConfig) error {
	modalities := cfg.Modalities
	if len(modalities) == 0 {
		modalities = []string{"audio"}
	}
	return s.writeJSON(ctx, responseCreateMessage{
		Type: "response.create",
		Response: responseParams{
			Modalities:   modalities,
			Instructions: cfg.Greeting,
		},
	})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns audioCh and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}
		if typ != websocket.MessageText || !gjson.ValidBytes(data) {
			continue
		}
		s.handleServerEvent(data)
	}
}

func (s *session) handleServerEvent(data []byte) {
	if gjson.GetBytes(data, "type").Str == "error" {
		s.handleErrorEvent(data)
		return
	}

	b64, ok := extractAudio(data)
	if !ok {
		return
	}
	pcm, err := decodeAudio(b64)
	if err != nil || len(pcm) == 0 {
		return
	}
	select {
	case s.audioCh <- pcm:
	case <-s.ctx.Done():
	}
}

func (s *session) handleErrorEvent(data []byte) {
	s.mu.Lock()
	handler := s.errorHandler
	s.mu.Unlock()

	if handler == nil {
		return
	}

	msg := gjson.GetBytes(data, "error.message").Str
	if msg == "" {
		msg = "unknown error"
	}
	if code := gjson.GetBytes(data, "error.code").Str; code != "" {
		handler(fmt.Errorf("openai: %s (%s)", msg, code))
		return
	}
	handler(fmt.Errorf("openai: %s", msg))
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.audioCh)
	})
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers a raw PCM16 chunk to the model.
func (s *session) SendAudio(chunk []byte) error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	return s.writeJSON(s.ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// Audio returns the channel on which the model's decoded audio arrives.
func (s *session) Audio() <-chan []byte { return s.audioCh }

// Err returns the first error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// OnError registers a callback for error events from the provider.
func (s *session) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandler = handler
}

// Interrupt sends a response.cancel event to stop the current response.
func (s *session) Interrupt() error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	return s.writeJSON(s.ctx, map[string]string{"type": "response.cancel"})
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
