// Package config provides the configuration schema, loader and file watcher
// for the callbridge server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the callbridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog returns the slog level for l. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for callbridge.
// It is typically loaded with [Load].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Telephony TelephonyConfig `yaml:"telephony"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	// The PORT environment variable overrides it.
	ListenAddr string `yaml:"listen_addr"`

	// Path is the URL path telephony platforms connect to.
	Path string `yaml:"path"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AcceptRate limits new calls per second. Zero disables limiting.
	AcceptRate float64 `yaml:"accept_rate"`

	// AcceptBurst is the number of calls that may be accepted at once when
	// AcceptRate is set.
	AcceptBurst int `yaml:"accept_burst"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds paths to the TLS certificate and private key.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RealtimeConfig configures the realtime voice-AI leg of every call.
type RealtimeConfig struct {
	// APIKey authenticates against the realtime API. The OPENAI_API_KEY
	// environment variable overrides it.
	APIKey string `yaml:"api_key"`

	// Model is the realtime model name. OAI_REALTIME_MODEL overrides it.
	Model string `yaml:"model"`

	// BaseURL is the realtime WebSocket endpoint without query string.
	BaseURL string `yaml:"base_url"`

	Voice            string              `yaml:"voice"`
	InputAudioFormat string              `yaml:"input_audio_format"`
	TurnDetection    TurnDetectionConfig `yaml:"turn_detection"`

	// Instructions is the system prompt for the whole call.
	Instructions string `yaml:"instructions"`

	// Greeting is the instruction for the first spoken response. Empty
	// disables the greeting.
	Greeting string `yaml:"greeting"`

	// HandshakeTimeout bounds opening the AI leg. Zero means unbounded.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// Breaker guards AI dials with a circuit breaker.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of the realtime dial.
// While it is open, new calls are hung up immediately.
type BreakerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// TurnDetectionConfig selects how the model detects the end of a caller turn.
type TurnDetectionConfig struct {
	Type           string `yaml:"type"`
	CreateResponse bool   `yaml:"create_response"`
}

// TelephonyConfig configures the telephony leg.
type TelephonyConfig struct {
	// HumanDigit is the DTMF digit that requests a human agent.
	HumanDigit string `yaml:"human_digit"`

	// SendQueue is the per-leg outbound queue capacity.
	SendQueue int `yaml:"send_queue"`

	// OriginPatterns lists hosts allowed to upgrade from a browser origin.
	OriginPatterns []string `yaml:"origin_patterns"`
}

// Default values used by [Default].
const (
	DefaultListenAddr       = ":8080"
	DefaultPath             = "/realtime"
	DefaultModel            = "gpt-realtime"
	DefaultBaseURL          = "wss://api.openai.com/v1/realtime"
	DefaultVoice            = "alloy"
	DefaultInputAudioFormat = "pcm16"
	DefaultHumanDigit       = "0"
	DefaultSendQueue        = 256
	DefaultAcceptBurst      = 10
	DefaultShutdownTimeout  = 15 * time.Second
	DefaultBreakerFailures  = 5
	DefaultBreakerReset     = 30 * time.Second
	DefaultBreakerHalfOpen  = 1

	DefaultInstructions = "You are the call assistant for Befinity AI. Be concise and helpful."
	DefaultGreeting     = "Hello, you’re speaking with the AI assistant for Befinity AI. " +
		"I can help with questions about our workshops and your registration confirmations. " +
		"Say 'human' or press 0 for a person."
)

// Default returns a Config populated with default values. Everything except
// the API key is usable as is.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      DefaultListenAddr,
			Path:            DefaultPath,
			LogLevel:        LogInfo,
			AcceptBurst:     DefaultAcceptBurst,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Realtime: RealtimeConfig{
			Model:            DefaultModel,
			BaseURL:          DefaultBaseURL,
			Voice:            DefaultVoice,
			InputAudioFormat: DefaultInputAudioFormat,
			TurnDetection:    TurnDetectionConfig{Type: "server_vad", CreateResponse: true},
			Instructions:     DefaultInstructions,
			Greeting:         DefaultGreeting,
			Breaker: BreakerConfig{
				Enabled:      true,
				MaxFailures:  DefaultBreakerFailures,
				ResetTimeout: DefaultBreakerReset,
				HalfOpenMax:  DefaultBreakerHalfOpen,
			},
		},
		Telephony: TelephonyConfig{
			HumanDigit: DefaultHumanDigit,
			SendQueue:  DefaultSendQueue,
		},
	}
}
