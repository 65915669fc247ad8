package config_test

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callbridge/internal/config"
)

func validConfig() *config.Config {
	cfg := config.Default()
	cfg.Realtime.APIKey = "sk-test"
	return cfg
}

func TestDefault_IsValidWithAPIKey(t *testing.T) {
	t.Parallel()
	if err := config.Validate(validConfig()); err != nil {
		t.Fatalf("default config with api key should validate, got: %v", err)
	}
}

func TestDefault_Values(t *testing.T) {
	t.Parallel()
	cfg := config.Default()

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr: got %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.Path != "/realtime" {
		t.Errorf("path: got %q, want /realtime", cfg.Server.Path)
	}
	if cfg.Realtime.Model != "gpt-realtime" {
		t.Errorf("model: got %q, want gpt-realtime", cfg.Realtime.Model)
	}
	if cfg.Realtime.Voice != "alloy" {
		t.Errorf("voice: got %q, want alloy", cfg.Realtime.Voice)
	}
	if td := cfg.Realtime.TurnDetection; td.Type != "server_vad" || !td.CreateResponse {
		t.Errorf("turn_detection: got %+v, want server_vad with create_response", td)
	}
	if cfg.Realtime.HandshakeTimeout != 0 {
		t.Errorf("handshake_timeout: got %v, want 0 (unbounded)", cfg.Realtime.HandshakeTimeout)
	}
	if cfg.Telephony.HumanDigit != "0" {
		t.Errorf("human_digit: got %q, want 0", cfg.Telephony.HumanDigit)
	}
	if b := cfg.Realtime.Breaker; !b.Enabled || b.MaxFailures != 5 || b.ResetTimeout != 30*time.Second || b.HalfOpenMax != 1 {
		t.Errorf("breaker: got %+v, want enabled 5/30s/1", b)
	}
	if cfg.Realtime.Greeting == "" || cfg.Realtime.Instructions == "" {
		t.Error("default greeting and instructions should be set")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"missing api key", func(c *config.Config) { c.Realtime.APIKey = "" }, "realtime.api_key"},
		{"missing model", func(c *config.Config) { c.Realtime.Model = "" }, "realtime.model"},
		{"bad scheme", func(c *config.Config) { c.Realtime.BaseURL = "ftp://example.com" }, "realtime.base_url"},
		{"unsupported audio format", func(c *config.Config) { c.Realtime.InputAudioFormat = "g711_ulaw" }, "input_audio_format"},
		{"negative handshake timeout", func(c *config.Config) { c.Realtime.HandshakeTimeout = -time.Second }, "handshake_timeout"},
		{"bad log level", func(c *config.Config) { c.Server.LogLevel = "verbose" }, "log_level"},
		{"relative path", func(c *config.Config) { c.Server.Path = "realtime" }, "server.path"},
		{"root path", func(c *config.Config) { c.Server.Path = "/" }, "server.path"},
		{"empty listen addr", func(c *config.Config) { c.Server.ListenAddr = "" }, "listen_addr"},
		{"negative accept rate", func(c *config.Config) { c.Server.AcceptRate = -1 }, "accept_rate"},
		{"rate without burst", func(c *config.Config) { c.Server.AcceptRate = 5; c.Server.AcceptBurst = 0 }, "accept_burst"},
		{"half tls", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c.pem"} }, "tls"},
		{"two digit", func(c *config.Config) { c.Telephony.HumanDigit = "00" }, "human_digit"},
		{"letter digit", func(c *config.Config) { c.Telephony.HumanDigit = "x" }, "human_digit"},
		{"breaker without failures", func(c *config.Config) { c.Realtime.Breaker.MaxFailures = 0 }, "breaker.max_failures"},
		{"breaker without reset", func(c *config.Config) { c.Realtime.Breaker.ResetTimeout = 0 }, "breaker.reset_timeout"},
		{"breaker without probes", func(c *config.Config) { c.Realtime.Breaker.HalfOpenMax = 0 }, "breaker.half_open_max"},
		{"zero queue", func(c *config.Config) { c.Telephony.SendQueue = 0 }, "send_queue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should mention %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Server.LogLevel = "loud"
	cfg.Telephony.SendQueue = -1

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"api_key", "log_level", "send_queue"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_AcceptsSpecialDigits(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"*", "#", "9"} {
		cfg := validConfig()
		cfg.Telephony.HumanDigit = d
		if err := config.Validate(cfg); err != nil {
			t.Errorf("human_digit %q: unexpected error: %v", d, err)
		}
	}
}

func TestValidate_DisabledBreakerIgnoresTuning(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Realtime.Breaker = config.BreakerConfig{}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("disabled breaker with zero tuning: %v", err)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error(`"trace" should be invalid`)
	}
}

func TestLogLevel_Slog(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := in.Slog(); got != want {
			t.Errorf("LogLevel(%q).Slog() = %v, want %v", in, got, want)
		}
	}
}
