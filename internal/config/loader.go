package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LookupFunc looks up an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Environment variables that override file settings.
const (
	EnvPort   = "PORT"
	EnvAPIKey = "OPENAI_API_KEY"
	EnvModel  = "OAI_REALTIME_MODEL"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config]. An empty path skips the file
// and starts from [Default].
func Load(path string) (*Config, error) {
	if path == "" {
		return finish(Default(), os.LookupEnv)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. No environment overrides are applied, which keeps it
// deterministic in tests.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := Decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode decodes a YAML config from r on top of [Default] without
// validating it. Unknown keys are rejected. An empty document yields the
// defaults.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// parse decodes data, applies overrides from lookup and validates.
func parse(data []byte, lookup LookupFunc) (*Config, error) {
	cfg, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return finish(cfg, lookup)
}

func finish(cfg *Config, lookup LookupFunc) (*Config, error) {
	ApplyEnv(cfg, lookup)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the PORT, OPENAI_API_KEY and
// OAI_REALTIME_MODEL environment variables when they are set and non-empty.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	if lookup == nil {
		return
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		cfg.Server.ListenAddr = ":" + strings.TrimPrefix(v, ":")
	}
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		cfg.Realtime.APIKey = v
	}
	if v, ok := lookup(EnvModel); ok && v != "" {
		cfg.Realtime.Model = v
	}
}

// LoadDotEnv loads environment variables from the given .env files into the
// process environment. Variables already set are left untouched and missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if !strings.HasPrefix(cfg.Server.Path, "/") || cfg.Server.Path == "/" {
		errs = append(errs, fmt.Errorf("server.path %q must start with / and name a route other than the root", cfg.Server.Path))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.AcceptRate < 0 {
		errs = append(errs, fmt.Errorf("server.accept_rate %v must not be negative", cfg.Server.AcceptRate))
	}
	if cfg.Server.AcceptRate > 0 && cfg.Server.AcceptBurst < 1 {
		errs = append(errs, fmt.Errorf("server.accept_burst %d must be at least 1 when accept_rate is set", cfg.Server.AcceptBurst))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %v must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Realtime
	rt := cfg.Realtime
	if rt.APIKey == "" {
		errs = append(errs, fmt.Errorf("realtime.api_key is required (or set %s)", EnvAPIKey))
	}
	if rt.Model == "" {
		errs = append(errs, errors.New("realtime.model is required"))
	}
	if u, err := url.Parse(rt.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("realtime.base_url: %w", err))
	} else {
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			errs = append(errs, fmt.Errorf("realtime.base_url %q must use ws, wss, http or https", rt.BaseURL))
		}
	}
	if rt.InputAudioFormat != DefaultInputAudioFormat {
		errs = append(errs, fmt.Errorf("realtime.input_audio_format %q is unsupported; only %s is relayed", rt.InputAudioFormat, DefaultInputAudioFormat))
	}
	if rt.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("realtime.handshake_timeout %v must not be negative", rt.HandshakeTimeout))
	}
	if b := rt.Breaker; b.Enabled {
		if b.MaxFailures < 1 {
			errs = append(errs, fmt.Errorf("realtime.breaker.max_failures %d must be at least 1", b.MaxFailures))
		}
		if b.ResetTimeout <= 0 {
			errs = append(errs, fmt.Errorf("realtime.breaker.reset_timeout %v must be positive", b.ResetTimeout))
		}
		if b.HalfOpenMax < 1 {
			errs = append(errs, fmt.Errorf("realtime.breaker.half_open_max %d must be at least 1", b.HalfOpenMax))
		}
	}

	// Telephony
	if d := cfg.Telephony.HumanDigit; len(d) != 1 || !strings.Contains("0123456789*#", d) {
		errs = append(errs, fmt.Errorf("telephony.human_digit %q must be one of 0-9, * or #", d))
	}
	if cfg.Telephony.SendQueue < 1 {
		errs = append(errs, fmt.Errorf("telephony.send_queue %d must be at least 1", cfg.Telephony.SendQueue))
	}

	return errors.Join(errs...)
}
