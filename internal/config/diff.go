package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CallSettingsChanged is true when any setting applied per call changed.
	// New calls pick up the change; calls in progress keep their settings.
	CallSettingsChanged bool

	// RestartRequired lists the changed keys that only take effect after a
	// restart.
	RestartRequired []string
}

// Changed reports whether d contains any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.CallSettingsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.CallSettingsChanged = callSettings(old) != callSettings(new)

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.path", old.Server.Path != new.Server.Path)
	restart("server.accept_rate", old.Server.AcceptRate != new.Server.AcceptRate)
	restart("server.accept_burst", old.Server.AcceptBurst != new.Server.AcceptBurst)
	restart("server.tls", !tlsEqual(old.Server.TLS, new.Server.TLS))
	restart("realtime.api_key", old.Realtime.APIKey != new.Realtime.APIKey)
	restart("realtime.model", old.Realtime.Model != new.Realtime.Model)
	restart("realtime.base_url", old.Realtime.BaseURL != new.Realtime.BaseURL)
	restart("realtime.breaker", old.Realtime.Breaker != new.Realtime.Breaker)
	restart("telephony.origin_patterns", !slices.Equal(old.Telephony.OriginPatterns, new.Telephony.OriginPatterns))

	return d
}

// callSettingsKey is the comparable subset of Config applied per call.
type callSettingsKey struct {
	voice, inputFormat, instructions, greeting string
	turn                                      TurnDetectionConfig
	handshake                                 int64
	digit                                     string
	queue                                     int
}

func callSettings(c *Config) callSettingsKey {
	return callSettingsKey{
		voice:        c.Realtime.Voice,
		inputFormat:  c.Realtime.InputAudioFormat,
		instructions: c.Realtime.Instructions,
		greeting:     c.Realtime.Greeting,
		turn:         c.Realtime.TurnDetection,
		handshake:    int64(c.Realtime.HandshakeTimeout),
		digit:        c.Telephony.HumanDigit,
		queue:        c.Telephony.SendQueue,
	}
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
