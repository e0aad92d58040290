package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged lists upstream session settings that changed. They
	// apply to sessions opened after the reload.
	SessionChanged []string

	// RestartRequired lists changed settings that only take effect after a
	// restart.
	RestartRequired []string
}

// Empty reports whether nothing relevant changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.SessionChanged) == 0 && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ou, nu := old.Upstream, new.Upstream
	session := []struct {
		name    string
		changed bool
	}{
		{"upstream.mode", ou.Mode != nu.Mode},
		{"upstream.api_key", ou.APIKey != nu.APIKey},
		{"upstream.base_url", ou.BaseURL != nu.BaseURL},
		{"upstream.headers", !maps.Equal(ou.Headers, nu.Headers)},
		{"upstream.model", ou.Model != nu.Model},
		{"upstream.voice", ou.Voice != nu.Voice},
		{"upstream.instructions", ou.Instructions != nu.Instructions},
		{"upstream.input_transcription_model", ou.InputTranscriptionModel != nu.InputTranscriptionModel},
		{"upstream.turn_detection", !ou.TurnDetection.Equal(nu.TurnDetection)},
		{"relay", old.Relay != new.Relay},
	}
	for _, f := range session {
		if f.changed {
			d.SessionChanged = append(d.SessionChanged, f.name)
		}
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server.allowed_origins")
	}
	if !slices.Equal(ou.Fallbacks, nu.Fallbacks) || ou.Breaker != nu.Breaker {
		d.RestartRequired = append(d.RestartRequired, "upstream.fallbacks/breaker")
	}

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
