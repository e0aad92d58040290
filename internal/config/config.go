// Package config provides the configuration schema and loader for voxbridge.
package config

import "time"

// LogLevel controls log verbosity.
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

// Mode selects the upstream adapter variant.
type Mode string

const (
	// ModeSDK drives the two-channel session client.
	ModeSDK Mode = "sdk"

	// ModeRaw drives the bare realtime connection.
	ModeRaw Mode = "raw"
)

// IsValid reports whether m is a recognised upstream mode.
func (m Mode) IsValid() bool {
	return m == ModeSDK || m == ModeRaw
}

// Config is the root configuration structure for voxbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Relay    RelayConfig    `yaml:"relay"`
	Client   ClientConfig   `yaml:"client"`
}

// ServerConfig holds network and logging settings for the relay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists host patterns of browser origins allowed to open
	// the WebSocket. Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// UpstreamConfig configures the conversational speech service.
type UpstreamConfig struct {
	// Mode selects the adapter variant: "sdk" (default) or "raw".
	Mode Mode `yaml:"mode"`

	// APIKey authenticates against the service. OPENAI_API_KEY overrides it.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the realtime WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Headers are extra HTTP headers sent when dialing the upstream, e.g.
	// OpenAI-Organization. Authorization is set from APIKey.
	Headers map[string]string `yaml:"headers"`

	Model        string `yaml:"model"`
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`

	// InputTranscriptionModel enables user transcripts (e.g., "whisper-1").
	InputTranscriptionModel string `yaml:"input_transcription_model"`

	TurnDetection TurnDetectionConfig `yaml:"turn_detection"`

	// Fallbacks are tried in order when the primary endpoint's circuit is
	// open or its dial fails.
	Fallbacks []EndpointConfig `yaml:"fallbacks"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// TurnDetectionConfig configures upstream voice activity detection. The
// numeric fields are pointers so that an explicit zero is kept; only absent
// values receive defaults.
type TurnDetectionConfig struct {
	Type              string   `yaml:"type"`
	Threshold         *float64 `yaml:"threshold"`
	PrefixPaddingMs   *int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs *int     `yaml:"silence_duration_ms"`
}

// Equal reports whether t and o configure the same detection.
func (t TurnDetectionConfig) Equal(o TurnDetectionConfig) bool {
	return t.Type == o.Type &&
		sameValue(t.Threshold, o.Threshold) &&
		sameValue(t.PrefixPaddingMs, o.PrefixPaddingMs) &&
		sameValue(t.SilenceDurationMs, o.SilenceDurationMs)
}

func sameValue[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// EndpointConfig names an alternative upstream endpoint.
type EndpointConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
}

// BreakerConfig tunes the circuit breaker guarding upstream dials.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive dial failures that open the
	// circuit.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the circuit stays open before a probe dial.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// RelayConfig holds per-session relay settings.
type RelayConfig struct {
	// FlushThresholdBytes is the inbound batch size forwarded upstream.
	FlushThresholdBytes int `yaml:"flush_threshold_bytes"`

	// EventBuffer is the per-session client frame queue capacity.
	EventBuffer int `yaml:"event_buffer"`

	// ReadyTimeout bounds the wait for the upstream session acknowledgement.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// CloseTimeout bounds each side's close handshake.
	CloseTimeout time.Duration `yaml:"close_timeout"`
}

// ClientConfig configures the talk client.
type ClientConfig struct {
	// URL is the relay WebSocket address.
	URL string `yaml:"url"`

	// DeviceRate is the capture and playback device sample rate in Hz.
	DeviceRate int `yaml:"device_rate"`

	// BlockSize is the number of device frames per audio callback.
	BlockSize int `yaml:"block_size"`

	// MinChunkSamples holds back capture chunks until at least this many
	// transport samples are pending. 0 forwards every chunk.
	MinChunkSamples int `yaml:"min_chunk_samples"`

	// SendQueue is the capacity of the capture-to-socket queue.
	SendQueue int `yaml:"send_queue"`

	// MaxSources caps scheduled playback sources.
	MaxSources int `yaml:"max_sources"`
}
