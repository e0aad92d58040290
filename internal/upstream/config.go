package upstream

import (
	"maps"
	"slices"
	"time"

	"github.com/MrWong99/voxbridge/pkg/realtime"
)

// Modes accepted by [Dialer].
const (
	ModeSDK = "sdk"
	ModeRaw = "raw"
)

// DefaultSessionTTL is used for SessionInfo.ExpiresAt when the upstream does
// not report an expiry.
const DefaultSessionTTL = time.Hour

// Config holds everything needed to open one upstream session.
type Config struct {
	// Mode selects the adapter variant: "sdk" (default) or "raw".
	Mode string

	APIKey  string
	BaseURL string
	Model   string

	// Headers are added to the upstream handshake request.
	Headers map[string]string

	Voice              string
	Instructions       string
	TranscriptionModel string
	TurnDetection      realtime.TurnDetection

	// EventBuffer is the capacity of the adapter's event channel.
	EventBuffer int

	// SessionTTL overrides [DefaultSessionTTL].
	SessionTTL time.Duration
}

func (c Config) sessionParams() realtime.SessionParams {
	p := realtime.SessionParams{
		Modalities:        []string{"text", "audio"},
		Voice:             c.Voice,
		Instructions:      c.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if c.TranscriptionModel != "" {
		p.InputAudioTranscription = &realtime.TranscriptionParams{Model: c.TranscriptionModel}
	}
	if c.TurnDetection.Type != "" {
		td := c.TurnDetection
		p.TurnDetection = &td
	}
	return p
}

func (c Config) dialOptions() []realtime.Option {
	var opts []realtime.Option
	if c.BaseURL != "" {
		opts = append(opts, realtime.WithBaseURL(c.BaseURL))
	}
	if c.Model != "" {
		opts = append(opts, realtime.WithModel(c.Model))
	}
	if c.EventBuffer > 0 {
		opts = append(opts, realtime.WithEventBuffer(c.EventBuffer))
	}
	for _, k := range slices.Sorted(maps.Keys(c.Headers)) {
		opts = append(opts, realtime.WithHeader(k, c.Headers[k]))
	}
	return opts
}

func (c Config) eventBuffer() int {
	if c.EventBuffer > 0 {
		return c.EventBuffer
	}
	return 256
}

func (c Config) ttl() time.Duration {
	if c.SessionTTL > 0 {
		return c.SessionTTL
	}
	return DefaultSessionTTL
}
