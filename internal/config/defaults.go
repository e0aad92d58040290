package config

import (
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// DefaultInstructions is the assistant persona used when upstream.instructions
// is empty.
const DefaultInstructions = `You are a multilingual voice assistant. You are friendly, helpful, and speak in a polite and concise tone.

Supported languages:
- English (en)
- Spanish (es)
- Turkish (tr)
- French (fr)
- German (de)
- Italian (it)

Instructions:
- When the user speaks in one of the supported languages, always reply in that same language.
- Never switch languages unless the user switches.
- If the user speaks in a language you do not support, reply in English and say: "I'm sorry, I currently support only English, Spanish, Turkish, French, German, and Italian."
- Do not attempt to translate, detect or guess unsupported languages.
- Keep your responses natural, clear, and not overly formal.

Important:
- Do not mix languages in the same response.
- Always maintain the conversation in the user's language, as long as it is supported.`

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr         = ":3000"
	DefaultModel              = "gpt-4o-realtime-preview-2025-06-03"
	DefaultVoice              = "alloy"
	DefaultTranscriptionModel = "whisper-1"
	DefaultClientURL          = "ws://localhost:3000/ws"
)

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field of cfg.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	setDefault(&s.ListenAddr, DefaultListenAddr)
	setDefault(&s.LogLevel, LogInfo)

	u := &cfg.Upstream
	setDefault(&u.Mode, ModeSDK)
	setDefault(&u.Model, DefaultModel)
	setDefault(&u.Voice, DefaultVoice)
	setDefault(&u.Instructions, DefaultInstructions)
	setDefault(&u.InputTranscriptionModel, DefaultTranscriptionModel)
	td := &u.TurnDetection
	setDefault(&td.Type, "server_vad")
	setDefaultPtr(&td.Threshold, 0.5)
	setDefaultPtr(&td.PrefixPaddingMs, 300)
	setDefaultPtr(&td.SilenceDurationMs, 800)
	setDefault(&u.Breaker.MaxFailures, 3)
	setDefault(&u.Breaker.ResetTimeout, 15*time.Second)

	r := &cfg.Relay
	setDefault(&r.FlushThresholdBytes, audio.BytesFor(100*time.Millisecond, audio.TransportRate))
	setDefault(&r.EventBuffer, 64)
	setDefault(&r.ReadyTimeout, 15*time.Second)
	setDefault(&r.CloseTimeout, 5*time.Second)

	c := &cfg.Client
	setDefault(&c.URL, DefaultClientURL)
	setDefault(&c.DeviceRate, 48000)
	setDefault(&c.BlockSize, 4096)
	setDefault(&c.SendQueue, 64)
	setDefault(&c.MaxSources, 512)
}

// setDefault fills field when it holds the zero value.
func setDefault[T comparable](field *T, v T) {
	var zero T
	if *field == zero {
		*field = v
	}
}

// setDefaultPtr fills field only when it is absent, so explicit zeros stay.
func setDefaultPtr[T any](field **T, v T) {
	if *field == nil {
		*field = &v
	}
}
