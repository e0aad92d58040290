package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvAPIKey overrides upstream.api_key.
const EnvAPIKey = "OPENAI_API_KEY"

// KnownVoices lists the upstream voices. Used by [Validate] to warn about
// unrecognised voice names.
var KnownVoices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// validTurnDetection lists the accepted turn_detection.type values.
var validTurnDetection = []string{"server_vad", "semantic_vad", "none"}

// Load reads the YAML configuration file at path, applies defaults and the
// environment, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the defaults.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads KEY=value pairs from the given dotenv files (".env" when none
// are named) into the process environment. Missing files are ignored;
// variables already set are kept.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env %q: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv applies environment overrides to cfg using lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if key, ok := lookup(EnvAPIKey); ok && key != "" {
		cfg.Upstream.APIKey = key
	}
}

// RequireAPIKey reports an error when no upstream API key is configured.
func (c *Config) RequireAPIKey() error {
	if c.Upstream.APIKey == "" {
		return fmt.Errorf("config: upstream.api_key is empty; set it or %s", EnvAPIKey)
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Upstream
	u := cfg.Upstream
	if u.Mode != "" && !u.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("upstream.mode %q is invalid; valid values: sdk, raw", u.Mode))
	}
	if u.BaseURL != "" {
		if err := checkWSURL(u.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("upstream.base_url: %w", err))
		}
	}
	validateVoice(u.Voice)
	for k := range u.Headers {
		if strings.EqualFold(k, "Authorization") {
			errs = append(errs, errors.New("upstream.headers must not set Authorization; use api_key"))
		}
	}

	td := u.TurnDetection
	if td.Type != "" && !slices.Contains(validTurnDetection, td.Type) {
		errs = append(errs, fmt.Errorf("upstream.turn_detection.type %q is invalid; valid values: server_vad, semantic_vad, none", td.Type))
	}
	if th := td.Threshold; th != nil && (*th < 0 || *th > 1) {
		errs = append(errs, fmt.Errorf("upstream.turn_detection.threshold %.2f is out of range [0, 1]", *th))
	}
	if negative(td.PrefixPaddingMs) || negative(td.SilenceDurationMs) {
		errs = append(errs, errors.New("upstream.turn_detection durations must not be negative"))
	}

	// Fallback duplicate name detection
	seen := make(map[string]int, len(u.Fallbacks))
	for i, fb := range u.Fallbacks {
		prefix := fmt.Sprintf("upstream.fallbacks[%d]", i)
		if fb.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required", prefix))
		} else if err := checkWSURL(fb.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("%s.base_url: %w", prefix, err))
		}
		if fb.Name != "" {
			if prev, ok := seen[fb.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of upstream.fallbacks[%d]", prefix, fb.Name, prev))
			}
			seen[fb.Name] = i
		}
	}
	if u.Breaker.MaxFailures < 0 || u.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("upstream.breaker values must not be negative"))
	}

	// Relay
	r := cfg.Relay
	if r.FlushThresholdBytes < 0 || r.FlushThresholdBytes%2 != 0 {
		errs = append(errs, fmt.Errorf("relay.flush_threshold_bytes %d must be an even, non-negative byte count", r.FlushThresholdBytes))
	}
	if r.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("relay.event_buffer %d must not be negative", r.EventBuffer))
	}

	// Client
	c := cfg.Client
	if c.URL != "" {
		if err := checkWSURL(c.URL); err != nil {
			errs = append(errs, fmt.Errorf("client.url: %w", err))
		}
	}
	if c.DeviceRate != 0 && c.DeviceRate < 24000 {
		errs = append(errs, fmt.Errorf("client.device_rate %d must be at least 24000", c.DeviceRate))
	}
	if c.BlockSize < 0 || c.MinChunkSamples < 0 || c.SendQueue < 0 || c.MaxSources < 0 {
		errs = append(errs, errors.New("client sizes must not be negative"))
	}

	return errors.Join(errs...)
}

func checkWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme %q is invalid; valid values: ws, wss", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is empty")
	}
	return nil
}

// validateVoice logs a warning if voice is non-empty and not in [KnownVoices].
func validateVoice(voice string) {
	if voice == "" || slices.Contains(KnownVoices, voice) {
		return
	}
	slog.Warn("unknown upstream voice; may be a typo or a newly added voice",
		"voice", voice,
		"known", KnownVoices,
	)
}

func negative(v *int) bool { return v != nil && *v < 0 }
