package upstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/resilience"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrUnknownMode is returned by [Dialer.Dial] for an unregistered mode.
var ErrUnknownMode = errors.New("upstream: unknown mode")

// DialFunc opens one upstream session.
type DialFunc func(ctx context.Context, cfg Config) (Adapter, error)

// Endpoint is one upstream base URL. The primary endpoint comes from
// Config.BaseURL; fallbacks are tried in order when it fails.
type Endpoint struct {
	Name    string
	BaseURL string
}

// Dialer opens upstream sessions through a mode registry. Connects go
// through a [resilience.FallbackGroup] so that a failing upstream fails new
// sessions fast instead of stalling every client on a dial timeout.
type Dialer struct {
	modes     map[string]DialFunc
	endpoints *resilience.FallbackGroup[Endpoint]
	metrics   *observe.Metrics
}

// DialerOption configures a [Dialer].
type DialerOption func(*dialerConfig)

type dialerConfig struct {
	modes     map[string]DialFunc
	primary   Endpoint
	fallbacks []Endpoint
	breaker   resilience.CircuitBreakerConfig
	metrics   *observe.Metrics
}

// WithMode registers or replaces the DialFunc for mode.
func WithMode(mode string, fn DialFunc) DialerOption {
	return func(c *dialerConfig) { c.modes[mode] = fn }
}

// WithPrimary names the primary endpoint. An empty BaseURL keeps the
// per-session Config.BaseURL (or the public default).
func WithPrimary(ep Endpoint) DialerOption {
	return func(c *dialerConfig) { c.primary = ep }
}

// WithFallbacks appends fallback endpoints.
func WithFallbacks(eps ...Endpoint) DialerOption {
	return func(c *dialerConfig) { c.fallbacks = append(c.fallbacks, eps...) }
}

// WithBreaker sets the breaker template used for every endpoint.
func WithBreaker(cfg resilience.CircuitBreakerConfig) DialerOption {
	return func(c *dialerConfig) { c.breaker = cfg }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) DialerOption {
	return func(c *dialerConfig) { c.metrics = m }
}

// NewDialer returns a Dialer with the "sdk" and "raw" modes registered.
func NewDialer(opts ...DialerOption) *Dialer {
	cfg := dialerConfig{
		modes: map[string]DialFunc{
			ModeSDK: NewSDK,
			ModeRaw: NewRaw,
		},
		primary: Endpoint{Name: "primary"},
		breaker: resilience.CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}
	if cfg.primary.Name == "" {
		cfg.primary.Name = "primary"
	}

	fg := resilience.NewFallbackGroup(cfg.primary.Name, cfg.primary, cfg.breaker)
	for i, ep := range cfg.fallbacks {
		if ep.Name == "" {
			ep.Name = fmt.Sprintf("fallback-%d", i+1)
		}
		fg.Add(ep.Name, ep)
	}
	return &Dialer{modes: cfg.modes, endpoints: fg, metrics: cfg.metrics}
}

// Modes lists the registered modes.
func (d *Dialer) Modes() []string {
	out := make([]string, 0, len(d.modes))
	for m := range d.modes {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Healthy reports whether at least one endpoint's breaker admits calls.
func (d *Dialer) Healthy() bool { return !d.endpoints.AllOpen() }

// BreakerStates reports each endpoint's breaker state.
func (d *Dialer) BreakerStates() map[string]resilience.State { return d.endpoints.States() }

// Dial opens an upstream session in cfg.Mode (default "sdk").
func (d *Dialer) Dial(ctx context.Context, cfg Config) (Adapter, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeSDK
	}
	fn, ok := d.modes[mode]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownMode, mode)
	}

	ctx, span := observe.StartSpan(ctx, "upstream.dial")
	defer span.End()
	span.SetAttributes(attribute.String("voxbridge.upstream.mode", mode))

	start := time.Now()
	a, endpoint, err := resilience.Execute(ctx, d.endpoints, func(ctx context.Context, ep Endpoint) (Adapter, error) {
		c := cfg
		if ep.BaseURL != "" {
			c.BaseURL = ep.BaseURL
		}
		return fn(ctx, c)
	})
	d.metrics.RecordUpstreamConnect(ctx, mode, time.Since(start).Seconds(), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("upstream: dial %s: %w", mode, err)
	}
	span.SetAttributes(attribute.String("voxbridge.upstream.endpoint", endpoint))
	observe.Logger(ctx).Debug("upstream connected", "mode", mode, "endpoint", endpoint, "duration", time.Since(start))
	return a, nil
}
