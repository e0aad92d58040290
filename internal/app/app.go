// Package app wires the voxbridge relay server together.
//
// The App struct owns the full lifecycle: New builds the upstream dialer,
// the relay handler and the HTTP routes, Run serves until the context ends,
// and Shutdown drains live sessions and tears everything down in order.
//
// For testing, inject doubles via functional options (WithUpstreamOptions,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/relay"
	"github.com/MrWong99/voxbridge/internal/resilience"
	"github.com/MrWong99/voxbridge/internal/upstream"
	"github.com/MrWong99/voxbridge/pkg/realtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the relay server.
type App struct {
	cfg      atomic.Pointer[config.Config]
	level    *slog.LevelVar
	provider *observe.Provider
	metrics  *observe.Metrics

	upstreamOpts []upstream.DialerOption
	dialer       *upstream.Dialer
	manager      *relay.Manager
	handler      http.Handler
	server       *http.Server
	draining     atomic.Bool

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithProvider serves /metrics from p and records into its meter provider.
// Shutdown flushes p.
func WithProvider(p *observe.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithMetrics overrides the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithUpstreamOptions appends options to the upstream dialer, e.g. to
// register a test double for a mode.
func WithUpstreamOptions(opts ...upstream.DialerOption) Option {
	return func(a *App) { a.upstreamOpts = append(a.upstreamOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	a := &App{}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		if a.provider != nil {
			m, err := observe.NewMetrics(a.provider.Meter)
			if err != nil {
				return nil, fmt.Errorf("app: init metrics: %w", err)
			}
			a.metrics = m
		} else {
			a.metrics = observe.DefaultMetrics()
		}
	}
	if a.provider != nil {
		a.closers = append(a.closers, a.provider.Shutdown)
	}

	a.initDialer(cfg)
	a.manager = relay.NewManager()
	a.handler = a.routes(cfg)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

// initDialer builds the upstream dialer with its circuit breaker and
// fallback endpoints.
func (a *App) initDialer(cfg *config.Config) {
	u := cfg.Upstream
	fallbacks := make([]upstream.Endpoint, 0, len(u.Fallbacks))
	for _, fb := range u.Fallbacks {
		fallbacks = append(fallbacks, upstream.Endpoint{Name: fb.Name, BaseURL: fb.BaseURL})
	}
	opts := []upstream.DialerOption{
		upstream.WithPrimary(upstream.Endpoint{Name: "primary"}),
		upstream.WithFallbacks(fallbacks...),
		upstream.WithBreaker(resilience.CircuitBreakerConfig{
			MaxFailures:  u.Breaker.MaxFailures,
			ResetTimeout: u.Breaker.ResetTimeout,
		}),
		upstream.WithMetrics(a.metrics),
	}
	a.dialer = upstream.NewDialer(append(opts, a.upstreamOpts...)...)
}

// routes builds the HTTP handler tree.
func (a *App) routes(cfg *config.Config) http.Handler {
	ws := relay.NewHandler(a.dialer, a.relayConfig,
		relay.WithManager(a.manager),
		relay.WithHandlerMetrics(a.metrics),
		relay.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	)

	mux := http.NewServeMux()
	mux.Handle("GET /ws", ws)
	mux.Handle("GET /{$}", ws)

	health.New(
		health.WithCheck(
			health.ConfigChecker(func() bool { return a.cfg.Load() != nil }),
			health.UpstreamChecker(a.dialer),
			health.DrainingChecker(a.draining.Load),
		),
		health.WithSessionCount(a.manager.Count),
	).Register(mux)

	if a.provider != nil {
		mux.Handle("GET /metrics", a.provider.Handler())
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	mux.HandleFunc("GET /debug/sessions", a.listSessions)

	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the live session tracker.
func (a *App) Sessions() *relay.Manager { return a.manager }

// Config returns the active configuration.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// relayConfig is evaluated for every new connection.
func (a *App) relayConfig() relay.Config {
	cfg := a.cfg.Load()
	r := cfg.Relay
	return relay.Config{
		Upstream:       upstreamConfig(cfg.Upstream, r),
		FlushThreshold: r.FlushThresholdBytes,
		EventBuffer:    r.EventBuffer,
		ReadyTimeout:   r.ReadyTimeout,
		CloseTimeout:   r.CloseTimeout,
	}
}

func upstreamConfig(u config.UpstreamConfig, r config.RelayConfig) upstream.Config {
	td := realtime.TurnDetection{
		Type:              u.TurnDetection.Type,
		Threshold:         u.TurnDetection.Threshold,
		PrefixPaddingMs:   u.TurnDetection.PrefixPaddingMs,
		SilenceDurationMs: u.TurnDetection.SilenceDurationMs,
	}
	if td.Type == "none" {
		td = realtime.TurnDetection{}
	}
	return upstream.Config{
		Mode:               string(u.Mode),
		APIKey:             u.APIKey,
		BaseURL:            u.BaseURL,
		Headers:            u.Headers,
		Model:              u.Model,
		Voice:              u.Voice,
		Instructions:       u.Instructions,
		TranscriptionModel: u.InputTranscriptionModel,
		TurnDetection:      td,
		EventBuffer:        r.EventBuffer,
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// UpdateConfig is the [config.Watcher] callback. Session settings apply to
// sessions opened afterwards; live sessions keep theirs.
func (a *App) UpdateConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	a.cfg.Store(new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(ParseLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.SessionChanged) > 0 {
		slog.Info("session settings reloaded; applies to new sessions", "fields", d.SessionChanged)
	}
}

// ParseLevel maps a config log level to slog. Unknown values map to info.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled or
// the server fails. When ctx is done, Run returns context.Canceled (or the
// underlying cause).
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled or the server fails.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	cfg := a.cfg.Load()
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		errCh <- err
	}()

	slog.Info("relay listening",
		"addr", ln.Addr().String(),
		"tls", cfg.Server.TLS != nil,
		"mode", cfg.Upstream.Mode,
		"model", cfg.Upstream.Model,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting connections, closes live sessions and runs the
// closers. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.draining.Store(true)
		slog.Info("shutting down", "sessions", a.manager.Count())

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		if err := a.manager.Shutdown(ctx); err != nil {
			slog.Warn("session drain incomplete", "remaining", a.manager.Count(), "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Debug ───────────────────────────────────────────────────────────────────

type sessionView struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remote_addr"`
	StartedAt     time.Time `json:"started_at"`
	State         string    `json:"state"`
	Ready         bool      `json:"ready"`
	Muted         bool      `json:"muted"`
	BytesIn       int64     `json:"bytes_in"`
	BytesUpstream int64     `json:"bytes_upstream"`
	BytesOut      int64     `json:"bytes_out"`
	Interruptions int64     `json:"interruptions"`
	Suppressed    int64     `json:"suppressed"`
}

// listSessions serves the live session list as JSON.
func (a *App) listSessions(w http.ResponseWriter, _ *http.Request) {
	active := a.manager.Active()
	out := make([]sessionView, 0, len(active))
	for _, s := range active {
		out = append(out, sessionView{
			ID:            s.SessionID,
			RemoteAddr:    s.RemoteAddr,
			StartedAt:     s.StartedAt,
			State:         s.Stats.State.String(),
			Ready:         s.Stats.Ready,
			Muted:         s.Stats.Muted,
			BytesIn:       s.Stats.BytesIn,
			BytesUpstream: s.Stats.BytesUpstream,
			BytesOut:      s.Stats.BytesOut,
			Interruptions: s.Stats.Interruptions,
			Suppressed:    s.Stats.Suppressed,
		})
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		slog.Debug("encode session list", "err", err)
	}
}
