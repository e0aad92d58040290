package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/coder/websocket"
)

// Handler accepts client WebSocket connections and runs one [Session] per
// connection.
type Handler struct {
	dialer  Dialer
	config  func() Config
	manager *Manager
	metrics *observe.Metrics
	origins []string
}

// HandlerOption configures a [Handler].
type HandlerOption func(*Handler)

// WithManager tracks sessions in m. Default: a private Manager.
func WithManager(m *Manager) HandlerOption {
	return func(h *Handler) { h.manager = m }
}

// WithHandlerMetrics sets the metrics passed to every session.
func WithHandlerMetrics(m *observe.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithOriginPatterns allows cross-origin browser clients matching patterns.
func WithOriginPatterns(patterns ...string) HandlerOption {
	return func(h *Handler) { h.origins = patterns }
}

// NewHandler returns a Handler. config is consulted once per connection so
// that reloaded settings apply to new sessions.
func NewHandler(dialer Dialer, config func() Config, opts ...HandlerOption) *Handler {
	h := &Handler{
		dialer:  dialer,
		config:  config,
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(h)
	}
	if h.manager == nil {
		h.manager = NewManager()
	}
	return h
}

// Manager returns the session manager.
func (h *Handler) Manager() *Manager { return h.manager }

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Warn("relay: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	sess := NewSession(conn, h.dialer, h.config(), WithMetrics(h.metrics))
	ctx, release, err := h.manager.Track(r.Context(), sess, r.RemoteAddr)
	if err != nil {
		_ = conn.Close(websocket.StatusGoingAway, "relay shutting down")
		return
	}
	defer release()

	slog.Info("relay: client connected", "session_id", sess.ID(), "remote", r.RemoteAddr)
	if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("relay: session ended with error", "session_id", sess.ID(), "err", err)
	}
}
