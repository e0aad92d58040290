package observe

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// Request kinds recorded on [Metrics.HTTPRequestDuration].
const (
	KindHTTP      = "http"
	KindWebSocket = "websocket"
)

// unmatchedRoute labels requests no mux pattern claimed.
const unmatchedRoute = "unmatched"

// responseRecorder captures the status a handler wrote. A hijacked
// connection counts as 101 Switching Protocols.
type responseRecorder struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
		r.hijacked = true
	}
	return conn, rw, err
}

func (r *responseRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Middleware wraps the relay's HTTP surface. For every request it continues
// an incoming W3C trace, runs the handler inside a server span, answers with
// X-Correlation-ID, records [Metrics.HTTPRequestDuration] labelled by the
// matched [http.ServeMux] pattern and logs completion.
//
// WebSocket upgrades pass through untouched. For those the recorded
// duration is the lifetime of the client connection and the kind attribute
// is [KindWebSocket].
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			// The mux fills in Pattern on the request it was handed.
			route := r.Pattern
			if route == "" {
				route = unmatchedRoute
			} else {
				span.SetName(route)
				span.SetAttributes(semconv.HTTPRoute(route))
			}
			kind := KindHTTP
			if rec.hijacked {
				kind = KindWebSocket
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))

			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.String("kind", kind),
				),
			)

			level := slog.LevelInfo
			if isProbe(r.URL.Path) {
				level = slog.LevelDebug
			}
			msg := "request completed"
			if kind == KindWebSocket {
				msg = "websocket closed"
			}
			slog.LogAttrs(ctx, level, msg,
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote", r.RemoteAddr),
				slog.Int("status", rec.status),
				slog.Duration("duration", elapsed),
			)
		})
	}
}

// isProbe reports whether path is polled by orchestrators and only worth a
// debug line.
func isProbe(path string) bool {
	switch {
	case path == "/healthz", path == "/readyz", strings.HasPrefix(path, "/metrics"):
		return true
	}
	return false
}
