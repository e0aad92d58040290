// Package health serves the relay's liveness and readiness probes.
//
//   - GET /healthz answers 200 while the process can serve HTTP and reports
//     the number of live relay sessions.
//   - GET /readyz runs every registered [Checker] concurrently and answers
//     503 if any of them fails, so load balancers stop sending new clients.
//
// Both respond with a JSON [Report]. Checkers for the relay's own
// dependencies live in checkers.go.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds one /readyz evaluation.
const checkTimeout = 5 * time.Second

// Status values used in a [Report].
const (
	StatusOK   = "ok"
	StatusFail = "fail"
)

// Checker is a named readiness probe. Check returns nil when healthy and
// must respect ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	DurationMs float64 `json:"duration_ms"`
}

// Report is the JSON body of both endpoints.
type Report struct {
	Status   string                 `json:"status"`
	Sessions *int                   `json:"sessions,omitempty"`
	Checks   map[string]CheckResult `json:"checks,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCheck registers readiness checkers.
func WithCheck(c ...Checker) Option {
	return func(h *Handler) { h.checkers = append(h.checkers, c...) }
}

// WithSessionCount adds the live session count to every report.
func WithSessionCount(fn func() int) Option {
	return func(h *Handler) { h.sessions = fn }
}

// Handler serves /healthz and /readyz. Its configuration is fixed at
// construction, so it is safe for concurrent use.
type Handler struct {
	checkers []Checker
	sessions func() int
}

// New creates a Handler.
func New(opts ...Option) *Handler {
	h := &Handler{}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.report(StatusOK, nil))
}

// Readyz answers 200 only when every checker passes within [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	results := make([]CheckResult, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			start := time.Now()
			err := c.Check(ctx)
			res := CheckResult{Status: StatusOK, DurationMs: float64(time.Since(start).Microseconds()) / 1000}
			if err != nil {
				res.Status = StatusFail
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	status, code := StatusOK, http.StatusOK
	checks := make(map[string]CheckResult, len(results))
	for i, res := range results {
		checks[h.checkers[i].Name] = res
		if res.Status != StatusOK {
			status, code = StatusFail, http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, h.report(status, checks))
}

func (h *Handler) report(status string, checks map[string]CheckResult) Report {
	rep := Report{Status: status, Checks: checks}
	if h.sessions != nil {
		n := h.sessions()
		rep.Sessions = &n
	}
	return rep
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
