package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/internal/app"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/protocol"
	"github.com/MrWong99/voxbridge/internal/upstream"
	"github.com/MrWong99/voxbridge/internal/upstream/mock"
	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"
)

// testConfig returns a defaulted config with a fake API key.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Upstream.APIKey = "sk-test"
	cfg.Server.ListenAddr = "127.0.0.1:0"
	return cfg
}

// newApp builds an App whose "sdk" mode dials d.
func newApp(t *testing.T, cfg *config.Config, d *mock.Dialer, opts ...app.Option) *app.App {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	opts = append([]app.Option{
		app.WithMetrics(m),
		app.WithUpstreamOptions(upstream.WithMode(upstream.ModeSDK, d.Func())),
	}, opts...)
	a, err := app.New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return a
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestNew_NilConfig(t *testing.T) {
	t.Parallel()

	if _, err := app.New(nil); err == nil {
		t.Fatal("New(nil) should fail")
	}
}

func TestApp_HealthEndpoints(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), &mock.Dialer{})
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	if code, _ := get(t, srv.URL+"/healthz"); code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", code)
	}
	code, body := get(t, srv.URL+"/readyz")
	if code != http.StatusOK {
		t.Errorf("/readyz = %d, want 200 (body %s)", code, body)
	}
	for _, name := range []string{"upstream", "config", "draining"} {
		if !strings.Contains(body, name) {
			t.Errorf("/readyz body missing check %q: %s", name, body)
		}
	}
}

func TestApp_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	p, err := observe.InitProvider(context.Background(), observe.ProviderConfig{ServiceName: "voxbridge-test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	a := newApp(t, testConfig(), &mock.Dialer{}, app.WithProvider(p))
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	code, body := get(t, srv.URL+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("/metrics = %d, want 200", code)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("/metrics should expose runtime collectors")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApp_WebSocketRoutes(t *testing.T) {
	t.Parallel()

	for _, path := range []string{"/ws", "/"} {
		t.Run(path, func(t *testing.T) {
			t.Parallel()

			adapter := mock.NewAdapter()
			d := &mock.Dialer{Adapter: adapter}
			cfg := testConfig()
			cfg.Upstream.Headers = map[string]string{"OpenAI-Organization": "org-1"}
			a := newApp(t, cfg, d)
			srv := httptest.NewServer(a.Handler())
			defer srv.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
			if err != nil {
				t.Fatalf("dial %s: %v", path, err)
			}
			defer conn.CloseNow()

			adapter.Emit(upstream.Event{
				Kind:    upstream.KindSessionReady,
				Session: upstream.SessionInfo{ID: "sess_1", Model: "m", Voice: "alloy", ExpiresAt: time.UnixMilli(1000)},
			})
			_, data, err := conn.Read(ctx)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			msg, err := protocol.Parse(data)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if msg.Type != protocol.TypeSession || msg.Data == nil || msg.Data.SessionID != "sess_1" {
				t.Errorf("first message = %+v, want session sess_1", msg)
			}

			calls := d.Calls()
			if len(calls) != 1 {
				t.Fatalf("dial calls = %d, want 1", len(calls))
			}
			if calls[0].APIKey != "sk-test" || calls[0].TurnDetection.Type != "server_vad" {
				t.Errorf("dial config = %+v", calls[0])
			}
			if calls[0].Headers["OpenAI-Organization"] != "org-1" {
				t.Errorf("headers = %v", calls[0].Headers)
			}
		})
	}
}

func TestApp_DebugSessions(t *testing.T) {
	t.Parallel()

	adapter := mock.NewAdapter()
	a := newApp(t, testConfig(), &mock.Dialer{Adapter: adapter})
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(5 * time.Second)
	for a.Sessions().Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was never tracked")
		}
		time.Sleep(5 * time.Millisecond)
	}

	code, body := get(t, srv.URL+"/debug/sessions")
	if code != http.StatusOK {
		t.Fatalf("/debug/sessions = %d", code)
	}
	var sessions []map[string]any
	if err := json.Unmarshal([]byte(body), &sessions); err != nil {
		t.Fatalf("decode: %v (%s)", err, body)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if sessions[0]["state"] != "idle" {
		t.Errorf("state = %v, want idle", sessions[0]["state"])
	}
}

func TestApp_TurnDetectionNone(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Upstream.TurnDetection.Type = "none"
	adapter := mock.NewAdapter()
	d := &mock.Dialer{Adapter: adapter}
	a := newApp(t, cfg, d)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(5 * time.Second)
	for len(d.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("upstream was never dialed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if td := d.Calls()[0].TurnDetection; td.Type != "" || td.Threshold != nil {
		t.Errorf("TurnDetection = %+v, want disabled", td)
	}
}

func TestApp_UpdateConfig(t *testing.T) {
	t.Parallel()

	old := testConfig()
	level := new(slog.LevelVar)
	a := newApp(t, old, &mock.Dialer{}, app.WithLevelVar(level))

	updated := testConfig()
	updated.Upstream.Voice = "verse"
	updated.Server.LogLevel = config.LogDebug
	a.UpdateConfig(old, updated)

	if got := a.Config().Upstream.Voice; got != "verse" {
		t.Errorf("voice after reload = %q, want verse", got)
	}
	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("level after reload = %v, want debug", got)
	}

	// A no-op diff leaves the active config untouched.
	same := testConfig()
	same.Upstream.Voice = "verse"
	same.Server.LogLevel = config.LogDebug
	a.UpdateConfig(updated, same)
	if a.Config() != updated {
		t.Error("empty diff should not swap the config")
	}
}

func TestApp_ShutdownDrains(t *testing.T) {
	t.Parallel()

	adapter := mock.NewAdapter()
	a := newApp(t, testConfig(), &mock.Dialer{Adapter: adapter})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(runCtx, ln) }()

	base := "http://" + ln.Addr().String()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+ln.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(5 * time.Second)
	for a.Sessions().Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was never tracked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if code, _ := get(t, base+"/readyz"); code != http.StatusOK {
		t.Fatalf("/readyz before shutdown = %d", code)
	}

	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if n := a.Sessions().Count(); n != 0 {
		t.Errorf("sessions after shutdown = %d, want 0", n)
	}
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("client connection should be closed after shutdown")
	}
	if calls, _ := adapter.Snapshot(); !slices.Contains(calls, mock.OpClose) {
		t.Error("upstream should be closed after shutdown")
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve() = %v, want nil after shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}

	// Second call is a no-op.
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error: %v", err)
	}
}

func TestApp_ServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), &mock.Dialer{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln) }()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := a.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
