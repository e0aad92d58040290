package relay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/protocol"
	"github.com/MrWong99/voxbridge/internal/relay"
	"github.com/MrWong99/voxbridge/internal/upstream"
	"github.com/MrWong99/voxbridge/internal/upstream/mock"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"
)

const testTimeout = 5 * time.Second

type harness struct {
	t       *testing.T
	ctx     context.Context
	adapter *mock.Adapter
	dialer  *mock.Dialer
	handler *relay.Handler
	conn    *websocket.Conn
}

func newHarness(t *testing.T, cfg relay.Config) *harness {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	a := mock.NewAdapter()
	d := &mock.Dialer{Adapter: a}
	h := relay.NewHandler(d, func() relay.Config { return cfg }, relay.WithHandlerMetrics(m))

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })

	return &harness{t: t, ctx: ctx, adapter: a, dialer: d, handler: h, conn: conn}
}

// ready completes the upstream handshake and consumes the session message.
func (h *harness) ready() protocol.Message {
	h.t.Helper()
	h.adapter.Emit(upstream.Event{
		Kind: upstream.KindSessionReady,
		Session: upstream.SessionInfo{
			ID:        "sess_upstream",
			Model:     "gpt-4o-realtime-preview-2025-06-03",
			Voice:     "alloy",
			ExpiresAt: time.UnixMilli(1_700_000_000_000),
		},
	})
	return h.expect(protocol.TypeSession)
}

// start sends start_conversation and waits for the acknowledgement.
func (h *harness) start() {
	h.t.Helper()
	h.sendJSON(protocol.Simple(protocol.TypeStartConversation))
	h.expect(protocol.TypeConversationStarted)
}

func (h *harness) sendJSON(m protocol.Message) {
	h.t.Helper()
	data, err := protocol.Encode(m)
	if err != nil {
		h.t.Fatalf("encode: %v", err)
	}
	h.sendRaw(websocket.MessageText, data)
}

func (h *harness) sendRaw(typ websocket.MessageType, data []byte) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, testTimeout)
	defer cancel()
	if err := h.conn.Write(ctx, typ, data); err != nil {
		h.t.Fatalf("write: %v", err)
	}
}

func (h *harness) read() (websocket.MessageType, []byte) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, testTimeout)
	defer cancel()
	typ, data, err := h.conn.Read(ctx)
	if err != nil {
		h.t.Fatalf("read: %v", err)
	}
	return typ, data
}

// expect reads the next message and fails unless it is a text message of
// the given type.
func (h *harness) expect(typ string) protocol.Message {
	h.t.Helper()
	mt, data := h.read()
	if mt != websocket.MessageText {
		h.t.Fatalf("got binary message (%d bytes), want %q", len(data), typ)
	}
	var m protocol.Message
	if err := json.Unmarshal(data, &m); err != nil {
		h.t.Fatalf("unmarshal %s: %v", data, err)
	}
	if m.Type != typ {
		h.t.Fatalf("got message %s, want type %q", data, typ)
	}
	return m
}

func (h *harness) expectBinary() []byte {
	h.t.Helper()
	mt, data := h.read()
	if mt != websocket.MessageBinary {
		h.t.Fatalf("got text message %s, want binary", data)
	}
	return data
}

// expectClose reads until the relay closes the connection and returns the
// close status.
func (h *harness) expectClose() websocket.StatusCode {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, testTimeout)
	defer cancel()
	for {
		_, _, err := h.conn.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// tone48k returns n samples of a 440 Hz sine at 48 kHz.
func tone48k(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/48000))
	}
	return out
}

func pcmBytes(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func TestSession_SessionMessage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, relay.Config{})

	m := h.ready()
	if m.Data == nil {
		t.Fatal("session message has no data")
	}
	if m.Data.SessionID != "sess_upstream" || m.Data.Voice != "alloy" {
		t.Errorf("data = %+v", *m.Data)
	}
	if m.Data.ExpiresAt != 1_700_000_000_000 {
		t.Errorf("expires_at = %d, want 1700000000000", m.Data.ExpiresAt)
	}
	if calls := h.dialer.Calls(); len(calls) != 1 {
		t.Errorf("dial calls = %d, want 1", len(calls))
	}
}

func TestSession_SilenceThenToneTwoAppends(t *testing.T) {
	t.Parallel()
	h := newHarness(t, relay.Config{})
	h.ready()
	h.start()

	// 100 ms of silence then 100 ms of tone, captured at 48 kHz in 10 ms
	// blocks and encoded the way the client does.
	const block = 480
	var want [2][]byte
	for range 10 {
		pcm := audio.EncodeFrame(make([]float32, block), 48000)
		want[0] = append(want[0], pcm...)
		h.sendRaw(websocket.MessageBinary, pcm)
	}
	tone := tone48k(10 * block)
	for i := range 10 {
		pcm := audio.EncodeFrame(tone[i*block:(i+1)*block], 48000)
		want[1] = append(want[1], pcm...)
		h.sendRaw(websocket.MessageBinary, pcm)
	}

	waitFor(t, "two appends", func() bool {
		_, appends := h.adapter.Snapshot()
		return len(appends) >= 2
	})
	_, appends := h.adapter.Snapshot()
	if len(appends) != 2 {
		t.Fatalf("appends = %d, want 2", len(appends))
	}
	for i, a := range appends {
		if len(a.PCM) != relay.DefaultFlushThreshold {
			t.Errorf("append %d: %d bytes, want %d", i, len(a.PCM), relay.DefaultFlushThreshold)
		}
		if a.Commit {
			t.Errorf("append %d: commit set", i)
		}
		if !bytes.Equal(a.PCM, want[i]) {
			t.Errorf("append %d: payload differs from what the client sent", i)
		}
	}
}

func TestSession_BargeInInterruptsAndSuppresses(t *testing.T) {
	t.Parallel()
	h := newHarness(t, relay.Config{})
	h.ready()
	h.start()

	first := pcmBytes(960, 0x11)
	h.adapter.Emit(upstream.Event{Kind: upstream.KindResponseCreated, ResponseID: "resp_1"})
	h.adapter.Emit(upstream.Event{Kind: upstream.KindAudioDelta, ResponseID: "resp_1", Audio: first})
	if got := h.expectBinary(); !bytes.Equal(got, first) {
		t.Fatalf("relayed audio differs")
	}

	h.adapter.Emit(upstream.Event{Kind: upstream.KindSpeechStarted})
	h.expect(protocol.TypeSpeechStarted)

	// The interrupt must already be upstream before the next chunk goes out.
	h.sendRaw(websocket.MessageBinary, pcmBytes(relay.DefaultFlushThreshold, 0))
	waitFor(t, "append after barge-in", func() bool {
		_, appends := h.adapter.Snapshot()
		return len(appends) == 1
	})
	calls, _ := h.adapter.Snapshot()
	wantCalls := []string{mock.OpInterrupt, mock.OpInterrupt, mock.OpAppend}
	if !slices.Equal(calls, wantCalls) {
		t.Fatalf("calls = %v, want %v", calls, wantCalls)
	}

	// Late output of the cancelled response is withheld; a new response
	// flows again.
	second := pcmBytes(480, 0x22)
	h.adapter.Emit(upstream.Event{Kind: upstream.KindAudioDelta, ResponseID: "resp_1", Audio: pcmBytes(480, 0x33)})
	h.adapter.Emit(upstream.Event{Kind: upstream.KindTranscriptDelta, ResponseID: "resp_1", Text: "stale"})
	h.adapter.Emit(upstream.Event{Kind: upstream.KindSpeechStopped})
	h.expect(protocol.TypeSpeechStopped)
	h.adapter.Emit(upstream.Event{Kind: upstream.KindResponseCreated, ResponseID: "resp_2"})
	h.adapter.Emit(upstream.Event{Kind: upstream.KindAudioDelta, ResponseID: "resp_2", Audio: second})
	if got := h.expectBinary(); !bytes.Equal(got, second) {
		t.Fatalf("expected audio of resp_2 after suppression lifted")
	}

	active := h.handler.Manager().Active()
	if len(active) != 1 {
		t.Fatalf("active sessions = %d, want 1", len(active))
	}
	st := active[0].Stats
	if st.Interruptions != 1 {
		t.Errorf("interruptions = %d, want 1", st.Interruptions)
	}
	if st.Suppressed != 1 {
		t.Errorf("suppressed = %d, want 1", st.Suppressed)
	}
	if st.State != relay.StateAISpeaking {
		t.Errorf("state = %v, want %v", st.State, relay.StateAISpeaking)
	}
}

func TestSession_StopForceFlushesWithCommit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, relay.Config{})
	h.ready()
	h.start()

	h.sendRaw(websocket.MessageBinary, pcmBytes(1200, 0x01))
	h.sendJSON(protocol.Simple(protocol.TypeStopConversation))
	h.expect(protocol.TypeConversationStopped)

	_, appends := h.adapter.Snapshot()
	if len(appends) != 1 {
		t.Fatalf("appends = %d, want 1", len(appends))
	}
	if len(appends[0].PCM) != 1200 || !appends[0].Commit {
		t.Errorf("append = %d bytes commit=%v, want 1200 bytes commit=true", len(appends[0].PCM), appends[0].Commit)
	}

	// Nothing pending: stop again sends no commit.
	h.sendJSON(protocol.Simple(protocol.TypeStopConversation))
	h.expect(protocol.TypeConversationStopped)
	if _, appends := h.adapter.Snapshot(); len(appends) != 1 {
		t.Errorf("appends = %d after empty stop, want 1", len(appends))
	}
}

func TestSession_ThresholdBuffering(t *testing.T) {
	t.Parallel()
	h := newHarness(t, relay.Config{FlushThreshold: 1000})
	h.ready()
	h.start()

	for range 3 {
		h.sendRaw(websocket.MessageBinary, pcmBytes(400, 0x05))
	}
	// Sync point: the control reply is written after the frames above.
	h.start()

	_, appends := h.adapter.Snapshot()
	if len(appends) != 1 {
		t.Fatalf("appends = %d, want 1", len(appends))
	}
	if len(appends[0].PCM) != 1200 {
		t.Errorf("append = %d bytes, want the whole 1200-byte accumulator", len(appends[0].PCM))
	}
}

func TestSession_AudioDroppedWhileIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, relay.Config{})

	// Before the session is ready and before start_conversation.
	h.sendRaw(websocket.MessageBinary, pcmBytes(relay.DefaultFlushThreshold, 0))
	h.ready()
	h.sendRaw(websocket.MessageBinary, pcmBytes(relay.DefaultFlushThreshold, 0))
	h.sendRaw(websocket.MessageBinary, nil)
	h.start()

	if _, appends := h.adapter.Snapshot(); len(appends) != 0 {
		t.Errorf("appends = %d, want 0", len(appends))
	}
	if st := h.handler.Manager().Active()[0].Stats; st.Dropped != 2 {
		t.Errorf("dropped = %d, want 2", st.Dropped)
	}
}

func TestSession_AudioJSONUsesAccumulator(t *testing.T) {
	t.Parallel()
	h := newHarness(t, relay.Config{})
	h.ready()
	h.start()

	h.sendRaw(websocket.MessageBinary, pcmBytes(2400, 0x01))
	h.sendJSON(protocol.Audio(pcmBytes(2400, 0x02)))
	h.start()

	_, appends := h.adapter.Snapshot()
	if len(appends) != 1 {
		t.Fatalf("appends = %d, want 1", len(appends))
	}
	want := append(pcmBytes(2400, 0x01), pcmBytes(2400, 0x02)...)
	if !bytes.Equal(appends[0].PCM, want) {
		t.Error("binary and JSON audio not appended in arrival order")
	}
}

func TestSession_MalformedAndUnknownMessages(t *testing.T) {
	t.Parallel()
	h := newHarness(t, relay.Config{})
	h.ready()

	h.sendRaw(websocket.MessageText, []byte("{not json"))
	m := h.expect(protocol.TypeError)
	if m.Error == nil || m.Error.Code != "malformed_message" {
		t.Errorf("error = %+v, want code malformed_message", m.Error)
	}

	h.sendRaw(websocket.MessageText, []byte(`{"type":"bogus"}`))
	h.sendJSON(protocol.Audio(nil))
	h.sendRaw(websocket.MessageText, []byte(`{"type":"audio","audio":"%%%"}`))
	m = h.expect(protocol.TypeError)
	if m.Error == nil || m.Error.Code != "invalid_audio" {
		t.Errorf("error = %+v, want code invalid_audio", m.Error)
	}

	// Session keeps going.
	h.start()
}

func TestSession_ControlMessages(t *testing.T) {
	t.Parallel()
	h := newHarness(t, relay.Config{})
	h.ready()

	h.sendJSON(protocol.MuteState(true))
	h.sendJSON(protocol.CreateResponse("say hi"))
	h.sendJSON(protocol.Simple(protocol.TypeCancelResponse))
	h.sendJSON(protocol.Error("client_error", "", "mic failed"))
	h.start()

	a := h.adapter
	calls, _ := a.Snapshot()
	want := []string{mock.OpCreateResponse, mock.OpCancelResponse, mock.OpInterrupt}
	if !slices.Equal(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
	if got := h.handler.Manager().Active()[0].Stats; !got.Muted {
		t.Error("mute state not recorded")
	}
}

func TestSession_CreateResponseFailureReported(t *testing.T) {
	t.Parallel()
	h := newHarness(t, relay.Config{})
	h.adapter.CreateResponseErr = errors.New("write failed")
	h.ready()

	h.sendJSON(protocol.CreateResponse(""))
	m := h.expect(protocol.TypeError)
	if m.Error == nil || m.Error.Code != "create_response_failed" {
		t.Errorf("error = %+v", m.Error)
	}
}

func TestSession_TranscriptsRelayed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, relay.Config{})
	h.ready()

	h.adapter.Emit(upstream.Event{Kind: upstream.KindUserTranscript, Text: "hello there"})
	if m := h.expect(protocol.TypeUserTranscript); m.Transcript != "hello there" {
		t.Errorf("user transcript = %q", m.Transcript)
	}

	h.adapter.Emit(upstream.Event{Kind: upstream.KindResponseCreated, ResponseID: "resp_1"})
	h.adapter.Emit(upstream.Event{Kind: upstream.KindTranscriptDelta, ResponseID: "resp_1", Text: "Hel"})
	h.adapter.Emit(upstream.Event{Kind: upstream.KindTranscriptDelta, ResponseID: "resp_1", Text: "lo"})
	h.adapter.Emit(upstream.Event{Kind: upstream.KindTranscriptDone, ResponseID: "resp_1"})
	h.adapter.Emit(upstream.Event{Kind: upstream.KindTurnDone, ResponseID: "resp_1", Status: "completed"})

	if m := h.expect(protocol.TypeAITranscriptDelta); m.Delta != "Hel" {
		t.Errorf("delta = %q", m.Delta)
	}
	h.expect(protocol.TypeAITranscriptDelta)
	if m := h.expect(protocol.TypeAITranscriptDone); m.Transcript != "Hello" {
		t.Errorf("transcript = %q, want assembled %q", m.Transcript, "Hello")
	}
	h.expect(protocol.TypeResponseDone)
}

func TestSession_UpstreamErrorRelayed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, relay.Config{})
	h.ready()

	h.adapter.Emit(upstream.Event{Kind: upstream.KindError, Err: &upstream.ErrorInfo{
		Type: "invalid_request_error", Code: "bad_thing", Message: "nope",
	}})
	m := h.expect(protocol.TypeError)
	if m.Error == nil || *m.Error != (protocol.ErrorBody{Type: "invalid_request_error", Code: "bad_thing", Message: "nope"}) {
		t.Errorf("error = %+v", m.Error)
	}
	// Non-fatal.
	h.start()
}

func TestSession_UpstreamClosedIsFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, relay.Config{})
	h.ready()

	h.adapter.TransportErr = errors.New("connection reset")
	h.adapter.End()

	m := h.expect(protocol.TypeError)
	if m.Error == nil || m.Error.Code != "upstream_closed" || !strings.Contains(m.Error.Message, "connection reset") {
		t.Errorf("error = %+v", m.Error)
	}
	if status := h.expectClose(); status != websocket.StatusInternalError {
		t.Errorf("close status = %v, want %v", status, websocket.StatusInternalError)
	}
}

func TestSession_ReadyTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, relay.Config{ReadyTimeout: 50 * time.Millisecond})

	m := h.expect(protocol.TypeError)
	if m.Error == nil || m.Error.Code != "session_timeout" {
		t.Errorf("error = %+v", m.Error)
	}
	h.expectClose()
	waitFor(t, "upstream close", func() bool {
		calls, _ := h.adapter.Snapshot()
		return slices.Contains(calls, mock.OpClose)
	})
}

func TestSession_DialFailure(t *testing.T) {
	t.Parallel()
	m, _ := observe.NewMetrics(noop.NewMeterProvider())
	d := &mock.Dialer{DialErr: errors.New("circuit open")}
	srv := httptest.NewServer(relay.NewHandler(d, func() relay.Config { return relay.Config{} }, relay.WithHandlerMetrics(m)))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.Parse(data)
	if err != nil || msg.Error == nil || msg.Error.Code != "upstream_unavailable" {
		t.Fatalf("got %s (%v), want upstream_unavailable error", data, err)
	}
	_, _, err = conn.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusTryAgainLater {
		t.Errorf("close status = %v, want %v", status, websocket.StatusTryAgainLater)
	}
}

func TestSession_ClientCloseTearsDownUpstream(t *testing.T) {
	t.Parallel()
	h := newHarness(t, relay.Config{})
	h.ready()

	if err := h.conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, "upstream close", func() bool {
		calls, _ := h.adapter.Snapshot()
		return slices.Contains(calls, mock.OpClose)
	})
	waitFor(t, "session release", func() bool { return h.handler.Manager().Count() == 0 })
}

func TestManager_ShutdownClosesSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, relay.Config{})
	h.ready()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := h.handler.Manager().Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := h.handler.Manager().Count(); n != 0 {
		t.Errorf("count = %d after shutdown", n)
	}
	calls, _ := h.adapter.Snapshot()
	if !slices.Contains(calls, mock.OpClose) {
		t.Error("upstream not closed on shutdown")
	}
}
