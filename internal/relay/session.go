// Package relay bridges one client WebSocket to one upstream conversational
// speech session.
//
// Each [Session] owns a client reader goroutine and a single event loop.
// The loop consumes client frames and upstream [upstream.Event]s, drives the
// [StateMachine], batches inbound audio through an [Accumulator] and decides
// which assistant output reaches the client. Because every state transition
// and every upstream write happens on the loop goroutine, a barge-in
// interrupt is always written upstream before the next inbound chunk is
// forwarded.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/protocol"
	"github.com/MrWong99/voxbridge/internal/upstream"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultCloseTimeout = 5 * time.Second
	defaultReadyTimeout = 15 * time.Second
	defaultEventBuffer  = 64

	writeTimeout    = 5 * time.Second
	clientReadLimit = 1 << 20
)

var (
	// ErrSessionClosed is returned when the client went away.
	ErrSessionClosed = errors.New("relay: session closed")

	// ErrUpstreamClosed is returned when the upstream event stream ended.
	ErrUpstreamClosed = errors.New("relay: upstream closed")

	// ErrReadyTimeout is returned when the upstream never acknowledged the
	// session configuration.
	ErrReadyTimeout = errors.New("relay: upstream session not ready")
)

// Dialer opens the upstream side of a session.
type Dialer interface {
	Dial(ctx context.Context, cfg upstream.Config) (upstream.Adapter, error)
}

// Config holds per-session settings.
type Config struct {
	// Upstream is passed to the Dialer.
	Upstream upstream.Config

	// FlushThreshold is the inbound batch size in bytes. Default 4800.
	FlushThreshold int

	// EventBuffer is the capacity of the client frame queue. Default 64.
	EventBuffer int

	// ReadyTimeout bounds the wait for the upstream session acknowledgement.
	// Default 15s.
	ReadyTimeout time.Duration

	// CloseTimeout bounds each side's close handshake. Default 5s.
	CloseTimeout time.Duration
}

func (c Config) eventBuffer() int {
	if c.EventBuffer > 0 {
		return c.EventBuffer
	}
	return defaultEventBuffer
}

func (c Config) readyTimeout() time.Duration {
	if c.ReadyTimeout > 0 {
		return c.ReadyTimeout
	}
	return defaultReadyTimeout
}

func (c Config) closeTimeout() time.Duration {
	if c.CloseTimeout > 0 {
		return c.CloseTimeout
	}
	return defaultCloseTimeout
}

// Stats is a point-in-time snapshot of a session's counters.
type Stats struct {
	ID    string
	State State
	Ready bool
	Muted bool

	// BytesIn counts PCM bytes received from the client.
	BytesIn int64
	// BytesUpstream counts PCM bytes forwarded upstream.
	BytesUpstream int64
	// BytesOut counts PCM bytes relayed to the client.
	BytesOut int64

	Appends       int64
	Dropped       int64
	Interruptions int64
	Suppressed    int64
}

// Option configures a [Session].
type Option func(*Session)

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// frame is one client WebSocket message.
type frame struct {
	typ  websocket.MessageType
	data []byte
}

// Session relays between one client connection and one upstream adapter.
type Session struct {
	id      string
	client  *websocket.Conn
	dialer  Dialer
	cfg     Config
	metrics *observe.Metrics
	log     *slog.Logger

	// Owned by the event loop.
	up          upstream.Adapter
	sm          StateMachine
	acc         *Accumulator
	transcript  Transcript
	currentResp string
	suppressed  string

	state         atomic.Int32
	ready         atomic.Bool
	muted         atomic.Bool
	bytesIn       atomic.Int64
	bytesUp       atomic.Int64
	bytesOut      atomic.Int64
	appends       atomic.Int64
	dropped       atomic.Int64
	interruptions atomic.Int64
	suppressedN   atomic.Int64
}

// NewSession prepares a session for an accepted client connection. Call
// [Session.Run] to start relaying.
func NewSession(client *websocket.Conn, dialer Dialer, cfg Config, opts ...Option) *Session {
	s := &Session{
		id:      uuid.NewString(),
		client:  client,
		dialer:  dialer,
		cfg:     cfg,
		metrics: observe.DefaultMetrics(),
		log:     slog.Default(),
		acc:     NewAccumulator(cfg.FlushThreshold),
	}
	for _, o := range opts {
		o(s)
	}
	client.SetReadLimit(clientReadLimit)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Stats returns a snapshot of the session counters. Safe for concurrent use.
func (s *Session) Stats() Stats {
	return Stats{
		ID:            s.id,
		State:         State(s.state.Load()),
		Ready:         s.ready.Load(),
		Muted:         s.muted.Load(),
		BytesIn:       s.bytesIn.Load(),
		BytesUpstream: s.bytesUp.Load(),
		BytesOut:      s.bytesOut.Load(),
		Appends:       s.appends.Load(),
		Dropped:       s.dropped.Load(),
		Interruptions: s.interruptions.Load(),
		Suppressed:    s.suppressedN.Load(),
	}
}

// Run dials the upstream and relays until either side closes or ctx is
// cancelled. Both connections are closed when Run returns. A client-initiated
// close returns nil.
func (s *Session) Run(ctx context.Context) error {
	start := time.Now()
	ctx, span := observe.StartSessionSpan(ctx, s.id)
	defer span.End()
	s.log = observe.Logger(ctx)

	bg := context.WithoutCancel(ctx)
	s.metrics.ActiveSessions.Add(bg, 1)
	defer func() {
		s.metrics.ActiveSessions.Add(bg, -1)
		s.metrics.SessionDuration.Record(bg, time.Since(start).Seconds())
	}()

	up, err := s.dialer.Dial(ctx, s.cfg.Upstream)
	if err != nil {
		span.RecordError(err)
		s.log.Warn("relay: upstream dial failed", "err", err)
		_ = s.send(ctx, protocol.Error("upstream_error", "upstream_unavailable", err.Error()))
		s.closeClient(websocket.StatusTryAgainLater, "upstream unavailable")
		return fmt.Errorf("relay: dial upstream: %w", err)
	}
	s.up = up
	s.log.Info("relay: session opened")

	inbound := make(chan frame, s.cfg.eventBuffer())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readClient(ctx, gctx, inbound) })
	var loopErr error
	g.Go(func() error {
		loopErr = s.loop(gctx, inbound)
		s.closeClient(closeStatus(loopErr))
		return loopErr
	})
	err = g.Wait()
	// The reader usually finishes first once the loop starts the close
	// handshake; the loop's error is the real cause.
	if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
		err = loopErr
	}
	s.closeUpstream()

	stats := s.Stats()
	s.log.Info("relay: session closed",
		"duration", time.Since(start).Round(time.Millisecond),
		"bytes_in", stats.BytesIn,
		"bytes_upstream", stats.BytesUpstream,
		"bytes_out", stats.BytesOut,
		"interruptions", stats.Interruptions,
	)

	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	span.RecordError(err)
	return err
}

// readClient feeds client frames to the loop. Reads use the session context
// so a close handshake started by the loop can still be read to completion.
func (s *Session) readClient(readCtx, ctx context.Context, out chan<- frame) error {
	for {
		typ, data, err := s.client.Read(readCtx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				s.log.Debug("relay: client closed", "status", status)
			} else if ctx.Err() == nil {
				s.log.Debug("relay: client read failed", "err", err)
			}
			return ErrSessionClosed
		}
		select {
		case out <- frame{typ: typ, data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) loop(ctx context.Context, inbound <-chan frame) error {
	readyTimer := time.NewTimer(s.cfg.readyTimeout())
	defer readyTimer.Stop()
	readyC := readyTimer.C
	events := s.up.Events()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-readyC:
			return s.fail(ctx, "upstream_error", "session_timeout", ErrReadyTimeout)

		case f := <-inbound:
			if err := s.handleClient(ctx, f); err != nil {
				return err
			}

		case evt, ok := <-events:
			if !ok {
				return s.upstreamGone(ctx)
			}
			if evt.Kind == upstream.KindSessionReady && readyC != nil {
				readyTimer.Stop()
				readyC = nil
			}
			if err := s.handleUpstream(ctx, evt); err != nil {
				return err
			}
		}
	}
}

// ── Client → upstream ───────────────────────────────────────────────────────

func (s *Session) handleClient(ctx context.Context, f frame) error {
	switch f.typ {
	case websocket.MessageBinary:
		return s.handleAudio(ctx, f.data)
	case websocket.MessageText:
		return s.handleControl(ctx, f.data)
	default:
		return nil
	}
}

func (s *Session) handleAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	s.bytesIn.Add(int64(len(pcm)))
	if !s.ready.Load() || !s.sm.Started() {
		s.dropped.Add(1)
		s.log.Debug("relay: inbound audio dropped", "bytes", len(pcm), "state", s.sm.State())
		return nil
	}
	if chunk := s.acc.Add(pcm); chunk != nil {
		return s.forward(ctx, chunk, false)
	}
	return nil
}

func (s *Session) forward(ctx context.Context, pcm []byte, commit bool) error {
	if err := s.up.AppendAudio(ctx, pcm, commit); err != nil {
		return s.fail(ctx, "upstream_error", "append_failed", fmt.Errorf("relay: append audio: %w", err))
	}
	s.appends.Add(1)
	s.bytesUp.Add(int64(len(pcm)))
	s.metrics.RecordAppend(ctx, len(pcm), commit)
	s.log.Debug("relay: audio forwarded", "bytes", len(pcm), "commit", commit)
	return nil
}

func (s *Session) handleControl(ctx context.Context, data []byte) error {
	msg, err := protocol.Parse(data)
	if err != nil {
		s.log.Warn("relay: malformed client message", "err", err)
		s.metrics.RecordClientError(ctx, "malformed")
		return s.send(ctx, protocol.Error("invalid_request_error", "malformed_message", err.Error()))
	}

	switch msg.Type {
	case protocol.TypeStartConversation:
		s.acc.Reset()
		s.transcript.Reset()
		s.interrupt(ctx, "start_conversation")
		s.sm.Start()
		s.syncState()
		s.log.Info("relay: conversation started")
		return s.send(ctx, protocol.Simple(protocol.TypeConversationStarted))

	case protocol.TypeStopConversation:
		if rest := s.acc.Flush(); rest != nil {
			if err := s.forward(ctx, rest, true); err != nil {
				return err
			}
		}
		s.acc.Reset()
		s.sm.Stop()
		s.syncState()
		s.log.Info("relay: conversation stopped")
		return s.send(ctx, protocol.Simple(protocol.TypeConversationStopped))

	case protocol.TypeAudio:
		pcm, err := msg.AudioBytes()
		if err != nil {
			s.log.Warn("relay: bad audio payload", "err", err)
			s.metrics.RecordClientError(ctx, "bad_audio")
			return s.send(ctx, protocol.Error("invalid_request_error", "invalid_audio", err.Error()))
		}
		return s.handleAudio(ctx, pcm)

	case protocol.TypeMuteState:
		if msg.Muted != nil {
			s.muted.Store(*msg.Muted)
			s.log.Info("relay: client mute state", "muted", *msg.Muted)
		}
		return nil

	case protocol.TypeCancelResponse:
		s.suppressCurrent()
		if err := s.up.CancelResponse(ctx); err != nil {
			s.log.Warn("relay: cancel response failed", "err", err)
		}
		return nil

	case protocol.TypeCreateResponse:
		if err := s.up.CreateResponse(ctx, msg.Instructions); err != nil {
			s.log.Warn("relay: create response failed", "err", err)
			return s.send(ctx, protocol.Error("upstream_error", "create_response_failed", err.Error()))
		}
		return nil

	case protocol.TypeError:
		s.metrics.RecordClientError(ctx, "client_reported")
		if msg.Error != nil {
			s.log.Warn("relay: client reported error", "type", msg.Error.Type, "code", msg.Error.Code, "message", msg.Error.Message)
		} else {
			s.log.Warn("relay: client reported error")
		}
		return nil

	default:
		s.log.Warn("relay: unknown client message type", "type", msg.Type)
		return nil
	}
}

// interrupt suppresses the current response and writes the barge-in cancel
// upstream. Failures are counted and logged only.
func (s *Session) interrupt(ctx context.Context, reason string) {
	s.suppressCurrent()
	if err := s.up.Interrupt(ctx); err != nil {
		s.metrics.InterruptFailures.Add(ctx, 1)
		s.log.Warn("relay: interrupt failed", "reason", reason, "err", err)
	}
}

// ── Upstream → client ───────────────────────────────────────────────────────

func (s *Session) handleUpstream(ctx context.Context, evt upstream.Event) error {
	switch evt.Kind {
	case upstream.KindSessionReady:
		if s.ready.Load() {
			return nil
		}
		s.ready.Store(true)
		info := evt.Session
		id := info.ID
		if id == "" {
			id = s.id
		}
		s.log.Info("relay: upstream session ready", "upstream_session", info.ID, "model", info.Model, "voice", info.Voice)
		return s.send(ctx, protocol.Session(info.Model, id, info.Voice, info.ExpiresAt))

	case upstream.KindSpeechStarted:
		if prev := s.sm.SpeechStarted(); prev == StateAISpeaking {
			s.interruptions.Add(1)
			s.metrics.Interruptions.Add(ctx, 1)
		}
		s.syncState()
		s.interrupt(ctx, "speech_started")
		return s.send(ctx, protocol.Simple(protocol.TypeSpeechStarted))

	case upstream.KindSpeechStopped:
		s.sm.SpeechStopped()
		s.syncState()
		return s.send(ctx, protocol.Simple(protocol.TypeSpeechStopped))

	case upstream.KindUserTranscript:
		return s.send(ctx, protocol.UserTranscript(evt.Text))

	case upstream.KindResponseCreated:
		s.observeResponse(evt.ResponseID)
		s.transcript.Reset()
		return nil

	case upstream.KindAudioDelta:
		if len(evt.Audio) == 0 {
			return nil
		}
		s.observeResponse(evt.ResponseID)
		if s.isSuppressed(evt.ResponseID) {
			s.suppressedN.Add(1)
			s.metrics.OutboundSuppressed.Add(ctx, 1)
			return nil
		}
		s.sm.AudioRelayed()
		s.syncState()
		if err := s.write(ctx, websocket.MessageBinary, evt.Audio); err != nil {
			return err
		}
		s.bytesOut.Add(int64(len(evt.Audio)))
		s.metrics.OutboundAudioBytes.Add(ctx, int64(len(evt.Audio)))
		return nil

	case upstream.KindTranscriptDelta:
		if s.isSuppressed(evt.ResponseID) {
			return nil
		}
		s.transcript.Append(evt.ResponseID, evt.Text)
		return s.send(ctx, protocol.TranscriptDelta(evt.Text))

	case upstream.KindTranscriptDone:
		if s.isSuppressed(evt.ResponseID) {
			s.transcript.Reset()
			return nil
		}
		return s.send(ctx, protocol.TranscriptDone(s.transcript.Done(evt.Text)))

	case upstream.KindTurnDone:
		s.transcript.Reset()
		if evt.ResponseID == s.currentResp {
			s.currentResp = ""
		}
		if s.sm.State() == StateInterrupted && s.isSuppressed(evt.ResponseID) {
			s.log.Debug("relay: cancelled turn ended during barge-in", "response_id", evt.ResponseID, "status", evt.Status)
			return nil
		}
		s.sm.TurnDone()
		s.syncState()
		return s.send(ctx, protocol.Simple(protocol.TypeResponseDone))

	case upstream.KindError:
		e := evt.Err
		if e == nil {
			e = &upstream.ErrorInfo{Type: "upstream_error", Message: "unknown upstream error"}
		}
		s.metrics.RecordUpstreamError(ctx, e.Code)
		s.log.Warn("relay: upstream error", "type", e.Type, "code", e.Code, "message", e.Message)
		return s.send(ctx, protocol.Error(e.Type, e.Code, e.Message))

	default:
		s.log.Debug("relay: unhandled upstream event", "kind", evt.Kind)
		return nil
	}
}

// observeResponse tracks the response currently producing output. A new
// response id lifts suppression.
func (s *Session) observeResponse(id string) {
	if id == "" || id == s.currentResp {
		return
	}
	s.currentResp = id
	if s.suppressed != "" && id != s.suppressed {
		s.log.Debug("relay: suppression lifted", "cancelled", s.suppressed, "response_id", id)
		s.suppressed = ""
	}
}

func (s *Session) suppressCurrent() {
	if s.currentResp != "" {
		s.suppressed = s.currentResp
	}
}

func (s *Session) isSuppressed(id string) bool {
	return s.suppressed != "" && (id == "" || id == s.suppressed)
}

func (s *Session) upstreamGone(ctx context.Context) error {
	cause := s.up.Err()
	s.log.Warn("relay: upstream ended", "err", cause)
	err := ErrUpstreamClosed
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrUpstreamClosed, cause)
	}
	return s.fail(ctx, "upstream_error", "upstream_closed", err)
}

// fail tells the client about a session-fatal error and returns err.
func (s *Session) fail(ctx context.Context, typ, code string, err error) error {
	if werr := s.send(ctx, protocol.Error(typ, code, err.Error())); werr != nil {
		s.log.Debug("relay: could not report error to client", "err", werr)
	}
	return err
}

func (s *Session) send(ctx context.Context, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return fmt.Errorf("relay: encode %s: %w", m.Type, err)
	}
	return s.write(ctx, websocket.MessageText, data)
}

func (s *Session) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := s.client.Write(wctx, typ, data); err != nil {
		return fmt.Errorf("relay: write client: %w", err)
	}
	return nil
}

func (s *Session) syncState() { s.state.Store(int32(s.sm.State())) }

// ── Teardown ────────────────────────────────────────────────────────────────

func closeStatus(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil, errors.Is(err, ErrSessionClosed):
		return websocket.StatusNormalClosure, "session closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return websocket.StatusGoingAway, "relay shutting down"
	default:
		return websocket.StatusInternalError, "upstream failure"
	}
}

func (s *Session) closeClient(code websocket.StatusCode, reason string) {
	closeWithin(s.cfg.closeTimeout(), func() error {
		return s.client.Close(code, reason)
	}, func() {
		_ = s.client.CloseNow()
	})
}

func (s *Session) closeUpstream() {
	closeWithin(s.cfg.closeTimeout(), func() error {
		if err := s.up.Close(); err != nil {
			s.log.Debug("relay: upstream close", "err", err)
		}
		return nil
	}, func() {
		s.log.Warn("relay: upstream close timed out")
	})
}

// closeWithin runs closeFn and calls force if it has not returned within d.
func closeWithin(d time.Duration, closeFn func() error, force func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = closeFn()
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		force()
	}
}
