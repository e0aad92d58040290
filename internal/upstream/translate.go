package upstream

import (
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/realtime"
)

// core holds the state shared by both adapter variants: the outgoing event
// channel, the session description and interrupt bookkeeping.
type core struct {
	events chan Event
	ttl    time.Duration
	now    func() time.Time

	// cancels lists the origins of response.cancel requests whose outcome
	// has not been seen yet, oldest first. The upstream answers cancels in
	// order, each with a cancelled response.done or a not-active error.
	cancelMu sync.Mutex
	cancels  []cancelOrigin

	mu   sync.Mutex
	info SessionInfo

	done      chan struct{}
	closeOnce sync.Once
}

func newCore(cfg Config, model string) *core {
	return &core{
		events: make(chan Event, cfg.eventBuffer()),
		ttl:    cfg.ttl(),
		now:    time.Now,
		info:   SessionInfo{Model: model, Voice: cfg.Voice},
		done:   make(chan struct{}),
	}
}

// Events implements [Adapter].
func (c *core) Events() <-chan Event { return c.events }

// Info implements [Adapter].
func (c *core) Info() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// emit publishes e unless the adapter is shutting down.
func (c *core) emit(e Event) bool {
	select {
	case c.events <- e:
		return true
	case <-c.done:
		return false
	}
}

func (c *core) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *core) noteSession(s *realtime.SessionInfo) SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s != nil {
		if s.ID != "" {
			c.info.ID = s.ID
		}
		if s.Model != "" {
			c.info.Model = s.Model
		}
		if s.Voice != "" {
			c.info.Voice = s.Voice
		}
		if s.ExpiresAt > 0 {
			c.info.ExpiresAt = time.Unix(s.ExpiresAt, 0)
		}
	}
	if c.info.ExpiresAt.IsZero() {
		c.info.ExpiresAt = c.now().Add(c.ttl)
	}
	return c.info
}

// translate maps one upstream event onto the internal set. The second
// result is false for events that have no internal counterpart.
func (c *core) translate(evt realtime.ServerEvent) (Event, bool) {
	switch evt.Type {
	case realtime.EventSessionCreated:
		info := c.noteSession(evt.Session)
		slog.Debug("upstream: session created", "upstream_session", info.ID, "model", info.Model)
		return Event{}, false

	case realtime.EventSessionUpdated:
		return Event{Kind: KindSessionReady, Session: c.noteSession(evt.Session)}, true

	case realtime.EventSpeechStarted:
		return Event{Kind: KindSpeechStarted, ItemID: evt.ItemID}, true

	case realtime.EventSpeechStopped:
		return Event{Kind: KindSpeechStopped, ItemID: evt.ItemID}, true

	case realtime.EventInputTranscriptionDone:
		return Event{Kind: KindUserTranscript, ItemID: evt.ItemID, Text: evt.Transcript}, true

	case realtime.EventInputTranscriptionFailed:
		slog.Warn("upstream: input transcription failed", "item_id", evt.ItemID, "err", errMessage(evt))
		return Event{}, false

	case realtime.EventAudioTranscriptDelta:
		if evt.Delta == "" {
			return Event{}, false
		}
		return Event{Kind: KindTranscriptDelta, ResponseID: evt.ResponseID, ItemID: evt.ItemID, Text: evt.Delta}, true

	case realtime.EventAudioTranscriptDone:
		return Event{Kind: KindTranscriptDone, ResponseID: evt.ResponseID, ItemID: evt.ItemID, Text: evt.Transcript}, true

	case realtime.EventResponseCreated:
		id := evt.ResponseID
		if evt.Response != nil {
			id = evt.Response.ID
		}
		return Event{Kind: KindResponseCreated, ResponseID: id}, true

	case realtime.EventAudioDelta:
		pcm, ok := decodeAudio(evt)
		if !ok {
			return Event{}, false
		}
		return Event{Kind: KindAudioDelta, ResponseID: evt.ResponseID, ItemID: evt.ItemID, Audio: pcm}, true

	case realtime.EventResponseDone:
		e := Event{Kind: KindTurnDone, ResponseID: evt.ResponseID}
		if evt.Response != nil {
			e.ResponseID = evt.Response.ID
			e.Status = evt.Response.Status
		}
		if e.Status == "cancelled" {
			c.settleCancel()
		}
		return e, true

	case realtime.EventError:
		if evt.Error != nil && evt.Error.Code == realtime.ErrCodeCancelNotActive {
			if o, ok := c.settleCancel(); ok && o == originInterrupt {
				slog.Debug("upstream: interrupt found no active response")
				return Event{}, false
			}
		}
		info := &ErrorInfo{Message: "unknown upstream error"}
		if evt.Error != nil {
			info = &ErrorInfo{Type: evt.Error.Type, Code: evt.Error.Code, Message: evt.Error.Message}
		}
		return Event{Kind: KindError, Err: info}, true

	case realtime.EventInputCommitted,
		realtime.EventInputCleared,
		realtime.EventItemCreated,
		realtime.EventOutputItemAdded,
		realtime.EventOutputItemDone,
		realtime.EventContentPartAdded,
		realtime.EventContentPartDone,
		realtime.EventAudioDone,
		realtime.EventTextDelta,
		realtime.EventTextDone,
		realtime.EventRateLimitsUpdated,
		realtime.EventOutputAudioBufferCleared,
		realtime.EventFunctionCallArgumentsDelta,
		realtime.EventFunctionCallArgumentsDone:
		return Event{}, false

	default:
		slog.Debug("upstream: ignoring unknown event", "type", string(evt.Type))
		return Event{}, false
	}
}

// cancelOrigin records who asked for a response.cancel.
type cancelOrigin uint8

const (
	// originInterrupt is a best-effort cancel issued on barge-in.
	originInterrupt cancelOrigin = iota
	// originClient is an explicit cancel requested by the client.
	originClient
)

// cancel records a pending cancel of origin o and runs send. A failed send
// leaves no pending entry behind.
func (c *core) cancel(o cancelOrigin, send func() error) error {
	c.cancelMu.Lock()
	c.cancels = append(c.cancels, o)
	c.cancelMu.Unlock()

	if err := send(); err != nil {
		c.cancelMu.Lock()
		if n := len(c.cancels); n > 0 {
			c.cancels = c.cancels[:n-1]
		}
		c.cancelMu.Unlock()
		return err
	}
	return nil
}

// settleCancel consumes the oldest pending cancel and returns its origin.
func (c *core) settleCancel() (cancelOrigin, bool) {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if len(c.cancels) == 0 {
		return 0, false
	}
	o := c.cancels[0]
	c.cancels = c.cancels[1:]
	return o, true
}

// pendingCancels returns the number of cancels awaiting an outcome.
func (c *core) pendingCancels() int {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	return len(c.cancels)
}

func decodeAudio(evt realtime.ServerEvent) ([]byte, bool) {
	if evt.Delta == "" {
		return nil, false
	}
	pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
	if err != nil {
		slog.Debug("upstream: undecodable audio delta", "item_id", evt.ItemID, "err", err)
		return nil, false
	}
	return pcm, len(pcm) > 0
}

func errMessage(evt realtime.ServerEvent) string {
	if evt.Error != nil {
		return evt.Error.Message
	}
	return ""
}
