package realtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DeltaKey identifies one audio delta independently of the channel it was
// delivered on. Seq counts deltas within one (ItemID, ContentIndex) part,
// starting at zero. Serial is unique and strictly increasing over the whole
// session, starting at one.
type DeltaKey struct {
	ItemID       string
	ContentIndex int
	Seq          int
	Serial       uint64
}

// Event is a transport-level event as seen through a [Session]. Key is set
// for audio deltas only.
type Event struct {
	ServerEvent
	Key DeltaKey
}

// UpdateKind distinguishes conversation updates.
type UpdateKind int

const (
	// UpdateAudio carries decoded assistant audio.
	UpdateAudio UpdateKind = iota
	// UpdateTranscript carries a fragment of the assistant transcript.
	UpdateTranscript
)

// Update is a high-level conversation update: assistant audio or transcript
// text attributed to a conversation item.
type Update struct {
	Kind       UpdateKind
	ResponseID string
	ItemID     string
	Key        DeltaKey
	Audio      []byte
	Text       string
}

// Config is the session configuration applied right after connect.
type Config struct {
	Params SessionParams
}

// Session is an SDK-style wrapper around [Conn]. It publishes every upstream
// event on [Session.Events] and, in parallel, assistant audio and transcript
// fragments on [Session.Updates]. The update stream is gated by the session's
// own recording flag: while the upstream reports user speech, no updates are
// produced. Both streams can carry the same audio delta; use [DeltaKey] to
// tell copies apart. A delta's transport copy is always published before its
// update copy.
type Session struct {
	conn    *Conn
	events  chan Event
	updates chan Update

	recording atomic.Bool

	mu   sync.Mutex
	info   SessionInfo
	seq    map[partKey]int
	serial uint64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type partKey struct {
	item    string
	content int
}

// Connect dials the realtime endpoint and applies cfg via session.update.
// The session is usable as soon as Connect returns; the upstream confirms the
// configuration with a session.updated event.
func Connect(ctx context.Context, apiKey string, cfg Config, opts ...Option) (*Session, error) {
	dc := newDialConfig(opts)
	conn, err := Dial(ctx, apiKey, opts...)
	if err != nil {
		return nil, err
	}
	if err := conn.UpdateSession(ctx, cfg.Params); err != nil {
		conn.Close()
		return nil, fmt.Errorf("realtime: session update: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:    conn,
		events:  make(chan Event, dc.buffer),
		updates: make(chan Update, dc.buffer),
		seq:     make(map[partKey]int),
		info:    SessionInfo{Model: conn.Model(), Voice: cfg.Params.Voice},
		ctx:     sessCtx,
		cancel:  cancel,
	}
	go s.pump()
	return s, nil
}

// Events returns the transport-level event stream. Closed when the
// connection ends.
func (s *Session) Events() <-chan Event { return s.events }

// Updates returns the conversation-level update stream. Closed when the
// connection ends.
func (s *Session) Updates() <-chan Update { return s.updates }

// Recording reports whether the upstream currently detects user speech.
func (s *Session) Recording() bool { return s.recording.Load() }

// Info returns the latest session description reported by the upstream.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Err returns the transport error that ended the session, if any.
func (s *Session) Err() error { return s.conn.Err() }

// SendAudio appends pcm to the upstream input buffer and, if commit is set,
// commits it.
func (s *Session) SendAudio(ctx context.Context, pcm []byte, commit bool) error {
	if err := s.conn.AppendAudio(ctx, pcm); err != nil {
		return err
	}
	if commit {
		return s.conn.CommitAudio(ctx)
	}
	return nil
}

// Interrupt cancels the in-progress response.
func (s *Session) Interrupt(ctx context.Context) error {
	return s.conn.CancelResponse(ctx)
}

// CreateResponse asks the upstream to start a new response.
func (s *Session) CreateResponse(ctx context.Context, instructions string) error {
	return s.conn.CreateResponse(ctx, instructions)
}

// Close ends the session. Idempotent.
func (s *Session) Close() error {
	s.cancel()
	return s.conn.Close()
}

func (s *Session) pump() {
	defer s.closeChannels()

	for evt := range s.conn.Events() {
		out := Event{ServerEvent: evt}

		switch evt.Type {
		case EventSessionCreated, EventSessionUpdated:
			if evt.Session != nil {
				s.mu.Lock()
				s.info = mergeInfo(s.info, *evt.Session)
				s.mu.Unlock()
			}
		case EventSpeechStarted:
			s.recording.Store(true)
		case EventSpeechStopped:
			s.recording.Store(false)
		case EventAudioDelta:
			out.Key = s.nextKey(evt.ItemID, evt.ContentIndex)
		case EventResponseDone:
			s.resetKeys()
		}

		if !s.publishEvent(out) {
			return
		}

		if s.recording.Load() {
			continue
		}
		switch evt.Type {
		case EventAudioDelta:
			pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
			if err != nil || len(pcm) == 0 {
				if err != nil {
					slog.Debug("realtime: undecodable audio delta", "item_id", evt.ItemID, "err", err)
				}
				continue
			}
			if !s.publishUpdate(Update{
				Kind:       UpdateAudio,
				ResponseID: evt.ResponseID,
				ItemID:     evt.ItemID,
				Key:        out.Key,
				Audio:      pcm,
			}) {
				return
			}
		case EventAudioTranscriptDelta:
			if evt.Delta == "" {
				continue
			}
			if !s.publishUpdate(Update{
				Kind:       UpdateTranscript,
				ResponseID: evt.ResponseID,
				ItemID:     evt.ItemID,
				Text:       evt.Delta,
			}) {
				return
			}
		}
	}
}

func (s *Session) nextKey(item string, content int) DeltaKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	pk := partKey{item: item, content: content}
	n := s.seq[pk]
	s.seq[pk] = n + 1
	s.serial++
	return DeltaKey{ItemID: item, ContentIndex: content, Seq: n, Serial: s.serial}
}

func (s *Session) resetKeys() {
	s.mu.Lock()
	clear(s.seq)
	s.mu.Unlock()
}

func (s *Session) publishEvent(e Event) bool {
	select {
	case s.events <- e:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) publishUpdate(u Update) bool {
	select {
	case s.updates <- u:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.events)
		close(s.updates)
	})
}

func mergeInfo(cur, next SessionInfo) SessionInfo {
	if next.ID != "" {
		cur.ID = next.ID
	}
	if next.Model != "" {
		cur.Model = next.Model
	}
	if next.Voice != "" {
		cur.Voice = next.Voice
	}
	if next.ExpiresAt != 0 {
		cur.ExpiresAt = next.ExpiresAt
	}
	return cur
}
