// Package realtime is a client for the OpenAI Realtime event protocol.
//
// Two layers are provided. [Conn] is the raw transport: one WebSocket, JSON
// client events out, decoded [ServerEvent]s in on a single channel. [Session]
// wraps a Conn the way vendor SDKs do, exposing a high-level conversation
// update stream alongside the transport-level event stream.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
)

const (
	// DefaultModel is the realtime model used when none is configured.
	DefaultModel   = "gpt-4o-realtime-preview-2025-06-03"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultBuffer  = 256
)

// ErrClosed is returned by send operations after the connection is closed.
var ErrClosed = errors.New("realtime: connection closed")

// ── Options ────────────────────────────────────────────────────────────────────

type dialConfig struct {
	model   string
	baseURL string
	buffer  int
	header  http.Header
}

// Option is a functional option for [Dial] and [Connect].
type Option func(*dialConfig)

// WithModel sets the realtime model requested in the dial URL.
func WithModel(model string) Option {
	return func(c *dialConfig) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(c *dialConfig) { c.baseURL = u }
}

// WithEventBuffer sets the capacity of the event channel(s).
func WithEventBuffer(n int) Option {
	return func(c *dialConfig) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// WithHeader adds an extra HTTP header to the dial request.
func WithHeader(key, value string) Option {
	return func(c *dialConfig) { c.header.Add(key, value) }
}

func newDialConfig(opts []Option) dialConfig {
	cfg := dialConfig{
		model:   DefaultModel,
		baseURL: defaultBaseURL,
		buffer:  defaultBuffer,
		header:  http.Header{},
	}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

func (c dialConfig) url() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", c.model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ── Conn ───────────────────────────────────────────────────────────────────────

// Conn is a raw realtime connection. All send methods are safe for concurrent
// use. Events are delivered in arrival order on a single channel that is
// closed when the connection ends.
type Conn struct {
	ws     *websocket.Conn
	model  string
	events chan ServerEvent

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens a realtime connection authenticated with apiKey.
func Dial(ctx context.Context, apiKey string, opts ...Option) (*Conn, error) {
	cfg := newDialConfig(opts)
	wsURL, err := cfg.url()
	if err != nil {
		return nil, fmt.Errorf("realtime: parse url: %w", err)
	}

	header := cfg.header.Clone()
	header.Set("Authorization", "Bearer "+apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	// Audio deltas routinely exceed the default 32 KiB read limit.
	ws.SetReadLimit(16 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:     ws,
		model:  cfg.model,
		events: make(chan ServerEvent, cfg.buffer),
		ctx:    connCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.receiveLoop()
	return c, nil
}

// Model returns the model requested at dial time.
func (c *Conn) Model() string { return c.model }

// Events returns the server event stream. The channel is closed when the
// connection ends; [Conn.Err] then reports why.
func (c *Conn) Events() <-chan ServerEvent { return c.events }

// Err returns the first transport error, or nil after a clean close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// UpdateSession sends session.update.
func (c *Conn) UpdateSession(ctx context.Context, params SessionParams) error {
	return c.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

// AppendAudio sends one input_audio_buffer.append with pcm base64-encoded.
// Empty input is skipped.
func (c *Conn) AppendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return c.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitAudio sends input_audio_buffer.commit.
func (c *Conn) CommitAudio(ctx context.Context) error {
	return c.writeJSON(ctx, typeOnlyMessage{Type: "input_audio_buffer.commit"})
}

// CancelResponse sends response.cancel.
func (c *Conn) CancelResponse(ctx context.Context) error {
	return c.writeJSON(ctx, typeOnlyMessage{Type: "response.cancel"})
}

// CreateResponse sends response.create, optionally overriding the session
// instructions for this one response.
func (c *Conn) CreateResponse(ctx context.Context, instructions string) error {
	msg := responseCreateMessage{Type: "response.create"}
	if instructions != "" {
		msg.Response = &responseParams{Instructions: instructions}
	}
	return c.writeJSON(ctx, msg)
}

// Close terminates the connection and waits for the receive loop to exit.
// Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	<-c.done
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *Conn) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || c.ctx.Err() != nil {
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// receiveLoop reads events from the WebSocket and publishes them.
// It owns the events channel and closes it when it exits.
func (c *Conn) receiveLoop() {
	defer c.closeChannels()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.setErr(err)
			}
			return
		}

		evt, err := DecodeServerEvent(data)
		if err != nil {
			slog.Debug("realtime: skipping undecodable event", "err", err)
			continue
		}

		select {
		case c.events <- evt:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

func (c *Conn) closeChannels() {
	c.closeOnce.Do(func() {
		close(c.events)
		close(c.done)
	})
}
