// Package client implements the voxbridge talk client: it captures the
// microphone, streams PCM to a relay over WebSocket and plays the relayed
// answer back gaplessly while showing status and transcripts on a console.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/protocol"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audio/capture"
	"github.com/MrWong99/voxbridge/pkg/audio/device"
	"github.com/MrWong99/voxbridge/pkg/audio/playback"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	readLimit     = 1 << 20
	writeTimeout  = 5 * time.Second
	closeTimeout  = 3 * time.Second
	meterInterval = 250 * time.Millisecond
)

// Status lines shown on the console.
const (
	StatusConnecting   = "Connecting..."
	StatusReady        = "Connected - Ready to talk"
	StatusNotConnected = "Not connected to server"
	StatusRecording    = "Recording - Speak now..."
	StatusMuted        = "Muted (listening paused)"
	StatusStopped      = "Stopped"
	StatusListening    = "Listening..."
	StatusProcessing   = "Processing..."
	StatusIdle         = "Ready to talk"
	StatusClosed       = "Connection closed"
)

// errQuit ends Run without an error.
var errQuit = errors.New("client: quit")

// Devices opens the client's audio streams. [device.PortAudio] is the
// production implementation.
type Devices interface {
	OpenMic(rate, blockSize int, process func(in []float32)) (device.Stream, error)
	OpenSpeaker(rate, blockSize int, render func(out []float32)) (device.Stream, error)
}

// Stats is a snapshot of the client's counters.
type Stats struct {
	Capture   capture.Stats
	Received  int64
	Scheduled int64
	Dropped   int64
	Flushed   int64
	Pending   int

	// ReceivedAudio is the playback length of every received frame.
	ReceivedAudio time.Duration
}

// Option configures a [Client].
type Option func(*Client)

// WithConsole replaces the default console.
func WithConsole(c *Console) Option {
	return func(cl *Client) { cl.ui = c }
}

// WithDialOptions sets the websocket dial options.
func WithDialOptions(o *websocket.DialOptions) Option {
	return func(cl *Client) { cl.dialOpts = o }
}

// outFrame is one queued websocket write.
type outFrame struct {
	typ  websocket.MessageType
	data []byte
}

// sendQueue is the capture sink. It never blocks.
type sendQueue chan outFrame

func (q sendQueue) TrySend(f audio.Frame) bool {
	select {
	case q <- outFrame{typ: websocket.MessageBinary, data: f.Data}:
		return true
	default:
		return false
	}
}

// Client is one talk session against a relay.
type Client struct {
	cfg      config.ClientConfig
	devices  Devices
	ui       *Console
	dialOpts *websocket.DialOptions

	clock   *playback.FrameClock
	sched   *playback.Scheduler
	chunker *capture.Chunker
	out     sendQueue

	// mic is owned by the control loop.
	mic device.Stream

	connected  atomic.Bool
	recording  atomic.Bool
	received   atomic.Int64
	receivedNs atomic.Int64
	scheduled  atomic.Int64
	dropped    atomic.Int64
	flushed    atomic.Int64

	// aiText is owned by the receive loop.
	aiText string
}

// New creates a Client. cfg must have defaults applied.
func New(cfg config.ClientConfig, devices Devices, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		devices: devices,
		clock:   &playback.FrameClock{},
		out:     make(sendQueue, cfg.SendQueue),
	}
	for _, o := range opts {
		o(c)
	}
	if c.ui == nil {
		c.ui = NewConsole(io.Discard)
	}
	c.sched = playback.New(c.clock, playback.WithMaxSources(cfg.MaxSources))
	c.chunker = capture.New(cfg.DeviceRate, c.out,
		capture.WithPolicy(capture.Policy{MinSamples: cfg.MinChunkSamples}))
	return c
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	return Stats{
		Capture:       c.chunker.Stats(),
		Received:      c.received.Load(),
		ReceivedAudio: time.Duration(c.receivedNs.Load()),
		Scheduled:     c.scheduled.Load(),
		Dropped:       c.dropped.Load(),
		Flushed:       c.flushed.Load(),
		Pending:       c.sched.Pending(),
	}
}

// Run connects to the relay and serves commands until q, the command channel
// closing, the relay closing the connection, or ctx ending.
func (c *Client) Run(ctx context.Context, commands <-chan Command) error {
	c.ui.Status(StatusConnecting)
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, c.dialOpts)
	if err != nil {
		c.ui.Status(StatusNotConnected)
		return fmt.Errorf("client: dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(readLimit)
	slog.Info("connected to relay", "url", c.cfg.URL)

	speaker, err := c.devices.OpenSpeaker(audio.TransportRate, c.cfg.BlockSize/2, c.sched.Render)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "audio output unavailable")
		return err
	}
	defer speaker.Close()
	if err := speaker.Start(); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "audio output unavailable")
		return err
	}
	defer speaker.Stop()

	c.ui.Help()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.receive(gctx, conn) })
	g.Go(func() error { return c.send(gctx, conn) })
	g.Go(func() error { return c.control(gctx, commands) })
	err = g.Wait()
	c.stopMic()
	if errors.Is(err, errQuit) {
		c.flushQueue(conn)
	}

	if errors.Is(err, errQuit) || errors.Is(err, errRelayClosed) {
		err = nil
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = conn.Close(websocket.StatusNormalClosure, "client exit")
		close(done)
	}()
	select {
	case <-done:
	case <-closeCtx.Done():
		_ = conn.CloseNow()
	}
	return err
}

// ── Outbound ────────────────────────────────────────────────────────────────

// send writes queued frames in FIFO order, so control messages never
// overtake audio captured before them.
func (c *Client) send(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, f.typ, f.data)
			cancel()
			if err != nil {
				return fmt.Errorf("client: write: %w", err)
			}
		}
	}
}

// flushQueue writes whatever is still queued after a quit.
func (c *Client) flushQueue(conn *websocket.Conn) {
	for {
		select {
		case f := <-c.out:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := conn.Write(ctx, f.typ, f.data)
			cancel()
			if err != nil {
				slog.Debug("dropping queued frames on exit", "err", err)
				return
			}
		default:
			return
		}
	}
}

// sendControl enqueues a JSON message, blocking until there is room.
func (c *Client) sendControl(ctx context.Context, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	select {
	case c.out <- outFrame{typ: websocket.MessageText, data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Commands ────────────────────────────────────────────────────────────────

func (c *Client) control(ctx context.Context, commands <-chan Command) error {
	meter := time.NewTicker(meterInterval)
	defer meter.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-meter.C:
			if c.recording.Load() && c.chunker.Muted() {
				c.ui.Meter(c.chunker.Stats().Level, true)
			}
		case cmd, ok := <-commands:
			if !ok {
				return errQuit
			}
			if err := c.handleCommand(ctx, cmd); err != nil {
				return err
			}
		}
	}
}

func (c *Client) handleCommand(ctx context.Context, cmd Command) error {
	slog.Debug("command", "cmd", cmd.String())
	switch cmd {
	case CmdToggleRecording:
		if !c.connected.Load() {
			c.ui.Status(StatusNotConnected)
			return nil
		}
		if c.recording.Load() {
			return c.stopRecording(ctx)
		}
		return c.startRecording(ctx)

	case CmdToggleMute:
		muted := !c.chunker.Muted()
		c.chunker.SetMuted(muted)
		if err := c.sendControl(ctx, protocol.MuteState(muted)); err != nil {
			return err
		}
		if muted {
			c.ui.Status(StatusMuted)
		} else if c.recording.Load() {
			c.ui.Status(StatusRecording)
		}

	case CmdCancel:
		c.flushPlayback()
		return c.sendControl(ctx, protocol.Simple(protocol.TypeCancelResponse))

	case CmdQuit:
		if c.recording.Load() {
			if err := c.stopRecording(ctx); err != nil {
				return err
			}
		}
		return errQuit
	}
	return nil
}

func (c *Client) startRecording(ctx context.Context) error {
	c.chunker.SetMuted(false)
	if err := c.sendControl(ctx, protocol.Simple(protocol.TypeStartConversation)); err != nil {
		return err
	}
	mic, err := c.devices.OpenMic(c.cfg.DeviceRate, c.cfg.BlockSize, c.chunker.Process)
	if err != nil {
		c.ui.Status("Microphone error: " + err.Error())
		return c.sendControl(ctx, protocol.Simple(protocol.TypeStopConversation))
	}
	if err := mic.Start(); err != nil {
		_ = mic.Close()
		c.ui.Status("Microphone error: " + err.Error())
		return c.sendControl(ctx, protocol.Simple(protocol.TypeStopConversation))
	}
	c.mic = mic
	c.recording.Store(true)
	c.ui.Status(StatusRecording)
	return nil
}

func (c *Client) stopRecording(ctx context.Context) error {
	c.stopMic()
	c.recording.Store(false)
	c.ui.Status(StatusStopped)
	return c.sendControl(ctx, protocol.Simple(protocol.TypeStopConversation))
}

// stopMic stops capture before anything else is queued, so the last chunk
// precedes the stop message on the wire.
func (c *Client) stopMic() {
	if c.mic == nil {
		return
	}
	if err := c.mic.Stop(); err != nil {
		slog.Warn("stop microphone", "err", err)
	}
	if err := c.mic.Close(); err != nil {
		slog.Warn("close microphone", "err", err)
	}
	c.mic = nil
}

func (c *Client) flushPlayback() {
	if n := c.sched.Flush(); n > 0 {
		c.flushed.Add(int64(n))
	}
}

// ── Inbound ─────────────────────────────────────────────────────────────────

var errRelayClosed = errors.New("client: relay closed connection")

func (c *Client) receive(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.connected.Store(false)
			c.ui.Status(StatusClosed)
			if s := websocket.CloseStatus(err); s != -1 {
				slog.Info("relay closed connection", "code", s)
				return errRelayClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("client: read: %w", err)
		}
		if typ == websocket.MessageBinary {
			c.playAudio(data)
			continue
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			slog.Warn("ignoring malformed relay message", "err", err)
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) playAudio(pcm []byte) {
	f := audio.Frame{Data: pcm, SampleRate: audio.TransportRate, Channels: 1}
	c.received.Add(int64(len(pcm)))
	c.receivedNs.Add(int64(f.Duration()))
	src, err := c.sched.Schedule(f.Data)
	switch {
	case errors.Is(err, playback.ErrArenaFull):
		c.dropped.Add(1)
		slog.Debug("playback arena full, dropping frame", "bytes", len(pcm), "duration", f.Duration())
	case err != nil:
		slog.Warn("schedule audio", "err", err)
	case src.Frames > 0:
		c.scheduled.Add(1)
	}
}

func (c *Client) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeSession:
		c.connected.Store(true)
		c.ui.Status(StatusReady)
		if msg.Data != nil {
			slog.Info("session ready", "session_id", msg.Data.SessionID, "model", msg.Data.Model, "voice", msg.Data.Voice)
		}

	case protocol.TypeConversationStarted, protocol.TypeConversationStopped:
		slog.Debug("relay acknowledged", "type", msg.Type)

	case protocol.TypeSpeechStarted:
		c.flushPlayback()
		c.ui.Status(StatusListening)

	case protocol.TypeSpeechStopped:
		c.ui.Status(StatusProcessing)

	case protocol.TypeUserTranscript:
		c.ui.Line("You: " + msg.Transcript)

	case protocol.TypeAITranscriptDelta:
		c.aiText += msg.Delta

	case protocol.TypeAITranscriptDone:
		text := c.aiText
		if text == "" {
			text = msg.Transcript
		}
		c.ui.Line("AI: " + text)
		c.aiText = ""

	case protocol.TypeResponseDone:
		c.aiText = ""
		c.ui.Status(StatusIdle)

	case protocol.TypeError:
		text := "unknown error"
		if msg.Error != nil {
			text = msg.Error.Message
		}
		c.ui.Status("Error: " + text)

	default:
		slog.Debug("unknown relay message", "type", msg.Type)
	}
}
