// Package capture turns raw microphone callback blocks into transport-ready
// PCM16 chunks.
//
// A [Chunker] is driven from the audio device's callback goroutine. Per
// callback it measures the block level, decimates and quantises the block to
// [audio.TransportRate], applies a minimum chunk [Policy] and hands finished
// chunks to a [Sink] without ever blocking. Muting suppresses forwarding only;
// metering keeps running so a UI can still show input levels.
package capture

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// MinBatchedSamples is the hold-back size of [Batched]: 100 ms at 24 kHz.
var MinBatchedSamples = audio.BytesFor(100*time.Millisecond, audio.TransportRate) / audio.BytesPerSample

// Policy decides when accumulated samples are forwarded.
type Policy struct {
	// MinSamples is the minimum number of transport-rate samples a chunk must
	// hold before it is forwarded. Zero forwards every non-empty chunk.
	MinSamples int
}

var (
	// Immediate forwards every non-empty chunk as soon as it is encoded.
	Immediate = Policy{}

	// Batched withholds chunks until at least 100 ms of audio is queued.
	Batched = Policy{MinSamples: MinBatchedSamples}
)

// Sink accepts finished chunks as transport-rate frames. TrySend must not
// block; it returns false when the frame could not be queued.
type Sink interface {
	TrySend(f audio.Frame) bool
}

// ChanSink is a [Sink] backed by a buffered channel. A full channel drops the
// frame.
type ChanSink chan<- audio.Frame

// TrySend implements [Sink].
func (s ChanSink) TrySend(f audio.Frame) bool {
	select {
	case s <- f:
		return true
	default:
		return false
	}
}

// Stats is a snapshot of a Chunker's counters.
type Stats struct {
	Blocks  int64
	Sent    int64
	Dropped int64
	// Audio is the total duration of the frames handed to the sink.
	Audio   time.Duration
	Level   audio.Level
}

// Option configures a [Chunker].
type Option func(*Chunker)

// WithPolicy sets the minimum chunk policy. The default is [Immediate].
func WithPolicy(p Policy) Option {
	return func(c *Chunker) { c.policy = p }
}

// WithLevelHook registers fn to receive the level of every processed block,
// muted or not. fn runs on the callback goroutine and must not block.
func WithLevelHook(fn func(audio.Level)) Option {
	return func(c *Chunker) { c.onLevel = fn }
}

// Chunker batches encoded capture blocks. Process must be called from a
// single goroutine; SetMuted, Muted and Stats are safe from any goroutine.
type Chunker struct {
	deviceRate int
	policy     Policy
	sink       Sink
	onLevel    func(audio.Level)

	// pending is the capture buffer, starting at sample pendingAt of the
	// encoded stream; position counts every encoded sample. Only Process
	// touches them.
	pending   []byte
	pendingAt int64
	position  int64

	muted   atomic.Bool
	blocks  atomic.Int64
	sent    atomic.Int64
	dropped atomic.Int64
	audio   atomic.Int64
	level   atomic.Pointer[audio.Level]
}

// New creates a Chunker for blocks captured at deviceRate that forwards to
// sink.
func New(deviceRate int, sink Sink, opts ...Option) *Chunker {
	c := &Chunker{
		deviceRate: deviceRate,
		sink:       sink,
	}
	for _, o := range opts {
		o(c)
	}
	c.level.Store(&audio.Level{})
	return c
}

// SetMuted toggles forwarding. While muted, blocks are still encoded and
// metered but nothing reaches the sink, and any partially batched chunk is
// discarded.
func (c *Chunker) SetMuted(muted bool) { c.muted.Store(muted) }

// Muted reports the current mute state.
func (c *Chunker) Muted() bool { return c.muted.Load() }

// Stats returns a snapshot of the chunker's counters.
func (c *Chunker) Stats() Stats {
	return Stats{
		Blocks:  c.blocks.Load(),
		Sent:    c.sent.Load(),
		Dropped: c.dropped.Load(),
		Audio:   time.Duration(c.audio.Load()),
		Level:   *c.level.Load(),
	}
}

// Process handles one callback block.
func (c *Chunker) Process(block []float32) {
	c.blocks.Add(1)

	lvl := audio.MeasureLevel(block)
	c.level.Store(&lvl)
	if c.onLevel != nil {
		c.onLevel(lvl)
	}

	pcm := audio.EncodeFrame(block, c.deviceRate)
	if len(pcm) == 0 {
		return
	}
	at := c.position
	c.position += int64(len(pcm) / audio.BytesPerSample)

	if c.muted.Load() {
		c.pending = c.pending[:0]
		return
	}

	if len(c.pending) == 0 {
		c.pendingAt = at
	}
	c.pending = append(c.pending, pcm...)
	f := audio.Frame{
		Data:       c.pending,
		SampleRate: audio.TransportRate,
		Channels:   1,
		Timestamp:  time.Duration(c.pendingAt) * time.Second / audio.TransportRate,
	}
	if f.Samples() < c.policy.MinSamples {
		return
	}

	c.pending = nil
	if !c.sink.TrySend(f) {
		c.dropped.Add(1)
		slog.Debug("capture: send queue full, dropping chunk", "bytes", len(f.Data), "at", f.Timestamp)
		return
	}
	c.sent.Add(1)
	c.audio.Add(int64(f.Duration()))
	if lvl.HasSound() {
		slog.Debug("capture: chunk queued", "bytes", len(f.Data), "duration", f.Duration(), "peak", lvl.Peak)
	} else {
		slog.Debug("capture: silent chunk queued", "bytes", len(f.Data), "duration", f.Duration())
	}
}
