package capture_test

import (
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audio/capture"
)

// recordingSink collects every frame and optionally refuses them.
type recordingSink struct {
	frames []audio.Frame
	chunks [][]byte
	refuse bool
}

func (s *recordingSink) TrySend(f audio.Frame) bool {
	if s.refuse {
		return false
	}
	s.frames = append(s.frames, f)
	s.chunks = append(s.chunks, f.Data)
	return true
}

func tone(n int, amp float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = amp
		} else {
			out[i] = -amp
		}
	}
	return out
}

func TestChunker_ImmediateSendsEveryBlock(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	c := capture.New(48000, sink)

	for range 3 {
		c.Process(tone(4096, 0.2))
	}
	if len(sink.chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(sink.chunks))
	}
	for i, ch := range sink.chunks {
		if len(ch) != 2048*audio.BytesPerSample {
			t.Errorf("chunk %d = %d bytes, want %d", i, len(ch), 2048*audio.BytesPerSample)
		}
	}
}

func TestChunker_SilenceIsStillSent(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	c := capture.New(48000, sink)
	c.Process(make([]float32, 4096))
	if len(sink.chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(sink.chunks))
	}
	if c.Stats().Level.HasSound() {
		t.Error("silent block metered as sound")
	}
}

func TestChunker_BatchedHoldsUntilMinimum(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	if capture.MinBatchedSamples != 2400 {
		t.Fatalf("MinBatchedSamples = %d, want 2400", capture.MinBatchedSamples)
	}
	// 1024 samples @48k → 512 samples @24k per block; 2400 needs 5 blocks.
	c := capture.New(48000, sink, capture.WithPolicy(capture.Batched))

	for i := range 4 {
		c.Process(tone(1024, 0.1))
		if len(sink.chunks) != 0 {
			t.Fatalf("after block %d: chunks = %d, want 0", i+1, len(sink.chunks))
		}
	}
	c.Process(tone(1024, 0.1))
	if len(sink.chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(sink.chunks))
	}
	if got := len(sink.chunks[0]) / audio.BytesPerSample; got != 2560 {
		t.Errorf("chunk samples = %d, want 2560", got)
	}
}

func TestChunker_MutedSuppressesButMeters(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	var levels int
	c := capture.New(48000, sink, capture.WithLevelHook(func(audio.Level) { levels++ }))

	c.SetMuted(true)
	for range 5 {
		c.Process(tone(4096, 0.5))
	}
	if len(sink.chunks) != 0 {
		t.Fatalf("muted chunker sent %d chunks", len(sink.chunks))
	}
	if levels != 5 {
		t.Errorf("level hook ran %d times, want 5", levels)
	}
	st := c.Stats()
	if st.Blocks != 5 {
		t.Errorf("blocks = %d, want 5", st.Blocks)
	}
	if st.Level.Peak != 0.5 {
		t.Errorf("level peak = %v, want 0.5", st.Level.Peak)
	}

	c.SetMuted(false)
	c.Process(tone(4096, 0.5))
	if len(sink.chunks) != 1 {
		t.Fatalf("after unmute: chunks = %d, want 1", len(sink.chunks))
	}
}

func TestChunker_MuteDiscardsPartialBatch(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	c := capture.New(48000, sink, capture.WithPolicy(capture.Batched))

	c.Process(tone(4096, 0.1)) // 2048 samples pending
	c.SetMuted(true)
	c.Process(tone(4096, 0.1))
	c.SetMuted(false)
	c.Process(tone(1024, 0.1)) // 512 samples, below the minimum again
	if len(sink.chunks) != 0 {
		t.Fatalf("chunks = %d, want 0", len(sink.chunks))
	}
}

func TestChunker_FullSinkDrops(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{refuse: true}
	c := capture.New(48000, sink)
	c.Process(tone(4096, 0.1))
	if st := c.Stats(); st.Dropped != 1 || st.Sent != 0 {
		t.Errorf("stats = %+v, want 1 dropped, 0 sent", st)
	}
}

func TestChanSink_NonBlocking(t *testing.T) {
	t.Parallel()
	ch := make(chan audio.Frame, 1)
	s := capture.ChanSink(ch)
	if !s.TrySend(audio.Frame{Data: []byte{1, 0}}) {
		t.Fatal("first TrySend failed")
	}
	if s.TrySend(audio.Frame{Data: []byte{2, 0}}) {
		t.Fatal("TrySend on full channel returned true")
	}
}

func TestChunker_EmptyBlockIgnored(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	c := capture.New(48000, sink)
	c.Process(nil)
	c.Process([]float32{0.1}) // decimates to zero samples
	if len(sink.chunks) != 0 {
		t.Fatalf("chunks = %d, want 0", len(sink.chunks))
	}
}

func TestChunker_FrameTimestamps(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	c := capture.New(48000, sink)

	// Each 4096-sample block at 48 kHz becomes 2048 transport samples.
	block := time.Duration(2048) * time.Second / audio.TransportRate
	c.Process(tone(4096, 0.1))
	c.SetMuted(true)
	c.Process(tone(4096, 0.1))
	c.SetMuted(false)
	c.Process(tone(4096, 0.1))

	if len(sink.frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(sink.frames))
	}
	for i, want := range []time.Duration{0, 2 * block} {
		f := sink.frames[i]
		if f.Timestamp != want {
			t.Errorf("frame %d timestamp = %v, want %v", i, f.Timestamp, want)
		}
		if f.SampleRate != audio.TransportRate || f.Channels != 1 {
			t.Errorf("frame %d format = %d Hz x%d", i, f.SampleRate, f.Channels)
		}
		if f.Duration() != block {
			t.Errorf("frame %d duration = %v, want %v", i, f.Duration(), block)
		}
	}
	if got := c.Stats().Audio; got != 2*block {
		t.Errorf("stats audio = %v, want %v", got, 2*block)
	}
}
