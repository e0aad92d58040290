package relay

import (
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// DefaultFlushThreshold is 100 ms of PCM16 mono at 24 kHz.
var DefaultFlushThreshold = audio.BytesFor(100*time.Millisecond, audio.TransportRate)

// Accumulator batches inbound PCM bytes into upstream appends. It is not
// safe for concurrent use.
type Accumulator struct {
	buf       []byte
	threshold int
}

// NewAccumulator returns an Accumulator that flushes once it holds at least
// threshold bytes. A non-positive threshold selects [DefaultFlushThreshold].
func NewAccumulator(threshold int) *Accumulator {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	return &Accumulator{threshold: threshold, buf: make([]byte, 0, 2*threshold)}
}

// Add appends p. When the threshold is reached the whole buffer is returned
// and the accumulator is left empty; otherwise Add returns nil.
func (a *Accumulator) Add(p []byte) []byte {
	a.buf = append(a.buf, p...)
	if len(a.buf) < a.threshold {
		return nil
	}
	return a.take()
}

// Flush returns whatever is buffered, or nil, and leaves the accumulator
// empty.
func (a *Accumulator) Flush() []byte {
	if len(a.buf) == 0 {
		return nil
	}
	return a.take()
}

// Reset discards buffered bytes.
func (a *Accumulator) Reset() { a.buf = a.buf[:0] }

// Len returns the number of buffered bytes.
func (a *Accumulator) Len() int { return len(a.buf) }

// Threshold returns the flush threshold in bytes.
func (a *Accumulator) Threshold() int { return a.threshold }

// take hands the buffer to the caller and starts a fresh one.
func (a *Accumulator) take() []byte {
	out := a.buf
	a.buf = make([]byte, 0, 2*a.threshold)
	return out
}
