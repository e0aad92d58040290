package playback

import "sync/atomic"

// Clock is a monotonic audio clock measured in sample frames at the
// scheduler's rate.
type Clock interface {
	Now() int64
}

// FrameClock counts frames handed to an output device. It is the clock a
// [Scheduler] uses when it also drives rendering via [Scheduler.Render].
type FrameClock struct {
	frames atomic.Int64
}

// Now returns the number of frames rendered so far.
func (c *FrameClock) Now() int64 { return c.frames.Load() }

// Advance moves the clock forward by n frames.
func (c *FrameClock) Advance(n int64) { c.frames.Add(n) }
