// Package playback schedules inbound PCM frames for gapless output.
//
// The [Scheduler] keeps a single cursor, the frame at which the last queued
// source ends. Every new frame starts at max(cursor, now) and pushes the
// cursor forward by its length, so frames play back to back in arrival order
// without the sender attaching timestamps. Sources live in a fixed-size
// arena indexed by their monotonic id and are reclaimed on completion.
package playback

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// DefaultMaxSources bounds the number of frames that may be queued at once.
const DefaultMaxSources = 512

// ErrArenaFull is returned by [Scheduler.Schedule] when every arena slot
// holds a pending source. The frame is dropped.
var ErrArenaFull = errors.New("playback: source arena full")

// Source is a scheduled buffer. Times are in frames at the scheduler rate.
type Source struct {
	ID     uint64
	Start  int64
	Frames int64
}

// End returns the frame at which s finishes.
func (s Source) End() int64 { return s.Start + s.Frames }

type slot struct {
	src     Source
	samples []float32
	used    bool
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithMaxSources sets the arena size. Values below 1 are ignored.
func WithMaxSources(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxSources = n
		}
	}
}

// Scheduler is safe for concurrent use: Schedule is typically called from the
// network receive goroutine and Render from the device callback.
type Scheduler struct {
	clock      Clock
	rate       int
	maxSources int

	mu      sync.Mutex
	started bool
	cursor  int64
	nextID  uint64
	slots   []slot
	pending int
}

// New creates a Scheduler reading time from clock.
func New(clock Clock, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:      clock,
		rate:       audio.TransportRate,
		maxSources: DefaultMaxSources,
		nextID:     1,
	}
	for _, o := range opts {
		o(s)
	}
	s.slots = make([]slot, s.maxSources)
	return s
}

// Rate returns the playback rate in Hz.
func (s *Scheduler) Rate() int { return s.rate }

// Seconds converts a frame count at the scheduler rate to seconds.
func (s *Scheduler) Seconds(frames int64) float64 {
	return float64(frames) / float64(s.rate)
}

// staleWindow is the 0.5 s horizon used for cursor recovery.
func (s *Scheduler) staleWindow() int64 { return int64(s.rate / 2) }

// Schedule decodes pcm and queues it at max(cursor, now). An empty frame is
// skipped and yields a zero Source with a nil error.
func (s *Scheduler) Schedule(pcm []byte) (Source, error) {
	samples := audio.DecodePCM16(audio.BytesToInt16(pcm))
	if len(samples) == 0 {
		return Source{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if !s.started {
		s.cursor = now
		s.started = true
	}

	idx := int(s.nextID % uint64(s.maxSources))
	if s.slots[idx].used {
		return Source{}, ErrArenaFull
	}

	src := Source{
		ID:     s.nextID,
		Start:  max(s.cursor, now),
		Frames: int64(len(samples)),
	}
	s.nextID++
	s.slots[idx] = slot{src: src, samples: samples, used: true}
	s.pending++
	s.cursor = src.End()
	return src, nil
}

// Complete reclaims the source with the given id. When nothing else is
// pending and the cursor lies within half a second of now, the cursor is
// pulled back to now so the next frame starts immediately.
//
// Render completes sources only once their last frame has been rendered, so
// on that path the cursor is already at or before now and the reset merely
// clamps it. It moves the cursor only when a caller completes a source early,
// for example one it abandoned before playback reached its end.
func (s *Scheduler) Complete(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeLocked(id, s.clock.Now())
}

func (s *Scheduler) completeLocked(id uint64, now int64) {
	idx := int(id % uint64(s.maxSources))
	sl := &s.slots[idx]
	if !sl.used || sl.src.ID != id {
		return
	}
	*sl = slot{}
	s.pending--

	if s.pending == 0 && now+s.staleWindow() > s.cursor {
		s.cursor = now
	}
}

// Flush drops every pending source and resets the cursor to now.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.pending
	clear(s.slots)
	s.pending = 0
	s.cursor = s.clock.Now()
	if n > 0 {
		slog.Debug("playback: flushed pending sources", "count", n)
	}
	return n
}

// Pending returns the number of sources not yet completed.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Cursor returns the frame at which the next source would start if now were
// earlier than it.
func (s *Scheduler) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// advancer is implemented by clocks that rendering moves forward.
type advancer interface {
	Advance(n int64)
}

// Render mixes every source overlapping [now, now+len(out)) into out,
// advances the clock when it is a [FrameClock] and completes sources that
// have finished. It is meant to be called from the output device callback.
func (s *Scheduler) Render(out []float32) {
	clear(out)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	end := now + int64(len(out))
	var done []uint64
	for i := range s.slots {
		sl := &s.slots[i]
		if !sl.used {
			continue
		}
		from := max(sl.src.Start, now)
		to := min(sl.src.End(), end)
		for f := from; f < to; f++ {
			out[f-now] += sl.samples[f-sl.src.Start]
		}
		if sl.src.End() <= end {
			done = append(done, sl.src.ID)
		}
	}
	for i, v := range out {
		out[i] = max(-1, min(1, v))
	}

	if a, ok := s.clock.(advancer); ok {
		a.Advance(int64(len(out)))
	}
	// Everything up to end has been rendered.
	for _, id := range done {
		s.completeLocked(id, end)
	}
}
