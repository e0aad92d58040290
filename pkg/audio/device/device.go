// Package device opens the default PortAudio input and output streams used by
// the voxbridge client.
//
// Both streams run in callback mode: PortAudio invokes the supplied function
// on its own real-time thread once per block. Callbacks must not block or
// allocate heavily; the capture and playback packages are written for that.
package device

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Stream is a started-or-stopped audio stream.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// PortAudio opens streams on the system's default devices. The zero value is
// ready to use; call Init before opening any stream and Terminate when done.
type PortAudio struct {
	mu   sync.Mutex
	refs int
}

// Init initialises the PortAudio library. Calls nest.
func (p *PortAudio) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("device: initialize: %w", err)
		}
	}
	p.refs++
	return nil
}

// Terminate releases the library once every Init has been matched.
func (p *PortAudio) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs == 0 {
		return nil
	}
	p.refs--
	if p.refs > 0 {
		return nil
	}
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("device: terminate: %w", err)
	}
	return nil
}

// OpenMic opens a mono float32 capture stream at rate Hz delivering
// blockSize frames per callback to process.
func (p *PortAudio) OpenMic(rate, blockSize int, process func(in []float32)) (Stream, error) {
	s, err := portaudio.OpenDefaultStream(1, 0, float64(rate), blockSize, func(in []float32) {
		process(in)
	})
	if err != nil {
		return nil, fmt.Errorf("device: open input: %w", err)
	}
	return &stream{s: s, name: "input"}, nil
}

// OpenSpeaker opens a mono float32 output stream at rate Hz. render must fill
// the whole buffer on every callback.
func (p *PortAudio) OpenSpeaker(rate, blockSize int, render func(out []float32)) (Stream, error) {
	s, err := portaudio.OpenDefaultStream(0, 1, float64(rate), blockSize, func(out []float32) {
		render(out)
	})
	if err != nil {
		return nil, fmt.Errorf("device: open output: %w", err)
	}
	return &stream{s: s, name: "output"}, nil
}

type stream struct {
	s    *portaudio.Stream
	name string
}

func (s *stream) Start() error {
	if err := s.s.Start(); err != nil {
		return fmt.Errorf("device: start %s: %w", s.name, err)
	}
	return nil
}

func (s *stream) Stop() error {
	if err := s.s.Stop(); err != nil {
		return fmt.Errorf("device: stop %s: %w", s.name, err)
	}
	return nil
}

func (s *stream) Close() error {
	if err := s.s.Close(); err != nil {
		return fmt.Errorf("device: close %s: %w", s.name, err)
	}
	return nil
}
