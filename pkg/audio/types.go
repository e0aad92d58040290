// Package audio holds the PCM primitives shared by the capture, relay and
// playback sides of voxbridge.
//
// All audio on the wire is little-endian signed 16-bit mono PCM at
// [TransportRate]. Capture devices usually run at 48 kHz float32; the helpers
// in this package decimate and quantise that into transport frames and turn
// transport frames back into float32 for playback.
package audio

import "time"

const (
	// TransportRate is the sample rate of every PCM frame exchanged between
	// the client, the relay and the upstream service.
	TransportRate = 24000

	// BytesPerSample is the width of one PCM16 sample.
	BytesPerSample = 2
)

// Frame is one immutable chunk of PCM16 audio. Frames are owned by whichever
// stage produced them last and must not be mutated after being handed on.
type Frame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz. Always TransportRate for frames on the wire.
	SampleRate int

	// Channels is 1 everywhere in voxbridge.
	Channels int

	// Timestamp marks when this frame was produced, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel in f.
func (f Frame) Samples() int {
	if f.Channels <= 0 {
		return len(f.Data) / BytesPerSample
	}
	return len(f.Data) / (BytesPerSample * f.Channels)
}

// Duration returns the playback length of f.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// BytesFor returns the number of PCM16 mono bytes covering d at rate.
func BytesFor(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second) * BytesPerSample)
}
