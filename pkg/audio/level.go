package audio

import "math"

// SilenceThreshold is the absolute amplitude above which a capture block is
// considered to contain sound. It only feeds diagnostics; silent blocks are
// still transmitted.
const SilenceThreshold = 0.001

// Level summarises the loudness of a block of float samples.
type Level struct {
	// Peak is the largest absolute sample value.
	Peak float32

	// RMS is the root mean square of the block.
	RMS float32
}

// HasSound reports whether the block's peak exceeds [SilenceThreshold].
func (l Level) HasSound() bool { return l.Peak > SilenceThreshold }

// MeasureLevel computes the peak and RMS of in. An empty block is silent.
func MeasureLevel(in []float32) Level {
	if len(in) == 0 {
		return Level{}
	}
	var peak float32
	var sum float64
	for _, s := range in {
		a := s
		if a < 0 {
			a = -a
		}
		peak = max(peak, a)
		sum += float64(s) * float64(s)
	}
	return Level{
		Peak: peak,
		RMS:  float32(math.Sqrt(sum / float64(len(in)))),
	}
}
