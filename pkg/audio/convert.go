package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

var warnUpsample sync.Once

// Decimate converts in from srcRate to dstRate by block averaging. Output
// sample i is the mean of the input samples whose index falls in
// [floor(i*src/dst), floor((i+1)*src/dst)), so the output length is
// floor(len(in)*dst/src).
//
// Upsampling is not supported: when dstRate > srcRate (or either rate is not
// positive) the input is returned unchanged. Empty input yields an empty,
// non-nil slice.
func Decimate(in []float32, srcRate, dstRate int) []float32 {
	if len(in) == 0 {
		return []float32{}
	}
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return in
	}
	if dstRate > srcRate {
		warnUpsample.Do(func() {
			slog.Warn("audio: target rate above source rate, passing samples through",
				"src_rate", srcRate,
				"dst_rate", dstRate,
			)
		})
		return in
	}

	src, dst := int64(srcRate), int64(dstRate)
	n := int(int64(len(in)) * dst / src)
	out := make([]float32, n)
	for i := range n {
		start := int(int64(i) * src / dst)
		end := min(int(int64(i+1)*src/dst), len(in))
		var sum float64
		for j := start; j < end; j++ {
			sum += float64(in[j])
		}
		if end > start {
			out[i] = float32(sum / float64(end-start))
		}
	}
	return out
}

// EncodePCM16 clamps each sample to [-1, 1] and maps it onto int16.
// Negative values scale by 32768 and non-negative values by 32767; the
// asymmetry matches [DecodePCM16] so a round trip stays within one step.
func EncodePCM16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		s = max(-1, min(1, s))
		if s < 0 {
			out[i] = int16(s * 0x8000)
		} else {
			out[i] = int16(s * 0x7FFF)
		}
	}
	return out
}

// DecodePCM16 is the inverse of [EncodePCM16].
func DecodePCM16(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		if s < 0 {
			out[i] = float32(s) / 0x8000
		} else {
			out[i] = float32(s) / 0x7FFF
		}
	}
	return out
}

// Int16ToBytes serialises samples as little-endian PCM16.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 parses little-endian PCM16. A trailing odd byte is ignored.
func BytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// EncodeFrame runs the whole capture conversion: decimate block from
// deviceRate to [TransportRate], quantise, and serialise. The result is empty
// when block is empty or decimates to zero samples.
func EncodeFrame(block []float32, deviceRate int) []byte {
	down := Decimate(block, deviceRate, TransportRate)
	if len(down) == 0 {
		return nil
	}
	return Int16ToBytes(EncodePCM16(down))
}
