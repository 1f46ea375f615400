package audio

import (
	"encoding/binary"
	"math"
)

// Float32LE encodes interleaved float32 samples as little-endian bytes, the
// wire format of float PCM devices. dst must hold at least 4·len(src) bytes.
// Returns the number of bytes written.
func Float32LE(dst []byte, src []float32) int {
	n := 0
	for _, s := range src {
		binary.LittleEndian.PutUint32(dst[n:], math.Float32bits(s))
		n += 4
	}
	return n
}

// Float32FromLE decodes little-endian float32 PCM bytes into samples.
// Trailing bytes that do not form a whole sample are ignored. dst must hold
// at least len(src)/4 samples. Returns the number of samples written.
func Float32FromLE(dst []float32, src []byte) int {
	n := len(src) / 4
	for i := 0; i < n; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return n
}

// Silence zeroes dst. Use this to fulfil an output callback that has nothing
// to play; callbacks must always write their full buffer.
func Silence(dst []float32) {
	for i := range dst {
		dst[i] = 0
	}
}

// ApplyGain scales every sample in buf by gain in place.
func ApplyGain(buf []float32, gain float32) {
	if gain == 1 {
		return
	}
	for i := range buf {
		buf[i] *= gain
	}
}

// Clamp limits every sample in buf to the [-1, 1] range in place. Summing
// several voices can push peaks past full scale; devices expect samples
// inside it.
func Clamp(buf []float32) {
	for i, s := range buf {
		if s > 1 {
			buf[i] = 1
		} else if s < -1 {
			buf[i] = -1
		}
	}
}
