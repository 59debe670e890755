package audio

import (
	"encoding/binary"
	"math"
)

// RMS computes the root-mean-square amplitude of little-endian 16-bit mono
// PCM. Returns 0 for empty or sub-sample input.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}

// TailWindow returns the final windowMS milliseconds of 16-bit mono PCM at
// the given sample rate, or all of it when shorter.
func TailWindow(pcm []byte, sampleRate, windowMS int) []byte {
	want := sampleRate * windowMS / 1000 * 2
	if want <= 0 || want >= len(pcm) {
		return pcm
	}
	return pcm[len(pcm)-want:]
}
