package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func sine(samples int, amplitude float64) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(amplitude * math.Sin(2*math.Pi*float64(i)/100))
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(v))
	}
	return out
}

func TestRMSSilenceIsZero(t *testing.T) {
	if got := RMS(make([]byte, 3200)); got != 0 {
		t.Fatalf("silence rms = %f", got)
	}
	if got := RMS(nil); got != 0 {
		t.Fatalf("empty rms = %f", got)
	}
}

func TestRMSSignalAboveSilence(t *testing.T) {
	loud := RMS(sine(1600, 8000))
	quiet := RMS(sine(1600, 100))
	if loud <= quiet {
		t.Fatalf("loud %f should exceed quiet %f", loud, quiet)
	}
	// A sine of amplitude A has RMS near A/sqrt(2).
	if loud < 4000 || loud > 8000 {
		t.Fatalf("unexpected rms for 8000-amplitude sine: %f", loud)
	}
}

func TestTailWindow(t *testing.T) {
	pcm := make([]byte, 16000*2*3) // 3s at 16kHz
	tail := TailWindow(pcm, 16000, 2000)
	if len(tail) != 16000*2*2 {
		t.Fatalf("tail len = %d", len(tail))
	}
	short := make([]byte, 100)
	if got := TailWindow(short, 16000, 2000); len(got) != 100 {
		t.Fatalf("short input should be returned whole, got %d", len(got))
	}
}

func TestTailWindowGatesOnRecentAudioOnly(t *testing.T) {
	// 3s of loud signal followed by 2s of silence: the 2s tail must be silent
	// even though the buffer as a whole is loud.
	pcm := append(sine(16000*3, 8000), make([]byte, 16000*2*2)...)
	if got := RMS(TailWindow(pcm, 16000, 2000)); got != 0 {
		t.Fatalf("recent-window rms = %f, want 0", got)
	}
	if RMS(pcm) == 0 {
		t.Fatalf("whole-buffer rms should be non-zero")
	}
}
