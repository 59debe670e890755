package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV wraps little-endian 16-bit mono PCM in a standard WAV container
// (44-byte header) as expected by the inference server's multipart file field.
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	n := len(pcm) / 2
	ints := make([]int, n)
	for i := 0; i < n; i++ {
		ints[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
	}
	ws := &writeSeeker{}
	enc := wav.NewEncoder(ws, sampleRate, 16, 1, 1)
	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           ints,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("wav encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("wav finalize: %w", err)
	}
	return ws.buf.Bytes(), nil
}

// ReadWAVFile decodes a WAV file into 16-bit mono PCM at the target sample
// rate, resampling and downmixing as needed.
func ReadWAVFile(path string, targetRate int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	dec := wav.NewDecoder(f)
	ib, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wav decode: %w", err)
	}
	if ib.Format == nil || len(ib.Data) == 0 {
		return nil, fmt.Errorf("empty wav file")
	}

	ch := ib.Format.NumChannels
	if ch < 1 {
		ch = 1
	}
	// Downmix to mono and normalize to float32.
	mono := make([]float32, 0, len(ib.Data)/ch)
	scale := float32(int(1) << (dec.BitDepth - 1))
	for i := 0; i+ch <= len(ib.Data); i += ch {
		var acc float32
		for c := 0; c < ch; c++ {
			acc += float32(ib.Data[i+c])
		}
		mono = append(mono, acc/float32(ch)/scale)
	}
	mono = ResampleLinear(mono, ib.Format.SampleRate, targetRate)

	out := make([]byte, len(mono)*2)
	for i, s := range mono {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(int16(s*32767)))
	}
	return out, nil
}

// ResampleLinear converts between sample rates with linear interpolation.
func ResampleLinear(in []float32, srcSR, dstSR int) []float32 {
	if srcSR == dstSR || len(in) == 0 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	ratio := float64(dstSR) / float64(srcSR)
	outLen := int(float64(len(in))*ratio + 0.9999)
	out := make([]float32, outLen)
	for i := 0; i < outLen; i++ {
		pos := float64(i) / ratio
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx]*(1-frac) + in[idx+1]*frac
	}
	return out
}

// writeSeeker is an in-memory io.WriteSeeker for the wav encoder, which
// rewinds to patch the header on Close.
type writeSeeker struct {
	buf bytes.Buffer
	pos int
}

func (ws *writeSeeker) Write(p []byte) (int, error) {
	if extra := ws.pos + len(p) - ws.buf.Len(); extra > 0 {
		if _, err := ws.buf.Write(make([]byte, extra)); err != nil {
			return 0, err
		}
	}
	copy(ws.buf.Bytes()[ws.pos:], p)
	ws.pos += len(p)
	return len(p), nil
}

func (ws *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int
	switch whence {
	case io.SeekStart:
		next = int(offset)
	case io.SeekCurrent:
		next = ws.pos + int(offset)
	case io.SeekEnd:
		next = ws.buf.Len() + int(offset)
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("negative seek position")
	}
	ws.pos = next
	return int64(next), nil
}
