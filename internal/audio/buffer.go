package audio

import "sync"

// Buffer accumulates raw PCM bytes from the capture backend. One writer
// (capture) and multiple readers (streaming ticks, stop handler) share the
// same mutex; readers always copy out and never mutate.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	cursor int
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds captured bytes to the end of the buffer.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
}

// Bytes returns a copy of the entire accumulated buffer.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Next returns a copy of the bytes appended since the previous Next call and
// advances the cursor past them. Used by senders that forward audio
// incrementally (the full buffer stays intact for re-transcription).
func (b *Buffer) Next() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cursor >= len(b.data) {
		return nil
	}
	out := make([]byte, len(b.data)-b.cursor)
	copy(out, b.data[b.cursor:])
	b.cursor = len(b.data)
	return out
}

// Len returns the number of accumulated bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Reset discards all accumulated audio and rewinds the cursor.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.data = nil
	b.cursor = 0
	b.mu.Unlock()
}
