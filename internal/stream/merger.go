package stream

import (
	"sort"
	"strings"
	"sync"

	"dictum/internal/transcribe"
)

const (
	// Words starting earlier than lastConfirmed minus this tolerance are
	// considered already merged and are dropped from incoming hypotheses.
	overlapTolerance = 0.3
	// Two words with equal text whose start times differ by less than this
	// window are the same word heard twice.
	duplicateWindow = 0.5
)

// Merger accumulates word-level hypotheses from successive full-buffer
// transcriptions into one stable transcript. Because every tick re-transcribes
// the whole recording, each hypothesis overlaps all previous ones; the merger
// keeps confirmed words and appends only what is genuinely new.
type Merger struct {
	mu            sync.Mutex
	words         []transcribe.Word
	lastConfirmed float64
}

func NewMerger() *Merger {
	return &Merger{}
}

// Merge folds a new hypothesis into the transcript and returns the merged
// word list. Merging the same hypothesis twice is a no-op.
func (m *Merger) Merge(hypothesis []transcribe.Word) []transcribe.Word {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.lastConfirmed - overlapTolerance
	for _, w := range hypothesis {
		if w.Start < cutoff {
			continue
		}
		if m.isDuplicateLocked(w) {
			continue
		}
		m.words = append(m.words, w)
		if w.End > m.lastConfirmed {
			m.lastConfirmed = w.End
		}
	}

	// Late words can land out of order near the cutoff boundary.
	sort.SliceStable(m.words, func(i, j int) bool {
		return m.words[i].Start < m.words[j].Start
	})
	return m.snapshotLocked()
}

func (m *Merger) isDuplicateLocked(w transcribe.Word) bool {
	for i := len(m.words) - 1; i >= 0; i-- {
		prev := m.words[i]
		if w.Start-prev.Start > duplicateWindow {
			break
		}
		if abs(prev.Start-w.Start) < duplicateWindow && strings.EqualFold(prev.Text, w.Text) {
			return true
		}
	}
	return false
}

// Words returns a copy of the merged transcript.
func (m *Merger) Words() []transcribe.Word {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Text joins the merged words with single spaces.
func (m *Merger) Text() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := make([]string, len(m.words))
	for i, w := range m.words {
		parts[i] = w.Text
	}
	return strings.Join(parts, " ")
}

// LastConfirmed reports the end timestamp of the latest confirmed word.
func (m *Merger) LastConfirmed() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastConfirmed
}

// Reset clears the transcript for a new recording.
func (m *Merger) Reset() {
	m.mu.Lock()
	m.words = nil
	m.lastConfirmed = 0
	m.mu.Unlock()
}

func (m *Merger) snapshotLocked() []transcribe.Word {
	out := make([]transcribe.Word, len(m.words))
	copy(out, m.words)
	return out
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
