package stream

import (
	"reflect"
	"testing"

	"dictum/internal/transcribe"
)

func w(text string, start, end float64) transcribe.Word {
	return transcribe.Word{Text: text, Start: start, End: end}
}

func texts(words []transcribe.Word) []string {
	out := make([]string, len(words))
	for i, wd := range words {
		out[i] = wd.Text
	}
	return out
}

func TestMergeAppendsNewWords(t *testing.T) {
	m := NewMerger()
	m.Merge([]transcribe.Word{w("hello", 0.0, 0.4), w("world", 0.5, 0.9)})
	got := m.Merge([]transcribe.Word{w("hello", 0.0, 0.4), w("world", 0.5, 0.9), w("again", 1.0, 1.4)})

	want := []string{"hello", "world", "again"}
	if !reflect.DeepEqual(texts(got), want) {
		t.Fatalf("words = %v, want %v", texts(got), want)
	}
	if m.LastConfirmed() != 1.4 {
		t.Fatalf("lastConfirmed = %v", m.LastConfirmed())
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	m := NewMerger()
	hyp := []transcribe.Word{w("one", 0.0, 0.3), w("two", 0.4, 0.7), w("three", 0.8, 1.1)}

	first := m.Merge(hyp)
	confirmed := m.LastConfirmed()
	second := m.Merge(hyp)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("re-merge changed transcript: %v vs %v", texts(first), texts(second))
	}
	if m.LastConfirmed() != confirmed {
		t.Fatalf("re-merge moved lastConfirmed %v -> %v", confirmed, m.LastConfirmed())
	}
}

func TestMergeDropsWordsBeforeCutoff(t *testing.T) {
	m := NewMerger()
	m.Merge([]transcribe.Word{w("keep", 0.0, 2.0)})

	// Revision of already-confirmed audio: starts well before the cutoff.
	got := m.Merge([]transcribe.Word{w("revised", 0.5, 1.0), w("fresh", 2.1, 2.5)})
	want := []string{"keep", "fresh"}
	if !reflect.DeepEqual(texts(got), want) {
		t.Fatalf("words = %v, want %v", texts(got), want)
	}
}

func TestMergeDropsWordStraddlingCutoff(t *testing.T) {
	m := NewMerger()
	m.Merge([]transcribe.Word{w("keep", 0.0, 2.0)})

	// Starts inside the confirmed region but ends past the cutoff: still a
	// revision of confirmed audio, not new speech.
	got := m.Merge([]transcribe.Word{w("rehash", 1.5, 2.4)})
	if !reflect.DeepEqual(texts(got), []string{"keep"}) {
		t.Fatalf("straddling revision admitted: %v", texts(got))
	}
}

func TestMergeDuplicateDetectionIsCaseInsensitive(t *testing.T) {
	m := NewMerger()
	m.Merge([]transcribe.Word{w("Hello", 1.0, 1.4)})
	got := m.Merge([]transcribe.Word{w("hello", 1.2, 1.6)})
	if len(got) != 1 {
		t.Fatalf("duplicate not collapsed: %v", texts(got))
	}
}

func TestMergeDistantRepetitionIsKept(t *testing.T) {
	m := NewMerger()
	m.Merge([]transcribe.Word{w("no", 0.0, 0.3)})
	got := m.Merge([]transcribe.Word{w("no", 1.0, 1.3)})
	if len(got) != 2 {
		t.Fatalf("genuine repetition dropped: %v", texts(got))
	}
}

func TestMergeSortsByStart(t *testing.T) {
	m := NewMerger()
	m.Merge([]transcribe.Word{w("a", 0.0, 0.4), w("c", 3.4, 3.6)})
	// A late word landing between confirmed neighbours near the cutoff.
	got := m.Merge([]transcribe.Word{w("b", 3.35, 3.5)})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(texts(got), want) {
		t.Fatalf("words not re-sorted by start: %v, want %v", texts(got), want)
	}
}

func TestTextJoinsWithSpaces(t *testing.T) {
	m := NewMerger()
	m.Merge([]transcribe.Word{w("hello", 0.0, 0.4), w("world", 0.5, 0.9)})
	if m.Text() != "hello world" {
		t.Fatalf("text = %q", m.Text())
	}
}

func TestResetClearsState(t *testing.T) {
	m := NewMerger()
	m.Merge([]transcribe.Word{w("old", 0.0, 0.4)})
	m.Reset()
	if len(m.Words()) != 0 || m.LastConfirmed() != 0 {
		t.Fatalf("reset left state behind")
	}
	got := m.Merge([]transcribe.Word{w("new", 0.0, 0.4)})
	if len(got) != 1 || got[0].Text != "new" {
		t.Fatalf("merge after reset = %v", texts(got))
	}
}
