package provider

import (
	"errors"
	"sync"
	"testing"
	"time"

	"dictum/internal/logging"
	"dictum/internal/transcribe"
)

type recordingEvents struct {
	mu       sync.Mutex
	changes  []StateChange
	partials []string
	finals   []string
	errs     []error
	ids      []string
}

func (r *recordingEvents) OnStateChange(id string, c StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	r.ids = append(r.ids, id)
}

func (r *recordingEvents) OnPartialTranscript(id, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partials = append(r.partials, text)
}

func (r *recordingEvents) OnFinalTranscript(id, text string, _ []transcribe.Word) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finals = append(r.finals, text)
}

func (r *recordingEvents) OnRecognitionError(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingEvents) stateChanges() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateChange(nil), r.changes...)
}

func TestSessionTransitionIsCompareAndSet(t *testing.T) {
	ev := &recordingEvents{}
	s := newSession("p1", ev, logging.NewTestLogger())

	if !s.transition(StateIdle, StateInitializing) {
		t.Fatal("idle -> initializing refused")
	}
	// Stale transition: expects idle but the session moved on.
	if s.transition(StateIdle, StateListening) {
		t.Fatal("stale transition was applied")
	}
	if s.current() != StateInitializing {
		t.Fatalf("state = %s", s.current())
	}
	if got := ev.stateChanges(); len(got) != 1 || got[0].New != StateInitializing {
		t.Fatalf("changes = %v", got)
	}
}

func TestSessionErrorRevertsToIdle(t *testing.T) {
	orig := errorDisplayDuration
	errorDisplayDuration = 20 * time.Millisecond
	defer func() { errorDisplayDuration = orig }()

	ev := &recordingEvents{}
	s := newSession("p1", ev, logging.NewTestLogger())
	s.transition(StateIdle, StateListening)
	s.fail(errors.New("mic unplugged"))

	if s.current() != StateError {
		t.Fatalf("state = %s immediately after failure", s.current())
	}

	deadline := time.Now().Add(time.Second)
	for s.current() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatal("error state never reverted to idle")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ev.mu.Lock()
	nerrs := len(ev.errs)
	ev.mu.Unlock()
	if nerrs != 1 {
		t.Fatalf("errors delivered = %d", nerrs)
	}
}

func TestSessionNewAttemptCancelsErrorRevert(t *testing.T) {
	orig := errorDisplayDuration
	errorDisplayDuration = 20 * time.Millisecond
	defer func() { errorDisplayDuration = orig }()

	s := newSession("p1", &recordingEvents{}, logging.NewTestLogger())
	s.fail(errors.New("transient"))

	// A fresh attempt starts while the error display window is pending.
	if !s.transition(StateError, StateInitializing) {
		t.Fatal("error -> initializing refused")
	}
	s.transition(StateInitializing, StateListening)

	time.Sleep(60 * time.Millisecond)
	if s.current() != StateListening {
		t.Fatalf("stale revert knocked a live session to %s", s.current())
	}
}

func TestStateStrings(t *testing.T) {
	want := map[State]string{
		StateIdle:         "idle",
		StateInitializing: "initializing",
		StateListening:    "listening",
		StateProcessing:   "processing",
		StateError:        "error",
	}
	for st, name := range want {
		if st.String() != name {
			t.Fatalf("%d.String() = %q, want %q", st, st.String(), name)
		}
	}
}
