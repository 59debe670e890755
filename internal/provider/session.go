package provider

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// errorDisplayDuration is how long a provider lingers in the error state
// before reverting to idle, long enough for a status consumer to see it.
// Variable so tests can shorten the window.
var errorDisplayDuration = 2 * time.Second

// session owns a provider's state machine. Transitions are compare-and-set
// under one lock: a transition names the state it expects to leave, and a
// stale transition whose expectation no longer holds is refused rather than
// applied. Event delivery happens outside the lock.
type session struct {
	id     string
	events Events
	logger *logrus.Logger

	mu         sync.Mutex
	state      State
	errorTimer *time.Timer
	errorEpoch uint64
}

func newSession(id string, events Events, logger *logrus.Logger) *session {
	return &session{id: id, events: events, logger: logger, state: StateIdle}
}

func (s *session) current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves from into to. Returns false without side effects when the
// current state is not from.
func (s *session) transition(from, to State) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.applyLocked(to)
	old := from
	s.mu.Unlock()

	s.notify(StateChange{Old: old, New: to})
	return true
}

// force moves to to regardless of the current state. Used for error entry
// and shutdown, where the origin does not matter.
func (s *session) force(to State) {
	s.mu.Lock()
	if s.state == to {
		s.mu.Unlock()
		return
	}
	old := s.state
	s.applyLocked(to)
	s.mu.Unlock()

	s.notify(StateChange{Old: old, New: to})
}

// fail enters the error state and schedules the automatic revert to idle.
// A new recognition attempt started during the display window cancels the
// revert so it cannot knock a fresh session back to idle.
func (s *session) fail(err error) {
	s.logger.Warnf("recognition error: %v", err)
	if s.events != nil {
		s.events.OnRecognitionError(s.id, err)
	}

	s.mu.Lock()
	old := s.state
	s.applyLocked(StateError)
	epoch := s.errorEpoch
	s.errorTimer = time.AfterFunc(errorDisplayDuration, func() {
		s.mu.Lock()
		if s.errorEpoch != epoch || s.state != StateError {
			s.mu.Unlock()
			return
		}
		s.applyLocked(StateIdle)
		s.mu.Unlock()
		s.notify(StateChange{Old: StateError, New: StateIdle})
	})
	s.mu.Unlock()

	if old != StateError {
		s.notify(StateChange{Old: old, New: StateError})
	}
}

// applyLocked records the new state and invalidates any pending error revert.
func (s *session) applyLocked(to State) {
	s.state = to
	s.errorEpoch++
	if s.errorTimer != nil {
		s.errorTimer.Stop()
		s.errorTimer = nil
	}
}

func (s *session) notify(change StateChange) {
	if s.events != nil {
		s.events.OnStateChange(s.id, change)
	}
}
