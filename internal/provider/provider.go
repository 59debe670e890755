package provider

import (
	"context"
	"fmt"

	"dictum/internal/transcribe"
)

// State is the recognition lifecycle state of a provider.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateListening
	StateProcessing
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateChange describes one transition.
type StateChange struct {
	Old State
	New State
}

// Events receives provider callbacks. The providerID parameter carries the
// identity token of the provider that produced the event; consumers compare
// it against the currently active provider's ID and drop stale events from a
// provider that has since been swapped out.
type Events interface {
	OnStateChange(providerID string, change StateChange)
	OnPartialTranscript(providerID string, text string)
	OnFinalTranscript(providerID string, text string, words []transcribe.Word)
	OnRecognitionError(providerID string, err error)
}

// Provider is a speech recognition backend.
type Provider interface {
	// Name identifies the provider in logs and status output.
	Name() string
	// ID is a unique token for this provider instance.
	ID() string
	// Available reports whether the provider can run in this environment
	// and configuration (binary present, API key set, compiled in).
	Available() bool
	// SupportsStreaming reports whether partial transcripts are produced
	// while listening.
	SupportsStreaming() bool
	// Initialize prepares the provider for recognition. Safe to call again
	// after settings change.
	Initialize(ctx context.Context) error
	// StartRecognition begins capturing and transcribing.
	StartRecognition(ctx context.Context) error
	// StopRecognition ends capture and delivers the final transcript
	// through the Events sink before returning.
	StopRecognition(ctx context.Context) error
	// CurrentState returns the provider's lifecycle state.
	CurrentState() State
	// Shutdown releases resources. The provider cannot be reused after.
	Shutdown(ctx context.Context) error
}
