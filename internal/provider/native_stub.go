//go:build !whisper

package provider

import (
	"context"
	"fmt"

	"dictum/internal/audio"
	"dictum/internal/config"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// nativeStub stands in when the binary was built without the whisper tag.
// It reports unavailable so provider resolution falls back to local.
type nativeStub struct {
	id      string
	session *session
}

func NewNativeProvider(cfg *config.Config, logger *logrus.Logger, factory audio.CaptureFactory, events Events) Provider {
	p := &nativeStub{id: uuid.NewString()}
	p.session = newSession(p.id, events, logger)
	return p
}

func (p *nativeStub) Name() string            { return "native" }
func (p *nativeStub) ID() string              { return p.id }
func (p *nativeStub) Available() bool         { return false }
func (p *nativeStub) SupportsStreaming() bool { return false }
func (p *nativeStub) CurrentState() State     { return p.session.current() }

func (p *nativeStub) Initialize(ctx context.Context) error {
	return fmt.Errorf("native provider not compiled in; rebuild with -tags whisper")
}

func (p *nativeStub) StartRecognition(ctx context.Context) error { return p.Initialize(ctx) }
func (p *nativeStub) StopRecognition(ctx context.Context) error  { return nil }
func (p *nativeStub) Shutdown(ctx context.Context) error         { return nil }
