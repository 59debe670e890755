//go:build whisper

package provider

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"dictum/internal/audio"
	"dictum/internal/config"
	"dictum/internal/transcribe"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// NativeProvider runs whisper.cpp in-process through the Go bindings. No
// server, no streaming; the whole recording is transcribed once on stop.
type NativeProvider struct {
	id      string
	cfg     *config.Config
	logger  *logrus.Logger
	session *session
	factory audio.CaptureFactory

	mu      sync.Mutex
	model   whisper.Model
	buffer  *audio.Buffer
	capture audio.Capture
	cancel  context.CancelFunc
}

func NewNativeProvider(cfg *config.Config, logger *logrus.Logger, factory audio.CaptureFactory, events Events) Provider {
	p := &NativeProvider{
		id:      uuid.NewString(),
		cfg:     cfg,
		logger:  logger,
		factory: factory,
		buffer:  audio.NewBuffer(),
	}
	p.session = newSession(p.id, events, logger)
	return p
}

func (p *NativeProvider) Name() string { return "native" }
func (p *NativeProvider) ID() string   { return p.id }

func (p *NativeProvider) Available() bool {
	_, err := os.Stat(p.cfg.Server.ModelPath)
	return err == nil
}

func (p *NativeProvider) SupportsStreaming() bool { return false }

func (p *NativeProvider) CurrentState() State { return p.session.current() }

func (p *NativeProvider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		return nil
	}
	model, err := whisper.New(p.cfg.Server.ModelPath)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	p.model = model
	return nil
}

func (p *NativeProvider) StartRecognition(ctx context.Context) error {
	if !p.session.transition(StateIdle, StateInitializing) {
		return fmt.Errorf("cannot start recognition from state %s", p.session.current())
	}
	if err := p.Initialize(ctx); err != nil {
		p.session.fail(err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer.Reset()

	capt, err := p.factory(p.cfg, p.logger, p.buffer.Append)
	if err != nil {
		p.session.fail(err)
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	if err := capt.Start(runCtx); err != nil {
		cancel()
		p.session.fail(err)
		return err
	}
	p.capture = capt
	p.cancel = cancel

	if !p.session.transition(StateInitializing, StateListening) {
		cancel()
		_ = capt.Stop()
		return fmt.Errorf("recognition aborted during startup")
	}
	return nil
}

func (p *NativeProvider) StopRecognition(ctx context.Context) error {
	if !p.session.transition(StateListening, StateProcessing) {
		return fmt.Errorf("cannot stop recognition from state %s", p.session.current())
	}

	p.mu.Lock()
	capt := p.capture
	cancel := p.cancel
	p.capture = nil
	p.cancel = nil
	p.mu.Unlock()

	if capt != nil {
		if err := capt.Stop(); err != nil {
			p.logger.Warnf("stop capture: %v", err)
		}
	}
	if cancel != nil {
		defer cancel()
	}

	pcm := p.buffer.Bytes()
	if len(pcm) < p.cfg.StreamingSnapshot().MinFinalBytes {
		if p.session.events != nil {
			p.session.events.OnFinalTranscript(p.id, "", nil)
		}
		p.session.transition(StateProcessing, StateIdle)
		return nil
	}

	text, err := p.transcribeOnce(pcm)
	if err != nil {
		p.session.fail(err)
		return err
	}

	if p.session.events != nil {
		p.session.events.OnFinalTranscript(p.id, text, nil)
	}
	p.session.transition(StateProcessing, StateIdle)
	return nil
}

func (p *NativeProvider) transcribeOnce(pcm []byte) (string, error) {
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}

	p.mu.Lock()
	model := p.model
	p.mu.Unlock()
	if model == nil {
		return "", fmt.Errorf("model not loaded")
	}

	wctx, err := model.NewContext()
	if err != nil {
		return "", err
	}
	if lang := transcribe.NormalizeLanguage(p.cfg.Provider.Language); lang != "auto" {
		if err := wctx.SetLanguage(lang); err != nil {
			p.logger.Warnf("set language: %v", err)
		}
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", err
	}

	var b strings.Builder
	for {
		seg, err := wctx.NextSegment()
		if err != nil {
			if err != io.EOF {
				p.logger.Warnf("read segment: %v", err)
			}
			break
		}
		b.WriteString(seg.Text)
		if !strings.HasSuffix(seg.Text, " ") {
			b.WriteByte(' ')
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func (p *NativeProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	capt := p.capture
	cancel := p.cancel
	model := p.model
	p.capture = nil
	p.cancel = nil
	p.model = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if capt != nil {
		_ = capt.Stop()
	}
	if model != nil {
		_ = model.Close()
	}
	p.session.force(StateIdle)
	return nil
}
