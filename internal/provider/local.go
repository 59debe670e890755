package provider

import (
	"context"
	"fmt"
	"os"
	"sync"

	"dictum/internal/audio"
	"dictum/internal/config"
	"dictum/internal/stream"
	"dictum/internal/transcribe"
	"dictum/internal/whisperserver"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LocalProvider transcribes through a locally supervised inference server.
// Audio flows capture -> shared buffer -> streaming engine -> HTTP client;
// the final transcript comes from one closing pass over the full buffer.
type LocalProvider struct {
	id      string
	cfg     *config.Config
	logger  *logrus.Logger
	sup     *whisperserver.Supervisor
	client  *transcribe.Client
	session *session
	factory audio.CaptureFactory

	mu      sync.Mutex
	buffer  *audio.Buffer
	engine  *stream.Engine
	capture audio.Capture
	cancel  context.CancelFunc
}

func NewLocalProvider(cfg *config.Config, logger *logrus.Logger, sup *whisperserver.Supervisor, factory audio.CaptureFactory, events Events) *LocalProvider {
	p := &LocalProvider{
		id:      uuid.NewString(),
		cfg:     cfg,
		logger:  logger,
		sup:     sup,
		factory: factory,
		buffer:  audio.NewBuffer(),
	}
	p.session = newSession(p.id, events, logger)
	baseURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	p.client = transcribe.NewClient(baseURL, cfg.Audio.SampleRate, logger)
	p.client.OnTransportFailure = sup.MarkUnhealthy
	return p
}

func (p *LocalProvider) Name() string { return "local" }
func (p *LocalProvider) ID() string   { return p.id }

func (p *LocalProvider) SupportsStreaming() bool { return p.cfg.StreamingSnapshot().Enabled }

// Available checks the server binary and model exist on disk.
func (p *LocalProvider) Available() bool {
	if _, err := os.Stat(p.cfg.Server.BinaryPath); err != nil {
		return false
	}
	if _, err := os.Stat(p.cfg.Server.ModelPath); err != nil {
		return false
	}
	return true
}

func (p *LocalProvider) CurrentState() State { return p.session.current() }

// Initialize brings the inference server up so the first recognition does
// not pay the model load latency.
func (p *LocalProvider) Initialize(ctx context.Context) error {
	return p.sup.EnsureRunning(ctx, p.cfg.Server.ModelPath, p.cfg.Server.Port)
}

func (p *LocalProvider) StartRecognition(ctx context.Context) error {
	if !p.session.transition(StateIdle, StateInitializing) {
		return fmt.Errorf("cannot start recognition from state %s", p.session.current())
	}

	if err := p.sup.EnsureRunning(ctx, p.cfg.Server.ModelPath, p.cfg.Server.Port); err != nil {
		p.session.fail(err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.buffer.Reset()
	p.engine = stream.NewEngine(p.cfg, p.client, p.buffer, p.logger, p.emitPartial)

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
	p.engine.Start(runCtx)

	if !p.session.transition(StateInitializing, StateListening) {
		cancel()
		_ = capt.Stop()
		return fmt.Errorf("recognition aborted during startup")
	}
	return nil
}

func (p *LocalProvider) StopRecognition(ctx context.Context) error {
	if !p.session.transition(StateListening, StateProcessing) {
		return fmt.Errorf("cannot stop recognition from state %s", p.session.current())
	}

	p.mu.Lock()
	capt := p.capture
	engine := p.engine
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
	if engine == nil {
		p.session.force(StateIdle)
		return nil
	}
	engine.Stop()

	res, err := engine.Final(ctx)
	if err != nil {
		p.session.fail(err)
		return err
	}

	if p.session.events != nil {
		p.session.events.OnFinalTranscript(p.id, res.Text, res.Words)
	}
	if !p.session.transition(StateProcessing, StateIdle) {
		return nil
	}
	return nil
}

func (p *LocalProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	capt := p.capture
	engine := p.engine
	cancel := p.cancel
	p.capture = nil
	p.engine = nil
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if capt != nil {
		_ = capt.Stop()
	}
	if engine != nil {
		engine.Stop()
	}
	// The inference server stays up: it is shared across provider
	// instances and stopped explicitly through the supervisor.
	p.session.force(StateIdle)
	return nil
}

// Stats exposes streaming counters for the metrics endpoint.
func (p *LocalProvider) Stats() stream.Stats {
	p.mu.Lock()
	engine := p.engine
	p.mu.Unlock()
	if engine == nil {
		return stream.Stats{}
	}
	return engine.Snapshot()
}

func (p *LocalProvider) emitPartial(text string, _ []transcribe.Word) {
	if p.session.events != nil {
		p.session.events.OnPartialTranscript(p.id, text)
	}
}
