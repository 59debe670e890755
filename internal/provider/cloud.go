package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"dictum/internal/audio"
	"dictum/internal/config"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Streaming services bound audio chunk duration; at 16kHz 16-bit mono these
// translate to 1600 and 30400 bytes.
const (
	cloudMinChunkBytes = 1600
	cloudMaxChunkBytes = 30400
	cloudSendInterval  = 50 * time.Millisecond
)

// cloudMessage covers every frame type the streaming endpoint sends.
type cloudMessage struct {
	Type            string  `json:"type"`
	ID              string  `json:"id,omitempty"`
	Transcript      string  `json:"transcript,omitempty"`
	TurnIsFormatted bool    `json:"turn_is_formatted,omitempty"`
	AudioDuration   float64 `json:"audio_duration_seconds,omitempty"`
}

// CloudProvider streams audio to a hosted recognition service over a
// websocket. Audio still flows through the shared buffer; an incremental
// cursor read forwards only the bytes captured since the previous send, so
// the full recording stays available for status output.
type CloudProvider struct {
	id      string
	cfg     *config.Config
	logger  *logrus.Logger
	session *session
	factory audio.CaptureFactory

	mu       sync.Mutex
	buffer   *audio.Buffer
	capture  audio.Capture
	conn     *websocket.Conn
	finals   []string
	stopSend chan struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

func NewCloudProvider(cfg *config.Config, logger *logrus.Logger, factory audio.CaptureFactory, events Events) *CloudProvider {
	p := &CloudProvider{
		id:      uuid.NewString(),
		cfg:     cfg,
		logger:  logger,
		factory: factory,
		buffer:  audio.NewBuffer(),
	}
	p.session = newSession(p.id, events, logger)
	return p
}

// cloudLanguage maps the configured language to a concrete code; the
// streaming service has no auto-detect mode, so "auto" becomes English.
func cloudLanguage(cfg *config.Config) string {
	lang := strings.ToLower(strings.TrimSpace(cfg.Provider.Language))
	if lang == "" || lang == "auto" {
		return "en"
	}
	return lang
}

func (p *CloudProvider) Name() string { return "cloud" }
func (p *CloudProvider) ID() string   { return p.id }

// Available requires an API key; there is nothing to probe locally.
func (p *CloudProvider) Available() bool { return p.cfg.Cloud.APIKey != "" }

func (p *CloudProvider) SupportsStreaming() bool { return true }

func (p *CloudProvider) CurrentState() State { return p.session.current() }

// Initialize validates configuration without opening a connection; the
// websocket session is per-recognition.
func (p *CloudProvider) Initialize(ctx context.Context) error {
	if p.cfg.Cloud.APIKey == "" {
		return fmt.Errorf("cloud provider requires an API key")
	}
	return nil
}

func (p *CloudProvider) StartRecognition(ctx context.Context) error {
	if !p.session.transition(StateIdle, StateInitializing) {
		return fmt.Errorf("cannot start recognition from state %s", p.session.current())
	}

	url := fmt.Sprintf("%s?sample_rate=%d&format_turns=true&language=%s",
		p.cfg.Cloud.URL, p.cfg.Audio.SampleRate, cloudLanguage(p.cfg))
	header := http.Header{}
	header.Add("Authorization", p.cfg.Cloud.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		err = fmt.Errorf("connect streaming service: %w", err)
		p.session.fail(err)
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.buffer.Reset()
	p.finals = nil
	p.stopSend = make(chan struct{})
	p.mu.Unlock()

	capt, err := p.factory(p.cfg, p.logger, p.buffer.Append)
	if err != nil {
		_ = conn.Close()
		p.session.fail(err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := capt.Start(runCtx); err != nil {
		cancel()
		_ = conn.Close()
		p.session.fail(err)
		return err
	}

	p.mu.Lock()
	p.capture = capt
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(2)
	go p.sendLoop(conn, p.stopSend)
	go p.readLoop(conn)

	if !p.session.transition(StateInitializing, StateListening) {
		cancel()
		_ = capt.Stop()
		_ = conn.Close()
		return fmt.Errorf("recognition aborted during startup")
	}
	return nil
}

// sendLoop forwards newly captured audio on a fixed cadence, chunked to the
// service's duration limits.
func (p *CloudProvider) sendLoop(conn *websocket.Conn, stop <-chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(cloudSendInterval)
	defer ticker.Stop()

	pending := make([]byte, 0, cloudMaxChunkBytes)
	flush := func(force bool) {
		pending = append(pending, p.buffer.Next()...)
		for len(pending) >= cloudMinChunkBytes || (force && len(pending) > 0) {
			n := len(pending)
			if n > cloudMaxChunkBytes {
				n = cloudMaxChunkBytes
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, pending[:n]); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					p.logger.Warnf("send audio chunk: %v", err)
				}
				pending = pending[:0]
				return
			}
			pending = pending[n:]
		}
	}

	for {
		select {
		case <-ticker.C:
			flush(false)
		case <-stop:
			flush(true)
			msg, _ := json.Marshal(cloudMessage{Type: "Terminate"})
			_ = conn.WriteMessage(websocket.TextMessage, msg)
			return
		}
	}
}

func (p *CloudProvider) readLoop(conn *websocket.Conn) {
	defer p.wg.Done()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Warnf("streaming connection closed: %v", err)
			}
			return
		}
		var msg cloudMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.logger.Warnf("unparsable streaming frame: %v", err)
			continue
		}
		switch msg.Type {
		case "Begin":
			p.logger.Debugf("streaming session started: %s", msg.ID)
		case "Turn":
			if msg.Transcript == "" {
				continue
			}
			if msg.TurnIsFormatted {
				p.mu.Lock()
				p.finals = append(p.finals, msg.Transcript)
				p.mu.Unlock()
			}
			if p.session.events != nil {
				p.session.events.OnPartialTranscript(p.id, msg.Transcript)
			}
		case "Termination":
			p.logger.Debugf("streaming session ended after %.2fs of audio", msg.AudioDuration)
			return
		}
	}
}

func (p *CloudProvider) StopRecognition(ctx context.Context) error {
	if !p.session.transition(StateListening, StateProcessing) {
		return fmt.Errorf("cannot stop recognition from state %s", p.session.current())
	}

	p.mu.Lock()
	capt := p.capture
	conn := p.conn
	stopSend := p.stopSend
	cancel := p.cancel
	p.capture = nil
	p.conn = nil
	p.stopSend = nil
	p.cancel = nil
	p.mu.Unlock()

	if capt != nil {
		if err := capt.Stop(); err != nil {
			p.logger.Warnf("stop capture: %v", err)
		}
	}
	if stopSend != nil {
		close(stopSend)
	}

	// Let the service deliver the closing formatted turn.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
	case <-ctx.Done():
	}
	if conn != nil {
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}

	p.mu.Lock()
	text := strings.Join(p.finals, " ")
	p.mu.Unlock()

	if p.session.events != nil {
		p.session.events.OnFinalTranscript(p.id, text, nil)
	}
	p.session.transition(StateProcessing, StateIdle)
	return nil
}

func (p *CloudProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	capt := p.capture
	conn := p.conn
	stopSend := p.stopSend
	cancel := p.cancel
	p.capture = nil
	p.conn = nil
	p.stopSend = nil
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if capt != nil {
		_ = capt.Stop()
	}
	if stopSend != nil {
		close(stopSend)
	}
	if conn != nil {
		_ = conn.Close()
	}
	p.session.force(StateIdle)
	return nil
}

// Transcript returns the formatted turns accumulated so far.
func (p *CloudProvider) Transcript() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.finals, " ")
}
