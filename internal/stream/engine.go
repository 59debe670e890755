package stream

import (
	"context"
	"sync"
	"time"

	"dictum/internal/audio"
	"dictum/internal/config"
	"dictum/internal/transcribe"

	"github.com/sirupsen/logrus"
)

// Transcriber is the slice of the transcription client the engine needs.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, language, responseFormat string) (transcribe.Result, error)
}

// Stats counts engine activity for the metrics endpoint.
type Stats struct {
	Ticks         uint64
	Skipped       uint64 // tick arrived while a request was in flight
	SilenceGated  uint64
	Requests      uint64
	Failures      uint64
	PartialEmits  uint64
	LastPartialAt time.Time
}

// Engine drives interval transcription over a growing recording buffer.
// Each tick re-transcribes the full buffer and merges the hypothesis; the
// caller receives partial transcripts through onPartial. At most one request
// is in flight at a time: ticks that land during a slow request are dropped,
// never queued, so a backlog cannot build up behind a slow server.
type Engine struct {
	cfg    *config.Config
	client Transcriber
	buffer *audio.Buffer
	merger *Merger
	logger *logrus.Logger

	onPartial func(text string, words []transcribe.Word)

	mu       sync.Mutex
	inFlight bool
	lastText string
	stats    Stats

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewEngine(cfg *config.Config, client Transcriber, buffer *audio.Buffer, logger *logrus.Logger, onPartial func(string, []transcribe.Word)) *Engine {
	return &Engine{
		cfg:       cfg,
		client:    client,
		buffer:    buffer,
		merger:    NewMerger(),
		logger:    logger,
		onPartial: onPartial,
	}
}

// Start launches the tick loop. No-op when streaming is disabled.
func (e *Engine) Start(ctx context.Context) {
	st := e.cfg.StreamingSnapshot()
	if !st.Enabled {
		return
	}
	interval := time.Duration(st.IntervalMS) * time.Millisecond
	e.ticker = time.NewTicker(interval)
	e.done = make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.done:
				return
			case <-e.ticker.C:
				e.Tick(ctx)
			}
		}
	}()
}

// Stop halts the tick loop and waits for an in-flight request to return.
func (e *Engine) Stop() {
	if e.ticker != nil {
		e.ticker.Stop()
		close(e.done)
		e.wg.Wait()
		e.ticker = nil
	}
}

// Tick runs one streaming pass: snapshot the buffer, gate on recent silence,
// transcribe, merge, and emit a partial if the transcript changed. A tick
// that arrives while a previous request is still in flight returns
// immediately.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	e.stats.Ticks++
	if e.inFlight {
		e.stats.Skipped++
		e.mu.Unlock()
		return
	}
	e.inFlight = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()

	pcm := e.buffer.Bytes()
	if len(pcm) == 0 {
		return
	}

	// Gate on the trailing window only: old speech followed by a pause must
	// not keep triggering requests, while fresh speech after a long pause
	// still does.
	st := e.cfg.StreamingSnapshot()
	tail := audio.TailWindow(pcm, e.cfg.Audio.SampleRate, st.SilenceWindowMS)
	if audio.RMS(tail) < st.SilenceThreshold {
		e.mu.Lock()
		e.stats.SilenceGated++
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	e.stats.Requests++
	e.mu.Unlock()

	res, err := e.client.Transcribe(ctx, pcm, e.cfg.Provider.Language, transcribe.FormatVerbose)
	if err != nil {
		e.mu.Lock()
		e.stats.Failures++
		e.mu.Unlock()
		// A failed tick is skipped, not retried; the next tick covers the
		// same audio anyway.
		e.logger.Warnf("streaming transcription failed: %v", err)
		return
	}

	words := e.merger.Merge(res.Words)
	text := e.merger.Text()
	if len(res.Words) == 0 {
		// No word timestamps (plain model output): fall back to the raw
		// text of the latest full-buffer pass.
		text = res.Text
	}

	e.mu.Lock()
	changed := text != e.lastText && text != ""
	if changed {
		e.lastText = text
		e.stats.PartialEmits++
		e.stats.LastPartialAt = time.Now()
	}
	e.mu.Unlock()

	if changed && e.onPartial != nil {
		e.onPartial(text, words)
	}
}

// Final runs the closing transcription over the complete recording and
// returns the definitive transcript. Recordings shorter than the configured
// minimum are skipped to avoid sending the server a fraction of a word.
func (e *Engine) Final(ctx context.Context) (transcribe.Result, error) {
	pcm := e.buffer.Bytes()
	if len(pcm) < e.cfg.StreamingSnapshot().MinFinalBytes {
		e.logger.Debugf("final transcription skipped: %d bytes below minimum", len(pcm))
		return transcribe.Result{}, nil
	}

	e.mu.Lock()
	e.stats.Requests++
	e.mu.Unlock()

	res, err := e.client.Transcribe(ctx, pcm, e.cfg.Provider.Language, transcribe.FormatVerbose)
	if err != nil {
		e.mu.Lock()
		e.stats.Failures++
		e.mu.Unlock()
		return transcribe.Result{}, err
	}

	// Prefer the merged word transcript when the final pass carries
	// timestamps; otherwise use its plain text.
	if len(res.Words) > 0 {
		e.merger.Merge(res.Words)
		res.Words = e.merger.Words()
		res.Text = e.merger.Text()
	}
	return res, nil
}

// Reset prepares the engine for a new recording.
func (e *Engine) Reset() {
	e.merger.Reset()
	e.mu.Lock()
	e.lastText = ""
	e.mu.Unlock()
}

// Snapshot returns a copy of the activity counters.
func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Transcript returns the current merged transcript text.
func (e *Engine) Transcript() string {
	return e.merger.Text()
}
