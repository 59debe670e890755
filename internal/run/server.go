package run

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"dictum/internal/audio"
	"dictum/internal/config"
	"dictum/internal/control"
	"dictum/internal/hook"
	"dictum/internal/provider"
	"dictum/internal/transcribe"
	"dictum/internal/whisperserver"

	"github.com/sirupsen/logrus"
)

// Server is the dictation daemon: it owns the provider manager, the control
// socket, hook dispatch, and the metrics endpoint. It also implements
// provider.Events as the downstream sink behind the manager's ID filter.
type Server struct {
	cfg       *config.Config
	logger    *logrus.Logger
	hook      *hook.Runner
	sup       *whisperserver.Supervisor
	manager   *provider.Manager
	startedAt time.Time

	mu          sync.Mutex
	transcripts []control.Transcript
	partial     string
	stopTimer   *time.Timer

	metrics metrics
	hookCh  chan hook.Job

	wg sync.WaitGroup
}

// Serve runs the daemon until interrupted.
func Serve(cfg *config.Config, logger *logrus.Logger) error {
	if err := config.MustStatePaths(cfg); err != nil {
		return err
	}
	if err := os.WriteFile(cfg.Paths.PidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(cfg.Paths.PidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warnf("remove pid file: %v", err)
		}
	}()
	if err := os.Remove(cfg.Paths.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debugf("remove stale socket: %v", err)
	}

	srv := &Server{
		cfg:         cfg,
		logger:      logger,
		hook:        hook.NewRunner(cfg, logger),
		startedAt:   time.Now(),
		transcripts: make([]control.Transcript, 0, cfg.UI.StatusTail),
		hookCh:      make(chan hook.Job, 16),
	}
	srv.sup = whisperserver.NewSupervisor(cfg, logger)
	srv.manager = provider.NewManager(cfg, logger, srv.sup, audio.NewCapture, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A failed provider activation is not fatal: the daemon keeps serving
	// control requests so the user can fix the config and reload.
	if err := srv.manager.Activate(ctx); err != nil {
		logger.Errorf("provider activation: %v", err)
	}

	go srv.controlLoop(ctx)
	go srv.hookWorker(ctx)
	if cfg.Metrics.Enabled {
		go srv.metricsServe(ctx.Done(), cfg.Metrics.Addr, logger)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case s := <-sigCh:
		logger.Infof("received signal %s, shutting down", s)
		cancel()
	case <-ctx.Done():
	}

	// Finish an in-progress recording so its transcript is not lost, then
	// release the provider and the inference server.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if srv.manager.State() == provider.StateListening {
		if err := srv.manager.StopRecognition(shutdownCtx); err != nil {
			logger.Warnf("stop recording on shutdown: %v", err)
		}
	}
	if err := srv.manager.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("provider shutdown: %v", err)
	}
	if err := srv.sup.StopServer(); err != nil {
		logger.Warnf("stop inference server: %v", err)
	}
	srv.wg.Wait()
	return nil
}

// OnStateChange implements provider.Events.
func (s *Server) OnStateChange(providerID string, change provider.StateChange) {
	s.logger.Debugf("state: %s -> %s", change.Old, change.New)
	if change.Old == change.New {
		return
	}
	if change.New == provider.StateListening {
		s.metrics.incRecordings()
	}
}

// OnPartialTranscript implements provider.Events.
func (s *Server) OnPartialTranscript(providerID string, text string) {
	s.mu.Lock()
	s.partial = text
	s.mu.Unlock()
	s.metrics.incPartials()
	s.logger.Debugf("partial: %q", text)
}

// OnFinalTranscript implements provider.Events.
func (s *Server) OnFinalTranscript(providerID string, text string, words []transcribe.Word) {
	s.mu.Lock()
	s.partial = ""
	s.mu.Unlock()
	s.cancelStopTimer()

	text = strings.TrimSpace(text)
	if text == "" {
		s.logger.Info("recording finished with empty transcript")
		return
	}
	s.metrics.incFinals()
	s.logger.Infof("transcript: %q (%d words)", text, len(words))
	s.recordTranscript(text)

	job := hook.Job{Text: text, Timestamp: time.Now()}
	if !s.hook.ShouldRun(job) {
		s.logger.Debug("hook skipped (cooldown or gating)")
		s.metrics.incHooksSkipped()
		return
	}
	select {
	case s.hookCh <- job:
	default:
		s.metrics.incHooksDropped()
		s.logger.Warn("hook queue full, dropping job")
	}
}

// OnRecognitionError implements provider.Events.
func (s *Server) OnRecognitionError(providerID string, err error) {
	s.metrics.incErrors()
	s.cancelStopTimer()
	s.logger.Errorf("recognition: %v", err)
}

func (s *Server) startRecording(ctx context.Context) error {
	if err := s.manager.StartRecognition(ctx); err != nil {
		return err
	}
	// A runaway recording stops itself at the configured ceiling; the stop
	// path is the same one the user triggers, so the transcript survives.
	if s.cfg.Limits.MaxRecordingSec > 0 {
		d := time.Duration(s.cfg.Limits.MaxRecordingSec) * time.Second
		s.mu.Lock()
		s.stopTimer = time.AfterFunc(d, func() {
			s.logger.Warnf("recording hit the %s limit, stopping", d)
			if err := s.stopRecording(context.Background()); err != nil {
				s.logger.Warnf("stop at recording limit: %v", err)
			}
		})
		s.mu.Unlock()
	}
	return nil
}

func (s *Server) stopRecording(ctx context.Context) error {
	s.cancelStopTimer()
	return s.manager.StopRecognition(ctx)
}

func (s *Server) cancelStopTimer() {
	s.mu.Lock()
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
	s.mu.Unlock()
}

func (s *Server) reload(ctx context.Context) error {
	newCfg, err := config.Load(s.cfg.Paths.ConfigPath)
	if err != nil {
		return err
	}
	if err := s.manager.OnSettingsChanged(ctx, newCfg); err != nil {
		return err
	}
	// The hook runner reads the daemon's own config object, which stops
	// being the manager's after a backend swap; keep it current regardless.
	s.cfg.ApplyRuntimeSettings(newCfg)
	return nil
}

func (s *Server) recordTranscript(text string) {
	entry := control.Transcript{Text: text, Timestamp: time.Now()}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, entry)
	if len(s.transcripts) > s.cfg.UI.StatusTail {
		s.transcripts = s.transcripts[len(s.transcripts)-s.cfg.UI.StatusTail:]
	}
}

func (s *Server) controlLoop(ctx context.Context) {
	ln, err := net.Listen("unix", s.cfg.Paths.SocketPath)
	if err != nil {
		s.logger.Errorf("control listen: %v", err)
		return
	}
	defer func() {
		if err := ln.Close(); err != nil && ctx.Err() == nil {
			s.logger.Warnf("control listener close: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Errorf("control accept: %v", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		if err := conn.Close(); err != nil && ctx.Err() == nil {
			s.logger.Warnf("control connection close: %v", err)
		}
	}()
	sc := bufio.NewScanner(conn)
	if !sc.Scan() {
		return
	}
	var req control.Request
	if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
		return
	}
	switch req.Op {
	case "status":
		_ = json.NewEncoder(conn).Encode(s.status())
	case "health":
		_ = json.NewEncoder(conn).Encode(control.SimpleResponse{OK: true, Message: "ok"})
	case "record-start":
		s.reply(conn, s.startRecording(ctx), "recording")
	case "record-stop":
		s.reply(conn, s.stopRecording(ctx), "stopped")
	case "record-toggle":
		if s.manager.State() == provider.StateListening {
			s.reply(conn, s.stopRecording(ctx), "stopped")
		} else {
			s.reply(conn, s.startRecording(ctx), "recording")
		}
	case "reload":
		s.reply(conn, s.reload(ctx), "reloaded")
	default:
		_ = json.NewEncoder(conn).Encode(control.SimpleResponse{OK: false, Message: fmt.Sprintf("unknown op %q", req.Op)})
	}
}

func (s *Server) reply(conn net.Conn, err error, okMsg string) {
	if err != nil {
		_ = json.NewEncoder(conn).Encode(control.SimpleResponse{OK: false, Message: err.Error()})
		return
	}
	_ = json.NewEncoder(conn).Encode(control.SimpleResponse{OK: true, Message: okMsg})
}

func (s *Server) status() control.Status {
	st := control.Status{
		Running:     true,
		UptimeSec:   time.Since(s.startedAt).Seconds(),
		State:       s.manager.State().String(),
		Transcripts: s.copyTranscripts(),
	}
	if p := s.manager.Active(); p != nil {
		st.Provider = p.Name()
		st.Streaming = p.SupportsStreaming()
	}
	if h, ok := s.sup.Handle(); ok {
		st.ServerPID = h.PID
	}
	s.mu.Lock()
	st.Partial = s.partial
	s.mu.Unlock()
	return st
}

func (s *Server) copyTranscripts() []control.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]control.Transcript, len(s.transcripts))
	copy(out, s.transcripts)
	return out
}
