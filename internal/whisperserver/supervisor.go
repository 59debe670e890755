package whisperserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dictum/internal/config"

	"github.com/sirupsen/logrus"
)

var (
	// ErrUnavailable means the server binary or model file is missing.
	ErrUnavailable = errors.New("inference server unavailable")
	// ErrTimeout means the server did not become healthy within the bounded
	// polling window.
	ErrTimeout = errors.New("inference server did not become healthy in time")
)

// Handle describes a running inference-server process.
type Handle struct {
	PID       int
	Port      int
	Model     string
	StartedAt time.Time
}

// Supervisor owns the lifecycle of the local inference server: start,
// health-check, reuse across application restarts, orphan cleanup, and
// restart on model change. It is passed by reference to every provider that
// needs it; there is no package-level instance.
type Supervisor struct {
	cfg    *config.Config
	logger *logrus.Logger

	mu      sync.Mutex
	handle  *Handle
	healthy bool

	httpc *http.Client

	// Seams for tests; defaulted in NewSupervisor.
	startProcess func(model string, port int) (int, error)
	processName  func(pid int) (string, error)
	alive        func(pid int) bool
	terminate    func(pid int) error
	kill         func(pid int) error
}

func NewSupervisor(cfg *config.Config, logger *logrus.Logger) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		logger: logger,
		httpc:  &http.Client{Timeout: 2 * time.Second},
	}
	s.startProcess = s.spawn
	s.processName = osProcessName
	s.alive = processAlive
	s.terminate = func(pid int) error { return signalProcess(pid, syscall.SIGTERM) }
	s.kill = func(pid int) error { return signalProcess(pid, syscall.SIGKILL) }
	return s
}

// Handle returns a copy of the current process handle, if any.
func (s *Supervisor) Handle() (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return Handle{}, false
	}
	return *s.handle, true
}

// MarkUnhealthy drops the known-alive assumption so the next EnsureRunning
// re-verifies the server. Called by the client on transport failures.
func (s *Supervisor) MarkUnhealthy() {
	s.mu.Lock()
	s.healthy = false
	s.mu.Unlock()
}

// Probe reports whether a server answers on port right now.
func (s *Supervisor) Probe(ctx context.Context, port int) bool {
	return s.probeHealth(ctx, port)
}

// EnsureRunning guarantees an inference server loaded with model is
// reachable on port. The whole check-adopt-spawn sequence runs under one
// lock so concurrent callers cannot race into two processes for the same
// port.
func (s *Supervisor) EnsureRunning(ctx context.Context, model string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Fast path: tracked process, still alive, right model.
	if s.handle != nil && s.handle.Model == model && s.handle.Port == port && s.alive(s.handle.PID) {
		if s.healthy {
			return nil
		}
		if s.probeHealth(ctx, port) {
			s.healthy = true
			return nil
		}
		// Alive but not answering; fall through to restart.
	}

	// Model or port changed, or the tracked server stopped answering: stop
	// it before spawning a replacement.
	if s.handle != nil {
		if s.handle.Model != model {
			s.logger.Infof("restarting inference server (model %s -> %s)", filepath.Base(s.handle.Model), filepath.Base(model))
		} else {
			s.logger.Warnf("inference server unresponsive, restarting (pid %d)", s.handle.PID)
		}
		if err := s.stopLocked(); err != nil {
			return err
		}
	}

	// A previous application instance may have left a server running.
	if pid, err := s.readRecord(); err == nil && pid > 0 {
		if s.probeHealth(ctx, port) && s.nameMatches(pid) {
			s.logger.Infof("adopting running inference server (pid %d, port %d)", pid, port)
			s.handle = &Handle{PID: pid, Port: port, Model: model, StartedAt: time.Now()}
			s.healthy = true
			return nil
		}
		s.reapStale(pid)
	}

	return s.spawnLocked(ctx, model, port)
}

// reapStale terminates a recorded process from a previous run, but only
// after verifying the executable name still matches: a PID can be reused by
// an unrelated program, which must never be touched.
func (s *Supervisor) reapStale(pid int) {
	if s.alive(pid) {
		if s.nameMatches(pid) {
			s.logger.Infof("stopping stale inference server (pid %d)", pid)
			_ = s.terminate(pid)
			s.waitGone(pid, 5*time.Second)
			if s.alive(pid) {
				_ = s.kill(pid)
			}
		} else {
			s.logger.Warnf("pid record %d belongs to another program; leaving it alone", pid)
		}
	}
	s.removeRecord()
}

func (s *Supervisor) spawnLocked(ctx context.Context, model string, port int) error {
	if _, err := os.Stat(s.cfg.Server.BinaryPath); err != nil {
		return fmt.Errorf("%w: binary %s: %v", ErrUnavailable, s.cfg.Server.BinaryPath, err)
	}
	if _, err := os.Stat(model); err != nil {
		return fmt.Errorf("%w: model %s: %v", ErrUnavailable, model, err)
	}

	pid, err := s.startProcess(model, port)
	if err != nil {
		return fmt.Errorf("start inference server: %w", err)
	}
	if err := s.writeRecord(pid); err != nil {
		s.logger.Warnf("write server pid record: %v", err)
	}
	s.logger.Infof("inference server started (pid %d, port %d, model %s)", pid, port, filepath.Base(model))

	interval := time.Duration(s.cfg.Server.HealthIntervalMS) * time.Millisecond
	attempts := s.cfg.Server.HealthAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if s.probeHealth(ctx, port) {
			s.handle = &Handle{PID: pid, Port: port, Model: model, StartedAt: time.Now()}
			s.healthy = true
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	// The record stays: if the server comes up late, the next EnsureRunning
	// adopts it instead of spawning a second one.
	return fmt.Errorf("%w (after %d attempts)", ErrTimeout, attempts)
}

// StopServer terminates the tracked process. Idempotent; the PID record is
// removed only once termination is confirmed, so an actually-alive process
// is never orphaned from its record.
func (s *Supervisor) StopServer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Supervisor) stopLocked() error {
	pid := 0
	if s.handle != nil {
		pid = s.handle.PID
	} else if recorded, err := s.readRecord(); err == nil {
		if recorded > 0 && s.nameMatches(recorded) {
			pid = recorded
		}
	}
	s.handle = nil
	s.healthy = false
	if pid == 0 || !s.alive(pid) {
		s.removeRecord()
		return nil
	}
	if err := s.terminate(pid); err != nil {
		s.logger.Warnf("terminate inference server: %v", err)
	}
	s.waitGone(pid, 5*time.Second)
	if s.alive(pid) {
		_ = s.kill(pid)
		s.waitGone(pid, 2*time.Second)
	}
	if s.alive(pid) {
		return fmt.Errorf("inference server pid %d did not exit", pid)
	}
	s.removeRecord()
	return nil
}

func (s *Supervisor) waitGone(pid int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !s.alive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (s *Supervisor) probeHealth(ctx context.Context, port int) bool {
	url := fmt.Sprintf("http://%s:%d/", s.cfg.Server.Host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (s *Supervisor) nameMatches(pid int) bool {
	name, err := s.processName(pid)
	if err != nil {
		return false
	}
	want := filepath.Base(s.cfg.Server.BinaryPath)
	name = strings.TrimSpace(filepath.Base(name))
	// /proc comm truncates long names; accept a prefix match either way.
	return strings.HasPrefix(want, name) || strings.HasPrefix(name, want)
}

func (s *Supervisor) spawn(model string, port int) (int, error) {
	args := []string{
		"--model", model,
		"--host", s.cfg.Server.Host,
		"--port", strconv.Itoa(port),
	}
	if !s.cfg.Server.UseGPU {
		args = append(args, "--no-gpu")
	}
	cmd := exec.Command(s.cfg.Server.BinaryPath, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	// Reap so a crashed server does not linger as a zombie.
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}

func (s *Supervisor) readRecord() (int, error) {
	data, err := os.ReadFile(s.cfg.Paths.ServerPidPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, err
	}
	return pid, nil
}

func (s *Supervisor) writeRecord(pid int) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.Paths.ServerPidPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.cfg.Paths.ServerPidPath, []byte(strconv.Itoa(pid)), 0o644)
}

func (s *Supervisor) removeRecord() {
	if err := os.Remove(s.cfg.Paths.ServerPidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warnf("remove server pid record: %v", err)
	}
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func signalProcess(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

func osProcessName(pid int) (string, error) {
	if data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid)); err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "comm=").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
