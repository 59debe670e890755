package whisperserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"dictum/internal/config"
	"dictum/internal/logging"
)

// testServer runs a fake health endpoint on 127.0.0.1 and reports its port.
func testServer(t *testing.T, healthy *atomic.Bool) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

type fakeOS struct {
	mu       sync.Mutex
	names    map[int]string
	spawned  []int
	killed   []int
	nextPID  int
	onSpawn  func(pid int)
	spawnErr error
}

func newFakeOS() *fakeOS {
	return &fakeOS{names: map[int]string{}, nextPID: 4000}
}

func (f *fakeOS) install(s *Supervisor, execName string) {
	s.startProcess = func(model string, port int) (int, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.spawnErr != nil {
			return 0, f.spawnErr
		}
		f.nextPID++
		pid := f.nextPID
		f.names[pid] = execName
		f.spawned = append(f.spawned, pid)
		if f.onSpawn != nil {
			f.onSpawn(pid)
		}
		return pid, nil
	}
	s.processName = func(pid int) (string, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		name, ok := f.names[pid]
		if !ok {
			return "", fmt.Errorf("no such process %d", pid)
		}
		return name, nil
	}
	s.alive = func(pid int) bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		_, ok := f.names[pid]
		return ok
	}
	s.terminate = func(pid int) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.names, pid)
		f.killed = append(f.killed, pid)
		return nil
	}
	s.kill = s.terminate
}

func (f *fakeOS) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func (f *fakeOS) killedPIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.killed...)
}

func (f *fakeOS) addProcess(pid int, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names[pid] = name
}

func testSupervisor(t *testing.T) (*Supervisor, *fakeOS, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.Paths.ServerPidPath = filepath.Join(dir, "whisper-server.pid")
	cfg.Server.BinaryPath = filepath.Join(dir, "whisper-server")
	cfg.Server.ModelPath = filepath.Join(dir, "ggml-base.bin")
	cfg.Server.HealthIntervalMS = 5
	cfg.Server.HealthAttempts = 5
	if err := os.WriteFile(cfg.Server.BinaryPath, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	if err := os.WriteFile(cfg.Server.ModelPath, []byte("model"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}

	s := NewSupervisor(cfg, logging.NewTestLogger())
	f := newFakeOS()
	f.install(s, "whisper-server")
	return s, f, cfg
}

func TestEnsureRunningSpawnsAndRecordsPID(t *testing.T) {
	s, f, cfg := testSupervisor(t)
	var healthy atomic.Bool
	healthy.Store(true)
	port := testServer(t, &healthy)

	if err := s.EnsureRunning(context.Background(), cfg.Server.ModelPath, port); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if f.spawnCount() != 1 {
		t.Fatalf("spawned %d processes", f.spawnCount())
	}
	data, err := os.ReadFile(cfg.Paths.ServerPidPath)
	if err != nil {
		t.Fatalf("pid record: %v", err)
	}
	pid, _ := strconv.Atoi(string(data))
	if h, ok := s.Handle(); !ok || h.PID != pid {
		t.Fatalf("handle %+v does not match record %d", h, pid)
	}

	// Second call with the same model is a no-op.
	if err := s.EnsureRunning(context.Background(), cfg.Server.ModelPath, port); err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if f.spawnCount() != 1 {
		t.Fatalf("no-op ensure spawned another process")
	}
}

func TestEnsureRunningAdoptsMatchingRecordedProcess(t *testing.T) {
	s, f, cfg := testSupervisor(t)
	var healthy atomic.Bool
	healthy.Store(true)
	port := testServer(t, &healthy)

	// A previous app instance left a healthy server behind.
	f.addProcess(7777, "whisper-server")
	if err := os.WriteFile(cfg.Paths.ServerPidPath, []byte("7777"), 0o644); err != nil {
		t.Fatalf("write record: %v", err)
	}

	if err := s.EnsureRunning(context.Background(), cfg.Server.ModelPath, port); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if f.spawnCount() != 0 {
		t.Fatalf("adoption must not spawn, spawned %d", f.spawnCount())
	}
	if h, ok := s.Handle(); !ok || h.PID != 7777 {
		t.Fatalf("expected adopted handle, got %+v", h)
	}
}

func TestEnsureRunningNeverKillsForeignProcess(t *testing.T) {
	s, f, cfg := testSupervisor(t)
	var healthy atomic.Bool // unhealthy: adoption probe fails
	port := testServer(t, &healthy)

	// PID record points at a live process that is not ours.
	f.addProcess(8888, "postgres")
	if err := os.WriteFile(cfg.Paths.ServerPidPath, []byte("8888"), 0o644); err != nil {
		t.Fatalf("write record: %v", err)
	}

	healthyLater := func(pid int) { healthy.Store(true) }
	f.onSpawn = healthyLater

	if err := s.EnsureRunning(context.Background(), cfg.Server.ModelPath, port); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	for _, pid := range f.killedPIDs() {
		if pid == 8888 {
			t.Fatalf("foreign process was terminated")
		}
	}
	if f.spawnCount() != 1 {
		t.Fatalf("expected a fresh spawn, got %d", f.spawnCount())
	}
}

func TestEnsureRunningReapsStaleOwnProcess(t *testing.T) {
	s, f, cfg := testSupervisor(t)
	var healthy atomic.Bool
	port := testServer(t, &healthy)

	// Our own orphan, no longer answering health checks.
	f.addProcess(9999, "whisper-server")
	if err := os.WriteFile(cfg.Paths.ServerPidPath, []byte("9999"), 0o644); err != nil {
		t.Fatalf("write record: %v", err)
	}
	f.onSpawn = func(pid int) { healthy.Store(true) }

	if err := s.EnsureRunning(context.Background(), cfg.Server.ModelPath, port); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	killed := f.killedPIDs()
	if len(killed) == 0 || killed[0] != 9999 {
		t.Fatalf("stale own process not reaped: %v", killed)
	}
}

func TestEnsureRunningRestartsOnModelChange(t *testing.T) {
	s, f, cfg := testSupervisor(t)
	var healthy atomic.Bool
	healthy.Store(true)
	port := testServer(t, &healthy)

	otherModel := filepath.Join(filepath.Dir(cfg.Server.ModelPath), "ggml-small.bin")
	if err := os.WriteFile(otherModel, []byte("model"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}

	if err := s.EnsureRunning(context.Background(), cfg.Server.ModelPath, port); err != nil {
		t.Fatalf("ensure base: %v", err)
	}
	first, _ := s.Handle()

	if err := s.EnsureRunning(context.Background(), otherModel, port); err != nil {
		t.Fatalf("ensure small: %v", err)
	}
	second, _ := s.Handle()

	if f.spawnCount() != 2 {
		t.Fatalf("expected restart, spawned %d", f.spawnCount())
	}
	if len(f.killedPIDs()) == 0 || f.killedPIDs()[0] != first.PID {
		t.Fatalf("old process not stopped before new spawn")
	}
	if second.Model != otherModel {
		t.Fatalf("handle model = %s", second.Model)
	}
}

func TestEnsureRunningConcurrentCallsSpawnOnce(t *testing.T) {
	s, f, cfg := testSupervisor(t)
	var healthy atomic.Bool
	healthy.Store(true)
	port := testServer(t, &healthy)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.EnsureRunning(context.Background(), cfg.Server.ModelPath, port)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("ensure %d: %v", i, err)
		}
	}
	if f.spawnCount() != 1 {
		t.Fatalf("concurrent ensures spawned %d processes", f.spawnCount())
	}
}

func TestEnsureRunningTimeout(t *testing.T) {
	s, _, cfg := testSupervisor(t)
	var healthy atomic.Bool // never healthy
	port := testServer(t, &healthy)

	err := s.EnsureRunning(context.Background(), cfg.Server.ModelPath, port)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if _, ok := s.Handle(); ok {
		t.Fatalf("no handle should be recorded on timeout")
	}
}

func TestEnsureRunningUnavailableBinary(t *testing.T) {
	s, _, cfg := testSupervisor(t)
	if err := os.Remove(cfg.Server.BinaryPath); err != nil {
		t.Fatalf("remove binary: %v", err)
	}
	err := s.EnsureRunning(context.Background(), cfg.Server.ModelPath, 1)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestStopServerIdempotentAndRemovesRecord(t *testing.T) {
	s, f, cfg := testSupervisor(t)
	var healthy atomic.Bool
	healthy.Store(true)
	port := testServer(t, &healthy)

	if err := s.EnsureRunning(context.Background(), cfg.Server.ModelPath, port); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := s.StopServer(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(cfg.Paths.ServerPidPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("pid record not removed after confirmed stop")
	}
	if err := s.StopServer(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if len(f.killedPIDs()) != 1 {
		t.Fatalf("killed %v", f.killedPIDs())
	}
}

func TestMarkUnhealthyForcesReprobe(t *testing.T) {
	s, f, cfg := testSupervisor(t)
	var healthy atomic.Bool
	healthy.Store(true)
	port := testServer(t, &healthy)

	if err := s.EnsureRunning(context.Background(), cfg.Server.ModelPath, port); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	s.MarkUnhealthy()

	// Server still answers: re-verified without a restart.
	if err := s.EnsureRunning(context.Background(), cfg.Server.ModelPath, port); err != nil {
		t.Fatalf("ensure after invalidate: %v", err)
	}
	if f.spawnCount() != 1 {
		t.Fatalf("reprobe must not respawn, spawned %d", f.spawnCount())
	}
}
