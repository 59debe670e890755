package hook

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"dictum/internal/config"

	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

// Job represents a hook invocation request.
type Job struct {
	Text      string
	Timestamp time.Time
}

// Runner executes the configured command with cooldown and prefix handling.
// Final transcripts are handed to it after every completed recording.
type Runner struct {
	cfg      *config.Config
	logger   *logrus.Logger
	mu       sync.Mutex
	lastRun  time.Time
	hostname string
}

func NewRunner(cfg *config.Config, logger *logrus.Logger) *Runner {
	host, _ := os.Hostname()
	return &Runner{
		cfg:      cfg,
		logger:   logger,
		hostname: host,
	}
}

// ShouldRun reports whether job passes cooldown and minimum-length gating.
func (r *Runner) ShouldRun(job Job) bool {
	h := r.cfg.HookSnapshot()
	if h.Command == "" {
		return false
	}
	if h.MinChars > 0 && len(strings.TrimSpace(job.Text)) < h.MinChars {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.CooldownSec <= 0 {
		return true
	}
	return time.Since(r.lastRun).Seconds() >= h.CooldownSec
}

// Run executes the configured command with the transcript payload.
func (r *Runner) Run(ctx context.Context, job Job) error {
	r.mu.Lock()
	r.lastRun = time.Now()
	r.mu.Unlock()

	h := r.cfg.HookSnapshot()
	if h.Command == "" {
		return fmt.Errorf("no hook.command configured")
	}
	args := append([]string{}, h.Args...)

	prefix := strings.ReplaceAll(h.Prefix, "${hostname}", r.hostname)
	payload := strings.TrimSpace(prefix + job.Text)
	args = append(args, payload)

	runCtx := ctx
	var cancel context.CancelFunc
	if h.TimeoutSec > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(float64(time.Second)*h.TimeoutSec))
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, h.Command, args...)
	cmd.Env = os.Environ()
	for k, v := range h.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = append(cmd.Env, fmt.Sprintf("DICTUM_TEXT=%s", job.Text))
	cmd.Env = append(cmd.Env, fmt.Sprintf("DICTUM_PREFIX=%s", prefix))

	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		r.logger.Infof("hook output: %s", strings.TrimSpace(string(out)))
	}
	if err != nil {
		return fmt.Errorf("hook failed: %w", err)
	}
	return nil
}

// ParseArgs allows hook.args to be configured as a single string.
func ParseArgs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{}, nil
	}
	return shlex.Split(raw)
}
