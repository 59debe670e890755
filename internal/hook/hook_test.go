package hook

import (
	"context"
	"testing"
	"time"

	"dictum/internal/config"
	"dictum/internal/logging"
)

func TestShouldRunCooldown(t *testing.T) {
	cfg, _ := config.Default()
	cfg.Hook.Command = "/bin/echo"
	cfg.Hook.CooldownSec = 0.5
	r := NewRunner(cfg, logging.NewTestLogger())

	job := Job{Text: "test", Timestamp: time.Now()}
	if !r.ShouldRun(job) {
		t.Fatalf("first call should run")
	}
	if err := r.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}
	if r.ShouldRun(job) {
		t.Fatalf("cooldown should block immediate subsequent run")
	}
	time.Sleep(time.Duration(cfg.Hook.CooldownSec*float64(time.Second)) + 20*time.Millisecond)
	if !r.ShouldRun(job) {
		t.Fatalf("should run after cooldown")
	}
}

func TestShouldRunMinChars(t *testing.T) {
	cfg, _ := config.Default()
	cfg.Hook.Command = "/bin/echo"
	cfg.Hook.MinChars = 5
	r := NewRunner(cfg, logging.NewTestLogger())

	if r.ShouldRun(Job{Text: "hi"}) {
		t.Fatalf("short transcript should be gated")
	}
	if !r.ShouldRun(Job{Text: "hello there"}) {
		t.Fatalf("long transcript should pass")
	}
}

func TestShouldRunWithoutCommand(t *testing.T) {
	cfg, _ := config.Default()
	r := NewRunner(cfg, logging.NewTestLogger())
	if r.ShouldRun(Job{Text: "anything"}) {
		t.Fatalf("no command configured, nothing to run")
	}
}

func TestRunUsesPrefixAndEnv(t *testing.T) {
	cfg, _ := config.Default()
	cfg.Hook.Command = "/bin/echo"
	cfg.Hook.Prefix = "pref:"

	r := NewRunner(cfg, logging.NewTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Run(ctx, Job{Text: "hello", Timestamp: time.Now()}); err != nil {
		t.Fatalf("run echo: %v", err)
	}
}

func TestRunnerSeesUpdatedSettings(t *testing.T) {
	cfg, _ := config.Default()
	r := NewRunner(cfg, logging.NewTestLogger())
	if r.ShouldRun(Job{Text: "anything"}) {
		t.Fatalf("no command configured yet")
	}

	reloaded, _ := config.Default()
	reloaded.Hook.Command = "/bin/echo"
	cfg.ApplyRuntimeSettings(reloaded)

	if !r.ShouldRun(Job{Text: "anything"}) {
		t.Fatalf("runner did not pick up the reloaded command")
	}
}

func TestParseArgs(t *testing.T) {
	args, err := ParseArgs(`-t "my title" --urgent`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(args) != 3 || args[1] != "my title" {
		t.Fatalf("args = %v", args)
	}
	empty, err := ParseArgs("   ")
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty parse = %v, %v", empty, err)
	}
}
