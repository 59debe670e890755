package provider

import (
	"context"
	"errors"
	"testing"

	"dictum/internal/config"
	"dictum/internal/logging"
	"dictum/internal/whisperserver"
)

type fakeProvider struct {
	id        string
	name      string
	available bool
	initErr   error
	inits     int
	stops     int
	shutdowns int
	state     State
}

func (f *fakeProvider) Name() string            { return f.name }
func (f *fakeProvider) ID() string              { return f.id }
func (f *fakeProvider) Available() bool         { return f.available }
func (f *fakeProvider) SupportsStreaming() bool { return false }
func (f *fakeProvider) CurrentState() State     { return f.state }

func (f *fakeProvider) Initialize(ctx context.Context) error {
	f.inits++
	return f.initErr
}

func (f *fakeProvider) StartRecognition(ctx context.Context) error {
	f.state = StateListening
	return nil
}

func (f *fakeProvider) StopRecognition(ctx context.Context) error {
	f.stops++
	f.state = StateIdle
	return nil
}

func (f *fakeProvider) Shutdown(ctx context.Context) error {
	f.shutdowns++
	f.state = StateIdle
	return nil
}

func testManager(t *testing.T, cfg *config.Config, ev Events) *Manager {
	t.Helper()
	logger := logging.NewTestLogger()
	sup := whisperserver.NewSupervisor(cfg, logger)
	return NewManager(cfg, logger, sup, nil, ev)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	return cfg
}

func TestActivateUsesConfiguredProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Provider.Name = "local"
	m := testManager(t, cfg, &recordingEvents{})

	fake := &fakeProvider{id: "f1", name: "local", available: true}
	m.builders[KindLocal] = func(*config.Config) Provider { return fake }

	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if fake.inits != 1 {
		t.Fatalf("inits = %d", fake.inits)
	}
	if m.Active() != Provider(fake) {
		t.Fatal("wrong active provider")
	}
}

func TestResolveExplicitCloudWithoutKeyFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Provider.Name = "cloud"
	cfg.Cloud.APIKey = ""
	m := testManager(t, cfg, &recordingEvents{})

	if err := m.Activate(context.Background()); err == nil {
		t.Fatal("expected error for cloud provider without API key")
	}
}

func TestResolveNativeFallsBackToLocal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Provider.Name = "native"
	m := testManager(t, cfg, &recordingEvents{})

	local := &fakeProvider{id: "l1", name: "local", available: true}
	native := &fakeProvider{id: "n1", name: "native", available: false}
	m.builders[KindLocal] = func(*config.Config) Provider { return local }
	m.builders[KindNative] = func(*config.Config) Provider { return native }

	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if m.Active() != Provider(local) {
		t.Fatalf("active = %s, want local fallback", m.Active().Name())
	}
}

func TestSettingsChangeRuntimeOnlyUpdatesInPlace(t *testing.T) {
	cfg := testConfig(t)
	ev := &recordingEvents{}
	m := testManager(t, cfg, ev)

	fake := &fakeProvider{id: "f1", name: "local", available: true}
	m.builders[KindLocal] = func(*config.Config) Provider { return fake }
	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	newCfg := testConfig(t)
	newCfg.Streaming.SilenceThreshold = 900
	newCfg.Hook.Prefix = "note:"
	if err := m.OnSettingsChanged(context.Background(), newCfg); err != nil {
		t.Fatalf("settings change: %v", err)
	}
	if fake.inits != 1 {
		t.Fatalf("runtime change reinitialized the provider (%d inits)", fake.inits)
	}
	if fake.shutdowns != 0 {
		t.Fatalf("runtime change shut the provider down")
	}
	if got := cfg.StreamingSnapshot().SilenceThreshold; got != 900 {
		t.Fatalf("silence threshold not applied in place: %v", got)
	}
	if got := cfg.HookSnapshot().Prefix; got != "note:" {
		t.Fatalf("hook prefix not applied in place: %q", got)
	}

	// The neutral refresh event carries no real transition.
	changes := ev.stateChanges()
	last := changes[len(changes)-1]
	if last.Old != StateIdle || last.New != StateIdle {
		t.Fatalf("neutral event = %+v", last)
	}
}

func TestRepeatedRuntimeUpdatesReachActiveConfig(t *testing.T) {
	cfg := testConfig(t)
	m := testManager(t, cfg, &recordingEvents{})

	fake := &fakeProvider{id: "f1", name: "local", available: true}
	m.builders[KindLocal] = func(*config.Config) Provider { return fake }
	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// Successive reloads must each land in the config object the provider
	// was built with, not in the previous reload's object.
	for _, prefix := range []string{"first:", "second:"} {
		newCfg := testConfig(t)
		newCfg.Hook.Prefix = prefix
		if err := m.OnSettingsChanged(context.Background(), newCfg); err != nil {
			t.Fatalf("settings change %q: %v", prefix, err)
		}
	}
	if got := cfg.HookSnapshot().Prefix; got != "second:" {
		t.Fatalf("second update lost: provider config still reads %q", got)
	}
	if fake.inits != 1 || fake.shutdowns != 0 {
		t.Fatalf("runtime updates rebuilt the provider (inits=%d shutdowns=%d)", fake.inits, fake.shutdowns)
	}
}

func TestSettingsChangeLanguageSwapsProvider(t *testing.T) {
	cfg := testConfig(t)
	m := testManager(t, cfg, &recordingEvents{})

	first := &fakeProvider{id: "f1", name: "local", available: true}
	second := &fakeProvider{id: "f2", name: "local", available: true}
	current := first
	m.builders[KindLocal] = func(*config.Config) Provider { return current }

	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	current = second
	newCfg := testConfig(t)
	newCfg.Provider.Language = "de"
	if err := m.OnSettingsChanged(context.Background(), newCfg); err != nil {
		t.Fatalf("settings change: %v", err)
	}
	if m.Active() != Provider(second) {
		t.Fatal("language change did not rebuild the provider")
	}
	if first.shutdowns != 1 || second.inits != 1 {
		t.Fatalf("swap not completed (shutdowns=%d inits=%d)", first.shutdowns, second.inits)
	}
}

func TestSettingsChangeModelSwapsProvider(t *testing.T) {
	cfg := testConfig(t)
	m := testManager(t, cfg, &recordingEvents{})

	first := &fakeProvider{id: "f1", name: "local", available: true}
	second := &fakeProvider{id: "f2", name: "local", available: true}
	current := first
	m.builders[KindLocal] = func(*config.Config) Provider { return current }

	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	current = second
	newCfg := testConfig(t)
	newCfg.Server.ModelPath = "/models/ggml-small.bin"
	if err := m.OnSettingsChanged(context.Background(), newCfg); err != nil {
		t.Fatalf("settings change: %v", err)
	}
	if m.Active() != Provider(second) {
		t.Fatal("provider not swapped")
	}
	if first.shutdowns != 1 {
		t.Fatalf("old provider shutdowns = %d", first.shutdowns)
	}
	if second.inits != 1 {
		t.Fatalf("new provider inits = %d", second.inits)
	}
}

func TestSettingsChangeStopsListeningProviderFirst(t *testing.T) {
	cfg := testConfig(t)
	m := testManager(t, cfg, &recordingEvents{})

	first := &fakeProvider{id: "f1", name: "local", available: true}
	second := &fakeProvider{id: "f2", name: "local", available: true}
	current := first
	m.builders[KindLocal] = func(*config.Config) Provider { return current }

	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := m.StartRecognition(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	current = second
	newCfg := testConfig(t)
	newCfg.Server.ModelPath = "/models/ggml-small.bin"
	if err := m.OnSettingsChanged(context.Background(), newCfg); err != nil {
		t.Fatalf("settings change: %v", err)
	}
	if first.stops != 1 {
		t.Fatalf("listening provider not stopped before swap (stops = %d)", first.stops)
	}
}

func TestSettingsChangeAbortKeepsPreviousProvider(t *testing.T) {
	cfg := testConfig(t)
	m := testManager(t, cfg, &recordingEvents{})

	first := &fakeProvider{id: "f1", name: "local", available: true}
	broken := &fakeProvider{id: "f2", name: "local", available: true, initErr: errors.New("model corrupt")}
	current := first
	m.builders[KindLocal] = func(*config.Config) Provider { return current }

	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	current = broken
	newCfg := testConfig(t)
	newCfg.Server.ModelPath = "/models/ggml-broken.bin"
	if err := m.OnSettingsChanged(context.Background(), newCfg); err == nil {
		t.Fatal("expected swap failure")
	}
	if m.Active() != Provider(first) {
		t.Fatal("failed swap did not keep the previous provider active")
	}
	if first.shutdowns != 0 {
		t.Fatal("previous provider was shut down despite the failed swap")
	}
}

func TestStaleProviderEventsAreFiltered(t *testing.T) {
	cfg := testConfig(t)
	ev := &recordingEvents{}
	m := testManager(t, cfg, ev)

	fake := &fakeProvider{id: "f1", name: "local", available: true}
	m.builders[KindLocal] = func(*config.Config) Provider { return fake }
	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// Events from the active instance pass through.
	m.OnPartialTranscript("f1", "hello")
	// A swapped-out provider firing a late callback is dropped.
	m.OnPartialTranscript("old-instance", "stale text")
	m.OnFinalTranscript("old-instance", "stale final", nil)

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if len(ev.partials) != 1 || ev.partials[0] != "hello" {
		t.Fatalf("partials = %v", ev.partials)
	}
	if len(ev.finals) != 0 {
		t.Fatalf("stale final leaked through: %v", ev.finals)
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"":       KindLocal,
		"local":  KindLocal,
		"Cloud":  KindCloud,
		"NATIVE": KindNative,
	}
	for in, want := range cases {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseKind("whisperx"); err == nil {
		t.Fatal("unknown provider accepted")
	}
}
