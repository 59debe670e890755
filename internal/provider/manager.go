package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"dictum/internal/audio"
	"dictum/internal/config"
	"dictum/internal/transcribe"
	"dictum/internal/whisperserver"

	"github.com/sirupsen/logrus"
)

// Kind enumerates the recognition backends.
type Kind int

const (
	KindLocal Kind = iota
	KindCloud
	KindNative
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindCloud:
		return "cloud"
	case KindNative:
		return "native"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a config value to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "local":
		return KindLocal, nil
	case "cloud":
		return KindCloud, nil
	case "native":
		return KindNative, nil
	default:
		return KindLocal, fmt.Errorf("unknown provider %q (want local, cloud, or native)", s)
	}
}

type builder func(cfg *config.Config) Provider

// Manager owns the active provider and the swap protocol around settings
// changes. It sits between providers and the downstream event consumer,
// forwarding only events whose provider ID matches the currently active
// instance; a swapped-out provider that fires late callbacks is silenced by
// the ID check rather than by comparing object references.
type Manager struct {
	logger     *logrus.Logger
	downstream Events
	builders   map[Kind]builder

	mu       sync.Mutex
	cfg      *config.Config
	active   Provider
	activeID string
}

func NewManager(cfg *config.Config, logger *logrus.Logger, sup *whisperserver.Supervisor, factory audio.CaptureFactory, downstream Events) *Manager {
	m := &Manager{
		logger:     logger,
		downstream: downstream,
		cfg:        cfg,
	}
	m.builders = map[Kind]builder{
		KindLocal: func(c *config.Config) Provider {
			return NewLocalProvider(c, logger, sup, factory, m)
		},
		KindCloud: func(c *config.Config) Provider {
			return NewCloudProvider(c, logger, factory, m)
		},
		KindNative: func(c *config.Config) Provider {
			return NewNativeProvider(c, logger, factory, m)
		},
	}
	return m
}

// Activate resolves and initializes the provider named in the configuration.
func (m *Manager) Activate(ctx context.Context) error {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	p, err := m.resolve(cfg)
	if err != nil {
		return err
	}
	if err := p.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize %s provider: %w", p.Name(), err)
	}

	m.mu.Lock()
	old := m.active
	m.active = p
	m.activeID = p.ID()
	m.mu.Unlock()

	if old != nil {
		_ = old.Shutdown(ctx)
	}
	m.logger.Infof("provider active: %s", p.Name())
	return nil
}

// resolve picks a provider for cfg. An unavailable native provider falls
// back to local; an explicitly requested cloud provider without an API key
// is an error, never a silent fallback onto a different backend.
func (m *Manager) resolve(cfg *config.Config) (Provider, error) {
	kind, err := ParseKind(cfg.Provider.Name)
	if err != nil {
		return nil, err
	}

	p := m.builders[kind](cfg)
	if p.Available() {
		return p, nil
	}

	switch kind {
	case KindCloud:
		return nil, fmt.Errorf("cloud provider requested but no API key is configured")
	case KindNative:
		m.logger.Warnf("native provider unavailable, falling back to local")
		return m.builders[KindLocal](cfg), nil
	default:
		// Local stays selected even when the binary or model is missing:
		// Initialize surfaces the concrete error, which is more useful
		// than a silent switch.
		return p, nil
	}
}

// OnSettingsChanged applies a new configuration. A change confined to
// streaming and hook parameters updates the running provider in place;
// anything that affects provider construction, the language included, swaps
// in a freshly initialized instance, and only after the new one initializes
// successfully is the old one shut down. A failed swap keeps the previous
// provider active.
func (m *Manager) OnSettingsChanged(ctx context.Context, newCfg *config.Config) error {
	m.mu.Lock()
	oldCfg := m.cfg
	active := m.active
	activeID := m.activeID
	m.mu.Unlock()

	if active == nil {
		m.mu.Lock()
		m.cfg = newCfg
		m.mu.Unlock()
		return m.Activate(ctx)
	}

	if sameBackend(oldCfg, newCfg) {
		// Cheap update: streaming and hook parameters land in the config
		// object the running provider already holds, so they take effect on
		// the next tick. The pointer is not replaced; replacing it would
		// strand the provider, engine, and hook runner on a stale object.
		m.mu.Lock()
		m.cfg.ApplyRuntimeSettings(newCfg)
		m.mu.Unlock()
		// Neutral event so status consumers refresh without inferring a
		// restart.
		if m.downstream != nil {
			m.downstream.OnStateChange(activeID, StateChange{Old: StateIdle, New: StateIdle})
		}
		m.logger.Infof("settings updated in place")
		return nil
	}

	// A listening provider finishes its recording first so the final
	// transcript is not lost to the swap.
	if active.CurrentState() == StateListening {
		if err := active.StopRecognition(ctx); err != nil {
			m.logger.Warnf("stop before provider swap: %v", err)
		}
	}

	next, err := m.resolve(newCfg)
	if err != nil {
		return err
	}
	if err := next.Initialize(ctx); err != nil {
		// The previous provider stays active; the caller sees the error
		// and the old configuration keeps working.
		return fmt.Errorf("initialize %s provider: %w", next.Name(), err)
	}

	m.mu.Lock()
	m.cfg = newCfg
	m.active = next
	m.activeID = next.ID()
	m.mu.Unlock()

	_ = active.Shutdown(ctx)
	m.logger.Infof("provider swapped: %s -> %s", active.Name(), next.Name())
	return nil
}

// sameBackend reports whether two configurations build the same provider
// instance, ignoring settings that apply to a running provider in place. A
// language change counts as a backend change: the recognition session has to
// be rebuilt for it, so it goes through the full swap path.
func sameBackend(a, b *config.Config) bool {
	if a.Provider.Name != b.Provider.Name {
		return false
	}
	if a.Provider.Language != b.Provider.Language {
		return false
	}
	if a.Server != b.Server {
		return false
	}
	if a.Cloud != b.Cloud {
		return false
	}
	if a.Audio != b.Audio {
		return false
	}
	return true
}

// StartRecognition begins a recording on the active provider.
func (m *Manager) StartRecognition(ctx context.Context) error {
	p := m.Active()
	if p == nil {
		return fmt.Errorf("no active provider")
	}
	return p.StartRecognition(ctx)
}

// StopRecognition ends the recording; the final transcript arrives through
// the event sink before this returns.
func (m *Manager) StopRecognition(ctx context.Context) error {
	p := m.Active()
	if p == nil {
		return fmt.Errorf("no active provider")
	}
	return p.StopRecognition(ctx)
}

// Active returns the current provider, or nil before Activate.
func (m *Manager) Active() Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// State reports the active provider's lifecycle state.
func (m *Manager) State() State {
	p := m.Active()
	if p == nil {
		return StateIdle
	}
	return p.CurrentState()
}

// Shutdown releases the active provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	p := m.active
	m.active = nil
	m.activeID = ""
	m.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Shutdown(ctx)
}

// isActive filters events from swapped-out providers.
func (m *Manager) isActive(providerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return providerID != "" && providerID == m.activeID
}

func (m *Manager) OnStateChange(providerID string, change StateChange) {
	if !m.isActive(providerID) || m.downstream == nil {
		return
	}
	m.downstream.OnStateChange(providerID, change)
}

func (m *Manager) OnPartialTranscript(providerID string, text string) {
	if !m.isActive(providerID) || m.downstream == nil {
		return
	}
	m.downstream.OnPartialTranscript(providerID, text)
}

func (m *Manager) OnFinalTranscript(providerID string, text string, words []transcribe.Word) {
	if !m.isActive(providerID) || m.downstream == nil {
		return
	}
	m.downstream.OnFinalTranscript(providerID, text, words)
}

func (m *Manager) OnRecognitionError(providerID string, err error) {
	if !m.isActive(providerID) || m.downstream == nil {
		return
	}
	m.downstream.OnRecognitionError(providerID, err)
}
