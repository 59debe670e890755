package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultServerPort    = 8178
	defaultTickMS        = 1500
	defaultSilenceWindow = 2000
	defaultCooldown      = 1.0
	defaultStatusTail    = 10
	defaultStateDirLinux = ".local/state/dictum"
	defaultConfigDir     = ".config/dictum"
)

// StreamingSettings and HookSettings can change mid-session: the daemon
// rewrites them in place on reload while a running recording reads them, so
// every access goes through the snapshot accessors below.
type StreamingSettings struct {
	Enabled          bool    `toml:"enabled"`
	IntervalMS       int     `toml:"interval_ms"`
	SilenceThreshold float64 `toml:"silence_threshold"` // RMS over int16 samples
	SilenceWindowMS  int     `toml:"silence_window_ms"`
	MinFinalBytes    int     `toml:"min_final_bytes"`
}

type HookSettings struct {
	Command     string            `toml:"command"`
	Args        []string          `toml:"args"`
	Prefix      string            `toml:"prefix"`
	CooldownSec float64           `toml:"cooldown_sec"`
	MinChars    int               `toml:"min_chars"`
	TimeoutSec  float64           `toml:"timeout_sec"`
	Env         map[string]string `toml:"env"`
}

// Config holds user configuration loaded from TOML.
type Config struct {
	Provider struct {
		Name     string `toml:"name"`     // local, cloud, native
		Language string `toml:"language"` // ISO code or "auto"
	} `toml:"provider"`

	Audio struct {
		DeviceName string `toml:"device_name"`
		SampleRate int    `toml:"sample_rate"`
		Channels   int    `toml:"channels"`
		FrameMS    int    `toml:"frame_ms"`
	} `toml:"audio"`

	Server struct {
		BinaryPath       string `toml:"binary_path"`
		ModelPath        string `toml:"model_path"`
		Host             string `toml:"host"`
		Port             int    `toml:"port"`
		UseGPU           bool   `toml:"use_gpu"`
		HealthIntervalMS int    `toml:"health_interval_ms"`
		HealthAttempts   int    `toml:"health_attempts"`
	} `toml:"server"`

	Streaming StreamingSettings `toml:"streaming"`

	Cloud struct {
		APIKey string `toml:"api_key"`
		URL    string `toml:"url"`
	} `toml:"cloud"`

	Hook HookSettings `toml:"hook"`

	Limits struct {
		MaxRecordingSec int `toml:"max_recording_sec"`
	} `toml:"limits"`

	Logging struct {
		Level  string `toml:"level"`  // debug, info, warn, error
		Format string `toml:"format"` // text, json
		Stdout bool   `toml:"stdout"`
	} `toml:"logging"`

	Paths struct {
		StateDir      string `toml:"state_dir"`
		LogPath       string `toml:"log_path"`
		SocketPath    string `toml:"socket_path"`
		PidPath       string `toml:"pid_path"`
		ServerPidPath string `toml:"server_pid_path"`
		ConfigPath    string `toml:"-"`
	} `toml:"paths"`

	UI struct {
		StatusTail int `toml:"status_tail"`
	} `toml:"ui"`

	Metrics struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
	} `toml:"metrics"`

	// Guards the runtime-tunable sections (Streaming, Hook) against reads
	// from an active recording while a reload rewrites them.
	settingsMu sync.RWMutex
}

// StreamingSnapshot returns a consistent copy of the streaming settings.
func (c *Config) StreamingSnapshot() StreamingSettings {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	return c.Streaming
}

// HookSnapshot returns a consistent copy of the hook settings.
func (c *Config) HookSnapshot() HookSettings {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	return c.Hook
}

// ApplyRuntimeSettings copies the sections that may change while a provider
// is running. Backend sections (provider, server, cloud, audio) are left
// untouched; changing those requires a provider swap, not an in-place edit.
func (c *Config) ApplyRuntimeSettings(src *Config) {
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	c.Streaming = src.Streaming
	c.Hook = src.Hook
}

// Default returns Config populated with defaults.
func Default() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	stateDir := filepath.Join(home, defaultStateDirLinux)
	// macOS prefers ~/Library/Application Support/dictum for state/logs
	if isMac() {
		stateDir = filepath.Join(home, "Library", "Application Support", "dictum")
	}

	cfg := &Config{}

	cfg.Provider.Name = "local"
	cfg.Provider.Language = "auto"

	cfg.Audio.SampleRate = 16000
	cfg.Audio.Channels = 1
	cfg.Audio.FrameMS = 20

	cfg.Server.BinaryPath = filepath.Join(stateDir, "bin", "whisper-server")
	cfg.Server.ModelPath = filepath.Join(stateDir, "models", "ggml-base-q5_1.bin")
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = DefaultServerPort
	cfg.Server.UseGPU = true
	cfg.Server.HealthIntervalMS = 500
	cfg.Server.HealthAttempts = 40

	cfg.Streaming.Enabled = true
	cfg.Streaming.IntervalMS = defaultTickMS
	cfg.Streaming.SilenceThreshold = 250
	cfg.Streaming.SilenceWindowMS = defaultSilenceWindow
	cfg.Streaming.MinFinalBytes = 16000 // half a second at 16kHz mono 16-bit

	cfg.Cloud.URL = "wss://streaming.assemblyai.com/v3/ws"

	cfg.Hook.CooldownSec = defaultCooldown
	cfg.Hook.TimeoutSec = 5
	cfg.Hook.Env = map[string]string{}

	cfg.Limits.MaxRecordingSec = 300

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Paths.StateDir = stateDir
	cfg.Paths.LogPath = filepath.Join(stateDir, "dictum.log")
	cfg.Paths.SocketPath = filepath.Join(stateDir, "dictum.sock")
	cfg.Paths.PidPath = filepath.Join(stateDir, "dictum.pid")
	cfg.Paths.ServerPidPath = filepath.Join(stateDir, "whisper-server.pid")

	cfg.UI.StatusTail = defaultStatusTail

	cfg.Metrics.Enabled = false
	cfg.Metrics.Addr = "127.0.0.1:9343"

	return cfg, nil
}

// Load loads config from file, applying defaults.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, defaultConfigDir, "config.toml")
	}

	// Read if exists; otherwise write template.
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, err
			}
			if err := Save(cfg, path); err != nil {
				return nil, err
			}
			cfg.Paths.ConfigPath = path
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Paths.ConfigPath = path
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes cfg to path.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

func isMac() bool {
	return runtime.GOOS == "darwin"
}

// MustStatePaths ensures state dirs exist.
func MustStatePaths(cfg *Config) error {
	for _, p := range []string{cfg.Paths.StateDir, filepath.Dir(cfg.Paths.LogPath), filepath.Dir(cfg.Paths.ServerPidPath)} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(p, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DICTUM_PROVIDER"); v != "" {
		cfg.Provider.Name = strings.ToLower(v)
	}
	if v := os.Getenv("DICTUM_LANGUAGE"); v != "" {
		cfg.Provider.Language = v
	}
	if v := os.Getenv("DICTUM_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
		cfg.Metrics.Enabled = true
	}
	if v := os.Getenv("DICTUM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DICTUM_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("DICTUM_CLOUD_API_KEY"); v != "" {
		cfg.Cloud.APIKey = v
	}
	if v := os.Getenv("DICTUM_STREAMING_ENABLED"); v != "" {
		cfg.Streaming.Enabled = v != "0" && strings.ToLower(v) != "false"
	}
}
