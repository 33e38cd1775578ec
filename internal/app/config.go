package app

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	StorageRoot string `yaml:"storage_root"`

	SyncEnabled bool   `yaml:"sync_enabled"`
	SyncBaseURL string `yaml:"sync_base_url"`
	SyncUserID  string `yaml:"sync_user_id"`

	DebounceIntervalMs   int `yaml:"debounce_interval_ms"`
	GraceDelaySeconds    int `yaml:"grace_delay_seconds"`
	StreamClearDelaySecs int `yaml:"stream_clear_delay_seconds"`
}

func DefaultConfig() Config {
	return Config{
		DebounceIntervalMs:   2000,
		GraceDelaySeconds:    60,
		StreamClearDelaySecs: 5,
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultConfigPath()
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.DebounceIntervalMs <= 0 {
		cfg.DebounceIntervalMs = 2000
	}
	if cfg.DebounceIntervalMs > 60000 {
		cfg.DebounceIntervalMs = 60000
	}
	if cfg.GraceDelaySeconds <= 0 {
		cfg.GraceDelaySeconds = 60
	}
	if cfg.StreamClearDelaySecs <= 0 {
		cfg.StreamClearDelaySecs = 5
	}
	if cfg.SyncEnabled && cfg.SyncBaseURL == "" {
		cfg.SyncEnabled = false
	}
	return cfg, nil
}

func SaveConfig(cfg Config, path string) error {
	if path == "" {
		return errors.New("no path provided for config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "navi-client", "config.yml")
}

func (c Config) DebounceInterval() time.Duration {
	return time.Duration(c.DebounceIntervalMs) * time.Millisecond
}

func (c Config) GraceDelay() time.Duration {
	return time.Duration(c.GraceDelaySeconds) * time.Second
}

func (c Config) StreamClearDelay() time.Duration {
	return time.Duration(c.StreamClearDelaySecs) * time.Second
}
