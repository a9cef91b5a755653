// Package config loads the hostsync daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon configuration.
type Config struct {
	// Relay is the WebSocket URL of the device relay.
	Relay RelayConfig `yaml:"relay"`
	// Listen is the local bridge address UI clients connect to.
	Listen string `yaml:"listen"`
	// Terminal tunes the byte-stream continuity layer.
	Terminal TerminalConfig `yaml:"terminal"`
	// Sync tunes reconciliation.
	Sync SyncConfig `yaml:"sync"`
}

type RelayConfig struct {
	URL string `yaml:"url"`
	// Token authenticates against the relay, sent as a bearer header.
	Token string `yaml:"token,omitempty"`
	// CallTimeout bounds one request/response round trip.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type TerminalConfig struct {
	// RingBytes caps the per-session replay buffer.
	RingBytes int `yaml:"ring_bytes"`
	// UnbindGrace delays the remote unbind after the last viewer detaches.
	UnbindGrace time.Duration `yaml:"unbind_grace"`
}

type SyncConfig struct {
	// PeriodicInterval drives background reconciliation; zero disables it.
	PeriodicInterval time.Duration `yaml:"periodic_interval"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			URL:         "ws://127.0.0.1:9480/device",
			CallTimeout: 30 * time.Second,
		},
		Listen: "127.0.0.1:8391",
		Terminal: TerminalConfig{
			RingBytes:   2_000_000,
			UnbindGrace: time.Second,
		},
		Sync: SyncConfig{
			PeriodicInterval: time.Minute,
		},
	}
}

// DefaultConfigPath returns ~/.hostsync/config.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".hostsync", "config.yaml"), nil
}

// Load reads configuration from path, falling back to defaults when the file
// does not exist. Absent fields keep their default values.
func Load(path string) (*Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.Terminal.RingBytes < 0 {
		return fmt.Errorf("terminal.ring_bytes must not be negative")
	}
	return nil
}
