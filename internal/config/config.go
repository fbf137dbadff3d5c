// Package config loads daemon and relay settings from YAML files with
// environment overrides.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultRelayURL = "http://127.0.0.1:8484"

type Config struct {
	Daemon DaemonConfig `yaml:"daemon"`
	Relay  RelayConfig  `yaml:"relay"`
}

type DaemonConfig struct {
	PartyID         string        `yaml:"partyId"`
	DataDir         string        `yaml:"dataDir"`
	RelayURL        string        `yaml:"relayUrl"`
	HandshakeWindow time.Duration `yaml:"handshakeWindow"`
	GuardWindow     time.Duration `yaml:"guardWindow"`
	NonceRetention  time.Duration `yaml:"nonceRetention"`
	EventBacklog    int           `yaml:"eventBacklog"`
}

type RelayConfig struct {
	ListenAddr     string        `yaml:"listenAddr"`
	GuardDBPath    string        `yaml:"guardDbPath"`
	GuardWindow    time.Duration `yaml:"guardWindow"`
	NonceRetention time.Duration `yaml:"nonceRetention"`
	RatePerSecond  float64       `yaml:"ratePerSecond"`
	RateBurst      int           `yaml:"rateBurst"`
	RateIdleTTL    time.Duration `yaml:"rateIdleTtl"`
}

func Default() Config {
	return Config{
		Daemon: DaemonConfig{
			DataDir:         defaultDataDir(),
			RelayURL:        DefaultRelayURL,
			HandshakeWindow: 5 * time.Minute,
			GuardWindow:     5 * time.Minute,
			NonceRetention:  24 * time.Hour,
			EventBacklog:    256,
		},
		Relay: RelayConfig{
			ListenAddr:     "127.0.0.1:8484",
			GuardWindow:    5 * time.Minute,
			NonceRetention: 24 * time.Hour,
			RatePerSecond:  5,
			RateBurst:      20,
			RateIdleTTL:    10 * time.Minute,
		},
	}
}

// Load reads the first readable candidate config file, merges it over the
// defaults and applies environment overrides. A missing or unreadable file
// falls back to defaults.
func Load(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/securechat.yaml",
			"securechat.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src Config) {
	if src.Daemon.PartyID != "" {
		dst.Daemon.PartyID = src.Daemon.PartyID
	}
	if src.Daemon.DataDir != "" {
		dst.Daemon.DataDir = src.Daemon.DataDir
	}
	if src.Daemon.RelayURL != "" {
		dst.Daemon.RelayURL = src.Daemon.RelayURL
	}
	if src.Daemon.HandshakeWindow != 0 {
		dst.Daemon.HandshakeWindow = src.Daemon.HandshakeWindow
	}
	if src.Daemon.GuardWindow != 0 {
		dst.Daemon.GuardWindow = src.Daemon.GuardWindow
	}
	if src.Daemon.NonceRetention != 0 {
		dst.Daemon.NonceRetention = src.Daemon.NonceRetention
	}
	if src.Daemon.EventBacklog != 0 {
		dst.Daemon.EventBacklog = src.Daemon.EventBacklog
	}
	if src.Relay.ListenAddr != "" {
		dst.Relay.ListenAddr = src.Relay.ListenAddr
	}
	if src.Relay.GuardDBPath != "" {
		dst.Relay.GuardDBPath = src.Relay.GuardDBPath
	}
	if src.Relay.GuardWindow != 0 {
		dst.Relay.GuardWindow = src.Relay.GuardWindow
	}
	if src.Relay.NonceRetention != 0 {
		dst.Relay.NonceRetention = src.Relay.NonceRetention
	}
	if src.Relay.RatePerSecond != 0 {
		dst.Relay.RatePerSecond = src.Relay.RatePerSecond
	}
	if src.Relay.RateBurst != 0 {
		dst.Relay.RateBurst = src.Relay.RateBurst
	}
	if src.Relay.RateIdleTTL != 0 {
		dst.Relay.RateIdleTTL = src.Relay.RateIdleTTL
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("SECURECHAT_PARTY_ID")); v != "" {
		cfg.Daemon.PartyID = v
	}
	if v := strings.TrimSpace(os.Getenv("SECURECHAT_DATA_DIR")); v != "" {
		cfg.Daemon.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("SECURECHAT_RELAY_URL")); v != "" {
		cfg.Daemon.RelayURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SECURECHAT_RELAY_LISTEN")); v != "" {
		cfg.Relay.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("SECURECHAT_GUARD_DB")); v != "" {
		cfg.Relay.GuardDBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("SECURECHAT_HANDSHAKE_WINDOW")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Daemon.HandshakeWindow = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("SECURECHAT_GUARD_WINDOW")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Daemon.GuardWindow = d
			cfg.Relay.GuardWindow = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("SECURECHAT_RATE_PER_SECOND")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Relay.RatePerSecond = f
		}
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".securechat"
	}
	return filepath.Join(home, ".securechat")
}
