package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// Load reads configuration from a YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (SERVER_PORT, EVOLUTION_INTERVAL, ...)
//  2. YAML config file (~/.config/autodevd/config.yaml by default)
//  3. Hardcoded defaults
//
// Environment variables map to config keys by splitting on the first
// underscore: SERVER_PORT -> server.port, ROUTER_DELIVERY_TIMEOUT ->
// router.delivery_timeout.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "autodevd", "config.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor to avoid a
		// TOCTOU race between stat and read.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFile(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validateConfigFile checks permissions and size of an existing config file.
func validateConfigFile(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9610
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.State.Root == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.State.Root = filepath.Join(home, ".config", "autodevd", "state")
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Events.URL == "" {
		cfg.Events.URL = "nats://localhost:4222"
	}

	if cfg.Gateway.DefaultTimeout == 0 {
		cfg.Gateway.DefaultTimeout = Duration(30 * time.Second)
	}
	if cfg.Gateway.Burst == 0 {
		cfg.Gateway.Burst = 4
	}

	if cfg.Router.DeliveryTimeout == 0 {
		cfg.Router.DeliveryTimeout = Duration(2 * time.Minute)
	}

	if cfg.Engine.PhaseTimeout == 0 {
		cfg.Engine.PhaseTimeout = Duration(15 * time.Minute)
	}
	if cfg.Engine.PollInterval == 0 {
		cfg.Engine.PollInterval = Duration(500 * time.Millisecond)
	}

	if cfg.Evolution.Interval == 0 {
		cfg.Evolution.Interval = Duration(30 * time.Minute)
	}
	if cfg.Evolution.HistoryLimit == 0 {
		cfg.Evolution.HistoryLimit = 64
	}
	if cfg.Evolution.ProbeTimeout == 0 {
		cfg.Evolution.ProbeTimeout = Duration(30 * time.Second)
	}

	if cfg.Watcher.Debounce == 0 {
		cfg.Watcher.Debounce = Duration(2 * time.Second)
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "autodevd"
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "0.1.0"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
}

// EnsureStateDir creates the state root directory with restrictive permissions.
func EnsureStateDir(cfg *Config) error {
	if cfg.State.Root == "" {
		return fmt.Errorf("state root is not configured")
	}
	if err := os.MkdirAll(cfg.State.Root, 0700); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", cfg.State.Root, err)
	}
	return nil
}
