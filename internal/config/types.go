// Package config provides configuration loading for autodevd.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration for human-readable config values ("30m", "45s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration for the autodevd engine and daemon.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	State     StateConfig     `koanf:"state"`
	Logging   LoggingConfig   `koanf:"logging"`
	Events    EventsConfig    `koanf:"events"`
	Gateway   GatewayConfig   `koanf:"gateway"`
	Router    RouterConfig    `koanf:"router"`
	Engine    EngineConfig    `koanf:"engine"`
	Evolution EvolutionConfig `koanf:"evolution"`
	Watcher   WatcherConfig   `koanf:"watcher"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig controls the HTTP status server.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StateConfig controls where durable engine state lives.
type StateConfig struct {
	// Root is the directory holding per-project state. Defaults to
	// ~/.config/autodevd/state.
	Root string `koanf:"root"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json or console
}

// EventsConfig controls the NATS lifecycle event bus and agent bridge.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// GatewayConfig controls the tool gateway.
type GatewayConfig struct {
	// DefaultTimeout bounds a strategy attempt that declares no timeout.
	DefaultTimeout Duration `koanf:"default_timeout"`

	// RatePerSecond and Burst shape the invocation rate limiter.
	// RatePerSecond <= 0 disables limiting.
	RatePerSecond float64 `koanf:"rate_per_second"`
	Burst         int     `koanf:"burst"`

	// Capabilities maps capability names to ordered strategy endpoints.
	Capabilities map[string]CapabilityConfig `koanf:"capabilities"`
}

// CapabilityConfig declares the fallback chain for one capability.
type CapabilityConfig struct {
	Endpoints []EndpointConfig `koanf:"endpoints"`

	// Refresh marks the capability as part of the evolution refresh set.
	Refresh bool `koanf:"refresh"`
}

// EndpointConfig is one HTTP strategy for a capability.
type EndpointConfig struct {
	Name    string   `koanf:"name"`
	URL     string   `koanf:"url"`
	Timeout Duration `koanf:"timeout"`
}

// RouterConfig controls message delivery.
type RouterConfig struct {
	// DeliveryTimeout is how long a session has to acknowledge a
	// directive before it is marked unreachable.
	DeliveryTimeout Duration `koanf:"delivery_timeout"`
}

// EngineConfig controls the phase state machine.
type EngineConfig struct {
	// PhaseTimeout bounds fan-out response collection per phase.
	PhaseTimeout Duration `koanf:"phase_timeout"`

	// PollInterval is the mailbox polling cadence during fan-out.
	PollInterval Duration `koanf:"poll_interval"`
}

// EvolutionConfig controls the post-completion scheduler.
type EvolutionConfig struct {
	Interval     Duration `koanf:"interval"`
	HistoryLimit int      `koanf:"history_limit"`

	// ProbeTimeout bounds the session status probe inside one cycle.
	ProbeTimeout Duration `koanf:"probe_timeout"`
}

// WatcherConfig controls the workspace change watcher.
type WatcherConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Debounce Duration `koanf:"debounce"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled        bool   `koanf:"enabled"`
	Endpoint       string `koanf:"endpoint"`
	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`
	Insecure       bool   `koanf:"insecure"`
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}
	if c.Engine.PhaseTimeout.Duration() <= 0 {
		return fmt.Errorf("engine phase_timeout must be positive")
	}
	if c.Engine.PollInterval.Duration() <= 0 {
		return fmt.Errorf("engine poll_interval must be positive")
	}
	if c.Router.DeliveryTimeout.Duration() <= 0 {
		return fmt.Errorf("router delivery_timeout must be positive")
	}
	if c.Evolution.Interval.Duration() <= 0 {
		return fmt.Errorf("evolution interval must be positive")
	}
	if c.Evolution.HistoryLimit <= 0 {
		return fmt.Errorf("evolution history_limit must be positive")
	}
	for name, cap := range c.Gateway.Capabilities {
		if len(cap.Endpoints) == 0 {
			return fmt.Errorf("capability %q declares no endpoints", name)
		}
		for _, ep := range cap.Endpoints {
			if ep.URL == "" {
				return fmt.Errorf("capability %q has an endpoint without a URL", name)
			}
		}
	}
	return nil
}
