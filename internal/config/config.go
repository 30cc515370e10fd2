// Package config provides configuration loading for the runtime.
// Sources (in priority order): env vars > config.json > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds all runtime configuration for one project.
type Config struct {
	// KM port range (inclusive)
	PortMin int `json:"port_min"`
	PortMax int `json:"port_max"`

	// KM auto-stops after this many seconds without activity
	IdleShutdownSeconds int `json:"idle_shutdown_seconds"`

	// Ambient rule engine tick interval
	AmbientTickSeconds int `json:"ambient_tick_seconds"`

	// Trigger retry cap
	TriggerMaxAttempts int `json:"trigger_max_attempts"`

	// Trigger claim lease duration in seconds
	TriggerClaimSeconds int `json:"trigger_claim_seconds"`

	// How long an unresolved after_trigger_id dependency may wait
	DependencyWaitSeconds int `json:"dependency_wait_seconds"`

	// Pending-trigger high watermark for backpressure
	TriggerHighWatermark int `json:"trigger_high_watermark"`

	// Event log rotation thresholds
	EventLogMaxBytes    int64 `json:"event_log_max_bytes"`
	EventLogMaxAgeHours int   `json:"event_log_max_age_hours"`

	// Bridge discovery deadline
	BridgeDiscoverTimeoutMS int `json:"bridge_discover_timeout_ms"`

	// Orchestrator worker pool size (0 = number of CPUs)
	Workers int `json:"workers"`

	// OTLP trace endpoint (empty disables tracing)
	TraceEndpoint string `json:"trace_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		PortMin:                 47100,
		PortMax:                 47199,
		IdleShutdownSeconds:     1800,
		AmbientTickSeconds:      30,
		TriggerMaxAttempts:      5,
		TriggerClaimSeconds:     300,
		DependencyWaitSeconds:   600,
		TriggerHighWatermark:    500,
		EventLogMaxBytes:        8 * 1024 * 1024,
		EventLogMaxAgeHours:     168,
		BridgeDiscoverTimeoutMS: 2000,
		LogLevel:                "info",
	}
}

// Load reads configuration from a file, then overlays environment
// variables. A missing file is not an error; defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// no overrides
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if v := os.Getenv("KM_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return cfg, fmt.Errorf("invalid KM_PORT: %q", v)
		}
		cfg.PortMin = port
		cfg.PortMax = port
	}
	if v := os.Getenv("KM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot operate under.
func (c Config) Validate() error {
	if c.PortMin < 1 || c.PortMax > 65535 || c.PortMin > c.PortMax {
		return fmt.Errorf("invalid port range [%d, %d]", c.PortMin, c.PortMax)
	}
	if c.TriggerMaxAttempts < 1 {
		return fmt.Errorf("trigger_max_attempts must be >= 1")
	}
	if c.EventLogMaxBytes < 4096 {
		return fmt.Errorf("event_log_max_bytes must be >= 4096")
	}
	if c.AmbientTickSeconds < 1 {
		return fmt.Errorf("ambient_tick_seconds must be >= 1")
	}
	return nil
}
