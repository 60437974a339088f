// Package config provides bus configuration - NO application wiring.
//
// This module contains ONLY configuration that is relevant to the
// message bus itself:
//   - Logging level and message tracing
//   - Observability toggles
//   - Dispatch behavior toggles
//
// Application configuration (which factories to register, which
// timers to arm) belongs to the embedding program.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BusConfig holds message bus configuration.
//
// The zero value is not usable; construct via DefaultBusConfig or Load.
type BusConfig struct {
	// Logging
	LogLevel      string `json:"log_level" yaml:"log_level"`
	DebugMsgTrace bool   `json:"debug_msg_trace" yaml:"debug_msg_trace"` // Log every message before dispatch

	// Observability
	EnableMetrics bool   `json:"enable_metrics" yaml:"enable_metrics"`
	EnableTracing bool   `json:"enable_tracing" yaml:"enable_tracing"`
	OTLPEndpoint  string `json:"otlp_endpoint" yaml:"otlp_endpoint"`

	// Dispatch Behavior
	RecoverHandlerPanics bool `json:"recover_handler_panics" yaml:"recover_handler_panics"` // Convert handler panics into bus errors
	QueueCapacityHint    int  `json:"queue_capacity_hint" yaml:"queue_capacity_hint"`       // Initial capacity of the message queues
}

// DefaultBusConfig returns a BusConfig with default values.
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		// Logging
		LogLevel:      "INFO",
		DebugMsgTrace: false,

		// Observability
		EnableMetrics: true,
		EnableTracing: false,
		OTLPEndpoint:  "localhost:4317",

		// Dispatch Behavior
		RecoverHandlerPanics: false,
		QueueCapacityHint:    64,
	}
}

// Load reads a YAML configuration file over the defaults.
// Fields absent from the file keep their default values.
func Load(path string) (*BusConfig, error) {
	cfg := DefaultBusConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.QueueCapacityHint < 0 {
		return nil, fmt.Errorf("queue_capacity_hint must be >= 0, got %d", cfg.QueueCapacityHint)
	}
	return cfg, nil
}
