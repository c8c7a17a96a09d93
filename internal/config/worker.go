package config

import (
	"fmt"

	"github.com/devhollow/taskqueue/internal/env"
)

// WorkerConfig holds all configuration for the worker binary: the long-
// running process that runs JobProcessorService's poll loop and the key
// rotation worker side by side (§6 "Wiring").
type WorkerConfig struct {
	Database      DatabaseConfig
	Processor     ProcessorConfig
	Rotation      RotationConfig
	Observability ObservabilityConfig
	Metrics       MetricsConfig
	InstanceID    string `env:"TASKQUEUE_INSTANCE_ID"`
}

// LoadWorkerConfig loads and validates worker configuration from the
// environment.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load worker config: %w", err)
	}

	return cfg, nil
}
