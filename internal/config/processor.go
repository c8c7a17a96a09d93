package config

import "time"

// ProcessorConfig governs the polling loop and consecutive-failure fuse
// described in §6.4.
type ProcessorConfig struct {
	PollingIntervalSeconds int `env:"TASKQUEUE_POLLING_INTERVAL_SECONDS" default:"5"`
	ShutdownTimeoutMs      int `env:"TASKQUEUE_SHUTDOWN_TIMEOUT_MS" default:"60000"`
	MaxConsecutiveFailures int `env:"TASKQUEUE_MAX_CONSECUTIVE_FAILURES" default:"5"`
}

// PollingInterval returns the configured polling interval as a time.Duration.
func (c ProcessorConfig) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalSeconds) * time.Second
}

// ShutdownTimeout returns the configured drain deadline as a time.Duration.
func (c ProcessorConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}
