package config

import "time"

// RotationConfig governs the key rotation worker described in §6.4 and §4.8.
type RotationConfig struct {
	KeyFilePath          string `env:"TASKQUEUE_KEY_FILE_PATH" default:"./data/keys.json"`
	RotationIntervalDays int    `env:"TASKQUEUE_ROTATION_INTERVAL_DAYS" default:"90"`
	BatchSize            int    `env:"TASKQUEUE_ROTATION_BATCH_SIZE" default:"100"`
	BatchSleepMs         int    `env:"TASKQUEUE_ROTATION_BATCH_SLEEP_MS" default:"100"`
	CheckIntervalSeconds int    `env:"TASKQUEUE_ROTATION_CHECK_INTERVAL_SECONDS" default:"3600"`
}

// RotationInterval returns the configured rotation period as a time.Duration.
func (c RotationConfig) RotationInterval() time.Duration {
	return time.Duration(c.RotationIntervalDays) * 24 * time.Hour
}

// BatchSleep returns the configured inter-batch pause as a time.Duration.
func (c RotationConfig) BatchSleep() time.Duration {
	return time.Duration(c.BatchSleepMs) * time.Millisecond
}

// CheckInterval returns how often the self-enqueue ticker in cmd/worker
// should submit a "key_rotation" job, as a time.Duration.
func (c RotationConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}
