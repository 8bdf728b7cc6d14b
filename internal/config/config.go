// Package config loads runtime configuration from COMMITSTREAM_* environment
// variables and validates it before anything else starts.
package config

import (
	"time"

	"github.com/gabapcia/commitstream/internal/pkg/validator"

	"github.com/kelseyhightower/envconfig"
)

// envPrefix namespaces every environment variable read by Load.
const envPrefix = "commitstream"

// Config is the validated runtime configuration.
type Config struct {
	LogLevel         string `envconfig:"LOG_LEVEL" default:"info" validate:"required"`
	ServiceName      string `envconfig:"SERVICE_NAME" default:"commitstream" validate:"required"`
	TelemetryEnabled bool   `envconfig:"TELEMETRY_ENABLED" default:"false"`

	// CheckpointBasePath roots the file-backed checkpoint store used by
	// the CLI admin commands.
	CheckpointBasePath string `envconfig:"CHECKPOINT_BASE_PATH" default:"checkpoints" validate:"required"`

	// DefaultStartBlock is reported as the resume position for streams
	// with no recorded checkpoint.
	DefaultStartBlock uint64 `envconfig:"DEFAULT_START_BLOCK" default:"0"`

	// CommitTimeout bounds how long a transaction handler waits for its
	// commit quorum. Zero waits indefinitely.
	CommitTimeout time.Duration `envconfig:"COMMIT_TIMEOUT" default:"30s"`

	// FailoverCooldown is how long a failed peer is skipped by the
	// session manager's peer rotation.
	FailoverCooldown time.Duration `envconfig:"FAILOVER_COOLDOWN" default:"30s"`
}

// Load reads and validates the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, err
	}

	if err := validator.Validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
