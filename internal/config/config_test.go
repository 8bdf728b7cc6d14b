package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("uses defaults when nothing is set", func(t *testing.T) {
		cfg, err := Load()

		require.NoError(t, err)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, "commitstream", cfg.ServiceName)
		assert.False(t, cfg.TelemetryEnabled)
		assert.Equal(t, "checkpoints", cfg.CheckpointBasePath)
		assert.Zero(t, cfg.DefaultStartBlock)
		assert.Equal(t, 30*time.Second, cfg.CommitTimeout)
		assert.Equal(t, 30*time.Second, cfg.FailoverCooldown)
	})

	t.Run("reads values from the environment", func(t *testing.T) {
		t.Setenv("COMMITSTREAM_LOG_LEVEL", "debug")
		t.Setenv("COMMITSTREAM_SERVICE_NAME", "commitstream-staging")
		t.Setenv("COMMITSTREAM_TELEMETRY_ENABLED", "true")
		t.Setenv("COMMITSTREAM_CHECKPOINT_BASE_PATH", "/var/lib/commitstream")
		t.Setenv("COMMITSTREAM_DEFAULT_START_BLOCK", "1000")
		t.Setenv("COMMITSTREAM_COMMIT_TIMEOUT", "90s")
		t.Setenv("COMMITSTREAM_FAILOVER_COOLDOWN", "1m")

		cfg, err := Load()

		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "commitstream-staging", cfg.ServiceName)
		assert.True(t, cfg.TelemetryEnabled)
		assert.Equal(t, "/var/lib/commitstream", cfg.CheckpointBasePath)
		assert.Equal(t, uint64(1000), cfg.DefaultStartBlock)
		assert.Equal(t, 90*time.Second, cfg.CommitTimeout)
		assert.Equal(t, time.Minute, cfg.FailoverCooldown)
	})

	t.Run("fails on unparseable values", func(t *testing.T) {
		t.Setenv("COMMITSTREAM_DEFAULT_START_BLOCK", "not-a-number")

		_, err := Load()
		assert.Error(t, err)
	})
}
