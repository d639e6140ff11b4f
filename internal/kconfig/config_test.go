package kconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Bus.SlowConsumerTimeout)
	assert.Equal(t, 8, cfg.Bus.RetryMaxAttempts)
	assert.Equal(t, 10, cfg.Scheduler.MaxValidationIterations)
}

func TestConfigValidate_RejectsBadOverrides(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero retry attempts", func(c *Config) { c.Bus.RetryMaxAttempts = 0 }},
		{"ttl below heartbeat interval", func(c *Config) {
			c.Registry.HeartbeatInterval = time.Minute
			c.Registry.TTLThreshold = time.Second
		}},
		{"zero ready batch limit", func(c *Config) { c.Scheduler.ReadyBatchLimit = 0 }},
		{"zero artifact max bytes", func(c *Config) { c.Artifact.MaxBytes = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile_MergesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.yaml")
	err := os.WriteFile(path, []byte(`
bus:
  retry_max_attempts: 3
scheduler:
  ready_batch_limit: 5
`), 0o644)
	require.NoError(t, err)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Bus.RetryMaxAttempts)
	assert.Equal(t, 5, cfg.Scheduler.ReadyBatchLimit)
	// Untouched sections keep their defaults.
	assert.Equal(t, 15*time.Second, cfg.Registry.HeartbeatInterval)
}

func TestLoadFromFile_InvalidMergeRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.yaml")
	err := os.WriteFile(path, []byte("bus:\n  retry_max_attempts: 0\n"), 0o644)
	require.NoError(t, err)

	_, err = LoadFromFile(path)
	assert.Error(t, err)
}
