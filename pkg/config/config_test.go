package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "steward.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[agents]
implementer = "agent implement"
reviewer = "agent review"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Agents.NumWorkers)
	assert.Equal(t, 1800, cfg.Agents.TimeoutSeconds)
	assert.Equal(t, "bd", cfg.Tracker.Bin)
	assert.Equal(t, 50, cfg.Passes.PlannerInterval)
	assert.Equal(t, 6, cfg.Retry.MaxTotalAttempts)
	assert.Equal(t, 30*time.Minute, cfg.WallTimeout())
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout())
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
[project]
name = "demo"
repo_dir = "/tmp/demo"
data_dir = "/tmp/demo/.steward"

[agents]
implementer = "impl"
reviewer = "rev"
num_workers = 4
timeout_seconds = 120

[retry]
max_total_attempts = 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.Project.Name)
	assert.Equal(t, 4, cfg.Agents.NumWorkers)
	assert.Equal(t, 2*time.Minute, cfg.WallTimeout())
	assert.Equal(t, 3, cfg.Retry.MaxTotalAttempts)
	assert.Equal(t, filepath.Join("/tmp/demo/.steward", "state"), cfg.StatePath())
	assert.Equal(t, filepath.Join("/tmp/demo/.steward", "control.sock"), cfg.SocketPath())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errStr string
	}{
		{"zero workers", func(c *Config) { c.Agents.NumWorkers = 0 }, "num_workers"},
		{"missing implementer", func(c *Config) { c.Agents.Implementer = "" }, "implementer"},
		{"missing reviewer", func(c *Config) { c.Agents.Reviewer = "" }, "reviewer"},
		{"bad timeout", func(c *Config) { c.Agents.TimeoutSeconds = 0 }, "timeout_seconds"},
		{"bad planner interval", func(c *Config) { c.Passes.PlannerInterval = 0 }, "planner_interval"},
		{"bad attempt cap", func(c *Config) { c.Retry.MaxTotalAttempts = 0 }, "max_total_attempts"},
		{"bad backoff factor", func(c *Config) { c.Retry.BackoffFactor = 0.5 }, "backoff_factor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Agents.Implementer = "impl"
			cfg.Agents.Reviewer = "rev"
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errStr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steward.toml")
	require.NoError(t, WriteDefault(path))

	// The generated file must parse and validate.
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Agents.NumWorkers)

	// Never overwrite an existing config.
	err = WriteDefault(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}
