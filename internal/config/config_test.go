package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[orchestrator]
strategy = "round_robin"
auto_verify = false

[nats]
enabled = true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "round_robin", cfg.Orchestrator.Strategy)
	assert.False(t, cfg.Orchestrator.AutoVerifyEnabled())
	assert.Equal(t, 300, cfg.Orchestrator.LivenessWindowSec)
	assert.Equal(t, 10, cfg.Orchestrator.DeadlineBoost)
	assert.Equal(t, 3, cfg.Orchestrator.DefaultMaxRetries)
	assert.Equal(t, 90.0, cfg.Verification.High)
	assert.Equal(t, 70.0, cfg.Verification.Medium)
	assert.Equal(t, 50.0, cfg.Verification.Low)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "conductor", cfg.NATS.SubjectPrefix)
	assert.Equal(t, path, cfg.Path)
	assert.Contains(t, cfg.Raw, "orchestrator")
}

func TestLoadRejectsUnorderedThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[verification]
high = 60
medium = 70
low = 50
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandHome("~/.conductor/db.sqlite")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".conductor", "db.sqlite"), got)

	got, err = ExpandHome("./relative")
	require.NoError(t, err)
	assert.Equal(t, "./relative", got)
}
