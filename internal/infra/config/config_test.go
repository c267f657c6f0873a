package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.True(t, cfg.Plugins.Enabled)
	assert.Equal(t, 64, cfg.Plugins.MaxMemoryMB)
	assert.Equal(t, 30*time.Second, cfg.Plugins.ExecTimeout)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.False(t, cfg.Plugins.AllowUnsafe)
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
plugins:
  dir: /opt/plugins
  max_memory_mb: 128
  auto_activate: true
logger:
  level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/plugins", cfg.Plugins.Dir)
	assert.Equal(t, 128, cfg.Plugins.MaxMemoryMB)
	assert.True(t, cfg.Plugins.AutoActivate)
	assert.Equal(t, "debug", cfg.Logger.Level)
	// Untouched keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Plugins.ExecTimeout)
	assert.Equal(t, 4, cfg.Plugins.DiscoveryPar)
}

func TestLoadRejectsMalformedYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plugins: ["), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRepairsInvalidLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
plugins:
  max_memory_mb: -1
  exec_timeout: 0s
  discovery_parallelism: 0
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Plugins.MaxMemoryMB)
	assert.Equal(t, 30*time.Second, cfg.Plugins.ExecTimeout)
	assert.Equal(t, 4, cfg.Plugins.DiscoveryPar)
}
