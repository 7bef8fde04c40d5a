package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, ":0", cfg.Node.BindAddr)
	assert.Equal(t, "_lanrpc._tcp", cfg.Node.ServiceTag)
	assert.Equal(t, "local.", cfg.Node.Domain)
	assert.Equal(t, 5*time.Second, cfg.GetPollTimeout())
	assert.Equal(t, 300*time.Millisecond, cfg.GetResolveInterval())
	assert.Equal(t, time.Second, cfg.GetRecoverInterval())
	assert.Equal(t, 5, cfg.Node.DialAttempts)
	assert.Equal(t, ":9090", cfg.Node.ListenAddress)
	assert.Equal(t, "/metrics", cfg.Node.TelemetryPath)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
node:
  bind_addr: "127.0.0.1:7411"
  local_only: true
  poll_timeout: 2
  resolve_interval_ms: 50
  expose:
    - name: echo
      kind: echo
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7411", cfg.Node.BindAddr)
	assert.True(t, cfg.Node.LocalOnly)
	assert.Equal(t, 2*time.Second, cfg.GetPollTimeout())
	assert.Equal(t, 50*time.Millisecond, cfg.GetResolveInterval())
	assert.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.Node.Expose, 1)
	assert.Equal(t, "echo", cfg.Node.Expose[0].Name)
	// Unset keys still get defaults
	assert.Equal(t, "_lanrpc._tcp", cfg.Node.ServiceTag)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("NODE_BIND_ADDR", "127.0.0.1:9999")
	t.Setenv("NODE_LOCAL_ONLY", "true")
	t.Setenv("NODE_POLL_TIMEOUT_SECONDS", "7")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := &Config{}
	cfg.SetDefaults()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "127.0.0.1:9999", cfg.Node.BindAddr)
	assert.True(t, cfg.Node.LocalOnly)
	assert.Equal(t, 7*time.Second, cfg.GetPollTimeout())
	assert.Equal(t, "debug", cfg.Log.Level)
}
