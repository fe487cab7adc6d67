package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("HTTP_PORT", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 8081, cfg.InternalPort)
	assert.Equal(t, 5*time.Minute, cfg.LLMTimeout)
	assert.Equal(t, time.Minute, cfg.ToolTimeout)
	assert.Equal(t, 4, cfg.MaxConcurrentRuns)
	assert.Equal(t, 8, cfg.MaxTurns)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_port: 9000
redis_url: redis://localhost:6379/0
max_turns: 3
tool_timeout_ms: 1500
policy_file: /etc/agentrun/policy.rego
`), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_PORT", "9100")
	t.Setenv("MAX_TURNS", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.HTTPPort, "env wins over file")
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, 3, cfg.MaxTurns)
	assert.Equal(t, 1500*time.Millisecond, cfg.ToolTimeout)
	assert.Equal(t, "/etc/agentrun/policy.rego", cfg.PolicyFile)
	assert.Equal(t, 8081, cfg.InternalPort)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("MAX_CONCURRENT_RUNS", "0")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}
