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
	t.Setenv("CONFIG_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 2112, cfg.Server.MetricsPort)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 60*time.Second, cfg.Engine.CallTimeout)
	assert.Equal(t, 2, cfg.Engine.MaxRetries)
	assert.Equal(t, 4, cfg.Engine.AgentConcurrency)
	assert.Equal(t, 3, cfg.Engine.DefaultIterations)
	assert.InDelta(t, 0.75, cfg.Engine.DefaultThreshold, 1e-9)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cosilium.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9100
database:
  driver: sqlite
  dsn: file:test.db
engine:
  default_iterations: 2
`), 0o644))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "file:test.db", cfg.Database.DSN)
	assert.Equal(t, 2, cfg.Engine.DefaultIterations)
}

func TestBareProviderKeyEnvWins(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DEEPSEEK_API_KEY", "ds-test")

	cfg, err := Load()
	require.NoError(t, err)
	creds := cfg.Credentials()
	assert.Equal(t, "sk-test", creds.OpenAIKey)
	assert.Equal(t, "ds-test", creds.DeepSeekKey)
	assert.Empty(t, creds.AnthropicKey)
}

func TestValidateRejectsBadDriver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cosilium.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: oracle\n"), 0o644))
	t.Setenv("CONFIG_PATH", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRequiresDSN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cosilium.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: postgres\n"), 0o644))
	t.Setenv("CONFIG_PATH", path)

	_, err := Load()
	assert.Error(t, err)
}
