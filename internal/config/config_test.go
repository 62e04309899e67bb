package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"server": {"port": "8080"},
		"cache": {"type": "redis", "redis_addr": "localhost:6379"},
		"scan": {"history_cap": 50, "cooldown_ms": 250}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, "scan_history", cfg.Cache.Key)
	assert.Equal(t, 50, cfg.Scan.HistoryCap)
	assert.Equal(t, 250*time.Millisecond, cfg.Cooldown())
	assert.Equal(t, 10*time.Second, cfg.LookupTimeout())
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval())
	assert.Equal(t, "local", cfg.ML.Type)
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  port: "9090"
  debug: true
ml:
  type: google
remote:
  dsn: postgres://localhost/healthscan
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.True(t, cfg.Server.Debug)
	assert.Equal(t, "google", cfg.ML.Type)
	assert.Equal(t, "postgres://localhost/healthscan", cfg.Remote.DSN)
	assert.Equal(t, 100, cfg.Scan.HistoryCap)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	assert.Equal(t, "healthscan.db", cfg.Database.Path)
	assert.Equal(t, "https://world.openfoodfacts.org/api/v0", cfg.Products.BaseURL)
	assert.Equal(t, "healthscan/1.0", cfg.Products.UserAgent)
	assert.Error(t, cfg.Validate())
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("HEALTHSCAN_PORT", "7070")
	t.Setenv("HEALTHSCAN_JWT_SECRET", "shh")

	path := writeFile(t, "config.json", `{"server": {"port": "8080"}}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "shh", cfg.Auth.JWTSecret)
}

func TestLoadConfigRejectsGarbage(t *testing.T) {
	path := writeFile(t, "config.json", `{not json`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestGetConfigPathFromEnv(t *testing.T) {
	t.Setenv("HEALTHSCAN_CONFIG", "/etc/healthscan.yaml")
	assert.Equal(t, "/etc/healthscan.yaml", GetConfigPath())
}

func TestTracingSettings(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "true")
	path := writeFile(t, "config.yaml", "tracing:\n  sample_ratio: 0.25\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "healthscan", cfg.Tracing.ServiceName)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRatio)
}
