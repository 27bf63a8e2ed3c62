package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 0.40, cfg.Search.SkillThreshold)
	assert.Equal(t, 1536, cfg.Vector.EmbeddingDim)
	assert.Equal(t, 3, cfg.Vector.RetryAttempts)
	assert.Equal(t, 600, cfg.HIL.ExpiryS)
}

func TestLoadConfigMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `
server:
  port: 9191
search:
  skill_threshold: 0.55
aggregator:
  health_failure_threshold: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 0.55, cfg.Search.SkillThreshold)
	assert.Equal(t, 5, cfg.Aggregator.HealthFailureThreshold)
	// Untouched values keep their defaults.
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 0.30, cfg.Search.ToolScoreThreshold)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	content := "server:\n  port: 9191\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	t.Setenv("COMPASS_PORT", "7777")
	t.Setenv("COMPASS_REDIS_ADDR", "redis.internal:6380")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
}

func TestLoadConfigMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: ["), 0o644))

	_, err := LoadConfig(dir)
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"negative dim", func(c *Config) { c.Vector.EmbeddingDim = -1 }},
		{"warn pct above one", func(c *Config) { c.Vector.OverflowWarnPct = 1.5 }},
		{"skill threshold above one", func(c *Config) { c.Search.SkillThreshold = 1.1 }},
		{"cache version zero", func(c *Config) { c.Cache.Version = 0 }},
		{"queue size zero", func(c *Config) { c.Aggregator.RequestQueueSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.Equal(t, "30s", cfg.Aggregator.ConnectionTimeout().String())
	assert.Equal(t, "1m0s", cfg.Aggregator.RequestTimeout().String())
	assert.Equal(t, "500ms", cfg.Vector.RetryBaseDelay().String())
	assert.Equal(t, "10m0s", cfg.HIL.Expiry().String())
}
