package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.Contains(t, cfg.DBPath, ".bb-reactor")
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.False(t, cfg.Metrics)
	assert.Equal(t, ":4190", cfg.MetricsAddr)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestDiffConfigs(t *testing.T) {
	base := defaultConfig()

	t.Run("no changes", func(t *testing.T) {
		d := diffConfigs(base, base)
		assert.False(t, d.LogLevelChanged)
		assert.Empty(t, d.RestartNeeded)
	})

	t.Run("log level is live", func(t *testing.T) {
		next := base
		next.LogLevel = "debug"
		d := diffConfigs(base, next)
		assert.True(t, d.LogLevelChanged)
		assert.Empty(t, d.RestartNeeded)
	})

	t.Run("db path needs restart", func(t *testing.T) {
		next := base
		next.DBPath = "/tmp/other.db"
		d := diffConfigs(base, next)
		assert.Equal(t, []string{"db_path"}, d.RestartNeeded)
	})

	t.Run("pool and metrics need restart", func(t *testing.T) {
		next := base
		next.PoolSize = 16
		next.Metrics = true
		d := diffConfigs(base, next)
		assert.ElementsMatch(t, []string{"pool_size", "metrics"}, d.RestartNeeded)
	})
}
