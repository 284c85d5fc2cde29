package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir()) // no settings.json layer
	t.Setenv("FLOWSTATE_DB_PATH", "/tmp/custom.db")
	t.Setenv("FLOWSTATE_LOG_LEVEL", "debug")
	t.Setenv("FLOWSTATE_POOL_SIZE", "16")
	t.Setenv("FLOWSTATE_SLA_INTERVAL", "1m")
	t.Setenv("FLOWSTATE_SIGNAL_BATCH", "not-a-number")

	cfg := loadConfig()
	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 16, cfg.PoolSize)
	assert.Equal(t, "1m", cfg.SLAInterval)
	assert.Equal(t, defaultConfig().SignalBatch, cfg.SignalBatch)
}

func TestDurationFallback(t *testing.T) {
	assert.Equal(t, 30*time.Second, duration("", 30*time.Second))
	assert.Equal(t, 30*time.Second, duration("bogus", 30*time.Second))
	assert.Equal(t, 30*time.Second, duration("-5s", 30*time.Second))
	assert.Equal(t, time.Minute, duration("1m", 30*time.Second))
}
