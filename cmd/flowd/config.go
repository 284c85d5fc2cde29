package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all flowd daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	PoolSize        int    `json:"pool_size"`
	SLAInterval     string `json:"sla_interval"`
	SLASchedule     string `json:"sla_schedule"`
	SignalInterval  string `json:"signal_interval"`
	SignalBatch     int    `json:"signal_batch"`
	DeliveryRetries int    `json:"delivery_retries"`
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(flowstateDir(), "flowstate.db"),
		LogLevel:        "info",
		PoolSize:        8,
		SLAInterval:     "30s",
		SignalInterval:  "2s",
		SignalBatch:     64,
		DeliveryRetries: 4,
	}
}

func flowstateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowstate"
	}
	return filepath.Join(home, ".flowstate")
}

func settingsPath() string {
	return filepath.Join(flowstateDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWSTATE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWSTATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWSTATE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FLOWSTATE_SLA_INTERVAL"); v != "" {
		cfg.SLAInterval = v
	}
	if v := os.Getenv("FLOWSTATE_SLA_SCHEDULE"); v != "" {
		cfg.SLASchedule = v
	}
	if v := os.Getenv("FLOWSTATE_SIGNAL_INTERVAL"); v != "" {
		cfg.SignalInterval = v
	}
	if v := os.Getenv("FLOWSTATE_SIGNAL_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SignalBatch = n
		}
	}
	if v := os.Getenv("FLOWSTATE_DELIVERY_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DeliveryRetries = n
		}
	}

	return cfg
}

// duration parses a config duration string, falling back when empty or
// malformed.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
