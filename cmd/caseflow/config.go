package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all caseflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath             string `json:"db_path"`
	ConfigDir          string `json:"config_dir"`
	LogLevel           string `json:"log_level"`
	SweepSchedule      string `json:"sweep_schedule"`
	WarningDays        int    `json:"warning_days"`
	EscalationInterval string `json:"escalation_interval"`
}

func defaultConfig() Config {
	return Config{
		DBPath:             filepath.Join(caseflowDir(), "caseflow.db"),
		ConfigDir:          filepath.Join(caseflowDir(), "workflows"),
		LogLevel:           "info",
		SweepSchedule:      "*/5 * * * *",
		WarningDays:        3,
		EscalationInterval: "24h",
	}
}

func caseflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".caseflow"
	}
	return filepath.Join(home, ".caseflow")
}

func settingsPath() string {
	return filepath.Join(caseflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CASEFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CASEFLOW_CONFIG_DIR"); v != "" {
		cfg.ConfigDir = v
	}
	if v := os.Getenv("CASEFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CASEFLOW_SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}
	if v := os.Getenv("CASEFLOW_WARNING_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WarningDays = n
		}
	}
	if v := os.Getenv("CASEFLOW_ESCALATION_INTERVAL"); v != "" {
		cfg.EscalationInterval = v
	}

	return cfg
}

// escalationInterval parses the configured interval, falling back to a day
// on bad input.
func (c Config) escalationInterval() time.Duration {
	d, err := time.ParseDuration(c.EscalationInterval)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}
