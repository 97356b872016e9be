package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/YoshitsuguKoike/contractd/internal/app/config"
)

// RawSettings represents the structure of setting.json.
// Pointer fields distinguish "absent" from zero values.
type RawSettings struct {
	// Core settings
	Home        *string `json:"home"`
	DBPath      *string `json:"db_path"`
	ExecutorBin *string `json:"executor_bin"`
	TimeoutSec  *int    `json:"timeout_sec"`

	// Contract policy
	MaxRetries          *int `json:"max_retries"`
	MaxCascadeDepth     *int `json:"max_cascade_depth"`
	RollbackMaxAttempts *int `json:"rollback_max_attempts"`

	// Claim liveness
	HeartbeatTimeoutSec  *int    `json:"heartbeat_timeout_sec"`
	HeartbeatIntervalSec *int    `json:"heartbeat_interval_sec"`
	SweepIntervalSec     *int    `json:"sweep_interval_sec"`
	StalePolicy          *string `json:"stale_policy"`

	// Verification
	CheckTimeoutSec *int  `json:"check_timeout_sec"`
	CacheEnabled    *bool `json:"cache_enabled"`

	// Logging
	StderrLevel *string `json:"stderr_level"`
}

// LoadSettings loads configuration from setting.json under baseDir.
// Priority: setting.json > defaults. No environment variable overrides.
func LoadSettings(baseDir string) (*config.AppConfig, error) {
	settings := &RawSettings{}
	configSource := "default"
	settingPath := ""

	jsonPath := filepath.Join(baseDir, "setting.json")
	if data, err := os.ReadFile(jsonPath); err == nil {
		if err := json.Unmarshal(data, settings); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", jsonPath, err)
		}
		configSource = "json"
		settingPath = jsonPath
	}

	applyDefaults(settings, baseDir)

	if err := validateSettings(settings); err != nil {
		return nil, err
	}

	return buildAppConfig(settings, configSource, settingPath), nil
}

// applyDefaults fills in default values for any nil fields
func applyDefaults(settings *RawSettings, baseDir string) {
	if settings.Home == nil {
		v := baseDir
		if v == "" {
			v = ".contractd"
		}
		settings.Home = &v
	}
	if settings.DBPath == nil {
		v := filepath.Join(*settings.Home, "contractd.db")
		settings.DBPath = &v
	}
	if settings.ExecutorBin == nil {
		v := ""
		settings.ExecutorBin = &v
	}
	if settings.TimeoutSec == nil {
		v := 600
		settings.TimeoutSec = &v
	}

	if settings.MaxRetries == nil {
		v := 3
		settings.MaxRetries = &v
	}
	if settings.MaxCascadeDepth == nil {
		v := 5
		settings.MaxCascadeDepth = &v
	}
	if settings.RollbackMaxAttempts == nil {
		v := 3
		settings.RollbackMaxAttempts = &v
	}

	if settings.HeartbeatTimeoutSec == nil {
		v := 90
		settings.HeartbeatTimeoutSec = &v
	}
	if settings.HeartbeatIntervalSec == nil {
		v := 30
		settings.HeartbeatIntervalSec = &v
	}
	if settings.SweepIntervalSec == nil {
		v := 30
		settings.SweepIntervalSec = &v
	}
	if settings.StalePolicy == nil {
		v := "requeue"
		settings.StalePolicy = &v
	}

	if settings.CheckTimeoutSec == nil {
		v := 60
		settings.CheckTimeoutSec = &v
	}
	if settings.CacheEnabled == nil {
		v := true
		settings.CacheEnabled = &v
	}

	if settings.StderrLevel == nil {
		v := "info"
		settings.StderrLevel = &v
	}
}

// validateSettings rejects values the engine cannot run with
func validateSettings(settings *RawSettings) error {
	if *settings.TimeoutSec <= 0 {
		return fmt.Errorf("timeout_sec must be positive, got %d", *settings.TimeoutSec)
	}
	if *settings.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", *settings.MaxRetries)
	}
	if *settings.MaxCascadeDepth <= 0 {
		return fmt.Errorf("max_cascade_depth must be positive, got %d", *settings.MaxCascadeDepth)
	}
	if *settings.HeartbeatTimeoutSec <= *settings.HeartbeatIntervalSec {
		return fmt.Errorf("heartbeat_timeout_sec (%d) must exceed heartbeat_interval_sec (%d)",
			*settings.HeartbeatTimeoutSec, *settings.HeartbeatIntervalSec)
	}
	switch *settings.StalePolicy {
	case "requeue", "fail":
	default:
		return fmt.Errorf("stale_policy must be requeue or fail, got %q", *settings.StalePolicy)
	}
	return nil
}

// buildAppConfig converts resolved settings into an AppConfig
func buildAppConfig(settings *RawSettings, configSource, settingPath string) *config.AppConfig {
	return config.NewAppConfig(
		*settings.Home,
		*settings.DBPath,
		*settings.ExecutorBin,
		*settings.TimeoutSec,
		*settings.MaxRetries,
		*settings.MaxCascadeDepth,
		*settings.RollbackMaxAttempts,
		*settings.HeartbeatTimeoutSec,
		*settings.HeartbeatIntervalSec,
		*settings.SweepIntervalSec,
		*settings.StalePolicy,
		*settings.CheckTimeoutSec,
		*settings.CacheEnabled,
		*settings.StderrLevel,
		configSource,
		settingPath,
	)
}
