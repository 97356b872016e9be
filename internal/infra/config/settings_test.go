package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadSettings(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.Home())
	assert.Equal(t, filepath.Join(dir, "contractd.db"), cfg.DBPath())
	assert.Empty(t, cfg.ExecutorBin())
	assert.Equal(t, 600, cfg.TimeoutSec())
	assert.Equal(t, 3, cfg.MaxRetries())
	assert.Equal(t, 5, cfg.MaxCascadeDepth())
	assert.Equal(t, 90*time.Second, cfg.HeartbeatTimeout())
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, "requeue", cfg.StalePolicy())
	assert.Equal(t, 60*time.Second, cfg.CheckTimeout())
	assert.True(t, cfg.CacheEnabled())
	assert.Equal(t, "default", cfg.ConfigSource())
}

func TestLoadSettingsFromFile(t *testing.T) {
	dir := t.TempDir()
	doc := `{
		"executor_bin": "/usr/local/bin/agent",
		"timeout_sec": 1200,
		"heartbeat_timeout_sec": 120,
		"stale_policy": "fail",
		"cache_enabled": false,
		"stderr_level": "warn"
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "setting.json"), []byte(doc), 0644))

	cfg, err := LoadSettings(dir)
	require.NoError(t, err)

	assert.Equal(t, "/usr/local/bin/agent", cfg.ExecutorBin())
	assert.Equal(t, 1200, cfg.TimeoutSec())
	assert.Equal(t, 120*time.Second, cfg.HeartbeatTimeout())
	assert.Equal(t, "fail", cfg.StalePolicy())
	assert.False(t, cfg.CacheEnabled())
	assert.Equal(t, "warn", cfg.StderrLevel())
	assert.Equal(t, "json", cfg.ConfigSource())
	assert.Equal(t, filepath.Join(dir, "setting.json"), cfg.SettingPath())

	// unset fields keep their defaults
	assert.Equal(t, 3, cfg.MaxRetries())
}

func TestLoadSettingsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "setting.json"), []byte("{not json"), 0644))

	_, err := LoadSettings(dir)
	assert.Error(t, err)
}

func TestLoadSettingsValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"zero timeout", `{"timeout_sec": 0}`},
		{"negative retries", `{"max_retries": -1}`},
		{"zero cascade depth", `{"max_cascade_depth": 0}`},
		{"heartbeat timeout below interval", `{"heartbeat_timeout_sec": 10, "heartbeat_interval_sec": 30}`},
		{"unknown stale policy", `{"stale_policy": "explode"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "setting.json"), []byte(tt.doc), 0644))
			_, err := LoadSettings(dir)
			assert.Error(t, err)
		})
	}
}
