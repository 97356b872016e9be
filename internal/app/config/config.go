package config

import "time"

// Config provides read-only access to application configuration.
// This interface abstracts the configuration source (JSON, defaults)
// and keeps the app layer free of infrastructure details.
type Config interface {
	// Core settings
	Home() string           // Base directory for engine state
	DBPath() string         // SQLite database path
	ExecutorBin() string    // External executor binary
	TimeoutSec() int        // Execution timeout in seconds
	Timeout() time.Duration // Execution timeout as Duration

	// Contract policy
	MaxRetries() int          // Retry budget for failed contracts
	MaxCascadeDepth() int     // Cascading failure depth cap
	RollbackMaxAttempts() int // Automatic rollback attempts before escalation

	// Claim liveness
	HeartbeatTimeout() time.Duration  // Claim staleness threshold
	HeartbeatInterval() time.Duration // How often a worker heartbeats
	SweepInterval() time.Duration     // Background sweep cadence
	StalePolicy() string              // "requeue" or "fail"

	// Verification
	CheckTimeout() time.Duration // Default per-check timeout
	CacheEnabled() bool          // Verification result caching

	// Logging
	StderrLevel() string // Stderr log level (debug, info, warn, error, off)

	// Metadata
	ConfigSource() string // Source of configuration: "json" or "default"
	SettingPath() string  // Path to setting.json if loaded from file
}

// AppConfig is the concrete implementation of Config
type AppConfig struct {
	home        string
	dbPath      string
	executorBin string
	timeoutSec  int

	maxRetries          int
	maxCascadeDepth     int
	rollbackMaxAttempts int

	heartbeatTimeoutSec  int
	heartbeatIntervalSec int
	sweepIntervalSec     int
	stalePolicy          string

	checkTimeoutSec int
	cacheEnabled    bool

	stderrLevel string

	configSource string
	settingPath  string
}

func (c *AppConfig) Home() string        { return c.home }
func (c *AppConfig) DBPath() string      { return c.dbPath }
func (c *AppConfig) ExecutorBin() string { return c.executorBin }
func (c *AppConfig) TimeoutSec() int     { return c.timeoutSec }

func (c *AppConfig) Timeout() time.Duration {
	return time.Duration(c.timeoutSec) * time.Second
}

func (c *AppConfig) MaxRetries() int          { return c.maxRetries }
func (c *AppConfig) MaxCascadeDepth() int     { return c.maxCascadeDepth }
func (c *AppConfig) RollbackMaxAttempts() int { return c.rollbackMaxAttempts }

func (c *AppConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.heartbeatTimeoutSec) * time.Second
}

func (c *AppConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.heartbeatIntervalSec) * time.Second
}

func (c *AppConfig) SweepInterval() time.Duration {
	return time.Duration(c.sweepIntervalSec) * time.Second
}

func (c *AppConfig) StalePolicy() string { return c.stalePolicy }

func (c *AppConfig) CheckTimeout() time.Duration {
	return time.Duration(c.checkTimeoutSec) * time.Second
}

func (c *AppConfig) CacheEnabled() bool   { return c.cacheEnabled }
func (c *AppConfig) StderrLevel() string  { return c.stderrLevel }
func (c *AppConfig) ConfigSource() string { return c.configSource }
func (c *AppConfig) SettingPath() string  { return c.settingPath }

// NewAppConfig creates an AppConfig with all values resolved.
// Called by the settings loader after defaults are applied.
func NewAppConfig(
	home, dbPath, executorBin string,
	timeoutSec int,
	maxRetries, maxCascadeDepth, rollbackMaxAttempts int,
	heartbeatTimeoutSec, heartbeatIntervalSec, sweepIntervalSec int,
	stalePolicy string,
	checkTimeoutSec int,
	cacheEnabled bool,
	stderrLevel string,
	configSource, settingPath string,
) *AppConfig {
	return &AppConfig{
		home:                 home,
		dbPath:               dbPath,
		executorBin:          executorBin,
		timeoutSec:           timeoutSec,
		maxRetries:           maxRetries,
		maxCascadeDepth:      maxCascadeDepth,
		rollbackMaxAttempts:  rollbackMaxAttempts,
		heartbeatTimeoutSec:  heartbeatTimeoutSec,
		heartbeatIntervalSec: heartbeatIntervalSec,
		sweepIntervalSec:     sweepIntervalSec,
		stalePolicy:          stalePolicy,
		checkTimeoutSec:      checkTimeoutSec,
		cacheEnabled:         cacheEnabled,
		stderrLevel:          stderrLevel,
		configSource:         configSource,
		settingPath:          settingPath,
	}
}
