package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/jzx17/taskpool/pkg/pool"
	"github.com/jzx17/taskpool/pkg/profile"
	"github.com/jzx17/taskpool/pkg/queue"
)

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Pool     PoolConfig     `mapstructure:"pool" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Profiles ProfilesConfig `mapstructure:"profiles" validate:"required"`
	Logging  LoggingConfig  `mapstructure:"logging" validate:"required"`
}

// PoolConfig contains worker-pool settings.
type PoolConfig struct {
	WorkerCount           int           `mapstructure:"worker_count" validate:"required,gte=1,lte=64"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	WorkerStartupTimeout  time.Duration `mapstructure:"worker_startup_timeout" validate:"gt=0"`
	StaggerDelay          time.Duration `mapstructure:"stagger_delay" validate:"gte=0"`
	PollInterval          time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	HeartbeatTimeout      time.Duration `mapstructure:"heartbeat_timeout" validate:"gt=0"`
	HealthCheckInterval   time.Duration `mapstructure:"health_check_interval" validate:"gt=0"`
	CoordinatorInterval   time.Duration `mapstructure:"coordinator_interval" validate:"gt=0"`
	GlobalRestartCooldown time.Duration `mapstructure:"global_restart_cooldown" validate:"gt=0"`
	MemoryThresholdMB     int64         `mapstructure:"memory_threshold_mb" validate:"gte=0"`
	FinalizeInterval      time.Duration `mapstructure:"finalize_interval" validate:"gte=0"`
	KeepProfilesOnExit    bool          `mapstructure:"keep_profiles_on_exit"`
}

// QueueConfig contains task-queue settings.
type QueueConfig struct {
	MaxSize        int           `mapstructure:"max_size" validate:"gte=0"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryDelay     time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
	KeyField       string        `mapstructure:"key_field" validate:"required"`
	RequiredFields []string      `mapstructure:"required_fields"`
}

// ProfilesConfig contains profile-manager settings.
type ProfilesConfig struct {
	Root           string        `mapstructure:"root" validate:"required"`
	TemplatePath   string        `mapstructure:"template_path"`
	MaxProfiles    int           `mapstructure:"max_profiles" validate:"gte=0"`
	CopyTimeBudget time.Duration `mapstructure:"copy_time_budget" validate:"gt=0"`
	CleanupRetries int           `mapstructure:"cleanup_retries" validate:"gte=1"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

// Logger builds a slog.Logger from the logging settings
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	switch c.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// PoolConfig maps the loaded settings onto a pool configuration
func (c *Config) PoolConfig(logger *slog.Logger) *pool.Config {
	pc := pool.DefaultConfig()
	pc.WorkerCount = c.Pool.WorkerCount
	pc.ShutdownTimeout = c.Pool.ShutdownTimeout
	pc.WorkerStartupTimeout = c.Pool.WorkerStartupTimeout
	pc.StaggerDelay = c.Pool.StaggerDelay
	pc.PollInterval = c.Pool.PollInterval
	pc.HeartbeatTimeout = c.Pool.HeartbeatTimeout
	pc.HealthCheckInterval = c.Pool.HealthCheckInterval
	pc.CoordinatorInterval = c.Pool.CoordinatorInterval
	pc.TimeoutGlobalRestartCooldown = c.Pool.GlobalRestartCooldown
	pc.MemoryThreshold = c.Pool.MemoryThresholdMB * 1024 * 1024
	pc.FinalizeInterval = c.Pool.FinalizeInterval
	pc.KeepProfilesOnExit = c.Pool.KeepProfilesOnExit
	pc.Logger = logger
	return pc
}

// QueueConfig maps the loaded settings onto a queue configuration
func (c *Config) QueueConfig(logger *slog.Logger) *queue.Config {
	qc := queue.DefaultConfig()
	qc.MaxSize = c.Queue.MaxSize
	qc.MaxRetries = c.Queue.MaxRetries
	qc.RetryDelay = c.Queue.RetryDelay
	qc.KeyField = c.Queue.KeyField
	qc.RequiredFields = c.Queue.RequiredFields
	qc.Logger = logger
	return qc
}

// ProfileConfig maps the loaded settings onto a profile-manager
// configuration. MaxProfiles of zero derives the cap from the worker
// count.
func (c *Config) ProfileConfig(logger *slog.Logger) *profile.Config {
	pc := profile.DefaultConfig(c.Profiles.Root)
	pc.TemplatePath = c.Profiles.TemplatePath
	pc.MaxProfiles = c.Profiles.MaxProfiles
	if pc.MaxProfiles == 0 {
		pc.MaxProfiles = pool.MaxProfilesFor(c.Pool.WorkerCount)
	}
	pc.CopyTimeBudget = c.Profiles.CopyTimeBudget
	pc.CleanupRetries = c.Profiles.CleanupRetries
	pc.Logger = logger
	return pc
}
