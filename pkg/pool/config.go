// Package pool implements the persistent worker-pool orchestrator.
package pool

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jzx17/taskpool/pkg/types"
)

// Config contains configuration for the worker pool. It is treated as
// immutable once the pool is constructed.
type Config struct {
	// WorkerCount is the number of persistent workers
	WorkerCount int

	// ShutdownTimeout bounds graceful shutdown end to end
	ShutdownTimeout time.Duration

	// WorkerStartupTimeout bounds the wait for all workers to reach ready
	WorkerStartupTimeout time.Duration

	// StaggerDelay is the pause between sequential worker starts, avoiding
	// resource-contention storms
	StaggerDelay time.Duration

	// PollInterval is how long an idle worker sleeps between queue polls
	PollInterval time.Duration

	// HeartbeatTimeout marks a worker unhealthy when its heartbeat is older
	HeartbeatTimeout time.Duration

	// HealthCheckInterval is the health-monitor loop period
	HealthCheckInterval time.Duration

	// CoordinatorInterval is the queue-coordinator loop period
	CoordinatorInterval time.Duration

	// TimeoutGlobalRestartCooldown is the minimum spacing between pool-wide
	// restarts triggered by timeout classifications
	TimeoutGlobalRestartCooldown time.Duration

	// MemoryThreshold bounds aggregate profile disk usage in bytes
	// (0 disables the check)
	MemoryThreshold int64

	// FinalizeInterval is the batch-finalizer flush period (0 disables
	// deferred finalization)
	FinalizeInterval time.Duration

	// KeepProfilesOnExit preserves profile directories through shutdown
	KeepProfilesOnExit bool

	// Clock for time operations (optional, defaults to real clock)
	Clock types.Clock

	// Logger for structured logging (optional, defaults to slog.Default)
	Logger *slog.Logger
}

// DefaultConfig returns default pool configuration
func DefaultConfig() *Config {
	return &Config{
		WorkerCount:                  2,
		ShutdownTimeout:              120 * time.Second,
		WorkerStartupTimeout:         60 * time.Second,
		StaggerDelay:                 2 * time.Second,
		PollInterval:                 500 * time.Millisecond,
		HeartbeatTimeout:             300 * time.Second,
		HealthCheckInterval:          5 * time.Second,
		CoordinatorInterval:          30 * time.Second,
		TimeoutGlobalRestartCooldown: 60 * time.Second,
		Clock:                        types.NewRealClock(),
	}
}

// validate fills defaults and rejects impossible configurations
func (c *Config) validate() error {
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.WorkerCount)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 120 * time.Second
	}
	if c.WorkerStartupTimeout <= 0 {
		c.WorkerStartupTimeout = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 300 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 5 * time.Second
	}
	if c.CoordinatorInterval <= 0 {
		c.CoordinatorInterval = 30 * time.Second
	}
	if c.TimeoutGlobalRestartCooldown <= 0 {
		c.TimeoutGlobalRestartCooldown = 60 * time.Second
	}
	if c.Clock == nil {
		c.Clock = types.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// MaxProfilesFor derives the profile capacity cap for a worker count:
// max(workerCount, 8)
func MaxProfilesFor(workerCount int) int {
	if workerCount > 8 {
		return workerCount
	}
	return 8
}
