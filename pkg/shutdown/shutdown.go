// Package shutdown provides a signal-driven, timeout-bounded teardown
// coordinator.
//
// Callbacks register with a name and a time budget; Trigger runs them in
// registration order, bounding each with its budget so one hanging step
// never stalls the whole teardown. Errors and panics are logged and the
// chain continues.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jzx17/taskpool/pkg/types"
)

// Callback is one teardown step
type Callback func(ctx context.Context) error

// EmergencyTimeout is the per-callback bound applied in emergency mode
const EmergencyTimeout = 2 * time.Second

type step struct {
	name    string
	timeout time.Duration
	fn      Callback
}

// Coordinator runs registered teardown steps in bounded time
type Coordinator struct {
	clock  types.Clock
	logger *slog.Logger

	mu    sync.Mutex
	steps []step

	triggerOnce sync.Once
	stopSignals context.CancelFunc
}

// NewCoordinator creates a shutdown coordinator
func NewCoordinator(clock types.Clock, logger *slog.Logger) *Coordinator {
	if clock == nil {
		clock = types.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{clock: clock, logger: logger}
}

// Register adds a named teardown step with a per-step time budget.
// Steps run in registration order.
func (c *Coordinator) Register(name string, timeout time.Duration, fn Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step{name: name, timeout: timeout, fn: fn})
}

// Listen triggers teardown once on SIGINT or SIGTERM. The returned stop
// function releases the signal handler.
func (c *Coordinator) Listen(ctx context.Context) func() {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	c.mu.Lock()
	c.stopSignals = stop
	c.mu.Unlock()

	go func() {
		<-sigCtx.Done()
		if ctx.Err() != nil {
			return
		}
		c.logger.Info("shutdown signal received")
		c.Trigger(context.Background(), false)
	}()

	return stop
}

// Trigger runs every registered step once. In emergency mode each step's
// budget collapses to EmergencyTimeout. Trigger never returns an error;
// per-step failures are logged.
func (c *Coordinator) Trigger(ctx context.Context, emergency bool) {
	c.triggerOnce.Do(func() {
		c.run(ctx, emergency)
	})
}

func (c *Coordinator) run(ctx context.Context, emergency bool) {
	c.mu.Lock()
	steps := make([]step, len(c.steps))
	copy(steps, c.steps)
	stop := c.stopSignals
	c.mu.Unlock()

	if stop != nil {
		defer stop()
	}

	for _, s := range steps {
		budget := s.timeout
		if emergency && budget > EmergencyTimeout {
			budget = EmergencyTimeout
		}
		c.runStep(ctx, s, budget)
	}
}

// runStep executes one step on its own goroutine so a hung callback
// cannot stall the chain past its budget
func (c *Coordinator) runStep(ctx context.Context, s step, budget time.Duration) {
	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("panic: %v", r)
			}
		}()
		errCh <- s.fn(stepCtx)
	}()

	start := c.clock.Now()
	select {
	case err := <-errCh:
		if err != nil {
			c.logger.Error("shutdown step failed",
				"step", s.name,
				"duration", c.clock.Since(start),
				"error", err)
		} else {
			c.logger.Debug("shutdown step finished",
				"step", s.name,
				"duration", c.clock.Since(start))
		}
	case <-c.clock.After(budget):
		c.logger.Error("shutdown step exceeded budget, abandoning",
			"step", s.name,
			"budget", budget)
	}
}
