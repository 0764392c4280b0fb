package shutdown

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jzx17/taskpool/pkg/types"
)

func newTestCoordinator() *Coordinator {
	return NewCoordinator(types.NewRealClock(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCoordinator_RunsStepsInOrder(t *testing.T) {
	c := newTestCoordinator()

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"pool", "storage", "logs"} {
		name := name
		c.Register(name, time.Second, func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		})
	}

	c.Trigger(context.Background(), false)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"pool", "storage", "logs"}, order)
}

func TestCoordinator_TriggerRunsOnce(t *testing.T) {
	c := newTestCoordinator()

	var mu sync.Mutex
	runs := 0
	c.Register("pool", time.Second, func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		runs++
		return nil
	})

	c.Trigger(context.Background(), false)
	c.Trigger(context.Background(), false)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, runs)
}

func TestCoordinator_StepErrorDoesNotStopChain(t *testing.T) {
	c := newTestCoordinator()

	var mu sync.Mutex
	var ran []string
	c.Register("broken", time.Second, func(ctx context.Context) error {
		mu.Lock()
		ran = append(ran, "broken")
		mu.Unlock()
		return fmt.Errorf("teardown failed")
	})
	c.Register("after", time.Second, func(ctx context.Context) error {
		mu.Lock()
		ran = append(ran, "after")
		mu.Unlock()
		return nil
	})

	c.Trigger(context.Background(), false)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"broken", "after"}, ran)
}

func TestCoordinator_StepPanicContained(t *testing.T) {
	c := newTestCoordinator()

	var mu sync.Mutex
	afterRan := false
	c.Register("panicky", time.Second, func(ctx context.Context) error {
		panic("teardown blew up")
	})
	c.Register("after", time.Second, func(ctx context.Context) error {
		mu.Lock()
		afterRan = true
		mu.Unlock()
		return nil
	})

	require.NotPanics(t, func() {
		c.Trigger(context.Background(), false)
	})

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, afterRan)
}

func TestCoordinator_HungStepAbandonedAtBudget(t *testing.T) {
	c := newTestCoordinator()

	block := make(chan struct{})
	defer close(block)

	var mu sync.Mutex
	afterRan := false
	c.Register("hung", 50*time.Millisecond, func(ctx context.Context) error {
		<-block
		return nil
	})
	c.Register("after", time.Second, func(ctx context.Context) error {
		mu.Lock()
		afterRan = true
		mu.Unlock()
		return nil
	})

	start := time.Now()
	c.Trigger(context.Background(), false)
	assert.Less(t, time.Since(start), 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, afterRan)
}

func TestCoordinator_EmergencyCollapsesBudgets(t *testing.T) {
	c := newTestCoordinator()

	block := make(chan struct{})
	defer close(block)

	c.Register("slow", time.Minute, func(ctx context.Context) error {
		<-block
		return nil
	})

	start := time.Now()
	c.Trigger(context.Background(), true)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, EmergencyTimeout)
	assert.Less(t, elapsed, 10*time.Second)
}

func TestCoordinator_ListenStopReleasesHandler(t *testing.T) {
	c := newTestCoordinator()

	var mu sync.Mutex
	triggered := false
	c.Register("pool", time.Second, func(ctx context.Context) error {
		mu.Lock()
		triggered = true
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	stop := c.Listen(ctx)

	cancel()
	stop()
	time.Sleep(50 * time.Millisecond)

	// parent cancellation releases the handler without tearing down
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, triggered)
}
