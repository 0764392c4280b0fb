package retry

import (
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy defines the backoff strategy interface
type BackoffStrategy interface {
	// NextDelay calculates the delay before the given attempt (1-based)
	NextDelay(attempt int) time.Duration
}

// JitterFunc randomizes a delay to avoid thundering herds
type JitterFunc func(time.Duration) time.Duration

// Option configures a backoff strategy
type Option func(*options)

type options struct {
	maxDelay time.Duration
	jitter   JitterFunc
}

func buildOptions(opts []Option) options {
	o := options{maxDelay: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithMaxDelay caps the computed delay
func WithMaxDelay(maxDelay time.Duration) Option {
	return func(o *options) {
		o.maxDelay = maxDelay
	}
}

// WithJitter applies a jitter function to computed delays
func WithJitter(jitter JitterFunc) Option {
	return func(o *options) {
		o.jitter = jitter
	}
}

func (o options) finish(delay time.Duration) time.Duration {
	if o.maxDelay > 0 && delay > o.maxDelay {
		delay = o.maxDelay
	}
	if o.jitter != nil {
		delay = o.jitter(delay)
	}
	return delay
}

// FixedBackoff implements fixed delay backoff
type FixedBackoff struct {
	delay time.Duration
	opts  options
}

// NewFixedBackoff creates a fixed backoff strategy
func NewFixedBackoff(delay time.Duration, opts ...Option) *FixedBackoff {
	return &FixedBackoff{delay: delay, opts: buildOptions(opts)}
}

// NextDelay calculates the delay before the given attempt
func (b *FixedBackoff) NextDelay(attempt int) time.Duration {
	return b.opts.finish(b.delay)
}

// LinearBackoff implements linearly growing backoff
type LinearBackoff struct {
	initialDelay time.Duration
	increment    time.Duration
	opts         options
}

// NewLinearBackoff creates a linear backoff strategy
func NewLinearBackoff(initialDelay, increment time.Duration, opts ...Option) *LinearBackoff {
	return &LinearBackoff{
		initialDelay: initialDelay,
		increment:    increment,
		opts:         buildOptions(opts),
	}
}

// NextDelay calculates the delay before the given attempt
func (b *LinearBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := b.initialDelay + time.Duration(attempt-1)*b.increment
	return b.opts.finish(delay)
}

// ExponentialBackoff implements exponentially growing backoff
type ExponentialBackoff struct {
	initialDelay time.Duration
	multiplier   float64
	opts         options
}

// NewExponentialBackoff creates an exponential backoff strategy with a
// multiplier of 2
func NewExponentialBackoff(initialDelay time.Duration, opts ...Option) *ExponentialBackoff {
	return &ExponentialBackoff{
		initialDelay: initialDelay,
		multiplier:   2.0,
		opts:         buildOptions(opts),
	}
}

// NextDelay calculates the delay before the given attempt
func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := time.Duration(float64(b.initialDelay) * math.Pow(b.multiplier, float64(attempt-1)))
	return b.opts.finish(delay)
}

// FullJitter randomizes within [0, delay]
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(delay)))
}

// EqualJitter keeps half the delay and randomizes the other half
func EqualJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}
