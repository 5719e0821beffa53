package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Options configures an ExponentialBackoff. Zero values fall back to the
// defaults used by New.
type Options struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

const (
	defaultInitialDelay = 100 * time.Millisecond
	defaultMaxDelay     = 30 * time.Second
	defaultMultiplier   = 2.0
)

// ExponentialBackoff computes successive retry delays. It is safe for
// concurrent use, though each retry loop normally owns its own instance.
type ExponentialBackoff struct {
	mutex        sync.Mutex
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       bool
	attempt      int
}

func New(opts Options) *ExponentialBackoff {
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = defaultInitialDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.Multiplier <= 1 {
		opts.Multiplier = defaultMultiplier
	}

	return &ExponentialBackoff{
		initialDelay: opts.InitialDelay,
		maxDelay:     opts.MaxDelay,
		multiplier:   opts.Multiplier,
		jitter:       opts.Jitter,
	}
}

// NextDelay returns the delay for the current attempt and advances the
// attempt counter. Without jitter the sequence is non-decreasing and capped
// at MaxDelay; with jitter each delay is scaled by a uniform factor in
// [0.5, 1.0].
func (b *ExponentialBackoff) NextDelay() time.Duration {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	delay := float64(b.initialDelay) * math.Pow(b.multiplier, float64(b.attempt))
	if delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}
	b.attempt++

	if b.jitter {
		delay *= 0.5 + rand.Float64()*0.5
	}

	return time.Duration(delay)
}

// Reset zeroes the attempt counter so the next delay starts over at the
// initial delay.
func (b *ExponentialBackoff) Reset() {
	b.mutex.Lock()
	b.attempt = 0
	b.mutex.Unlock()
}

// Attempt returns the number of delays handed out since the last Reset.
func (b *ExponentialBackoff) Attempt() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.attempt
}

// Execute runs fn up to maxAttempts times, sleeping NextDelay between
// attempts. The counter is reset on success. A nil shouldRetry retries every
// error; otherwise retrying stops as soon as shouldRetry rejects the error,
// and the last error is returned.
func (b *ExponentialBackoff) Execute(ctx context.Context, fn func(context.Context) error, maxAttempts int, shouldRetry func(error) bool) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.NextDelay()):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			b.Reset()
			return nil
		}

		if shouldRetry != nil && !shouldRetry(lastErr) {
			return lastErr
		}
	}

	return lastErr
}
