// Package backoff implements exponential retry delays with optional jitter.
//
// An ExponentialBackoff tracks its own attempt counter: each NextDelay call
// grows the delay by the multiplier until MaxDelay, and Reset returns it to
// the initial delay. Execute wraps a function in a retry loop driven by the
// same delay sequence.
package backoff
