// Package pool implements the retrying connection pool for named backend
// services.
//
// Each named server owns a fixed set of client handles sharing one base URL,
// cycled round-robin per attempt. Execute routes calls through a global
// bounded-concurrency semaphore and a retry loop with exponential backoff;
// an out-of-band probe goroutine per server maintains a health flag and
// publishes health-change events only on transitions. Domain helpers
// (Store, ReadFile, Commit, Embed, ...) are thin wrappers that fix the
// server key, endpoint, and HTTP verb.
package pool
