// Package circuitbreaker implements the circuit breaker pattern for failing
// backend services.
//
// A circuit breaker prevents cascading failures by temporarily blocking
// requests to a persistently failing resource. It has three states:
//
//   - CLOSED: Normal operation, requests pass through
//   - OPEN: Resource failing, requests short-circuited
//   - HALF-OPEN: Testing recovery with exactly one probe request
//
// Call outcomes are recorded into a time-bounded rolling window; the circuit
// opens when the window holds enough samples and either the raw failure count
// or the error percentage crosses its threshold.
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(circuitbreaker.Options{
//	    ErrorThreshold:  5,
//	    VolumeThreshold: 10,
//	    Timeout:         2 * time.Second,
//	})
//	cb := registry.GetBreaker("memory")
//	value, err := cb.Execute(ctx, func(ctx context.Context) (any, error) {
//	    return client.Retrieve(ctx, key)
//	})
package circuitbreaker
