// Package status aggregates observability data from the orchestration
// layer.
//
// A Collector subscribes to registry lifecycle events and pool health
// transitions, folds them into counters, and serves point-in-time snapshots
// that combine those counters with the live state of the registry, the
// circuit breakers, and the connection pool. Event consumption happens in a
// dedicated goroutine so emitting components never block on a slow reader.
package status
