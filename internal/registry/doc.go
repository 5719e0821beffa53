// Package registry implements the service registry that orchestrates
// managed backend services.
//
// Each registered service carries a dependency list; the registry computes a
// safe startup order (dependencies strictly before dependents), drives
// connect/disconnect lifecycles in that order, and supervises connected
// services with a per-service health-poll goroutine. State changes are
// published as typed events over subscriber channels.
package registry
