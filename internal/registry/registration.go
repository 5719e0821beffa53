package registry

import (
	"time"

	"github.com/sophia-stack/orchestrator/internal/service"
)

// State is the lifecycle position of one registration.
type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StateInitializing
	StateConnected
	StateHealthy
	StateDegraded
	StateUnhealthy
	StateDisconnected
	StateShuttingDown
	StateShutdown
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "UNREGISTERED"
	case StateRegistered:
		return "REGISTERED"
	case StateInitializing:
		return "INITIALIZING"
	case StateConnected:
		return "CONNECTED"
	case StateHealthy:
		return "HEALTHY"
	case StateDegraded:
		return "DEGRADED"
	case StateUnhealthy:
		return "UNHEALTHY"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateShutdown:
		return "SHUTDOWN"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// connected reports whether the state counts as "connected" for dependency
// gating: a service that reached CONNECTED stays connected through its health
// substates until it is explicitly disconnected.
func (s State) connected() bool {
	switch s {
	case StateConnected, StateHealthy, StateDegraded, StateUnhealthy:
		return true
	default:
		return false
	}
}

// Registration is the registry's record of one managed service. Values
// returned by registry queries are snapshots; the registry keeps exclusive
// ownership of the live record.
type Registration struct {
	ID              string
	Type            service.Type
	Config          service.Config
	Tags            []string
	State           State
	Dependencies    []string
	Dependents      []string
	Health          service.HealthResult
	Metrics         service.Metrics
	RegisteredAt    time.Time
	LastHealthCheck time.Time
	LastError       error

	instance service.Service
}

// Instance returns the wrapped service. The instance is owned by whoever
// constructed it; the registry only drives its lifecycle.
func (r *Registration) Instance() service.Service {
	return r.instance
}

func (r *Registration) snapshot() Registration {
	copied := *r
	copied.Tags = append([]string(nil), r.Tags...)
	copied.Dependencies = append([]string(nil), r.Dependencies...)
	copied.Dependents = append([]string(nil), r.Dependents...)
	return copied
}
