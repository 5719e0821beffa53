package circuitbreaker

import (
	"sync"
)

// Status pairs a breaker's state with its metrics snapshot.
type Status struct {
	State   State
	Metrics Metrics
}

// Registry lazily creates and caches one breaker per resource name. All
// breakers share the registry's default options.
type Registry struct {
	mutex    sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults Options
}

func NewRegistry(defaults Options) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// GetBreaker returns the breaker for name, creating it on first use.
func (r *Registry) GetBreaker(name string) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[name]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if cb, exists = r.breakers[name]; exists {
		return cb
	}

	cb = NewCircuitBreaker(name, r.defaults)
	r.breakers[name] = cb
	return cb
}

// ResetAll resets every cached breaker to closed with zeroed metrics.
func (r *Registry) ResetAll() {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}

// AllStatus reports state and metrics for every cached breaker.
func (r *Registry) AllStatus() map[string]Status {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	status := make(map[string]Status, len(r.breakers))
	for name, cb := range r.breakers {
		status[name] = Status{State: cb.State(), Metrics: cb.Metrics()}
	}
	return status
}
