package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sophia-stack/orchestrator/internal/circuitbreaker"
	"github.com/sophia-stack/orchestrator/internal/pool"
	"github.com/sophia-stack/orchestrator/internal/registry"
)

// Collector aggregates registry events and pool health transitions into a
// queryable snapshot. It consumes both event streams in one goroutine so
// producers are never blocked.
type Collector struct {
	logger   *slog.Logger
	registry *registry.Registry
	pool     *pool.Pool
	breakers *circuitbreaker.Registry

	startTime time.Time

	mutex           sync.RWMutex
	serviceEvents   map[string]int64
	healthFlips     map[string]int64
	lastEvent       map[string]string
	eventsProcessed int64
}

func NewCollector(reg *registry.Registry, p *pool.Pool, breakers *circuitbreaker.Registry, logger *slog.Logger) *Collector {
	return &Collector{
		logger:        logger,
		registry:      reg,
		pool:          p,
		breakers:      breakers,
		startTime:     time.Now(),
		serviceEvents: make(map[string]int64),
		healthFlips:   make(map[string]int64),
		lastEvent:     make(map[string]string),
	}
}

// Start subscribes to the event sources and begins consuming. The loop
// exits when ctx is canceled or both sources close.
func (c *Collector) Start(ctx context.Context) {
	var registryEvents <-chan registry.Event
	var poolEvents <-chan pool.HealthChange

	if c.registry != nil {
		registryEvents, _ = c.registry.Subscribe(256)
	}
	if c.pool != nil {
		poolEvents, _ = c.pool.Subscribe(256)
	}

	go c.run(ctx, registryEvents, poolEvents)
}

func (c *Collector) run(ctx context.Context, registryEvents <-chan registry.Event, poolEvents <-chan pool.HealthChange) {
	c.logger.Info("Status collector started")
	defer c.logger.Info("Status collector stopped")

	for {
		select {
		case event, ok := <-registryEvents:
			if !ok {
				registryEvents = nil
				break
			}
			c.processRegistryEvent(event)

		case change, ok := <-poolEvents:
			if !ok {
				poolEvents = nil
				break
			}
			c.processHealthChange(change)

		case <-ctx.Done():
			return
		}

		if registryEvents == nil && poolEvents == nil {
			return
		}
	}
}

func (c *Collector) processRegistryEvent(event registry.Event) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.eventsProcessed++
	if event.ServiceID != "" {
		c.serviceEvents[event.ServiceID]++
		c.lastEvent[event.ServiceID] = event.Kind.String()
	}
}

func (c *Collector) processHealthChange(change pool.HealthChange) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.eventsProcessed++
	c.healthFlips[change.Server]++
}

// ServiceStatus is one service's entry in a snapshot.
type ServiceStatus struct {
	Type            string    `json:"type"`
	State           string    `json:"state"`
	Healthy         bool      `json:"healthy"`
	LastHealthCheck time.Time `json:"last_health_check"`
	Events          int64     `json:"events"`
	LastEvent       string    `json:"last_event,omitempty"`
}

// BreakerStatus is one circuit breaker's entry in a snapshot.
type BreakerStatus struct {
	State           string  `json:"state"`
	Requests        int64   `json:"requests"`
	Failures        int64   `json:"failures"`
	ShortCircuits   int64   `json:"short_circuits"`
	ErrorPercentage float64 `json:"error_percentage"`
}

// Snapshot is the aggregated view served by the status endpoint.
type Snapshot struct {
	Uptime          time.Duration            `json:"uptime"`
	EventsProcessed int64                    `json:"events_processed"`
	Services        map[string]ServiceStatus `json:"services"`
	Breakers        map[string]BreakerStatus `json:"breakers"`
	PoolHealth      map[string]bool          `json:"pool_health"`
	HealthFlips     map[string]int64         `json:"health_flips"`
}

// Snapshot combines the collector's counters with the live state of the
// registry, breakers, and pool.
func (c *Collector) Snapshot() Snapshot {
	c.mutex.RLock()
	snap := Snapshot{
		Uptime:          time.Since(c.startTime),
		EventsProcessed: c.eventsProcessed,
		Services:        make(map[string]ServiceStatus),
		Breakers:        make(map[string]BreakerStatus),
		PoolHealth:      make(map[string]bool),
		HealthFlips:     make(map[string]int64, len(c.healthFlips)),
	}
	serviceEvents := make(map[string]int64, len(c.serviceEvents))
	for id, count := range c.serviceEvents {
		serviceEvents[id] = count
	}
	lastEvent := make(map[string]string, len(c.lastEvent))
	for id, name := range c.lastEvent {
		lastEvent[id] = name
	}
	for server, flips := range c.healthFlips {
		snap.HealthFlips[server] = flips
	}
	c.mutex.RUnlock()

	if c.registry != nil {
		for _, reg := range c.registry.Discover(registry.DiscoverOptions{}) {
			snap.Services[reg.ID] = ServiceStatus{
				Type:            string(reg.Type),
				State:           reg.State.String(),
				Healthy:         reg.State == registry.StateHealthy || reg.State == registry.StateDegraded,
				LastHealthCheck: reg.LastHealthCheck,
				Events:          serviceEvents[reg.ID],
				LastEvent:       lastEvent[reg.ID],
			}
		}
	}

	if c.breakers != nil {
		for name, status := range c.breakers.AllStatus() {
			snap.Breakers[name] = BreakerStatus{
				State:           status.State.String(),
				Requests:        status.Metrics.Requests,
				Failures:        status.Metrics.Failures,
				ShortCircuits:   status.Metrics.ShortCircuits,
				ErrorPercentage: status.Metrics.ErrorPercentage,
			}
		}
	}

	if c.pool != nil {
		for server, healthy := range c.pool.Healthy() {
			snap.PoolHealth[server] = healthy
		}
	}

	return snap
}
