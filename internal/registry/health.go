package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sophia-stack/orchestrator/internal/service"
)

// Health probes a service and folds the result into its registration. It
// never fails: probe errors (including panics inside the instance) are
// captured and reported as an unhealthy result, so a monitoring surface
// cannot be crashed by a down dependency.
func (r *Registry) Health(ctx context.Context, id string) service.HealthResult {
	result, _ := r.checkHealth(ctx, id)
	return result
}

func (r *Registry) checkHealth(ctx context.Context, id string) (service.HealthResult, bool) {
	r.mutex.Lock()
	reg, exists := r.services[id]
	if !exists {
		r.mutex.Unlock()
		return service.HealthResult{
			Status:    service.StatusUnhealthy,
			Timestamp: time.Now(),
			Err:       errUnknownService(id),
		}, false
	}
	instance := reg.instance
	r.mutex.Unlock()

	result := probe(ctx, instance)
	if metrics, err := instance.Metrics(ctx); err == nil {
		r.mutex.Lock()
		reg.Metrics = metrics
		r.mutex.Unlock()
	}

	r.mutex.Lock()
	reg.Health = result
	reg.LastHealthCheck = result.Timestamp
	if result.Err != nil {
		reg.LastError = result.Err
	}

	wasUnhealthy := reg.State == StateUnhealthy
	typ := reg.Type

	var newState State
	switch result.Status {
	case service.StatusHealthy:
		newState = StateHealthy
	case service.StatusDegraded:
		newState = StateDegraded
	default:
		newState = StateUnhealthy
	}

	// A poll result only moves a service between its connected substates;
	// it never resurrects one that has been disconnected.
	changed := false
	if reg.State.connected() {
		reg.State = newState
		isUnhealthy := newState == StateUnhealthy
		changed = wasUnhealthy != isUnhealthy
	}
	r.mutex.Unlock()

	if changed {
		kind := EventServiceHealthy
		if newState == StateUnhealthy {
			kind = EventServiceUnhealthy
		}
		r.publish(Event{
			Kind:      kind,
			ServiceID: id,
			Type:      typ,
			State:     newState,
			Health:    result.Status,
			Err:       result.Err,
			Timestamp: result.Timestamp,
		})
	}

	return result, changed
}

// probe shields the registry from a misbehaving Health implementation.
func probe(ctx context.Context, instance service.Service) (result service.HealthResult) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = service.HealthResult{
				Status:    service.StatusUnhealthy,
				Timestamp: time.Now(),
				Err:       fmt.Errorf("health check panicked: %v", recovered),
			}
		}
	}()

	result = instance.Health(ctx)
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}
	return result
}

// startHealthCheckLocked spawns the poll goroutine for id. Caller holds the
// registry mutex.
func (r *Registry) startHealthCheckLocked(id string, interval time.Duration) {
	if _, running := r.polls[id]; running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.polls[id] = cancel
	r.pollWG.Add(1)

	go r.poll(ctx, id, interval)
}

// stopHealthCheckLocked is idempotent. Caller holds the registry mutex.
func (r *Registry) stopHealthCheckLocked(id string) {
	if cancel, running := r.polls[id]; running {
		cancel()
		delete(r.polls, id)
	}
}

func (r *Registry) poll(ctx context.Context, id string, interval time.Duration) {
	defer r.pollWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Health check stopped", slog.String("service", id))
			return

		case <-ticker.C:
			result, changed := r.checkHealth(ctx, id)
			if !changed {
				continue
			}

			if result.Status == service.StatusUnhealthy {
				r.logger.Warn("Service is down",
					slog.String("service", id),
					slog.Any("err", result.Err))
			} else {
				r.logger.Info("Service is back up",
					slog.String("service", id))
			}
		}
	}
}
