package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sophia-stack/orchestrator/internal/registry"
	"github.com/sophia-stack/orchestrator/internal/service"
)

// ServiceHealth is one backend's entry in the aggregated health payload.
type ServiceHealth struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	URL    string `json:"url"`
	Error  string `json:"error,omitempty"`
}

// HealthPayload is the aggregated health report for the orchestrator and
// every registered backend.
type HealthPayload struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Services  map[string]ServiceHealth `json:"services"`
}

// CollectHealth probes every registered service and folds the results into
// one payload. The overall status degrades as soon as any backend is not
// online.
func (g *Gateway) CollectHealth(ctx context.Context) HealthPayload {
	payload := HealthPayload{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]ServiceHealth),
	}

	for _, reg := range g.registry.Discover(registry.DiscoverOptions{}) {
		entry := ServiceHealth{
			Name: reg.Config.Name,
			URL:  reg.Config.BaseURL(),
		}

		result := g.registry.Health(ctx, reg.ID)
		switch result.Status {
		case service.StatusHealthy:
			entry.Status = "online"
		case service.StatusDegraded:
			entry.Status = "degraded"
		default:
			entry.Status = "offline"
			if result.Err != nil {
				entry.Error = result.Err.Error()
			}
		}

		if entry.Status != "online" {
			payload.Status = "degraded"
		}
		payload.Services[reg.ID] = entry
	}

	return payload
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(g.CollectHealth(r.Context()))
}
