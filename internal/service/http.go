package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// HTTPService is the standard Service implementation for JSON-over-HTTP
// backends. Health maps the backend's /health endpoint onto the three-level
// classification: 200 is healthy, any other response is degraded, a transport
// failure is unhealthy.
type HTTPService struct {
	mutex   sync.Mutex
	cfg     Config
	client  *http.Client
	metrics Metrics
}

func NewHTTP(cfg Config) *HTTPService {
	svc := &HTTPService{}
	svc.apply(cfg)
	return svc
}

func (s *HTTPService) apply(cfg Config) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	s.cfg = cfg
	s.client = &http.Client{Timeout: timeout}
}

func (s *HTTPService) Initialize(ctx context.Context, cfg Config) error {
	if cfg.Host == "" || cfg.Port == 0 {
		return fmt.Errorf("service %s: incomplete address", cfg.ID)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.apply(cfg)
	return nil
}

// Connect verifies the backend is reachable before the registry marks the
// service connected.
func (s *HTTPService) Connect(ctx context.Context) error {
	result := s.Health(ctx)
	if result.Status == StatusUnhealthy {
		if result.Err != nil {
			return fmt.Errorf("connect %s: %w", s.id(), result.Err)
		}
		return fmt.Errorf("connect %s: backend unhealthy", s.id())
	}
	return nil
}

func (s *HTTPService) Disconnect(ctx context.Context) error {
	s.mutex.Lock()
	client := s.client
	s.mutex.Unlock()

	client.CloseIdleConnections()
	return nil
}

func (s *HTTPService) Health(ctx context.Context) HealthResult {
	now := time.Now()

	s.mutex.Lock()
	client := s.client
	healthURL := s.cfg.BaseURL() + "/health"
	s.mutex.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		s.record(now, time.Since(now), true)
		return HealthResult{Status: StatusUnhealthy, Timestamp: now, Err: err}
	}

	res, err := client.Do(req)
	duration := time.Since(now)
	if err != nil {
		s.record(now, duration, true)
		return HealthResult{Status: StatusUnhealthy, Timestamp: now, Err: err}
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.StatusCode != http.StatusOK {
		s.record(now, duration, true)
		return HealthResult{Status: StatusDegraded, Timestamp: now}
	}

	s.record(now, duration, false)
	return HealthResult{Status: StatusHealthy, Timestamp: now}
}

func (s *HTTPService) Metrics(ctx context.Context) (Metrics, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.metrics, nil
}

func (s *HTTPService) Ping(ctx context.Context) bool {
	return s.Health(ctx).Status == StatusHealthy
}

func (s *HTTPService) id() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.cfg.ID
}

func (s *HTTPService) record(at time.Time, duration time.Duration, failed bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.metrics.Requests++
	if failed {
		s.metrics.Failures++
	}
	s.metrics.LastRequestAt = at

	// Cumulative moving average over all probes.
	n := s.metrics.Requests
	s.metrics.AvgResponseTime += (duration - s.metrics.AvgResponseTime) / time.Duration(n)
}
