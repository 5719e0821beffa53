package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/sophia-stack/orchestrator/internal/backoff"
	"github.com/sophia-stack/orchestrator/internal/circuitbreaker"
	"github.com/sophia-stack/orchestrator/internal/service"
)

const (
	defaultPoolSize      = 3
	defaultMaxConcurrent = 32
	defaultTimeout       = 10 * time.Second
	defaultProbeInterval = 10 * time.Second
	defaultRetryDelay    = 200 * time.Millisecond
	healthPollStep       = 50 * time.Millisecond
)

// ServerConfig describes one pooled backend.
type ServerConfig struct {
	service.Config `mapstructure:",squash"`

	PoolSize int `mapstructure:"pool_size"`
}

// Options tunes the pool as a whole.
type Options struct {
	// MaxConcurrent caps in-flight requests across all servers.
	MaxConcurrent int
	// Breakers, when set, routes every Execute through the per-server
	// circuit breaker.
	Breakers *circuitbreaker.Registry
	Logger   *slog.Logger
}

// HealthChange is published when a server's probe flips its health flag.
type HealthChange struct {
	Server    string
	Healthy   bool
	Timestamp time.Time
}

// CallOptions overrides per-call settings.
type CallOptions struct {
	// Retries overrides the server's retry budget. Negative means "use the
	// server default"; zero disables retrying.
	Retries int
	// Timeout overrides the per-attempt timeout.
	Timeout time.Duration
}

var allowedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
}

// Pool is a fixed-size round-robin client set per named backend, with
// bounded concurrency, retry, and periodic health probing.
type Pool struct {
	logger   *slog.Logger
	servers  map[string]*server
	sem      chan struct{}
	breakers *circuitbreaker.Registry

	cancel  context.CancelFunc
	probeWG sync.WaitGroup

	subMutex    sync.Mutex
	subscribers []chan HealthChange
	destroyed   bool
}

// New builds the pool and starts one probe goroutine per server.
func New(servers []ServerConfig, opts Options) (*Pool, error) {
	if len(servers) == 0 {
		return nil, &ValidationError{Reason: "no servers configured"}
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		logger:   opts.Logger,
		servers:  make(map[string]*server, len(servers)),
		sem:      make(chan struct{}, opts.MaxConcurrent),
		breakers: opts.Breakers,
		cancel:   cancel,
	}

	for _, cfg := range servers {
		if cfg.ID == "" {
			cancel()
			return nil, &ValidationError{Reason: "server config missing id"}
		}
		if _, dup := p.servers[cfg.ID]; dup {
			cancel()
			return nil, &ValidationError{Reason: fmt.Sprintf("duplicate server %s", cfg.ID)}
		}

		baseURL, err := url.Parse(cfg.BaseURL())
		if err != nil {
			cancel()
			return nil, fmt.Errorf("parse base URL for %s: %w", cfg.ID, err)
		}

		size := cfg.PoolSize
		if size <= 0 {
			size = defaultPoolSize
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}

		srv := &server{key: cfg.ID, cfg: cfg}
		for i := 0; i < size; i++ {
			srv.clients = append(srv.clients, newClient(baseURL, timeout))
		}
		p.servers[cfg.ID] = srv

		interval := cfg.HealthCheckInterval
		if interval <= 0 {
			interval = defaultProbeInterval
		}

		p.probeWG.Add(1)
		go p.probe(ctx, srv, interval)
	}

	return p, nil
}

// Subscribe returns a buffered channel of health-change events and a cancel
// function. Sends are non-blocking; a full channel drops events.
func (p *Pool) Subscribe(buffer int) (<-chan HealthChange, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	ch := make(chan HealthChange, buffer)

	p.subMutex.Lock()
	if p.destroyed {
		p.subMutex.Unlock()
		close(ch)
		return ch, func() {}
	}
	p.subscribers = append(p.subscribers, ch)
	p.subMutex.Unlock()

	return ch, func() {
		p.subMutex.Lock()
		defer p.subMutex.Unlock()
		for i, candidate := range p.subscribers {
			if candidate == ch {
				p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (p *Pool) publish(change HealthChange) {
	p.subMutex.Lock()
	defer p.subMutex.Unlock()

	if p.destroyed {
		return
	}
	for _, ch := range p.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}

// Execute issues method+endpoint against the named server: one semaphore
// slot, then up to 1+retries attempts, each on the next round-robin client.
// Any HTTP status >= 400 or transport error is retryable. The response body
// is returned raw for the caller to decode.
func (p *Pool) Execute(ctx context.Context, serverKey, method, endpoint string, body any, opts *CallOptions) (json.RawMessage, error) {
	srv, exists := p.servers[serverKey]
	if !exists {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown server %s", serverKey)}
	}
	if !slices.Contains(allowedMethods, method) {
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported method %s", method)}
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	if p.breakers == nil {
		return p.executeWithRetry(ctx, srv, method, endpoint, body, opts)
	}

	result, err := p.breakers.GetBreaker(serverKey).Execute(ctx, func(ctx context.Context) (any, error) {
		return p.executeWithRetry(ctx, srv, method, endpoint, body, opts)
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	// A fallback may substitute its own result; anything that is not a raw
	// JSON payload is a wiring mistake, not a response.
	raw, ok := result.(json.RawMessage)
	if !ok {
		return nil, fmt.Errorf("server %s: unexpected result type %T", serverKey, result)
	}
	return raw, nil
}

func (p *Pool) executeWithRetry(ctx context.Context, srv *server, method, endpoint string, body any, opts *CallOptions) (json.RawMessage, error) {
	retries := srv.cfg.RetryAttempts
	timeout := srv.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if opts != nil {
		if opts.Retries >= 0 {
			retries = opts.Retries
		}
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
	}

	retryDelay := srv.cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	retry := backoff.New(backoff.Options{
		InitialDelay: retryDelay,
		Multiplier:   2,
		Jitter:       true,
	})

	var result json.RawMessage

	err := retry.Execute(ctx, func(ctx context.Context) error {
		index, cl := srv.next()

		raw, err := p.attempt(ctx, srv, cl, method, endpoint, body, timeout)
		if err != nil {
			p.logger.Debug("Request attempt failed",
				slog.String("server", srv.key),
				slog.String("endpoint", endpoint),
				slog.Int("client", index),
				slog.Any("err", err))
			return err
		}

		result = raw
		return nil
	}, retries+1, nil)

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Pool) attempt(ctx context.Context, srv *server, cl *client, method, endpoint string, body any, timeout time.Duration) (json.RawMessage, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, &TransportError{Server: srv.key, Endpoint: endpoint, Err: err}
	}
	target := cl.baseURL.ResolveReference(ref)

	req, err := http.NewRequestWithContext(attemptCtx, method, target.String(), reader)
	if err != nil {
		return nil, &TransportError{Server: srv.key, Endpoint: endpoint, Err: err}
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := srv.cfg.AuthToken; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	res, err := cl.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Server: srv.key, Endpoint: endpoint, Err: err}
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &TransportError{Server: srv.key, Endpoint: endpoint, Err: err}
	}

	cl.RecordResponse(time.Since(start))

	if res.StatusCode >= http.StatusBadRequest {
		return nil, &TransportError{Server: srv.key, Endpoint: endpoint, StatusCode: res.StatusCode}
	}

	return payload, nil
}

// probe checks /health on its own schedule, independent of the request
// path, and flips the server's health flag.
func (p *Pool) probe(ctx context.Context, srv *server, interval time.Duration) {
	defer p.probeWG.Done()

	httpClient := &http.Client{Timeout: 5 * time.Second}

	check := func() {
		healthURL := srv.clients[0].baseURL.ResolveReference(&url.URL{Path: "/health"})

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL.String(), nil)
		if err != nil {
			return
		}
		if token := srv.cfg.AuthToken; token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		healthy := false
		res, err := httpClient.Do(req)
		if err == nil {
			res.Body.Close()
			healthy = res.StatusCode == http.StatusOK
		}

		if !srv.SetHealthy(healthy) {
			return
		}

		if healthy {
			p.logger.Info("Server is back up", slog.String("server", srv.key))
		} else {
			p.logger.Warn("Server is down", slog.String("server", srv.key))
		}

		p.publish(HealthChange{Server: srv.key, Healthy: healthy, Timestamp: time.Now()})
	}

	check()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Health probe stopped", slog.String("server", srv.key))
			return
		case <-ticker.C:
			check()
		}
	}
}

// Healthy reports the probe flag for every server.
func (p *Pool) Healthy() map[string]bool {
	flags := make(map[string]bool, len(p.servers))
	for key, srv := range p.servers {
		flags[key] = srv.IsHealthy()
	}
	return flags
}

// WaitForHealth polls the health flags until every server is healthy or the
// timeout elapses.
func (p *Pool) WaitForHealth(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		allHealthy := true
		for _, srv := range p.servers {
			if !srv.IsHealthy() {
				allHealthy = false
				break
			}
		}
		if allHealthy {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("servers not healthy after %s: %v", timeout, p.Healthy())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollStep):
		}
	}
}

// Destroy stops the probes and closes every subscriber channel. The pool
// must not be used afterwards.
func (p *Pool) Destroy() {
	p.subMutex.Lock()
	if p.destroyed {
		p.subMutex.Unlock()
		return
	}
	p.destroyed = true
	subscribers := p.subscribers
	p.subscribers = nil
	p.subMutex.Unlock()

	p.cancel()
	p.probeWG.Wait()

	for _, ch := range subscribers {
		close(ch)
	}

	p.logger.Info("Connection pool destroyed")
}
