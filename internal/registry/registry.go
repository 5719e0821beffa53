package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sophia-stack/orchestrator/internal/service"
)

const defaultHealthCheckInterval = 30 * time.Second

// Registry tracks registered service instances, their dependency graph, and
// their lifecycle state. Mutating methods must not be raced against each
// other for the same service id; the registry serializes its own indices but
// does not arbitrate conflicting lifecycle commands.
type Registry struct {
	logger *slog.Logger
	hub    eventHub

	mutex    sync.Mutex
	services map[string]*Registration
	byType   map[service.Type][]string
	order    []string
	polls    map[string]context.CancelFunc
	pollWG   sync.WaitGroup
	shutdown bool

	initOnce sync.Once
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		services: make(map[string]*Registration),
		byType:   make(map[service.Type][]string),
		polls:    make(map[string]context.CancelFunc),
	}
}

// Subscribe returns a buffered channel of registry events and a cancel
// function. Events are delivered best-effort: a full subscriber channel
// drops events instead of blocking registry operations. The first subscriber
// observes the registry's initialized event.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	ch, cancel := r.hub.subscribe(buffer)
	r.initOnce.Do(func() {
		r.publish(Event{Kind: EventRegistryInitialized, Timestamp: time.Now()})
	})
	return ch, cancel
}

func (r *Registry) publish(event Event) {
	r.hub.publish(event)
}

// Register adds a service instance under id. Every declared dependency must
// already be registered; the new id is appended to each dependency's
// dependents list.
func (r *Registry) Register(id string, typ service.Type, instance service.Service, cfg service.Config, dependencies []string, tags ...string) error {
	r.mutex.Lock()

	if _, exists := r.services[id]; exists {
		r.mutex.Unlock()
		return errDuplicateID(id)
	}

	for _, dep := range dependencies {
		if _, exists := r.services[dep]; !exists {
			r.mutex.Unlock()
			return errMissingDependency(id, dep)
		}
	}

	reg := &Registration{
		ID:           id,
		Type:         typ,
		Config:       cfg,
		Tags:         append([]string(nil), tags...),
		State:        StateRegistered,
		Dependencies: append([]string(nil), dependencies...),
		RegisteredAt: time.Now(),
		instance:     instance,
	}

	r.services[id] = reg
	r.byType[typ] = append(r.byType[typ], id)
	r.order = append(r.order, id)

	for _, dep := range dependencies {
		r.services[dep].Dependents = append(r.services[dep].Dependents, id)
	}

	r.mutex.Unlock()

	r.logger.Info("Service registered",
		slog.String("service", id),
		slog.String("type", string(typ)),
		slog.Any("dependencies", dependencies))

	r.publish(Event{Kind: EventServiceRegistered, ServiceID: id, Type: typ, State: StateRegistered, Timestamp: time.Now()})
	return nil
}

// Unregister removes a service. It fails while other services still declare
// it as a dependency; otherwise health polling stops, the instance is
// disconnected if connected, and the id leaves every index.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mutex.Lock()

	reg, exists := r.services[id]
	if !exists {
		r.mutex.Unlock()
		return errUnknownService(id)
	}

	if len(reg.Dependents) > 0 {
		count := len(reg.Dependents)
		r.mutex.Unlock()
		return errHasDependents(id, count)
	}

	r.stopHealthCheckLocked(id)
	wasConnected := reg.State.connected()
	instance := reg.instance
	typ := reg.Type
	r.mutex.Unlock()

	if wasConnected {
		if err := instance.Disconnect(ctx); err != nil {
			r.logger.Warn("Disconnect during unregister failed",
				slog.String("service", id),
				slog.Any("err", err))
		}
	}

	r.mutex.Lock()
	delete(r.services, id)
	r.byType[typ] = slices.DeleteFunc(r.byType[typ], func(candidate string) bool { return candidate == id })
	if len(r.byType[typ]) == 0 {
		delete(r.byType, typ)
	}
	r.order = slices.DeleteFunc(r.order, func(candidate string) bool { return candidate == id })

	for _, other := range r.services {
		other.Dependents = slices.DeleteFunc(other.Dependents, func(candidate string) bool { return candidate == id })
	}
	r.mutex.Unlock()

	r.logger.Info("Service unregistered", slog.String("service", id))
	r.publish(Event{Kind: EventServiceUnregistered, ServiceID: id, Type: typ, State: StateUnregistered, Timestamp: time.Now()})
	return nil
}

// Connect initializes and connects a service. It is a no-op when already
// connected, and fails unless every dependency is connected first.
func (r *Registry) Connect(ctx context.Context, id string) error {
	r.mutex.Lock()

	reg, exists := r.services[id]
	if !exists {
		r.mutex.Unlock()
		return errUnknownService(id)
	}

	if reg.State.connected() {
		r.mutex.Unlock()
		return nil
	}

	for _, dep := range reg.Dependencies {
		depReg, depExists := r.services[dep]
		if !depExists || !depReg.State.connected() {
			r.mutex.Unlock()
			return errDependencyNotConnected(id, dep)
		}
	}

	reg.State = StateInitializing
	reg.LastError = nil
	instance := reg.instance
	cfg := reg.Config
	typ := reg.Type
	r.mutex.Unlock()

	connect := func() error {
		if err := instance.Initialize(ctx, cfg); err != nil {
			return fmt.Errorf("initialize %s: %w", id, err)
		}
		if err := instance.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", id, err)
		}
		return nil
	}

	if err := connect(); err != nil {
		r.mutex.Lock()
		reg.State = StateError
		reg.LastError = err
		r.mutex.Unlock()

		r.logger.Error("Service connect failed",
			slog.String("service", id),
			slog.Any("err", err))
		r.publish(Event{Kind: EventServiceError, ServiceID: id, Type: typ, State: StateError, Err: err, Timestamp: time.Now()})
		return err
	}

	r.mutex.Lock()
	reg.State = StateConnected
	interval := cfg.HealthCheckInterval
	if interval <= 0 {
		interval = defaultHealthCheckInterval
	}
	r.startHealthCheckLocked(id, interval)
	r.mutex.Unlock()

	r.logger.Info("Service connected", slog.String("service", id))
	r.publish(Event{Kind: EventServiceConnected, ServiceID: id, Type: typ, State: StateConnected, Timestamp: time.Now()})
	return nil
}

// Disconnect tears a service down. It fails while any dependent is still
// connected.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	r.mutex.Lock()

	reg, exists := r.services[id]
	if !exists {
		r.mutex.Unlock()
		return errUnknownService(id)
	}

	for _, dependent := range reg.Dependents {
		if depReg, ok := r.services[dependent]; ok && depReg.State.connected() {
			r.mutex.Unlock()
			return errDependentsConnected(id, dependent)
		}
	}

	r.stopHealthCheckLocked(id)
	instance := reg.instance
	typ := reg.Type
	r.mutex.Unlock()

	if err := instance.Disconnect(ctx); err != nil {
		r.mutex.Lock()
		reg.State = StateError
		reg.LastError = err
		r.mutex.Unlock()

		r.logger.Error("Service disconnect failed",
			slog.String("service", id),
			slog.Any("err", err))
		r.publish(Event{Kind: EventServiceError, ServiceID: id, Type: typ, State: StateError, Err: err, Timestamp: time.Now()})
		return err
	}

	r.mutex.Lock()
	reg.State = StateDisconnected
	r.mutex.Unlock()

	r.logger.Info("Service disconnected", slog.String("service", id))
	r.publish(Event{Kind: EventServiceDisconnected, ServiceID: id, Type: typ, State: StateDisconnected, Timestamp: time.Now()})
	return nil
}

// Get returns a snapshot of one registration.
func (r *Registry) Get(id string) (Registration, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	reg, exists := r.services[id]
	if !exists {
		return Registration{}, false
	}
	return reg.snapshot(), true
}

// DiscoverOptions filters the registration set. Zero fields match
// everything.
type DiscoverOptions struct {
	Type    service.Type
	States  []State
	Healthy *bool
	Tags    []string
}

// Discover returns snapshots of every registration matching the options.
func (r *Registry) Discover(opts DiscoverOptions) []Registration {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var matches []Registration

	for _, id := range r.order {
		reg := r.services[id]

		if opts.Type != "" && reg.Type != opts.Type {
			continue
		}
		if len(opts.States) > 0 && !slices.Contains(opts.States, reg.State) {
			continue
		}
		if opts.Healthy != nil {
			healthy := reg.State == StateHealthy || reg.State == StateDegraded
			if healthy != *opts.Healthy {
				continue
			}
		}
		if !containsAllTags(reg.Tags, opts.Tags) {
			continue
		}

		matches = append(matches, reg.snapshot())
	}

	return matches
}

func containsAllTags(have, want []string) bool {
	for _, tag := range want {
		if !slices.Contains(have, tag) {
			return false
		}
	}
	return true
}

// StartupOrder returns every registered id with each dependency strictly
// before its dependents (depth-first post-order over the dependency graph).
func (r *Registry) StartupOrder() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.startupOrderLocked()
}

func (r *Registry) startupOrderLocked() []string {
	visited := make(map[string]bool, len(r.services))
	order := make([]string, 0, len(r.services))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true

		for _, dep := range r.services[id].Dependencies {
			if _, exists := r.services[dep]; exists {
				visit(dep)
			}
		}
		order = append(order, id)
	}

	for _, id := range r.order {
		visit(id)
	}

	return order
}

// ShutdownOrder is the exact reverse of StartupOrder.
func (r *Registry) ShutdownOrder() []string {
	order := r.StartupOrder()
	slices.Reverse(order)
	return order
}

// ConnectAll connects every service in startup order, strictly one at a
// time. The sequencing is what upholds the dependency invariant; the first
// failure aborts the sweep.
func (r *Registry) ConnectAll(ctx context.Context) error {
	for _, id := range r.StartupOrder() {
		if err := r.Connect(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// DisconnectAll disconnects every connected service in shutdown order,
// sequentially. Failures are collected so later services still get their
// teardown.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	var errs []error

	for _, id := range r.ShutdownOrder() {
		r.mutex.Lock()
		reg, exists := r.services[id]
		connected := exists && (reg.State.connected() || reg.State == StateShuttingDown)
		r.mutex.Unlock()

		if !connected {
			continue
		}
		if err := r.Disconnect(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Shutdown disconnects everything in shutdown order, stops every poller,
// and clears the indices. It is idempotent.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mutex.Lock()
	if r.shutdown {
		r.mutex.Unlock()
		return nil
	}
	r.shutdown = true

	for _, reg := range r.services {
		if reg.State.connected() {
			reg.State = StateShuttingDown
		}
	}
	r.mutex.Unlock()

	err := r.DisconnectAll(ctx)

	r.mutex.Lock()
	for id, cancel := range r.polls {
		cancel()
		delete(r.polls, id)
	}
	for _, reg := range r.services {
		reg.State = StateShutdown
	}
	r.services = make(map[string]*Registration)
	r.byType = make(map[service.Type][]string)
	r.order = nil
	r.mutex.Unlock()

	r.pollWG.Wait()

	r.logger.Info("Registry shut down")
	r.publish(Event{Kind: EventRegistryShutdown, Timestamp: time.Now()})
	r.hub.close()
	return err
}
