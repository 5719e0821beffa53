package registry_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sophia-stack/orchestrator/internal/registry"
	"github.com/sophia-stack/orchestrator/internal/service"
)

// fakeService records lifecycle calls into a shared log so tests can assert
// ordering across services.
type fakeService struct {
	mutex sync.Mutex

	id      string
	callLog *callLog

	connectErr    error
	disconnectErr error
	healthResult  service.HealthResult
	healthPanics  bool

	initialized bool
	connected   bool
}

type callLog struct {
	mutex sync.Mutex
	calls []string
}

func (l *callLog) record(call string) {
	if l == nil {
		return
	}
	l.mutex.Lock()
	l.calls = append(l.calls, call)
	l.mutex.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]string(nil), l.calls...)
}

func newFakeService(id string, log *callLog) *fakeService {
	return &fakeService{
		id:      id,
		callLog: log,
		healthResult: service.HealthResult{
			Status:    service.StatusHealthy,
			Timestamp: time.Now(),
		},
	}
}

func (f *fakeService) Initialize(ctx context.Context, cfg service.Config) error {
	f.mutex.Lock()
	f.initialized = true
	f.mutex.Unlock()
	f.callLog.record("initialize:" + f.id)
	return nil
}

func (f *fakeService) Connect(ctx context.Context) error {
	f.callLog.record("connect:" + f.id)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mutex.Lock()
	f.connected = true
	f.mutex.Unlock()
	return nil
}

func (f *fakeService) Disconnect(ctx context.Context) error {
	f.callLog.record("disconnect:" + f.id)
	if f.disconnectErr != nil {
		return f.disconnectErr
	}
	f.mutex.Lock()
	f.connected = false
	f.mutex.Unlock()
	return nil
}

func (f *fakeService) Health(ctx context.Context) service.HealthResult {
	if f.healthPanics {
		panic("health exploded")
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.healthResult
}

func (f *fakeService) setHealth(status service.HealthStatus) {
	f.mutex.Lock()
	f.healthResult = service.HealthResult{Status: status, Timestamp: time.Now()}
	f.mutex.Unlock()
}

func (f *fakeService) Metrics(ctx context.Context) (service.Metrics, error) {
	return service.Metrics{Requests: 1}, nil
}

func (f *fakeService) Ping(ctx context.Context) bool {
	return true
}

func testConfig(id string) service.Config {
	return service.Config{
		ID:                  id,
		Name:                id,
		Host:                "localhost",
		Port:                8080,
		Protocol:            "http",
		Timeout:             time.Second,
		HealthCheckInterval: 50 * time.Millisecond,
	}
}

var _ = Describe("Registry", func() {
	var (
		reg *registry.Registry
		log *callLog
		ctx context.Context
	)

	BeforeEach(func() {
		reg = registry.New(slog.Default())
		log = &callLog{}
		ctx = context.Background()
	})

	AfterEach(func() {
		reg.Shutdown(ctx)
	})

	register := func(id string, typ service.Type, deps ...string) *fakeService {
		svc := newFakeService(id, log)
		Expect(reg.Register(id, typ, svc, testConfig(id), deps)).To(Succeed())
		return svc
	}

	Describe("Register", func() {
		It("should reject a duplicate id", func() {
			register("memory", service.TypeMemory)

			err := reg.Register("memory", service.TypeMemory, newFakeService("memory", log), testConfig("memory"), nil)

			var cfgErr *registry.ConfigurationError
			Expect(errors.As(err, &cfgErr)).To(BeTrue())
		})

		It("should reject an unknown dependency", func() {
			err := reg.Register("vector", service.TypeVector, newFakeService("vector", log), testConfig("vector"), []string{"memory"})

			var cfgErr *registry.ConfigurationError
			Expect(errors.As(err, &cfgErr)).To(BeTrue())
		})

		It("should append the new id to each dependency's dependents", func() {
			register("memory", service.TypeMemory)
			register("vector", service.TypeVector, "memory")

			memory, ok := reg.Get("memory")
			Expect(ok).To(BeTrue())
			Expect(memory.Dependents).To(Equal([]string{"vector"}))
		})
	})

	Describe("Unregister", func() {
		It("should fail while dependents exist", func() {
			register("memory", service.TypeMemory)
			register("vector", service.TypeVector, "memory")

			err := reg.Unregister(ctx, "memory")

			var lifecycleErr *registry.LifecycleError
			Expect(errors.As(err, &lifecycleErr)).To(BeTrue())
		})

		It("should remove the id from every index", func() {
			register("memory", service.TypeMemory)
			register("vector", service.TypeVector, "memory")

			Expect(reg.Unregister(ctx, "vector")).To(Succeed())

			_, ok := reg.Get("vector")
			Expect(ok).To(BeFalse())
			Expect(reg.Discover(registry.DiscoverOptions{Type: service.TypeVector})).To(BeEmpty())
			Expect(reg.StartupOrder()).To(Equal([]string{"memory"}))

			memory, _ := reg.Get("memory")
			Expect(memory.Dependents).To(BeEmpty())
		})

		It("should disconnect a connected service before removal", func() {
			register("memory", service.TypeMemory)
			Expect(reg.Connect(ctx, "memory")).To(Succeed())

			Expect(reg.Unregister(ctx, "memory")).To(Succeed())
			Expect(log.snapshot()).To(ContainElement("disconnect:memory"))
		})
	})

	Describe("Connect", func() {
		It("should fail until every dependency is connected", func() {
			register("memory", service.TypeMemory)
			register("vector", service.TypeVector, "memory")

			err := reg.Connect(ctx, "vector")
			Expect(err).To(MatchError("Dependency memory not connected for service vector"))

			var lifecycleErr *registry.LifecycleError
			Expect(errors.As(err, &lifecycleErr)).To(BeTrue())

			Expect(reg.Connect(ctx, "memory")).To(Succeed())
			Expect(reg.Connect(ctx, "vector")).To(Succeed())
		})

		It("should initialize before connecting", func() {
			register("memory", service.TypeMemory)
			Expect(reg.Connect(ctx, "memory")).To(Succeed())

			Expect(log.snapshot()).To(Equal([]string{"initialize:memory", "connect:memory"}))
		})

		It("should be a no-op when already connected", func() {
			register("memory", service.TypeMemory)
			Expect(reg.Connect(ctx, "memory")).To(Succeed())
			Expect(reg.Connect(ctx, "memory")).To(Succeed())

			Expect(log.snapshot()).To(HaveLen(2))
		})

		It("should mark the registration ERROR when the instance fails", func() {
			svc := newFakeService("memory", log)
			svc.connectErr = errors.New("refused")
			Expect(reg.Register("memory", service.TypeMemory, svc, testConfig("memory"), nil)).To(Succeed())

			err := reg.Connect(ctx, "memory")
			Expect(err).To(HaveOccurred())

			registration, _ := reg.Get("memory")
			Expect(registration.State).To(Equal(registry.StateError))
			Expect(registration.LastError).To(HaveOccurred())
		})
	})

	Describe("Disconnect", func() {
		It("should fail while a dependent is connected", func() {
			register("memory", service.TypeMemory)
			register("vector", service.TypeVector, "memory")
			Expect(reg.ConnectAll(ctx)).To(Succeed())

			err := reg.Disconnect(ctx, "memory")
			var lifecycleErr *registry.LifecycleError
			Expect(errors.As(err, &lifecycleErr)).To(BeTrue())

			Expect(reg.Disconnect(ctx, "vector")).To(Succeed())
			Expect(reg.Disconnect(ctx, "memory")).To(Succeed())
		})
	})

	Describe("Health", func() {
		It("should move the service between health substates", func() {
			svc := register("memory", service.TypeMemory)
			Expect(reg.Connect(ctx, "memory")).To(Succeed())

			reg.Health(ctx, "memory")
			registration, _ := reg.Get("memory")
			Expect(registration.State).To(Equal(registry.StateHealthy))

			svc.setHealth(service.StatusDegraded)
			reg.Health(ctx, "memory")
			registration, _ = reg.Get("memory")
			Expect(registration.State).To(Equal(registry.StateDegraded))
		})

		It("should never fail, even when the instance panics", func() {
			svc := register("memory", service.TypeMemory)
			svc.healthPanics = true
			Expect(reg.Connect(ctx, "memory")).To(Succeed())

			result := reg.Health(ctx, "memory")
			Expect(result.Status).To(Equal(service.StatusUnhealthy))
			Expect(result.Err).To(HaveOccurred())
		})

		It("should report unknown services as unhealthy", func() {
			result := reg.Health(ctx, "ghost")
			Expect(result.Status).To(Equal(service.StatusUnhealthy))
			Expect(result.Err).To(HaveOccurred())
		})

		It("should emit events only when the healthy boundary is crossed", func() {
			events, cancel := reg.Subscribe(32)
			defer cancel()

			svc := register("memory", service.TypeMemory)
			Expect(reg.Connect(ctx, "memory")).To(Succeed())

			// Repeated healthy polls cross no boundary.
			reg.Health(ctx, "memory")
			reg.Health(ctx, "memory")

			svc.setHealth(service.StatusUnhealthy)
			reg.Health(ctx, "memory")
			svc.setHealth(service.StatusHealthy)
			reg.Health(ctx, "memory")

			var kinds []registry.EventKind
			deadline := time.After(time.Second)
		drain:
			for {
				select {
				case event := <-events:
					kinds = append(kinds, event.Kind)
					if event.Kind == registry.EventServiceHealthy {
						break drain
					}
				case <-deadline:
					break drain
				}
			}

			Expect(kinds).To(ContainElement(registry.EventServiceUnhealthy))
			Expect(kinds).To(ContainElement(registry.EventServiceHealthy))

			healthEvents := 0
			for _, kind := range kinds {
				if kind == registry.EventServiceHealthy || kind == registry.EventServiceUnhealthy {
					healthEvents++
				}
			}
			Expect(healthEvents).To(Equal(2))
		})

		It("should poll periodically once connected", func() {
			svc := register("memory", service.TypeMemory)
			Expect(reg.Connect(ctx, "memory")).To(Succeed())

			svc.setHealth(service.StatusUnhealthy)

			Eventually(func() registry.State {
				registration, _ := reg.Get("memory")
				return registration.State
			}, time.Second, 10*time.Millisecond).Should(Equal(registry.StateUnhealthy))
		})
	})

	Describe("Ordering", func() {
		BeforeEach(func() {
			register("memory", service.TypeMemory)
			register("filesystem", service.TypeFilesystem)
			register("git", service.TypeGit, "filesystem")
			register("vector", service.TypeVector, "memory", "git")
		})

		It("should place every dependency before its dependents", func() {
			order := reg.StartupOrder()
			position := make(map[string]int, len(order))
			for idx, id := range order {
				position[id] = idx
			}

			Expect(position["memory"]).To(BeNumerically("<", position["vector"]))
			Expect(position["git"]).To(BeNumerically("<", position["vector"]))
			Expect(position["filesystem"]).To(BeNumerically("<", position["git"]))
			Expect(order).To(HaveLen(4))
		})

		It("should shut down in the exact reverse order", func() {
			startup := reg.StartupOrder()
			shutdown := reg.ShutdownOrder()

			for idx := range startup {
				Expect(shutdown[len(shutdown)-1-idx]).To(Equal(startup[idx]))
			}
		})

		It("should connect and disconnect strictly sequentially", func() {
			Expect(reg.ConnectAll(ctx)).To(Succeed())
			Expect(reg.DisconnectAll(ctx)).To(Succeed())

			calls := log.snapshot()

			var connects, disconnects []string
			for _, call := range calls {
				switch {
				case len(call) > 8 && call[:8] == "connect:":
					connects = append(connects, call[8:])
				case len(call) > 11 && call[:11] == "disconnect:":
					disconnects = append(disconnects, call[11:])
				}
			}

			Expect(connects).To(Equal(reg.StartupOrder()))
			for idx := range connects {
				Expect(disconnects[len(disconnects)-1-idx]).To(Equal(connects[idx]))
			}
		})
	})

	Describe("Discover", func() {
		BeforeEach(func() {
			svc := newFakeService("memory", log)
			Expect(reg.Register("memory", service.TypeMemory, svc, testConfig("memory"), nil, "core", "kv")).To(Succeed())
			register("vector", service.TypeVector, "memory")
		})

		It("should filter by type", func() {
			found := reg.Discover(registry.DiscoverOptions{Type: service.TypeMemory})
			Expect(found).To(HaveLen(1))
			Expect(found[0].ID).To(Equal("memory"))
		})

		It("should filter by state", func() {
			Expect(reg.Connect(ctx, "memory")).To(Succeed())

			found := reg.Discover(registry.DiscoverOptions{States: []registry.State{registry.StateConnected}})
			Expect(found).To(HaveLen(1))
			Expect(found[0].ID).To(Equal("memory"))
		})

		It("should filter by healthy flag", func() {
			Expect(reg.Connect(ctx, "memory")).To(Succeed())
			reg.Health(ctx, "memory")

			healthy := true
			found := reg.Discover(registry.DiscoverOptions{Healthy: &healthy})
			Expect(found).To(HaveLen(1))
			Expect(found[0].ID).To(Equal("memory"))
		})

		It("should filter by tag membership", func() {
			found := reg.Discover(registry.DiscoverOptions{Tags: []string{"kv"}})
			Expect(found).To(HaveLen(1))
			Expect(found[0].ID).To(Equal("memory"))

			Expect(reg.Discover(registry.DiscoverOptions{Tags: []string{"missing"}})).To(BeEmpty())
		})
	})

	Describe("Subscribe", func() {
		It("should deliver the initialized event to the first subscriber", func() {
			events, cancel := reg.Subscribe(4)
			defer cancel()

			var event registry.Event
			Eventually(events).Should(Receive(&event))
			Expect(event.Kind).To(Equal(registry.EventRegistryInitialized))
		})

		It("should announce initialization only once", func() {
			first, cancelFirst := reg.Subscribe(4)
			defer cancelFirst()
			Eventually(first).Should(Receive())

			second, cancelSecond := reg.Subscribe(4)
			defer cancelSecond()

			register("memory", service.TypeMemory)

			var event registry.Event
			Eventually(second).Should(Receive(&event))
			Expect(event.Kind).To(Equal(registry.EventServiceRegistered))
		})
	})

	Describe("Shutdown", func() {
		It("should disconnect everything and clear the indices", func() {
			register("memory", service.TypeMemory)
			register("vector", service.TypeVector, "memory")
			Expect(reg.ConnectAll(ctx)).To(Succeed())

			Expect(reg.Shutdown(ctx)).To(Succeed())

			Expect(log.snapshot()).To(ContainElement("disconnect:memory"))
			Expect(log.snapshot()).To(ContainElement("disconnect:vector"))
			_, ok := reg.Get("memory")
			Expect(ok).To(BeFalse())
		})

		It("should be idempotent", func() {
			register("memory", service.TypeMemory)
			Expect(reg.Connect(ctx, "memory")).To(Succeed())

			Expect(reg.Shutdown(ctx)).To(Succeed())
			Expect(reg.Shutdown(ctx)).To(Succeed())
		})
	})
})
