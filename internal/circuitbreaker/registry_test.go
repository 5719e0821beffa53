package circuitbreaker_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sophia-stack/orchestrator/internal/circuitbreaker"
)

var _ = Describe("Registry", func() {
	var registry *circuitbreaker.Registry

	BeforeEach(func() {
		registry = circuitbreaker.NewRegistry(circuitbreaker.Options{
			ErrorThreshold:  3,
			VolumeThreshold: 3,
			Timeout:         time.Second,
		})
	})

	Describe("GetBreaker", func() {
		It("should create a breaker on first use", func() {
			cb := registry.GetBreaker("memory")
			Expect(cb).NotTo(BeNil())
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should memoize one breaker per name", func() {
			first := registry.GetBreaker("memory")
			second := registry.GetBreaker("memory")
			other := registry.GetBreaker("vector")

			Expect(first).To(BeIdenticalTo(second))
			Expect(other).NotTo(BeIdenticalTo(first))
		})

		It("should be safe under concurrent access", func() {
			var wg sync.WaitGroup
			breakers := make([]*circuitbreaker.CircuitBreaker, 50)

			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func(idx int) {
					defer wg.Done()
					breakers[idx] = registry.GetBreaker("memory")
				}(i)
			}
			wg.Wait()

			for _, cb := range breakers {
				Expect(cb).To(BeIdenticalTo(breakers[0]))
			}
		})
	})

	Describe("ResetAll", func() {
		It("should close and zero every breaker", func() {
			ctx := context.Background()
			cb := registry.GetBreaker("memory")

			for i := 0; i < 3; i++ {
				cb.Execute(ctx, failingCall)
			}
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))

			registry.ResetAll()
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(cb.Metrics().Failures).To(BeZero())
		})
	})

	Describe("AllStatus", func() {
		It("should report state and metrics per name", func() {
			ctx := context.Background()
			registry.GetBreaker("memory")

			vector := registry.GetBreaker("vector")
			for i := 0; i < 3; i++ {
				vector.Execute(ctx, failingCall)
			}

			status := registry.AllStatus()
			Expect(status).To(HaveLen(2))
			Expect(status["memory"].State).To(Equal(circuitbreaker.StateClosed))
			Expect(status["vector"].State).To(Equal(circuitbreaker.StateOpen))
			Expect(status["vector"].Metrics.Failures).To(Equal(int64(3)))
		})
	})
})
