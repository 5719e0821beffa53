package circuitbreaker_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sophia-stack/orchestrator/internal/circuitbreaker"
)

var errBoom = errors.New("boom")

func failingCall(ctx context.Context) (any, error) {
	return nil, errBoom
}

func succeedingCall(ctx context.Context) (any, error) {
	return "ok", nil
}

var _ = Describe("CircuitBreaker", func() {
	var (
		cb  *circuitbreaker.CircuitBreaker
		ctx context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("NewCircuitBreaker", func() {
		It("should create a circuit breaker in closed state", func() {
			cb = circuitbreaker.NewCircuitBreaker("memory", circuitbreaker.Options{})
			Expect(cb).NotTo(BeNil())
			Expect(cb.Name()).To(Equal("memory"))
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})
	})

	Describe("State transitions", func() {
		BeforeEach(func() {
			cb = circuitbreaker.NewCircuitBreaker("memory", circuitbreaker.Options{
				ErrorThreshold:  3,
				VolumeThreshold: 3,
				Timeout:         time.Second,
				ResetTimeout:    100 * time.Millisecond,
			})
		})

		Context("when in CLOSED state", func() {
			It("should pass calls through and return their result", func() {
				value, err := cb.Execute(ctx, succeedingCall)
				Expect(err).NotTo(HaveOccurred())
				Expect(value).To(Equal("ok"))
			})

			It("should remain closed below the failure threshold", func() {
				for i := 0; i < 2; i++ {
					_, err := cb.Execute(ctx, failingCall)
					Expect(err).To(MatchError(errBoom))
				}
				Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			})

			It("should open after the failure threshold is reached", func() {
				for i := 0; i < 3; i++ {
					cb.Execute(ctx, failingCall)
				}
				Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
			})

			It("should not open before the volume threshold is met", func() {
				cb = circuitbreaker.NewCircuitBreaker("memory", circuitbreaker.Options{
					ErrorThreshold:  2,
					VolumeThreshold: 10,
					Timeout:         time.Second,
				})
				for i := 0; i < 5; i++ {
					cb.Execute(ctx, failingCall)
				}
				Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			})
		})

		Context("when in OPEN state", func() {
			BeforeEach(func() {
				for i := 0; i < 3; i++ {
					cb.Execute(ctx, failingCall)
				}
				Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
			})

			It("should short-circuit without invoking the call", func() {
				invoked := false
				_, err := cb.Execute(ctx, func(ctx context.Context) (any, error) {
					invoked = true
					return nil, nil
				})

				Expect(invoked).To(BeFalse())

				var openErr *circuitbreaker.CircuitOpenError
				Expect(errors.As(err, &openErr)).To(BeTrue())
				Expect(openErr.Name).To(Equal("memory"))
			})

			It("should count rejections and short circuits", func() {
				cb.Execute(ctx, succeedingCall)
				cb.Execute(ctx, succeedingCall)

				metrics := cb.Metrics()
				Expect(metrics.Rejections).To(Equal(int64(2)))
				Expect(metrics.ShortCircuits).To(Equal(int64(2)))
			})

			It("should transition to HALF-OPEN after the reset timeout", func() {
				time.Sleep(150 * time.Millisecond)

				value, err := cb.Execute(ctx, succeedingCall)
				Expect(err).NotTo(HaveOccurred())
				Expect(value).To(Equal("ok"))
			})
		})

		Context("when in HALF-OPEN state", func() {
			BeforeEach(func() {
				for i := 0; i < 3; i++ {
					cb.Execute(ctx, failingCall)
				}
				time.Sleep(150 * time.Millisecond)
			})

			It("should close on a successful probe and clear the window", func() {
				_, err := cb.Execute(ctx, succeedingCall)
				Expect(err).NotTo(HaveOccurred())
				Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))

				// Window was reset: earlier failures no longer count.
				metrics := cb.Metrics()
				Expect(metrics.ErrorPercentage).To(BeNumerically("<", 50))
			})

			It("should reopen on a failed probe", func() {
				_, err := cb.Execute(ctx, failingCall)
				Expect(err).To(MatchError(errBoom))
				Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
			})

			It("should allow exactly one in-flight probe", func() {
				release := make(chan struct{})
				probeStarted := make(chan struct{})

				go cb.Execute(ctx, func(ctx context.Context) (any, error) {
					close(probeStarted)
					<-release
					return "ok", nil
				})

				Eventually(probeStarted).Should(BeClosed())

				invoked := false
				_, err := cb.Execute(ctx, func(ctx context.Context) (any, error) {
					invoked = true
					return nil, nil
				})

				Expect(invoked).To(BeFalse())
				var openErr *circuitbreaker.CircuitOpenError
				Expect(errors.As(err, &openErr)).To(BeTrue())

				close(release)
				Eventually(cb.State).Should(Equal(circuitbreaker.StateClosed))
			})
		})
	})

	Describe("Call timeout", func() {
		It("should fail a call that exceeds the timeout", func() {
			cb = circuitbreaker.NewCircuitBreaker("slow", circuitbreaker.Options{
				Timeout: 50 * time.Millisecond,
			})

			_, err := cb.Execute(ctx, func(ctx context.Context) (any, error) {
				select {
				case <-time.After(time.Second):
					return "late", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			})

			var timeoutErr *circuitbreaker.TimeoutError
			Expect(errors.As(err, &timeoutErr)).To(BeTrue())
			Expect(cb.Metrics().Timeouts).To(Equal(int64(1)))
			Expect(cb.Metrics().Failures).To(Equal(int64(1)))
		})
	})

	Describe("Fallback", func() {
		It("should serve the fallback result when short-circuited", func() {
			cb = circuitbreaker.NewCircuitBreaker("memory", circuitbreaker.Options{
				ErrorThreshold:  3,
				VolumeThreshold: 3,
				Timeout:         time.Second,
				Fallback: func(err error) (any, error) {
					return "cached", nil
				},
			})

			for i := 0; i < 3; i++ {
				cb.Execute(ctx, failingCall)
			}
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))

			invoked := false
			value, err := cb.Execute(ctx, func(ctx context.Context) (any, error) {
				invoked = true
				return nil, nil
			})

			Expect(invoked).To(BeFalse())
			Expect(err).NotTo(HaveOccurred())
			Expect(value).To(Equal("cached"))
			Expect(cb.Metrics().Fallbacks).To(Equal(int64(1)))
		})

		It("should surface the open error when the fallback itself fails", func() {
			cb = circuitbreaker.NewCircuitBreaker("memory", circuitbreaker.Options{
				ErrorThreshold:  3,
				VolumeThreshold: 3,
				Timeout:         time.Second,
				Fallback: func(err error) (any, error) {
					return nil, errors.New("fallback down")
				},
			})

			for i := 0; i < 3; i++ {
				cb.Execute(ctx, failingCall)
			}

			_, err := cb.Execute(ctx, succeedingCall)
			var openErr *circuitbreaker.CircuitOpenError
			Expect(errors.As(err, &openErr)).To(BeTrue())
		})
	})

	Describe("Events", func() {
		It("should emit open, half-open, and close transitions", func() {
			var kinds []circuitbreaker.EventKind
			cb = circuitbreaker.NewCircuitBreaker("memory", circuitbreaker.Options{
				ErrorThreshold:  2,
				VolumeThreshold: 2,
				Timeout:         time.Second,
				ResetTimeout:    50 * time.Millisecond,
				OnEvent: func(event circuitbreaker.Event) {
					kinds = append(kinds, event.Kind)
				},
			})

			cb.Execute(ctx, failingCall)
			cb.Execute(ctx, failingCall)
			time.Sleep(80 * time.Millisecond)
			cb.Execute(ctx, succeedingCall)

			Expect(kinds).To(ContainElement(circuitbreaker.EventOpen))
			Expect(kinds).To(ContainElement(circuitbreaker.EventHalfOpen))
			Expect(kinds).To(ContainElement(circuitbreaker.EventClose))
		})
	})

	Describe("Manual controls", func() {
		BeforeEach(func() {
			cb = circuitbreaker.NewCircuitBreaker("memory", circuitbreaker.Options{
				ErrorThreshold:  3,
				VolumeThreshold: 3,
				Timeout:         time.Second,
			})
		})

		It("Open should force the circuit open", func() {
			cb.Open()
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})

		It("Close should force the circuit closed", func() {
			cb.Open()
			cb.Close()
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("Reset should zero metrics and window", func() {
			for i := 0; i < 3; i++ {
				cb.Execute(ctx, failingCall)
			}
			cb.Reset()

			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(cb.Metrics()).To(Equal(circuitbreaker.Metrics{}))
		})

		It("Open during an in-flight probe should not block later probes", func() {
			cb = circuitbreaker.NewCircuitBreaker("memory", circuitbreaker.Options{
				ErrorThreshold:  3,
				VolumeThreshold: 3,
				Timeout:         time.Second,
				ResetTimeout:    50 * time.Millisecond,
			})
			for i := 0; i < 3; i++ {
				cb.Execute(ctx, failingCall)
			}
			time.Sleep(75 * time.Millisecond)

			release := make(chan struct{})
			probeStarted := make(chan struct{})
			done := make(chan struct{})

			go func() {
				defer close(done)
				cb.Execute(ctx, func(ctx context.Context) (any, error) {
					close(probeStarted)
					<-release
					return nil, errBoom
				})
			}()
			Eventually(probeStarted).Should(BeClosed())

			cb.Open()
			close(release)
			Eventually(done).Should(BeClosed())

			// After the cooldown the next call must run as the half-open
			// probe; the aborted probe must not still count as in flight.
			time.Sleep(75 * time.Millisecond)

			invoked := false
			_, err := cb.Execute(ctx, func(ctx context.Context) (any, error) {
				invoked = true
				return "ok", nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(invoked).To(BeTrue())
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})
	})
})
