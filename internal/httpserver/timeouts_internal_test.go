package httpserver

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Timeouts", func() {
	It("fills zero fields with defaults", func() {
		t := Timeouts{}.withDefaults()
		Expect(t.Read).To(Equal(defaultReadTimeout))
		Expect(t.Write).To(Equal(defaultWriteTimeout))
		Expect(t.Idle).To(Equal(defaultIdleTimeout))
		Expect(t.Shutdown).To(Equal(defaultShutdownTimeout))
	})

	It("keeps configured values", func() {
		t := Timeouts{
			Read:     time.Second,
			Write:    2 * time.Second,
			Idle:     3 * time.Second,
			Shutdown: 4 * time.Second,
		}.withDefaults()
		Expect(t.Read).To(Equal(time.Second))
		Expect(t.Write).To(Equal(2 * time.Second))
		Expect(t.Idle).To(Equal(3 * time.Second))
		Expect(t.Shutdown).To(Equal(4 * time.Second))
	})

	It("applies the configured timeouts to the underlying server", func() {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
		srv, err := New(":9999", handler, Timeouts{Read: time.Second, Write: 2 * time.Second})
		Expect(err).NotTo(HaveOccurred())
		Expect(srv.server.ReadTimeout).To(Equal(time.Second))
		Expect(srv.server.WriteTimeout).To(Equal(2 * time.Second))
		Expect(srv.server.IdleTimeout).To(Equal(defaultIdleTimeout))
	})
})
