package pool

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("server round-robin", func() {
	It("should cycle client indices in sequence", func() {
		srv := &server{key: "memory"}
		for i := 0; i < 3; i++ {
			srv.clients = append(srv.clients, &client{})
		}

		var indices []int
		for i := 0; i < 6; i++ {
			index, _ := srv.next()
			indices = append(indices, index)
		}

		Expect(indices).To(Equal([]int{0, 1, 2, 0, 1, 2}))
	})

	It("should hand every index a distinct client", func() {
		srv := &server{key: "memory"}
		for i := 0; i < 3; i++ {
			srv.clients = append(srv.clients, &client{})
		}

		_, first := srv.next()
		_, second := srv.next()
		Expect(first).NotTo(BeIdenticalTo(second))
	})
})
