package gateway

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Proxy path validation", func() {
	DescribeTable("guardTraversal",
		func(escapedPath string, ok bool) {
			Expect(guardTraversal(escapedPath)).To(Equal(ok))
		},
		Entry("plain path", "/mcp/memory/retrieve", true),
		Entry("literal dot segments", "/mcp/memory/../secret", false),
		Entry("encoded dot segments", "/mcp/memory/%2e%2e/secret", false),
		Entry("mixed case encoding", "/mcp/memory/%2E%2E/secret", false),
		Entry("dots inside a segment", "/mcp/memory/a..b", true),
		Entry("undecodable path", "/mcp/memory/%zz", false),
	)

	DescribeTable("validPath",
		func(endpoint string, ok bool) {
			Expect(validPath(endpoint)).To(Equal(ok))
		},
		Entry("plain endpoint", "retrieve", true),
		Entry("nested endpoint", "files/read", true),
		Entry("empty endpoint", "", false),
		Entry("traversal sequence", "../etc/passwd", false),
		Entry("absolute url", "http://evil.example/x", false),
		Entry("protocol relative", "//evil.example/x", false),
	)
})
