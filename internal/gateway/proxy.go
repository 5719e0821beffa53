package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sophia-stack/orchestrator/internal/circuitbreaker"
	"github.com/sophia-stack/orchestrator/internal/pool"
)

// handleProxy forwards /mcp/{service}/{path} to the named backend through the
// pool, so proxied traffic gets the same retry, concurrency, and breaker
// treatment as internal calls.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	clientIP := extractClientIP(r)

	g.logger.Info("Received proxy request",
		slog.String("from", clientIP),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path))

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if !g.authorized(r) {
		writeDetail(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	if !guardTraversal(r.URL.EscapedPath()) {
		writeDetail(w, http.StatusBadRequest, "Invalid path")
		return
	}

	serviceID, endpoint, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/mcp/"), "/")
	if serviceID == "" || !validPath(endpoint) {
		writeDetail(w, http.StatusBadRequest, "Invalid path")
		return
	}

	if g.opts.RestrictPaths && !g.allowed(serviceID, endpoint) {
		writeDetail(w, http.StatusForbidden, "Endpoint not allowed")
		return
	}

	if _, exists := g.registry.Get(serviceID); !exists {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("Service %s not found", serviceID))
		return
	}

	var body any
	if r.Method == http.MethodPost {
		payload, err := io.ReadAll(r.Body)
		if err != nil || len(payload) == 0 {
			writeDetail(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			writeDetail(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	if r.URL.RawQuery != "" {
		endpoint += "?" + r.URL.RawQuery
	}

	start := time.Now()
	raw, err := g.pool.Execute(r.Context(), serviceID, r.Method, endpoint, body, nil)
	if err != nil {
		g.writeUpstreamError(w, serviceID, err)
		return
	}

	g.logger.Info("Proxied request",
		slog.String("service", serviceID),
		slog.String("endpoint", endpoint),
		slog.Duration("duration", time.Since(start)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

func (g *Gateway) writeUpstreamError(w http.ResponseWriter, serviceID string, err error) {
	g.logger.Warn("Proxy request failed",
		slog.String("service", serviceID),
		slog.String("error", err.Error()))

	var transportErr *pool.TransportError
	var openErr *circuitbreaker.CircuitOpenError
	switch {
	case errors.As(err, &openErr):
		writeDetail(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &transportErr) && transportErr.StatusCode >= 400:
		writeDetail(w, transportErr.StatusCode, err.Error())
	default:
		writeDetail(w, http.StatusBadGateway, err.Error())
	}
}

// guardTraversal rejects any request whose decoded path contains a ".."
// segment, including percent-encoded forms that survive routing.
func guardTraversal(escapedPath string) bool {
	decoded, err := url.PathUnescape(escapedPath)
	if err != nil {
		return false
	}

	for _, segment := range strings.Split(decoded, "/") {
		if segment == ".." {
			return false
		}
	}
	return true
}

func validPath(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "..") {
		return false
	}
	if strings.HasPrefix(endpoint, "http") || strings.HasPrefix(endpoint, "//") {
		return false
	}
	return true
}

func (g *Gateway) allowed(serviceID, endpoint string) bool {
	first, _, _ := strings.Cut(endpoint, "?")
	first = strings.TrimPrefix(first, "/")
	first, _, _ = strings.Cut(first, "/")
	if first == "" {
		return true
	}

	for _, candidate := range g.opts.AllowedPaths[serviceID] {
		if candidate == first {
			return true
		}
	}
	return false
}
