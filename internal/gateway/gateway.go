package gateway

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/sophia-stack/orchestrator/internal/pool"
	"github.com/sophia-stack/orchestrator/internal/registry"
)

// Options controls authentication and the proxy allow-list.
type Options struct {
	// AuthToken, when non-empty, is required as a bearer token on proxy
	// requests. Health and status stay unauthenticated.
	AuthToken string
	// RestrictPaths limits proxied endpoints to the AllowedPaths entries
	// for each service.
	RestrictPaths bool
	AllowedPaths  map[string][]string
}

// Gateway routes external HTTP traffic to the managed backends.
type Gateway struct {
	logger   *slog.Logger
	pool     *pool.Pool
	registry *registry.Registry
	status   http.Handler
	opts     Options
}

func New(logger *slog.Logger, p *pool.Pool, reg *registry.Registry, status http.Handler, opts Options) *Gateway {
	return &Gateway{
		logger:   logger,
		pool:     p,
		registry: reg,
		status:   status,
		opts:     opts,
	}
}

// Router returns the gateway's route table.
func (g *Gateway) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp/", g.handleProxy)
	mux.HandleFunc("/health", g.handleHealth)
	if g.status != nil {
		mux.Handle("/status", g.status)
	}
	return mux
}

func (g *Gateway) authorized(r *http.Request) bool {
	if g.opts.AuthToken == "" {
		return true
	}

	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	return found && token == g.opts.AuthToken
}

func writeDetail(w http.ResponseWriter, statusCode int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}
