package pool

import (
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

const ewmaAlpha = 0.2

// client is one pooled handle onto a server's base URL. Handles share the
// URL but keep their own transport and response-time average.
type client struct {
	baseURL          *url.URL
	httpClient       *http.Client
	mutex            sync.Mutex
	ewmaResponseTime time.Duration
	hasEWMA          bool
}

func newClient(baseURL *url.URL, timeout time.Duration) *client {
	return &client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// RecordResponse updates the exponentially weighted moving average (EWMA)
// response time using the latest request duration.
func (c *client) RecordResponse(duration time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.hasEWMA {
		c.ewmaResponseTime = duration
		c.hasEWMA = true
		return
	}
	//ewma = (1 - α) * ewma + α * latest
	c.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(c.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// EWMATime returns the average response time, or 0 before any response.
func (c *client) EWMATime() time.Duration {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.hasEWMA {
		return 0
	}
	return c.ewmaResponseTime
}

// server is one named backend: its clients, round-robin cursor, and the
// health flag owned by the probe goroutine.
type server struct {
	key     string
	cfg     ServerConfig
	clients []*client
	cursor  atomic.Uint64

	mutex   sync.Mutex
	healthy bool
}

// next returns the next client round-robin along with its index.
func (s *server) next() (int, *client) {
	n := s.cursor.Add(1)
	index := int((n - 1) % uint64(len(s.clients)))
	return index, s.clients[index]
}

// IsHealthy returns the probe's latest verdict.
func (s *server) IsHealthy() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.healthy
}

// SetHealthy updates the health flag.
// Returns true if the status changed, false if it was already in that state.
func (s *server) SetHealthy(healthy bool) (changed bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.healthy == healthy {
		return false
	}

	s.healthy = healthy
	return true
}
