package registry

import (
	"sync"
	"time"

	"github.com/sophia-stack/orchestrator/internal/service"
)

type EventKind int

const (
	EventServiceRegistered EventKind = iota
	EventServiceUnregistered
	EventServiceConnected
	EventServiceDisconnected
	EventServiceHealthy
	EventServiceUnhealthy
	EventServiceError
	EventRegistryInitialized
	EventRegistryShutdown
)

func (k EventKind) String() string {
	switch k {
	case EventServiceRegistered:
		return "service:registered"
	case EventServiceUnregistered:
		return "service:unregistered"
	case EventServiceConnected:
		return "service:connected"
	case EventServiceDisconnected:
		return "service:disconnected"
	case EventServiceHealthy:
		return "service:healthy"
	case EventServiceUnhealthy:
		return "service:unhealthy"
	case EventServiceError:
		return "service:error"
	case EventRegistryInitialized:
		return "registry:initialized"
	case EventRegistryShutdown:
		return "registry:shutdown"
	default:
		return "unknown"
	}
}

// Event is a typed registry notification.
type Event struct {
	Kind      EventKind
	ServiceID string
	Type      service.Type
	State     State
	Health    service.HealthStatus
	Err       error
	Timestamp time.Time
}

type subscriber struct {
	ch chan Event
}

// eventHub fans events out to subscriber channels with non-blocking sends:
// a slow subscriber drops events rather than stalling registry operations.
type eventHub struct {
	mutex       sync.Mutex
	subscribers []*subscriber
	closed      bool
}

// subscribe returns a buffered event channel and a cancel function. The
// channel is closed on cancel or hub shutdown.
func (h *eventHub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	sub := &subscriber{ch: make(chan Event, buffer)}

	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	h.subscribers = append(h.subscribers, sub)
	h.mutex.Unlock()

	return sub.ch, func() { h.remove(sub) }
}

func (h *eventHub) remove(sub *subscriber) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for i, candidate := range h.subscribers {
		if candidate == sub {
			h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

func (h *eventHub) publish(event Event) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closed {
		return
	}

	for _, sub := range h.subscribers {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

func (h *eventHub) close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closed {
		return
	}

	h.closed = true
	for _, sub := range h.subscribers {
		close(sub.ch)
	}
	h.subscribers = nil
}
