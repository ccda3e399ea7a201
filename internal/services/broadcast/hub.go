// Package broadcast fans events out to subscribers. Delivery is best effort: a subscriber whose
// buffer is full misses the event instead of blocking the publisher.
package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/ports"
)

const defaultBuffer = 64

// Hub is an in-memory pub/sub hub that also keeps the most recent events
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]chan ports.Event
	recent      []ports.Event
	capacity    int
	dropped     prometheus.Counter
	logger      *logrus.Logger
}

// NewHub creates a new hub that remembers up to capacity recent events
func NewHub(capacity int, dropped prometheus.Counter, logger *logrus.Logger) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		subscribers: make(map[string]chan ports.Event),
		capacity:    capacity,
		dropped:     dropped,
		logger:      logger,
	}
}

// Publish delivers an event to every subscriber without blocking
func (h *Hub) Publish(name string, payload interface{}) {
	evt := ports.Event{
		ID:      uuid.NewString(),
		Name:    name,
		Payload: payload,
		Time:    time.Now().UTC(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.recent) == h.capacity {
		copy(h.recent, h.recent[1:])
		h.recent = h.recent[:h.capacity-1]
	}
	h.recent = append(h.recent, evt)

	for id, ch := range h.subscribers {
		select {
		case ch <- evt:
		default:
			if h.dropped != nil {
				h.dropped.Inc()
			}
			h.logger.WithFields(logrus.Fields{
				"subscriber": id,
				"event":      name,
			}).Debug("Subscriber buffer full, event dropped")
		}
	}
}

// Subscribe registers a subscriber with a bounded buffer. The returned cancel func
// unregisters it and closes the channel.
func (h *Hub) Subscribe(buffer int) (string, <-chan ports.Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	id := uuid.NewString()
	ch := make(chan ports.Event, buffer)

	h.mu.Lock()
	h.subscribers[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return id, ch, cancel
}

// Recent returns up to limit of the latest events, oldest first
func (h *Hub) Recent(limit int) []ports.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 || limit > len(h.recent) {
		limit = len(h.recent)
	}
	out := make([]ports.Event, limit)
	copy(out, h.recent[len(h.recent)-limit:])
	return out
}

// Subscribers returns the number of registered subscribers
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
