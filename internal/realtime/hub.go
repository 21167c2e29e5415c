// Package realtime pushes tenant events to connected dashboards over
// server-sent events and WebSocket.
package realtime

import (
	"context"
	"sync"
	"time"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Event is one notification delivered to subscribers.
type Event struct {
	Event   string    `json:"event"`
	Data    any       `json:"data"`
	Emitted time.Time `json:"emitted"`
}

// Subscription is a live registration on the hub.
type Subscription struct {
	C <-chan Event

	hub      *Hub
	tenantID string
	ch       chan Event
	once     sync.Once
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub keeps per-tenant subscriber sets. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	buffer  int
	dropped uint64
	now     func() time.Time
}

// NewHub returns an empty hub. buffer <= 0 uses DefaultBuffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		now:    time.Now,
	}
}

// Subscribe registers a new observer for tenantID.
func (h *Hub) Subscribe(tenantID string) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, hub: h, tenantID: tenantID, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[tenantID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[tenantID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sub.tenantID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.tenantID)
		}
	}
	close(sub.ch)
}

// Subscribers returns the number of live subscriptions for tenantID.
func (h *Hub) Subscribers(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tenantID])
}

// Dropped returns how many deliveries were skipped because a subscriber was
// not keeping up.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Publish delivers an event to every subscriber of tenantID.
func (h *Hub) Publish(tenantID, event string, data any) {
	evt := Event{Event: event, Data: data, Emitted: h.now().UTC()}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[tenantID] {
		select {
		case sub.ch <- evt:
		default:
			h.dropped++
		}
	}
}

// Notify implements notify.Notifier.
func (h *Hub) Notify(_ context.Context, tenantID, event string, payload any) error {
	h.Publish(tenantID, event, payload)
	return nil
}
