package notify

import (
	"sync"
	"time"
)

// Event is a best-effort pipeline notification fanned out to connected
// observers. Delivery is not guaranteed and never required for correctness.
type Event struct {
	Type       string    `json:"type"`
	CaseID     string    `json:"case_id"`
	EvidenceID string    `json:"evidence_id"`
	FileName   string    `json:"file_name,omitempty"`
	At         time.Time `json:"at"`
}

const subscriberBuffer = 16

// Hub fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full simply misses the event, and publishing with no
// subscribers is a no-op.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers an observer. The returned cancel func must be called
// when the observer goes away; it closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer room.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Slow observer; drop rather than stall the pipeline.
		}
	}
}

// Subscribers reports the current observer count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
