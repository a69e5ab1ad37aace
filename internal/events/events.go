// Package events is an in-process fan-out of vault activity for the ops
// websocket feed. Events never carry user identifiers.
package events

import (
	"sync"
	"time"
)

// Event types.
const (
	TypeUpload            = "upload"
	TypeDownload          = "download"
	TypeBroadcastProgress = "broadcast_progress"
	TypeBroadcastDone     = "broadcast_done"
)

// subscriberBuffer is how many events a slow subscriber may lag before
// events are dropped for it.
const subscriberBuffer = 64

// Event is one activity notification.
type Event struct {
	Type string         `json:"type"`
	Time time.Time      `json:"time"`
	Data map[string]any `json:"data,omitempty"`
}

// Hub distributes events to subscribers. A nil *Hub discards everything.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Publish sends an event to every subscriber without blocking. Subscribers whose
// buffer is full miss the event.
func (h *Hub) Publish(typ string, data map[string]any) {
	if h == nil {
		return
	}
	e := Event{Type: typ, Time: time.Now().UTC(), Data: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func
// unregisters it and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the current subscriber count. A nil *Hub has none.
func (h *Hub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
