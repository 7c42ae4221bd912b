// Package stream fans verdicts and policy lifecycle changes out to the
// management websocket. Delivery is best-effort: a subscriber that cannot
// keep up loses events rather than stalling deliberation.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types carried on the management stream.
const (
	TypeVerdict           = "verdict"
	TypePolicyAdded       = "policy-added"
	TypePolicyActivated   = "policy-activated"
	TypePolicyDeactivated = "policy-deactivated"
)

// Event is one stream frame. At is the publish time in RFC 3339.
type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent stamps and encodes a frame. A nil payload yields a data-less
// frame, used for the ready handshake.
func NewEvent(eventType string, data interface{}) Event {
	evt := Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano)}
	if data != nil {
		evt.Data, _ = json.Marshal(data)
	}
	return evt
}

// Hub tracks live subscriptions. The zero value is not usable; construct
// with NewHub.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a buffered channel that receives every event published
// after this call.
func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes the channel. Safe to call more than once.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, live := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if live {
		close(ch)
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish offers the event to every subscriber, skipping full buffers.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
