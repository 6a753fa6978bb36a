package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// DecisionEvent is one gateway authorization outcome broadcast to admin
// subscribers. Identities are pre-hashed by the publisher.
type DecisionEvent struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewDecisionEvent(eventType string, data interface{}) DecisionEvent {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return DecisionEvent{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub fans decision events out to subscribers. Slow subscribers drop events
// instead of blocking the request path.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan DecisionEvent]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan DecisionEvent]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan DecisionEvent {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan DecisionEvent, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan DecisionEvent) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt DecisionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
