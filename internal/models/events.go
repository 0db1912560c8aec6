package models

import "time"

type EventKind string

const (
	EventNewOrder      EventKind = "new_order"
	EventStatusChanged EventKind = "status_changed"
	EventTest          EventKind = "test"
)

// Event is what the dispatch notifier pushes over live connections.
// Delivery is best effort; a recipient that is offline simply misses it and
// re-derives state by polling the order API on reconnect.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent stamps the event with the server clock at publish time.
func NewEvent(kind EventKind, payload map[string]any) Event {
	return Event{Kind: kind, Payload: payload, Timestamp: time.Now()}
}
