package streaming

import "context"

// StreamEvent is a real-time event emitted as items move through the
// lifecycle. It mirrors the durable audit Event but is fire-and-forget.
type StreamEvent struct {
	ItemID    string `json:"item_id,omitempty"`
	Repo      string `json:"repo,omitempty"`
	EventType string `json:"event_type"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ItemID     string   `json:"item_id,omitempty"`
	Repo       string   `json:"repo,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time agent events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
