package bus

import "time"

// Event is a domain event published on the bus. Kind uses dotted
// namespaces: "message.upserted", "message.removed", "message.send_ack",
// "message.send_failed", "receipt.updated", "chat.upserted", "net.changed",
// "sync.snapshot_loaded", "sync.live", "engine.status_changed".
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageRef identifies a message in event payloads without carrying the
// full record; consumers re-read the store if they need more.
type MessageRef struct {
	ChatID    string
	MessageID string
}
