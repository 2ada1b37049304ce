package models

import "encoding/json"

// QueueItem represents one pending client-side mutation awaiting remote
// confirmation. Items are processed in EnqueuedAt order; Attempts only
// increases and is never reset except by successful delivery (which removes
// the item entirely).
type QueueItem struct {
	ID         string          `db:"id" json:"id"`
	Type       string          `db:"type" json:"type"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	EnqueuedAt int64           `db:"enqueued_at" json:"enqueued_at"` // unix milliseconds
	Version    int             `db:"version" json:"version"`
	Attempts   int             `db:"attempts" json:"attempts"`
}

// CollectionName returns the store collection backing the durable queue.
func (QueueItem) CollectionName() string {
	return "sync_queue"
}
