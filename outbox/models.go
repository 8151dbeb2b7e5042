package outbox

import "time"

// Status tracks delivery progress of an outbox message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusDead      Status = "dead"
)

// Message mirrors the outbox table. Rows are written in the same transaction
// as the state change they describe and relayed asynchronously.
type Message struct {
	ID          string
	Topic       string
	Payload     []byte
	Status      Status
	Attempts    int
	LastAttempt *time.Time
	CreatedAt   time.Time
}
