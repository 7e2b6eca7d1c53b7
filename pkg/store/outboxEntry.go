package store

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the publication status of an outbox entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
)

// OutboxEntry pairs a domain write with a not-yet-published message.
// It is created inside the caller's transaction and mutated only by the
// relay; entries are never deleted before PublishedAt is set.
type OutboxEntry struct {
	ID          string            `json:"id"`
	AggregateID string            `json:"aggregate_id"` // correlation id of the saga the event belongs to
	EventType   string            `json:"event_type"`
	Topic       string            `json:"topic"`
	Payload     []byte            `json:"payload"`
	Headers     map[string]string `json:"headers"`
	Status      Status            `json:"status"`
	Attempts    int               `json:"attempts"`
	AvailableAt time.Time         `json:"available_at"` // earliest time the relay may publish; supports delayed retries
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
}

// NewOutboxEntry builds a pending entry. Topic defaults to the event type;
// topic-to-queue mapping is a deployment concern.
func NewOutboxEntry(aggregateID, eventType string, payload []byte) *OutboxEntry {
	now := time.Now().UTC()
	return &OutboxEntry{
		ID:          uuid.NewString(),
		AggregateID: aggregateID,
		EventType:   eventType,
		Topic:       eventType,
		Payload:     payload,
		Headers:     map[string]string{},
		Status:      StatusPending,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
