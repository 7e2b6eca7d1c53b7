package store

import "time"

// IdempotencyRecord marks a message as processed by a consumer. Its
// presence means the message's effect has been applied; reprocessing must
// be a no-op. Records are retained at least as long as the broker's
// maximum redelivery window.
type IdempotencyRecord struct {
	ConsumerName string    `json:"consumer_name"`
	MessageID    string    `json:"message_id"`
	ProcessedAt  time.Time `json:"processed_at"`
}
