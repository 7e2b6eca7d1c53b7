package store

import "time"

// Outcome of a compensation execution attempt.
const (
	OutcomeEmitted   = "emitted"   // compensation command handed to the outbox
	OutcomeRetried   = "retried"   // re-emitted after a downstream failure reply
	OutcomeEscalated = "escalated" // attempt ceiling reached, moved to manual intervention
)

// CompensationEntry is the audit trail and idempotent-replay guard for
// compensations. One entry is written per compensation command emitted,
// in the same transaction as the saga state change.
type CompensationEntry struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Step          string    `json:"step"`
	Action        string    `json:"action"` // the compensation command type
	ExecutedAt    time.Time `json:"executed_at"`
	Outcome       string    `json:"outcome"`
}
