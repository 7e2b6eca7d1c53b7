package store

import (
	"time"

	"github.com/zoff-tech/go-saga/pkg/message"
)

// DeadLetterKind classifies why an envelope left the processing loop.
type DeadLetterKind string

const (
	// KindProtocolViolation marks an event type the current state has no
	// transition for and that exhausted its reevaluation attempts.
	KindProtocolViolation DeadLetterKind = "protocol_violation"
	// KindManualIntervention marks a compensation that exhausted its retry
	// budget and needs an operator.
	KindManualIntervention DeadLetterKind = "manual_intervention"
)

// DeadLetter is a parked-forever envelope awaiting operator inspection.
// Dead letters are never dropped and never crash the orchestrator loop.
type DeadLetter struct {
	ID        string           `json:"id"`
	Kind      DeadLetterKind   `json:"kind"`
	Envelope  message.Envelope `json:"envelope"`
	Reason    string           `json:"reason"`
	CreatedAt time.Time        `json:"created_at"`
}
