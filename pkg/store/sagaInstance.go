package store

import (
	"time"
)

// State is a named state within a saga type's declared state set.
type State string

// Engine-wide terminal states. Completed is the canonical success outcome,
// Compensated the canonical failure outcome.
const (
	StateStarted     State = "Started"
	StateCompleted   State = "Completed"
	StateCompensated State = "Compensated"
)

// StepRecord is a completed forward step kept on the instance so
// compensation can walk completed work in reverse order.
type StepRecord struct {
	Name                 string    `json:"name"`
	CompensationCommand  string    `json:"compensation_command,omitempty"`
	CompensationPayload  []byte    `json:"compensation_payload,omitempty"`
	CompensationAttempts int       `json:"compensation_attempts,omitempty"`
	CompletedAt          time.Time `json:"completed_at"`
}

// SagaInstance is the durable per-saga state keyed by correlation id.
// It is created on the first triggering event and mutated only by the
// orchestrator; Version increments on every persisted mutation.
type SagaInstance struct {
	CorrelationID string         `json:"correlation_id"`
	SagaType      string         `json:"saga_type"`
	CurrentState  State          `json:"current_state"`
	Payload       map[string]any `json:"payload"`
	Steps         []StepRecord   `json:"steps"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	TimeoutAt     *time.Time     `json:"timeout_at,omitempty"`
}

// NewSagaInstance builds an unpersisted instance in the Started state.
func NewSagaInstance(correlationID, sagaType string) *SagaInstance {
	now := time.Now().UTC()
	return &SagaInstance{
		CorrelationID: correlationID,
		SagaType:      sagaType,
		CurrentState:  StateStarted,
		Payload:       map[string]any{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Terminal reports whether the instance has completed or compensated.
func (s *SagaInstance) Terminal() bool {
	return s.CompletedAt != nil
}

// MergePayload accumulates typed fields extracted from events. Later
// values win on key collision.
func (s *SagaInstance) MergePayload(fields map[string]any) {
	if s.Payload == nil {
		s.Payload = map[string]any{}
	}
	for k, v := range fields {
		s.Payload[k] = v
	}
}

// RecordStep appends a completed forward step with its compensation command.
func (s *SagaInstance) RecordStep(name, compensationCommand string, compensationPayload []byte) {
	s.Steps = append(s.Steps, StepRecord{
		Name:                name,
		CompensationCommand: compensationCommand,
		CompensationPayload: compensationPayload,
		CompletedAt:         time.Now().UTC(),
	})
}

// Clone returns a deep-enough copy for retry-on-conflict evaluation.
func (s *SagaInstance) Clone() *SagaInstance {
	cp := *s
	cp.Payload = make(map[string]any, len(s.Payload))
	for k, v := range s.Payload {
		cp.Payload[k] = v
	}
	cp.Steps = append([]StepRecord(nil), s.Steps...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	if s.TimeoutAt != nil {
		t := *s.TimeoutAt
		cp.TimeoutAt = &t
	}
	return &cp
}
