package message

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Reserved event types synthesized or consumed by the engine itself.
// Business sagas must not register forward transitions on these names
// except to customize timeout or cancellation handling.
const (
	EventTimeout            = "saga.timeout"
	EventCancel             = "saga.cancel"
	EventCompensationFailed = "saga.compensation_failed"
)

// Envelope is the transport-agnostic message all handlers are written
// against, regardless of the underlying broker.
type Envelope struct {
	MessageID     string            `json:"message_id"`
	CorrelationID string            `json:"correlation_id"`
	Type          string            `json:"type"`
	Payload       []byte            `json:"payload"`
	Attempt       int               `json:"attempt"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// New builds an envelope with a fresh message id.
func New(correlationID, eventType string, payload []byte) Envelope {
	return Envelope{
		MessageID:     uuid.NewString(),
		CorrelationID: correlationID,
		Type:          eventType,
		Payload:       payload,
	}
}

// NewDeterministic builds an envelope whose message id is derived from the
// given discriminator. Two processes synthesizing the same logical event
// (e.g. two scheduler replicas firing the same timeout) produce the same
// message id, so the idempotency ledger collapses them into one delivery.
func NewDeterministic(correlationID, eventType, discriminator string, payload []byte) Envelope {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(eventType+"|"+correlationID+"|"+discriminator))
	return Envelope{
		MessageID:     id.String(),
		CorrelationID: correlationID,
		Type:          eventType,
		Payload:       payload,
	}
}

func (e Envelope) Validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("envelope: message id is required")
	}
	if e.CorrelationID == "" {
		return fmt.Errorf("envelope: correlation id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope: type is required")
	}
	return nil
}

// Encode serializes the envelope for brokers that carry opaque bodies.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an envelope from a broker message body.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
