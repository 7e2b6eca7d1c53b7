package saga

import "errors"

var (
	// ErrEventUnroutable means the current state has no transition for the
	// event and the delivery is not a known duplicate: either genuine
	// out-of-order delivery or a protocol violation. The consumer parks
	// the envelope and redelivers it a bounded number of times before
	// dead-lettering.
	ErrEventUnroutable = errors.New("saga: no transition for event in current state")

	// ErrUnknownEventType means no registered saga definition handles the
	// event type. Dead-letter immediately; redelivery cannot fix it.
	ErrUnknownEventType = errors.New("saga: no definition handles event type")

	// ErrUnknownSagaType means a stored instance references a saga type
	// that is no longer registered. A deployment bug, not a message bug.
	ErrUnknownSagaType = errors.New("saga: saga type not registered")

	// errDuplicateDelivery aborts the evaluation transaction when the
	// idempotency claim finds the message already handled.
	errDuplicateDelivery = errors.New("saga: duplicate delivery")
)
