package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-saga/pkg/config"
	"github.com/zoff-tech/go-saga/pkg/message"
	"github.com/zoff-tech/go-saga/pkg/store"
)

const tracerName = "go-saga"

// TimeoutNotice is the payload of a synthesized saga.timeout event. State
// pins the notice to the state that armed the timer, so a notice that
// arrives after the saga moved on is discarded as stale.
type TimeoutNotice struct {
	SagaType  string      `json:"saga_type"`
	State     store.State `json:"state"`
	TimeoutAt time.Time   `json:"timeout_at"`
}

// CompensationFailure is the payload participants reply with on a
// saga.compensation_failed event.
type CompensationFailure struct {
	Step   string `json:"step"`
	Reason string `json:"reason"`
}

// Orchestrator drives saga instances through their definitions. One call to
// Handle evaluates one event: it resolves the instance, looks up the
// transition, runs the action, and commits the state write, the outbox
// enqueues, the compensation-log appends and the idempotency claim in a
// single transaction.
type Orchestrator struct {
	registry *Registry
	stores   *store.Stores
	comp     config.CompensationSettings
	tracer   trace.Tracer
}

func NewOrchestrator(registry *Registry, stores *store.Stores, comp config.CompensationSettings) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		stores:   stores,
		comp:     comp,
		tracer:   otel.Tracer(tracerName),
	}
}

// Handle processes one event envelope. A version conflict means another
// replica committed between our load and our write; the evaluation is
// replayed once against the fresh state before giving up.
func (o *Orchestrator) Handle(ctx context.Context, env message.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownEventType, err)
	}
	err := o.handle(ctx, env)
	if errors.Is(err, store.ErrVersionConflict) {
		err = o.handle(ctx, env)
	}
	if errors.Is(err, errDuplicateDelivery) {
		log.Printf("discarding duplicate %s for saga %s", env.Type, env.CorrelationID)
		return nil
	}
	return err
}

func (o *Orchestrator) handle(ctx context.Context, env message.Envelope) error {
	ctx, span := o.tracer.Start(ctx, "saga.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("saga.correlation_id", env.CorrelationID),
		attribute.String("saga.event_type", env.Type),
	)

	def, inst, isNew, err := o.resolve(ctx, env)
	if err != nil || def == nil {
		return err
	}
	span.SetAttributes(attribute.String("saga.type", def.Name()))

	// Engine events take the built-in paths unless the definition
	// registered an explicit edge for them.
	if _, explicit := def.Lookup(inst.CurrentState, env.Type); !explicit {
		switch env.Type {
		case message.EventTimeout:
			return o.handleTimeout(ctx, def, inst, env)
		case message.EventCancel:
			return o.compensate(ctx, def, inst, env, "canceled by operator")
		case message.EventCompensationFailed:
			return o.retryCompensation(ctx, def, inst, env)
		}
	}

	tr, ok := def.Lookup(inst.CurrentState, env.Type)
	if !ok {
		seen, err := o.stores.Ledger.Seen(ctx, consumerName(def, inst), env.MessageID)
		if err != nil {
			return err
		}
		if seen {
			log.Printf("discarding duplicate %s for saga %s", env.Type, env.CorrelationID)
			return nil
		}
		if inst.Terminal() {
			log.Printf("discarding %s for finished saga %s", env.Type, env.CorrelationID)
			return nil
		}
		return fmt.Errorf("%w: %s in state %s", ErrEventUnroutable, env.Type, inst.CurrentState)
	}

	work := inst.Clone()
	act := &ActionContext{Event: env, Instance: work}
	if tr.Action != nil {
		if err := tr.Action(act); err != nil {
			return fmt.Errorf("action for %s in state %s: %w", env.Type, inst.CurrentState, err)
		}
	}
	work.CurrentState = tr.To

	var logEntries []*store.CompensationEntry
	commands := act.commands
	if tr.Compensate {
		compCommands, compLog := buildCompensation(work)
		commands = append(commands, compCommands...)
		logEntries = compLog
		work.CurrentState = store.StateCompensated
	}
	o.settle(def, work)

	return o.persist(ctx, def, env, work, isNew, commands, logEntries, nil)
}

// resolve loads the instance for the envelope's correlation id, creating a
// fresh one when the event is a registered start event. A nil definition
// with a nil error means the envelope was discarded.
func (o *Orchestrator) resolve(ctx context.Context, env message.Envelope) (*Definition, *store.SagaInstance, bool, error) {
	inst, err := o.stores.Sagas.Load(ctx, env.CorrelationID)
	switch {
	case err == nil:
		def, ok := o.registry.ByName(inst.SagaType)
		if !ok {
			return nil, nil, false, fmt.Errorf("%w: %s", ErrUnknownSagaType, inst.SagaType)
		}
		return def, inst, false, nil
	case errors.Is(err, store.ErrInstanceNotFound):
		switch env.Type {
		case message.EventTimeout, message.EventCancel, message.EventCompensationFailed:
			// Engine events for a saga that never started carry no work.
			log.Printf("discarding %s for unknown saga %s", env.Type, env.CorrelationID)
			return nil, nil, false, nil
		}
		def, ok := o.registry.ForEvent(env.Type)
		if !ok {
			return nil, nil, false, fmt.Errorf("%w: %s", ErrUnknownEventType, env.Type)
		}
		if env.Type != def.StartEvent() {
			// A mid-saga event beat the start event here. Park it.
			return nil, nil, false, fmt.Errorf("%w: %s before saga %s started", ErrEventUnroutable, env.Type, env.CorrelationID)
		}
		return def, store.NewSagaInstance(env.CorrelationID, def.Name()), true, nil
	default:
		return nil, nil, false, err
	}
}

func (o *Orchestrator) handleTimeout(ctx context.Context, def *Definition, inst *store.SagaInstance, env message.Envelope) error {
	var notice TimeoutNotice
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &notice); err != nil {
			return fmt.Errorf("decoding timeout notice for saga %s: %w", env.CorrelationID, err)
		}
	}
	if notice.State != "" && notice.State != inst.CurrentState {
		// The saga left the state before the notice landed.
		log.Printf("discarding stale timeout for saga %s: armed in %s, now %s", env.CorrelationID, notice.State, inst.CurrentState)
		return nil
	}
	return o.compensate(ctx, def, inst, env, fmt.Sprintf("timed out in state %s", inst.CurrentState))
}

// compensate walks the completed steps in reverse, emitting each recorded
// compensation command, and finishes the saga in the Compensated state.
func (o *Orchestrator) compensate(ctx context.Context, def *Definition, inst *store.SagaInstance, env message.Envelope, reason string) error {
	if inst.Terminal() {
		log.Printf("discarding %s for finished saga %s", env.Type, env.CorrelationID)
		return nil
	}
	work := inst.Clone()
	work.MergePayload(map[string]any{"compensation_reason": reason})
	commands, logEntries := buildCompensation(work)
	work.CurrentState = store.StateCompensated
	o.settle(def, work)
	return o.persist(ctx, def, env, work, false, commands, logEntries, nil)
}

// retryCompensation re-emits a failed compensation command with backoff, or
// escalates to manual intervention once the attempt ceiling is hit.
func (o *Orchestrator) retryCompensation(ctx context.Context, def *Definition, inst *store.SagaInstance, env message.Envelope) error {
	var failure CompensationFailure
	if err := json.Unmarshal(env.Payload, &failure); err != nil {
		return fmt.Errorf("decoding compensation failure for saga %s: %w", env.CorrelationID, err)
	}
	work := inst.Clone()
	var step *store.StepRecord
	for i := range work.Steps {
		if work.Steps[i].Name == failure.Step {
			step = &work.Steps[i]
			break
		}
	}
	if step == nil || step.CompensationCommand == "" {
		letter := newDeadLetter(store.KindProtocolViolation, env, fmt.Sprintf("compensation failure for unknown step %q", failure.Step))
		return o.persist(ctx, def, env, work, false, nil, nil, []*store.DeadLetter{letter})
	}

	step.CompensationAttempts++
	if step.CompensationAttempts >= o.comp.MaxAttempts {
		letter := newDeadLetter(store.KindManualIntervention, env, fmt.Sprintf("compensation %s for step %s failed %d times: %s", step.CompensationCommand, step.Name, step.CompensationAttempts, failure.Reason))
		logEntry := newCompensationEntry(work.CorrelationID, step, store.OutcomeEscalated)
		log.Printf("escalating compensation for saga %s step %s after %d attempts", work.CorrelationID, step.Name, step.CompensationAttempts)
		return o.persist(ctx, def, env, work, false, nil, []*store.CompensationEntry{logEntry}, []*store.DeadLetter{letter})
	}

	entry := store.NewOutboxEntry(work.CorrelationID, step.CompensationCommand, step.CompensationPayload)
	entry.AvailableAt = time.Now().UTC().Add(o.comp.RetryBackoff * (1 << (step.CompensationAttempts - 1)))
	logEntry := newCompensationEntry(work.CorrelationID, step, store.OutcomeRetried)
	return o.persist(ctx, def, env, work, false, []*store.OutboxEntry{entry}, []*store.CompensationEntry{logEntry}, nil)
}

// settle closes out terminal instances and arms the timeout for the state
// being entered.
func (o *Orchestrator) settle(def *Definition, inst *store.SagaInstance) {
	now := time.Now().UTC()
	inst.TimeoutAt = nil
	if def.IsTerminal(inst.CurrentState) {
		inst.CompletedAt = &now
		return
	}
	if dur, ok := def.TimeoutFor(inst.CurrentState); ok {
		at := now.Add(dur)
		inst.TimeoutAt = &at
	}
}

func (o *Orchestrator) persist(ctx context.Context, def *Definition, env message.Envelope, inst *store.SagaInstance, isNew bool, commands []*store.OutboxEntry, logEntries []*store.CompensationEntry, letters []*store.DeadLetter) error {
	return o.stores.Tx.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if isNew {
			if err := o.stores.Sagas.Create(ctx, tx, inst); err != nil {
				return err
			}
		} else if err := o.stores.Sagas.Update(ctx, tx, inst); err != nil {
			return err
		}
		for _, cmd := range commands {
			if err := o.stores.Outbox.Enqueue(ctx, tx, cmd); err != nil {
				return err
			}
		}
		for _, entry := range logEntries {
			if err := o.stores.CompLog.Append(ctx, tx, entry); err != nil {
				return err
			}
		}
		// Dead letters commit with the claim: if the claim lands, the
		// escalation record can never be lost to a crash afterwards.
		for _, letter := range letters {
			if err := o.stores.DeadLetters.Add(ctx, tx, letter); err != nil {
				return err
			}
		}
		claimed, err := o.stores.Ledger.TryClaim(ctx, tx, consumerName(def, inst), env.MessageID)
		if err != nil {
			return err
		}
		if !claimed {
			return errDuplicateDelivery
		}
		return nil
	})
}

// consumerName scopes idempotency claims to one saga instance, so ledger
// rows for different instances never contend.
func consumerName(def *Definition, inst *store.SagaInstance) string {
	return def.Name() + ":" + inst.CorrelationID
}

func buildCompensation(inst *store.SagaInstance) ([]*store.OutboxEntry, []*store.CompensationEntry) {
	var commands []*store.OutboxEntry
	var logEntries []*store.CompensationEntry
	for i := len(inst.Steps) - 1; i >= 0; i-- {
		step := &inst.Steps[i]
		if step.CompensationCommand == "" {
			continue
		}
		commands = append(commands, store.NewOutboxEntry(inst.CorrelationID, step.CompensationCommand, step.CompensationPayload))
		logEntries = append(logEntries, newCompensationEntry(inst.CorrelationID, step, store.OutcomeEmitted))
	}
	return commands, logEntries
}

func newCompensationEntry(correlationID string, step *store.StepRecord, outcome string) *store.CompensationEntry {
	return &store.CompensationEntry{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		Step:          step.Name,
		Action:        step.CompensationCommand,
		ExecutedAt:    time.Now().UTC(),
		Outcome:       outcome,
	}
}

func newDeadLetter(kind store.DeadLetterKind, env message.Envelope, reason string) *store.DeadLetter {
	return &store.DeadLetter{
		ID:        uuid.NewString(),
		Kind:      kind,
		Envelope:  env,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
}
