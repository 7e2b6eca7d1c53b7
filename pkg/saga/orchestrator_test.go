package saga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-saga/pkg/config"
	"github.com/zoff-tech/go-saga/pkg/message"
	"github.com/zoff-tech/go-saga/pkg/store"
)

const (
	awaitingSlot         store.State = "AwaitingSlot"
	awaitingConfirmation store.State = "AwaitingConfirmation"
	awaitingReply        store.State = "AwaitingReply"
)

// dateScheduling is the matchmaking flow used throughout these tests: a
// match is accepted, a slot is reserved, the date is confirmed. Each
// forward step records the command that undoes it.
func dateScheduling() *Definition {
	return NewDefinition("date-scheduling").
		StartsWith("MatchAccepted").
		On(store.StateStarted, "MatchAccepted", awaitingSlot, func(act *ActionContext) error {
			var accepted struct {
				MatchID string `json:"match_id"`
			}
			if err := act.BindEvent(&accepted); err != nil {
				return err
			}
			act.Set("match_id", accepted.MatchID)
			if err := act.CompleteStep("accept-match", "MarkMatchPending", accepted); err != nil {
				return err
			}
			return act.Send("ReserveSlot", accepted)
		}).
		On(awaitingSlot, "SlotReserved", awaitingConfirmation, func(act *ActionContext) error {
			if err := act.CompleteStep("reserve-slot", "ReleaseSlot", map[string]string{"slot_id": "slot-1"}); err != nil {
				return err
			}
			return act.Send("RequestConfirmation", nil)
		}).
		On(awaitingConfirmation, "DateConfirmed", store.StateCompleted, func(act *ActionContext) error {
			return act.Send("NotifyMatch", act.Instance.Payload)
		}).
		OnFailure(awaitingSlot, "SlotReservationFailed", nil).
		OnFailure(awaitingConfirmation, "ConfirmationDeclined", nil).
		TimeoutAfter(awaitingSlot, 30*time.Minute)
}

func newTestEngine(t *testing.T) (*Orchestrator, *store.Stores) {
	t.Helper()

	mem := store.NewMemoryStores()
	stores := &store.Stores{
		Outbox:      mem,
		Sagas:       mem,
		Ledger:      mem,
		CompLog:     mem,
		DeadLetters: mem,
		Tx:          mem,
	}
	registry := NewRegistry()
	require.NoError(t, registry.Register(dateScheduling()))

	comp := config.CompensationSettings{MaxAttempts: 3, RetryBackoff: time.Minute}
	return NewOrchestrator(registry, stores, comp), stores
}

// drainOutbox claims every publishable entry and returns the event types in
// enqueue order.
func drainOutbox(t *testing.T, stores *store.Stores) []string {
	t.Helper()

	entries, err := stores.Outbox.FetchPending(context.Background(), 100, 10)
	require.NoError(t, err)

	var types []string
	for _, entry := range entries {
		types = append(types, entry.EventType)
	}
	return types
}

func TestHandle_StartEventCreatesInstance(t *testing.T) {
	orch, stores := newTestEngine(t)
	ctx := context.Background()

	env := message.New("match-1", "MatchAccepted", []byte(`{"match_id":"m-1"}`))
	require.NoError(t, orch.Handle(ctx, env))

	inst, err := stores.Sagas.Load(ctx, "match-1")
	require.NoError(t, err)
	assert.Equal(t, awaitingSlot, inst.CurrentState)
	assert.Equal(t, "date-scheduling", inst.SagaType)
	assert.Equal(t, "m-1", inst.Payload["match_id"])
	assert.Len(t, inst.Steps, 1)
	assert.NotNil(t, inst.TimeoutAt, "entering AwaitingSlot arms the timeout")
	assert.Nil(t, inst.CompletedAt)

	assert.Equal(t, []string{"ReserveSlot"}, drainOutbox(t, stores))
}

func TestHandle_DuplicateDeliveryEmitsOneCommand(t *testing.T) {
	orch, stores := newTestEngine(t)
	ctx := context.Background()

	env := message.New("match-1", "MatchAccepted", []byte(`{"match_id":"m-1"}`))
	require.NoError(t, orch.Handle(ctx, env))
	require.NoError(t, orch.Handle(ctx, env), "redelivery must be acked, not failed")

	// Exactly one ReserveSlot despite two deliveries.
	assert.Equal(t, []string{"ReserveSlot"}, drainOutbox(t, stores))

	inst, err := stores.Sagas.Load(ctx, "match-1")
	require.NoError(t, err)
	assert.Len(t, inst.Steps, 1)
}

// negotiation revisits its start state: Started -> AwaitingReply on an
// offer, back to Started on a counter. A duplicate of the original offer
// then hits a defined transition again instead of a lookup miss.
func negotiation() *Definition {
	return NewDefinition("negotiation").
		StartsWith("OfferMade").
		On(store.StateStarted, "OfferMade", awaitingReply, func(act *ActionContext) error {
			return act.Send("DeliverOffer", nil)
		}).
		On(awaitingReply, "CounterOffered", store.StateStarted, func(act *ActionContext) error {
			return act.Send("DeliverCounter", nil)
		}).
		On(store.StateStarted, "OfferAccepted", store.StateCompleted, nil)
}

func TestHandle_DuplicateOnRevisitedStateIsRolledBack(t *testing.T) {
	mem := store.NewMemoryStores()
	stores := &store.Stores{
		Outbox:      mem,
		Sagas:       mem,
		Ledger:      mem,
		CompLog:     mem,
		DeadLetters: mem,
		Tx:          mem,
	}
	registry := NewRegistry()
	require.NoError(t, registry.Register(negotiation()))
	orch := NewOrchestrator(registry, stores, config.CompensationSettings{MaxAttempts: 3, RetryBackoff: time.Minute})
	ctx := context.Background()

	offer := message.New("deal-1", "OfferMade", nil)
	require.NoError(t, orch.Handle(ctx, offer))
	require.NoError(t, orch.Handle(ctx, message.New("deal-1", "CounterOffered", nil)))
	assert.Equal(t, []string{"DeliverOffer", "DeliverCounter"}, drainOutbox(t, stores))

	before, err := stores.Sagas.Load(ctx, "deal-1")
	require.NoError(t, err)
	require.Equal(t, store.StateStarted, before.CurrentState)

	// The redelivered offer routes through the full evaluation and only
	// loses at the claim; none of its writes may survive the abort.
	require.NoError(t, orch.Handle(ctx, offer))

	after, err := stores.Sagas.Load(ctx, "deal-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateStarted, after.CurrentState)
	assert.Equal(t, before.Version, after.Version)
	assert.Empty(t, drainOutbox(t, stores), "the duplicate offer must not emit a second DeliverOffer")
}

func TestHandle_FailureCompensatesCompletedSteps(t *testing.T) {
	orch, stores := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, orch.Handle(ctx, message.New("match-1", "MatchAccepted", []byte(`{"match_id":"m-1"}`))))
	drainOutbox(t, stores)

	require.NoError(t, orch.Handle(ctx, message.New("match-1", "SlotReservationFailed", nil)))

	inst, err := stores.Sagas.Load(ctx, "match-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateCompensated, inst.CurrentState)
	assert.True(t, inst.Terminal())

	assert.Equal(t, []string{"MarkMatchPending"}, drainOutbox(t, stores))

	entries, err := stores.CompLog.ListByCorrelation(ctx, "match-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "accept-match", entries[0].Step)
	assert.Equal(t, "MarkMatchPending", entries[0].Action)
	assert.Equal(t, store.OutcomeEmitted, entries[0].Outcome)
}

func TestHandle_CompensationRunsInReverseOrder(t *testing.T) {
	orch, stores := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, orch.Handle(ctx, message.New("match-1", "MatchAccepted", []byte(`{"match_id":"m-1"}`))))
	require.NoError(t, orch.Handle(ctx, message.New("match-1", "SlotReserved", nil)))
	drainOutbox(t, stores)

	require.NoError(t, orch.Handle(ctx, message.New("match-1", "ConfirmationDeclined", nil)))

	// Last completed step is undone first.
	assert.Equal(t, []string{"ReleaseSlot", "MarkMatchPending"}, drainOutbox(t, stores))

	entries, err := stores.CompLog.ListByCorrelation(ctx, "match-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "reserve-slot", entries[0].Step)
	assert.Equal(t, "accept-match", entries[1].Step)
}

func TestHandle_HappyPathWritesNoCompensationLog(t *testing.T) {
	orch, stores := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, orch.Handle(ctx, message.New("match-1", "MatchAccepted", []byte(`{"match_id":"m-1"}`))))
	require.NoError(t, orch.Handle(ctx, message.New("match-1", "SlotReserved", nil)))
	require.NoError(t, orch.Handle(ctx, message.New("match-1", "DateConfirmed", nil)))

	inst, err := stores.Sagas.Load(ctx, "match-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateCompleted, inst.CurrentState)
	assert.NotNil(t, inst.CompletedAt)
	assert.Nil(t, inst.TimeoutAt)

	entries, err := stores.CompLog.ListByCorrelation(ctx, "match-1")
	require.NoError(t, err)
	assert.Empty(t, entries, "a completed saga never compensates")
}

func TestHandle_OutOfOrderEventParksThenConverges(t *testing.T) {
	orch, stores := newTestEngine(t)
	ctx := context.Background()

	reserved := message.New("match-1", "SlotReserved", nil)

	// SlotReserved beat MatchAccepted; the caller parks it.
	err := orch.Handle(ctx, reserved)
	assert.ErrorIs(t, err, ErrEventUnroutable)

	require.NoError(t, orch.Handle(ctx, message.New("match-1", "MatchAccepted", []byte(`{"match_id":"m-1"}`))))

	// The parked redelivery now routes.
	require.NoError(t, orch.Handle(ctx, reserved))

	inst, err := stores.Sagas.Load(ctx, "match-1")
	require.NoError(t, err)
	assert.Equal(t, awaitingConfirmation, inst.CurrentState)
}

func TestHandle_EventInWrongStateIsUnroutable(t *testing.T) {
	orch, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, orch.Handle(ctx, message.New("match-1", "MatchAccepted", []byte(`{"match_id":"m-1"}`))))

	err := orch.Handle(ctx, message.New("match-1", "DateConfirmed", nil))
	assert.ErrorIs(t, err, ErrEventUnroutable)
}

func TestHandle_UnknownEventType(t *testing.T) {
	orch, _ := newTestEngine(t)

	err := orch.Handle(context.Background(), message.New("match-1", "SomethingElse", nil))
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestHandle_EventForFinishedSagaIsDiscarded(t *testing.T) {
	orch, stores := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, orch.Handle(ctx, message.New("match-1", "MatchAccepted", []byte(`{"match_id":"m-1"}`))))
	require.NoError(t, orch.Handle(ctx, message.New("match-1", "SlotReservationFailed", nil)))
	drainOutbox(t, stores)

	// A straggler after the saga compensated is acked without effect.
	require.NoError(t, orch.Handle(ctx, message.New("match-1", "SlotReserved", nil)))
	assert.Empty(t, drainOutbox(t, stores))
}

func timeoutEnvelope(t *testing.T, inst *store.SagaInstance) message.Envelope {
	t.Helper()

	require.NotNil(t, inst.TimeoutAt)
	payload, err := json.Marshal(TimeoutNotice{
		SagaType:  inst.SagaType,
		State:     inst.CurrentState,
		TimeoutAt: inst.TimeoutAt.UTC(),
	})
	require.NoError(t, err)
	return message.NewDeterministic(inst.CorrelationID, message.EventTimeout, inst.TimeoutAt.UTC().Format(time.RFC3339Nano), payload)
}

func TestHandle_TimeoutCompensates(t *testing.T) {
	orch, stores := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, orch.Handle(ctx, message.New("match-1", "MatchAccepted", []byte(`{"match_id":"m-1"}`))))
	drainOutbox(t, stores)

	inst, err := stores.Sagas.Load(ctx, "match-1")
	require.NoError(t, err)
	env := timeoutEnvelope(t, inst)

	require.NoError(t, orch.Handle(ctx, env))

	inst, err = stores.Sagas.Load(ctx, "match-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateCompensated, inst.CurrentState)
	assert.Equal(t, []string{"MarkMatchPending"}, drainOutbox(t, stores))

	// A second replica firing the same deadline produces the identical
	// envelope; it must not compensate twice.
	require.NoError(t, orch.Handle(ctx, env))
	assert.Empty(t, drainOutbox(t, stores))
}

func TestHandle_StaleTimeoutIsIgnored(t *testing.T) {
	orch, stores := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, orch.Handle(ctx, message.New("match-1", "MatchAccepted", []byte(`{"match_id":"m-1"}`))))

	inst, err := stores.Sagas.Load(ctx, "match-1")
	require.NoError(t, err)
	env := timeoutEnvelope(t, inst)

	// The saga moves on before the notice lands.
	require.NoError(t, orch.Handle(ctx, message.New("match-1", "SlotReserved", nil)))
	drainOutbox(t, stores)

	require.NoError(t, orch.Handle(ctx, env))

	inst, err = stores.Sagas.Load(ctx, "match-1")
	require.NoError(t, err)
	assert.Equal(t, awaitingConfirmation, inst.CurrentState)
	assert.Empty(t, drainOutbox(t, stores))
}

func TestHandle_CancelCompensates(t *testing.T) {
	orch, stores := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, orch.Handle(ctx, message.New("match-1", "MatchAccepted", []byte(`{"match_id":"m-1"}`))))
	drainOutbox(t, stores)

	require.NoError(t, orch.Handle(ctx, message.New("match-1", message.EventCancel, nil)))

	inst, err := stores.Sagas.Load(ctx, "match-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateCompensated, inst.CurrentState)
	assert.Equal(t, "canceled by operator", inst.Payload["compensation_reason"])
	assert.Equal(t, []string{"MarkMatchPending"}, drainOutbox(t, stores))
}

func TestHandle_EngineEventForUnknownSagaIsDiscarded(t *testing.T) {
	orch, _ := newTestEngine(t)

	assert.NoError(t, orch.Handle(context.Background(), message.New("nobody", message.EventCancel, nil)))
}

func TestHandle_CompensationFailureRetriesThenEscalates(t *testing.T) {
	orch, stores := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, orch.Handle(ctx, message.New("match-1", "MatchAccepted", []byte(`{"match_id":"m-1"}`))))
	require.NoError(t, orch.Handle(ctx, message.New("match-1", "SlotReservationFailed", nil)))
	drainOutbox(t, stores)

	failure := []byte(`{"step":"accept-match","reason":"downstream rejected"}`)

	// First two failures re-emit the compensation with backoff.
	require.NoError(t, orch.Handle(ctx, message.New("match-1", message.EventCompensationFailed, failure)))
	require.NoError(t, orch.Handle(ctx, message.New("match-1", message.EventCompensationFailed, failure)))

	// The backoff keeps the re-emitted command out of the next batch.
	assert.Empty(t, drainOutbox(t, stores))

	entries, err := stores.CompLog.ListByCorrelation(ctx, "match-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, store.OutcomeRetried, entries[1].Outcome)
	assert.Equal(t, store.OutcomeRetried, entries[2].Outcome)

	// The third failure hits the attempt ceiling.
	require.NoError(t, orch.Handle(ctx, message.New("match-1", message.EventCompensationFailed, failure)))

	entries, err = stores.CompLog.ListByCorrelation(ctx, "match-1")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, store.OutcomeEscalated, entries[3].Outcome)

	letters, err := stores.DeadLetters.List(ctx, store.KindManualIntervention, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0].Reason, "accept-match")
}

// faultyDeadLetterStore fails Add while fail is set.
type faultyDeadLetterStore struct {
	store.DeadLetterStore
	fail bool
}

func (f *faultyDeadLetterStore) Add(ctx context.Context, tx store.Tx, letter *store.DeadLetter) error {
	if f.fail {
		return errors.New("dead letter store unavailable")
	}
	return f.DeadLetterStore.Add(ctx, tx, letter)
}

func TestHandle_EscalationCommitsWithDeadLetter(t *testing.T) {
	orch, stores := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, orch.Handle(ctx, message.New("match-1", "MatchAccepted", []byte(`{"match_id":"m-1"}`))))
	require.NoError(t, orch.Handle(ctx, message.New("match-1", "SlotReservationFailed", nil)))
	drainOutbox(t, stores)

	failure := []byte(`{"step":"accept-match","reason":"downstream rejected"}`)
	require.NoError(t, orch.Handle(ctx, message.New("match-1", message.EventCompensationFailed, failure)))
	require.NoError(t, orch.Handle(ctx, message.New("match-1", message.EventCompensationFailed, failure)))

	faulty := &faultyDeadLetterStore{DeadLetterStore: stores.DeadLetters, fail: true}
	stores.DeadLetters = faulty

	// When the dead letter cannot be recorded the whole evaluation fails:
	// no claim, no escalation log entry, the broker redelivers.
	escalation := message.New("match-1", message.EventCompensationFailed, failure)
	require.Error(t, orch.Handle(ctx, escalation))

	entries, err := stores.CompLog.ListByCorrelation(ctx, "match-1")
	require.NoError(t, err)
	assert.Len(t, entries, 3, "the escalation entry must roll back with the letter")

	// The redelivery after recovery lands the letter and the log entry
	// together.
	faulty.fail = false
	require.NoError(t, orch.Handle(ctx, escalation))

	letters, err := stores.DeadLetters.List(ctx, store.KindManualIntervention, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0].Reason, "accept-match")

	entries, err = stores.CompLog.ListByCorrelation(ctx, "match-1")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, store.OutcomeEscalated, entries[3].Outcome)
}

// flakySagaStore fails Update a fixed number of times with a version
// conflict before delegating.
type flakySagaStore struct {
	store.SagaStateStore
	conflicts int
}

func (f *flakySagaStore) Update(ctx context.Context, tx store.Tx, inst *store.SagaInstance) error {
	if f.conflicts > 0 {
		f.conflicts--
		return store.ErrVersionConflict
	}
	return f.SagaStateStore.Update(ctx, tx, inst)
}

func TestHandle_VersionConflictIsRetriedOnce(t *testing.T) {
	orch, stores := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, orch.Handle(ctx, message.New("match-1", "MatchAccepted", []byte(`{"match_id":"m-1"}`))))

	flaky := &flakySagaStore{SagaStateStore: stores.Sagas, conflicts: 1}
	stores.Sagas = flaky

	require.NoError(t, orch.Handle(ctx, message.New("match-1", "SlotReserved", nil)))
	assert.Zero(t, flaky.conflicts)

	inst, err := stores.Sagas.Load(ctx, "match-1")
	require.NoError(t, err)
	assert.Equal(t, awaitingConfirmation, inst.CurrentState)
}

func TestHandle_SecondVersionConflictFails(t *testing.T) {
	orch, stores := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, orch.Handle(ctx, message.New("match-1", "MatchAccepted", []byte(`{"match_id":"m-1"}`))))

	stores.Sagas = &flakySagaStore{SagaStateStore: stores.Sagas, conflicts: 2}

	err := orch.Handle(ctx, message.New("match-1", "SlotReserved", nil))
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}
