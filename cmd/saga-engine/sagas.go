package main

import (
	"time"

	"github.com/zoff-tech/go-saga/pkg/saga"
	"github.com/zoff-tech/go-saga/pkg/store"
)

const (
	stateAwaitingSlot         store.State = "AwaitingSlot"
	stateAwaitingConfirmation store.State = "AwaitingConfirmation"
)

type matchAccepted struct {
	MatchID string `json:"match_id"`
	UserA   string `json:"user_a"`
	UserB   string `json:"user_b"`
}

type slotReserved struct {
	SlotID string `json:"slot_id"`
	Venue  string `json:"venue"`
}

// registerSagas wires the saga definitions this engine instance drives.
func registerSagas(registry *saga.Registry) error {
	dateScheduling := saga.NewDefinition("date-scheduling").
		StartsWith("MatchAccepted").
		On(store.StateStarted, "MatchAccepted", stateAwaitingSlot, func(act *saga.ActionContext) error {
			var accepted matchAccepted
			if err := act.BindEvent(&accepted); err != nil {
				return err
			}
			act.Set("match_id", accepted.MatchID)
			if err := act.CompleteStep("accept-match", "MarkMatchPending", accepted); err != nil {
				return err
			}
			return act.Send("ReserveSlot", accepted)
		}).
		On(stateAwaitingSlot, "SlotReserved", stateAwaitingConfirmation, func(act *saga.ActionContext) error {
			var slot slotReserved
			if err := act.BindEvent(&slot); err != nil {
				return err
			}
			act.Set("slot_id", slot.SlotID)
			if err := act.CompleteStep("reserve-slot", "ReleaseSlot", slot); err != nil {
				return err
			}
			return act.Send("RequestConfirmation", slot)
		}).
		On(stateAwaitingConfirmation, "DateConfirmed", store.StateCompleted, func(act *saga.ActionContext) error {
			return act.Send("NotifyMatch", act.Instance.Payload)
		}).
		OnFailure(stateAwaitingSlot, "SlotReservationFailed", nil).
		OnFailure(stateAwaitingConfirmation, "ConfirmationDeclined", nil).
		TimeoutAfter(stateAwaitingSlot, 30*time.Minute).
		TimeoutAfter(stateAwaitingConfirmation, 24*time.Hour)

	return registry.Register(dateScheduling)
}
