package saga

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-saga/pkg/store"
)

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(dateScheduling()))

	def, ok := registry.ByName("date-scheduling")
	assert.True(t, ok)
	assert.Equal(t, "date-scheduling", def.Name())

	def, ok = registry.ForEvent("SlotReserved")
	assert.True(t, ok)
	assert.Equal(t, "date-scheduling", def.Name())

	_, ok = registry.ForEvent("NothingHandlesThis")
	assert.False(t, ok)
}

func TestRegistry_RejectsAmbiguousEvents(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(dateScheduling()))

	other := NewDefinition("slot-cleanup").
		StartsWith("SlotReserved").
		On(store.StateStarted, "SlotReserved", store.StateCompleted, nil)

	err := registry.Register(other)
	assert.ErrorContains(t, err, "SlotReserved")
}

func TestRegistry_RejectsMissingStartEvent(t *testing.T) {
	registry := NewRegistry()

	err := registry.Register(NewDefinition("incomplete"))
	assert.ErrorContains(t, err, "no start event")
}

func TestRegistry_EventTypesAreSorted(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(dateScheduling()))

	assert.Equal(t, []string{
		"ConfirmationDeclined",
		"DateConfirmed",
		"MatchAccepted",
		"SlotReservationFailed",
		"SlotReserved",
	}, registry.EventTypes())
}

func TestDefinition_IsTerminal(t *testing.T) {
	def := dateScheduling()

	assert.True(t, def.IsTerminal(store.StateCompleted))
	assert.True(t, def.IsTerminal(store.StateCompensated))
	assert.False(t, def.IsTerminal(store.StateStarted))
	assert.False(t, def.IsTerminal(awaitingSlot))
}

func TestDefinition_TimeoutFor(t *testing.T) {
	def := dateScheduling()

	_, ok := def.TimeoutFor(store.StateStarted)
	assert.False(t, ok)

	dur, ok := def.TimeoutFor(awaitingSlot)
	assert.True(t, ok)
	assert.NotZero(t, dur)
}
