package saga

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/zoff-tech/go-saga/pkg/message"
	"github.com/zoff-tech/go-saga/pkg/store"
)

// ActionFunc runs when a transition fires. It reads and writes saga state
// through the ActionContext only; actual side effects happen downstream
// when the relay publishes the commands it collected. Returning an error
// aborts the evaluation with nothing persisted.
type ActionFunc func(ctx *ActionContext) error

// Edge keys the transition table.
type Edge struct {
	From  store.State
	Event string
}

// Transition describes where an edge leads and what it does on the way.
type Transition struct {
	To     store.State
	Action ActionFunc
	// Compensate walks the completed steps in reverse after the action
	// runs, emitting each recorded compensation command, and forces the
	// instance into the Compensated terminal state.
	Compensate bool
}

// Definition is the immutable transition table for one saga type. Build it
// once at startup and register it; it is safe for concurrent use afterwards.
type Definition struct {
	name        string
	startEvent  string
	transitions map[Edge]Transition
	timeouts    map[store.State]time.Duration
	handled     map[string]bool
}

func NewDefinition(name string) *Definition {
	return &Definition{
		name:        name,
		transitions: make(map[Edge]Transition),
		timeouts:    make(map[store.State]time.Duration),
		handled:     make(map[string]bool),
	}
}

func (d *Definition) Name() string { return d.name }

// StartsWith names the event that creates a new instance. The instance is
// born in the Started state and the event is immediately routed through the
// (Started, event) edge, which must also be registered.
func (d *Definition) StartsWith(event string) *Definition {
	d.startEvent = event
	d.handled[event] = true
	return d
}

// On registers a transition edge.
func (d *Definition) On(from store.State, event string, to store.State, action ActionFunc) *Definition {
	d.transitions[Edge{From: from, Event: event}] = Transition{To: to, Action: action}
	d.handled[event] = true
	return d
}

// OnFailure registers an edge that triggers compensation: the action runs
// first (usually just logging context into the payload), then every
// completed step is compensated in reverse and the saga ends Compensated.
func (d *Definition) OnFailure(from store.State, event string, action ActionFunc) *Definition {
	d.transitions[Edge{From: from, Event: event}] = Transition{To: store.StateCompensated, Action: action, Compensate: true}
	d.handled[event] = true
	return d
}

// TimeoutAfter arms a timeout whenever the saga enters the given state.
// When it fires the scheduler synthesizes a saga.timeout event, which
// compensates the instance unless a transition for it is registered.
func (d *Definition) TimeoutAfter(state store.State, within time.Duration) *Definition {
	d.timeouts[state] = within
	return d
}

func (d *Definition) StartEvent() string { return d.startEvent }

func (d *Definition) Lookup(from store.State, event string) (Transition, bool) {
	tr, ok := d.transitions[Edge{From: from, Event: event}]
	return tr, ok
}

func (d *Definition) TimeoutFor(state store.State) (time.Duration, bool) {
	dur, ok := d.timeouts[state]
	return dur, ok
}

// Handles reports whether any edge consumes the event type.
func (d *Definition) Handles(event string) bool { return d.handled[event] }

// IsTerminal reports whether the state has no outgoing edges. Completed and
// Compensated are always terminal.
func (d *Definition) IsTerminal(state store.State) bool {
	if state == store.StateCompleted || state == store.StateCompensated {
		return true
	}
	for edge := range d.transitions {
		if edge.From == state {
			return false
		}
	}
	return true
}

// Registry resolves saga definitions by name and by the event types they
// consume. Event types must be unambiguous across definitions so an
// incoming envelope routes to exactly one saga type.
type Registry struct {
	byName  map[string]*Definition
	byEvent map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]*Definition),
		byEvent: make(map[string]*Definition),
	}
}

func (r *Registry) Register(d *Definition) error {
	if d.name == "" {
		return fmt.Errorf("registry: definition has no name")
	}
	if d.startEvent == "" {
		return fmt.Errorf("registry: definition %s has no start event", d.name)
	}
	if _, exists := r.byName[d.name]; exists {
		return fmt.Errorf("registry: definition %s already registered", d.name)
	}
	for event := range d.handled {
		if other, taken := r.byEvent[event]; taken {
			return fmt.Errorf("registry: event %s handled by both %s and %s", event, other.name, d.name)
		}
	}
	r.byName[d.name] = d
	for event := range d.handled {
		r.byEvent[event] = d
	}
	return nil
}

func (r *Registry) ByName(name string) (*Definition, bool) {
	d, ok := r.byName[name]
	return d, ok
}

func (r *Registry) ForEvent(eventType string) (*Definition, bool) {
	d, ok := r.byEvent[eventType]
	return d, ok
}

// EventTypes returns every event type consumed by a registered definition,
// sorted. Consumers subscribe to these plus the engine's own event types.
func (r *Registry) EventTypes() []string {
	types := make([]string, 0, len(r.byEvent))
	for event := range r.byEvent {
		types = append(types, event)
	}
	sort.Strings(types)
	return types
}

// ActionContext is the window an action gets onto its saga instance. Writes
// are collected and committed atomically with the state transition after
// the action returns.
type ActionContext struct {
	Event    message.Envelope
	Instance *store.SagaInstance

	commands []*store.OutboxEntry
}

// Send enqueues a command for a downstream participant. The payload is
// JSON-marshaled; the command is correlated to this saga and published by
// the relay on the topic named after the command type.
func (a *ActionContext) Send(command string, payload any) error {
	return a.SendTo(command, command, payload)
}

// SendTo is Send with an explicit topic.
func (a *ActionContext) SendTo(topic, command string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", command, err)
	}
	entry := store.NewOutboxEntry(a.Instance.CorrelationID, command, body)
	entry.Topic = topic
	a.commands = append(a.commands, entry)
	return nil
}

// CompleteStep records a finished forward step together with the command
// that undoes it. Compensation replays these in reverse order.
func (a *ActionContext) CompleteStep(name, compensationCommand string, compensationPayload any) error {
	body, err := json.Marshal(compensationPayload)
	if err != nil {
		return fmt.Errorf("marshaling %s compensation payload: %w", name, err)
	}
	a.Instance.RecordStep(name, compensationCommand, body)
	return nil
}

// Set merges a single field into the instance payload.
func (a *ActionContext) Set(key string, value any) {
	a.Instance.MergePayload(map[string]any{key: value})
}

// BindEvent unmarshals the triggering event's payload into dst.
func (a *ActionContext) BindEvent(dst any) error {
	if len(a.Event.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(a.Event.Payload, dst)
}

// BindPayload unmarshals the accumulated instance payload into dst.
func (a *ActionContext) BindPayload(dst any) error {
	raw, err := json.Marshal(a.Instance.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
