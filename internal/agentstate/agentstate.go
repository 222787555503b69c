// Package agentstate implements the daemon's per-agent lifecycle state
// machine as a finite (from, event) -> to transition table, the way
// internal/config documents tunables as plain data rather than behavior:
// the table itself is the source of truth, and guard predicates are direct
// lookups against it rather than a hand-written if/else chain per state.
package agentstate

import "time"

// State is one node in the agent lifecycle graph.
type State string

const (
	Offline     State = "offline"
	Connecting  State = "connecting"
	OnlineIdle  State = "online_idle"
	OnlineBusy  State = "online_busy"
	Paused      State = "paused"
	Error       State = "error"
)

// Event is a lifecycle transition trigger.
type Event string

const (
	EventConnect               Event = "connect"
	EventConnectionEstablished Event = "connection_established"
	EventStartProcessing       Event = "start_processing"
	EventFinishProcessing      Event = "finish_processing"
	EventDisconnect            Event = "disconnect"
	EventEncounterError        Event = "encounter_error"
	EventPause                 Event = "pause"
	EventResume                Event = "resume"
)

type transitionKey struct {
	from  State
	event Event
}

// table is the complete set of legal (from, event) -> to transitions. Any
// (state, event) pair absent from this map is an illegal transition.
var table = map[transitionKey]State{
	{Offline, EventConnect}:    Connecting,
	{Error, EventConnect}:      Connecting,
	{Paused, EventConnect}:     Connecting,
	{Connecting, EventConnectionEstablished}: OnlineIdle,
	{OnlineIdle, EventStartProcessing}:       OnlineBusy,
	{OnlineBusy, EventFinishProcessing}:      OnlineIdle,
	{Connecting, EventDisconnect}:  Offline,
	{OnlineIdle, EventDisconnect}:  Offline,
	{OnlineBusy, EventDisconnect}:  Offline,
	{OnlineIdle, EventPause}:  Paused,
	{OnlineBusy, EventPause}: Paused,
	{Paused, EventResume}:    Connecting,
}

// anyStateEvents are events legal from every state (the "any" row in the
// transition table), always landing in Error.
var anyStateEvents = map[Event]State{
	EventEncounterError: Error,
}

// Machine tracks the current lifecycle state of one agent and the instant
// it last entered OnlineIdle.
type Machine struct {
	current      State
	lastActiveAt time.Time
}

// New returns a Machine starting in Offline.
func New() *Machine {
	return &Machine{current: Offline}
}

// NewFrom returns a Machine starting in an arbitrary state, used when
// restoring an agent's persisted state at startup.
func NewFrom(state State) *Machine {
	return &Machine{current: state}
}

// Current returns the machine's current state.
func (m *Machine) Current() State { return m.current }

// LastActiveAt returns the instant the machine last transitioned into
// OnlineIdle, or the zero time if it never has.
func (m *Machine) LastActiveAt() time.Time { return m.lastActiveAt }

// May reports whether event is a legal transition from the current state,
// the direct-lookup form of the spec's may_<event>? guard predicates.
func (m *Machine) May(event Event) bool {
	_, ok := resolve(m.current, event)
	return ok
}

// Fire attempts to apply event to the machine's current state. An illegal
// transition is a no-op that reports false rather than an error, matching
// the idempotent-guard contract: callers that blindly fire events from
// multiple goroutines never need to pre-check May themselves.
func (m *Machine) Fire(event Event) bool {
	to, ok := resolve(m.current, event)
	if !ok {
		return false
	}
	m.current = to
	if to == OnlineIdle {
		m.lastActiveAt = now()
	}
	return true
}

func resolve(from State, event Event) (State, bool) {
	if to, ok := table[transitionKey{from, event}]; ok {
		return to, true
	}
	if to, ok := anyStateEvents[event]; ok {
		return to, true
	}
	return "", false
}

// now is overridable in tests that need deterministic timestamps.
var now = time.Now
