package emucore

//
// Structured event stream
//

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of a session [Event].
type EventType int

const (
	// EventStateChange announces a lifecycle state transition.
	EventStateChange = EventType(iota)

	// EventNodeRealized announces that a node's context is live.
	EventNodeRealized

	// EventLinkRealized announces that a link's forwarders are live.
	EventLinkRealized

	// EventRealizationFailed announces a failed instantiation,
	// after rollback has completed.
	EventRealizationFailed

	// EventImpairmentChanged announces a live impairment update.
	EventImpairmentChanged

	// EventServiceApplied announces that a service config has been
	// applied to a realized node.
	EventServiceApplied
)

// String implements fmt.Stringer.
func (t EventType) String() string {
	switch t {
	case EventStateChange:
		return "state-change"
	case EventNodeRealized:
		return "node-realized"
	case EventLinkRealized:
		return "link-realized"
	case EventRealizationFailed:
		return "realization-failed"
	case EventImpairmentChanged:
		return "impairment-changed"
	case EventServiceApplied:
		return "service-applied"
	default:
		return "unknown"
	}
}

// Event is an entry in a session's structured event stream. Events
// are immutable after emission.
type Event struct {
	// ID is a unique event id.
	ID string

	// Type is the event type.
	Type EventType

	// Session is the emitting session's id.
	Session int64

	// State is the session state after the event.
	State SessionState

	// Node is the node the event refers to, when applicable.
	Node NodeID

	// Link is the link the event refers to, when applicable.
	Link LinkID

	// Service is the service the event refers to, when applicable.
	Service string

	// Error is the error message, for failure events.
	Error string

	// Time is when the event was emitted.
	Time time.Time
}

// eventBus fans session events out to subscribers. The zero value is
// invalid; construct using [newEventBus]. Publishing never blocks:
// a subscriber that is not draining its channel loses events.
type eventBus struct {
	// mu provides mutual exclusion.
	mu sync.Mutex

	// subs contains the subscriber channels.
	subs map[int]chan Event

	// nextSub is the next subscriber key.
	nextSub int
}

// newEventBus creates an [eventBus].
func newEventBus() *eventBus {
	return &eventBus{
		mu:      sync.Mutex{},
		subs:    map[int]chan Event{},
		nextSub: 0,
	}
}

// subscribe registers a new subscriber and returns its channel along
// with a function unregistering it.
func (eb *eventBus) subscribe() (<-chan Event, func()) {
	const buffer = 128
	ch := make(chan Event, buffer)
	eb.mu.Lock()
	key := eb.nextSub
	eb.nextSub++
	eb.subs[key] = ch
	eb.mu.Unlock()
	unsubscribe := func() {
		eb.mu.Lock()
		delete(eb.subs, key)
		eb.mu.Unlock()
	}
	return ch, unsubscribe
}

// publish delivers an event to all current subscribers.
func (eb *eventBus) publish(ev Event) {
	ev.ID = uuid.NewString()
	ev.Time = time.Now()
	eb.mu.Lock()
	for _, ch := range eb.subs {
		select {
		case ch <- ev:
		default:
			// slow subscribers lose events rather than
			// blocking the engine
		}
	}
	eb.mu.Unlock()
}
