package room

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Direction selects one side of a timeline: Backwards toward older events,
// Forwards toward newer ones.
type Direction int

const (
	Backwards Direction = iota
	Forwards
)

func (d Direction) String() string {
	if d == Backwards {
		return "backwards"
	}
	return "forwards"
}

func (d Direction) invert() Direction {
	if d == Backwards {
		return Forwards
	}
	return Backwards
}

// EventTimeline is one contiguous, ordered window of a room's history with
// a RoomState at each boundary. Prepending increments baseIndex, so the
// offset index-baseIndex of an already-inserted event never changes.
type EventTimeline struct {
	set *EventTimelineSet

	events    []*Event
	baseIndex int

	// startState folds all state strictly before the first event; endState
	// folds everything up to and including the last.
	startState *RoomState
	endState   *RoomState

	prevTimeline *EventTimeline
	nextTimeline *EventTimeline

	initialized bool
}

func NewEventTimeline(set *EventTimelineSet) *EventTimeline {
	t := &EventTimeline{set: set}
	t.startState = NewRoomState(set.roomID())
	t.endState = NewRoomState(set.roomID())
	if set != nil && set.room != nil {
		t.startState.notify = set.room.emit
		t.endState.notify = set.room.emit
	}
	return t
}

// Initialize seeds both boundary states from the given state events. The
// two boundaries are folded independently so later divergence (start
// regressing via prior content, end progressing) never cross-contaminates.
// Callable only before any event has been added.
func (t *EventTimeline) Initialize(stateEvents []*Event) error {
	if len(t.events) > 0 || t.initialized {
		return ErrStateAlreadyInitialized
	}
	t.initialized = true
	t.startState.SetStateEvents(stateEvents)
	t.endState.SetStateEvents(stateEvents)
	return nil
}

// AddEvent appends or prepends one event, folding state events into the
// relevant boundary and stamping sender/target sentinels. This is internal
// to the timeline set, which keeps the event-id index in step.
func (t *EventTimeline) addEvent(ev *Event, atStart bool) {
	t.initialized = true
	state := t.endState
	if atStart {
		state = t.startState
		if ev.IsState() {
			// Walking backward past this event, the visible value is its
			// prior content.
			ev.forwardLooking = false
		}
	}

	t.stampMetadata(ev, state)

	if ev.IsState() {
		state.SetStateEvents([]*Event{ev})
		// Folding state can newly resolve the sender's identity (their own
		// membership event), so stamp again.
		t.stampMetadata(ev, state)
	}

	if atStart {
		t.events = append([]*Event{ev}, t.events...)
		t.baseIndex++
	} else {
		t.events = append(t.events, ev)
	}
}

// stampMetadata attaches frozen sender/target snapshots so re-rendering the
// event later is unaffected by subsequent profile changes.
func (t *EventTimeline) stampMetadata(ev *Event, state *RoomState) {
	ev.sender = state.SentinelMember(ev.Sender)
	if ev.Type.Type == event.StateMember.Type && ev.StateKey != nil {
		ev.target = state.SentinelMember(id.UserID(*ev.StateKey))
	}
}

// removeEvent drops an event by id, scanning from the tail since recent
// removals are the common case. Returns the removed event, or nil.
func (t *EventTimeline) removeEvent(eventID id.EventID) *Event {
	for i := len(t.events) - 1; i >= 0; i-- {
		if t.events[i].ID() != eventID {
			continue
		}
		removed := t.events[i]
		t.events = append(t.events[:i], t.events[i+1:]...)
		if i < t.baseIndex {
			t.baseIndex--
		}
		return removed
	}
	return nil
}

// indexOf returns the position of an event within this timeline, or -1.
func (t *EventTimeline) indexOf(eventID id.EventID) int {
	for i := len(t.events) - 1; i >= 0; i-- {
		if t.events[i].ID() == eventID {
			return i
		}
	}
	return -1
}

// Fork returns a new timeline whose both boundary states are independent
// copies of this timeline's state in the given direction.
func (t *EventTimeline) Fork(dir Direction) *EventTimeline {
	forkState := t.State(dir)
	forked := NewEventTimeline(t.set)
	forked.initialized = true
	forked.startState = forkState.Clone()
	forked.endState = forkState.Clone()
	return forked
}

// ForkLive returns a new live timeline that takes over this timeline's
// boundary state in the given direction by reference, so live member
// objects keep updating on the new timeline. This timeline gets an
// independent copy and stops mutating once superseded.
func (t *EventTimeline) ForkLive(dir Direction) *EventTimeline {
	forkState := t.State(dir)
	forked := NewEventTimeline(t.set)
	forked.initialized = true
	forked.startState = forkState.Clone()
	forked.endState = forkState
	if dir == Forwards {
		t.endState = forkState.Clone()
	} else {
		t.startState = forkState.Clone()
	}
	return forked
}

// Events returns the ordered event window.
func (t *EventTimeline) Events() []*Event { return t.events }

// BaseIndex is the number of prepends this timeline has absorbed.
func (t *EventTimeline) BaseIndex() int { return t.baseIndex }

// State returns the boundary RoomState in the given direction.
func (t *EventTimeline) State(dir Direction) *RoomState {
	if dir == Backwards {
		return t.startState
	}
	return t.endState
}

// TimelineSet returns the owning set.
func (t *EventTimeline) TimelineSet() *EventTimelineSet { return t.set }

// NeighbouringTimeline returns the linked timeline in the given direction,
// or nil.
func (t *EventTimeline) NeighbouringTimeline(dir Direction) *EventTimeline {
	if dir == Backwards {
		return t.prevTimeline
	}
	return t.nextTimeline
}

// SetNeighbouringTimeline links another timeline onto the given side. The
// link is one-shot: relinking an already-set side is a structural
// violation. A timeline with a known neighbour never needs to paginate
// toward it, so that side's pagination token is cleared.
func (t *EventTimeline) SetNeighbouringTimeline(neighbour *EventTimeline, dir Direction) error {
	if t.NeighbouringTimeline(dir) != nil {
		return ErrNeighbourAlreadySet
	}
	if dir == Backwards {
		t.prevTimeline = neighbour
	} else {
		t.nextTimeline = neighbour
	}
	t.SetPaginationToken("", dir)
	return nil
}

// PaginationToken returns the token for requesting more events in the given
// direction, held on the boundary state.
func (t *EventTimeline) PaginationToken(dir Direction) string {
	return t.State(dir).PaginationToken()
}

func (t *EventTimeline) SetPaginationToken(token string, dir Direction) {
	t.State(dir).SetPaginationToken(token)
}
