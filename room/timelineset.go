package room

import (
	"maunium.net/go/mautrix/id"
)

// DuplicateStrategy controls what a live insert does when the event id is
// already present in the set.
type DuplicateStrategy string

const (
	// DuplicateIgnore leaves the existing event untouched.
	DuplicateIgnore DuplicateStrategy = "ignore"
	// DuplicateReplace swaps the stored event object in place; the timeline
	// length and the event's position are unchanged.
	DuplicateReplace DuplicateStrategy = "replace"
)

// EventTimelineSet owns the timelines of one room (or one filtered view, or
// one thread): the set of segments, the live-timeline pointer, and the
// event-id index. Every timeline is isolated or doubly-linked into exactly
// one chain position, and no event id maps to more than one timeline.
type EventTimelineSet struct {
	room   *Room
	filter *Filter
	thread *Thread

	timelines []*EventTimeline
	live      *EventTimeline

	eventIDToTimeline map[id.EventID]*EventTimeline
	rels              *relations
}

func NewEventTimelineSet(r *Room, filter *Filter) *EventTimelineSet {
	s := &EventTimelineSet{
		room:              r,
		filter:            filter,
		eventIDToTimeline: make(map[id.EventID]*EventTimeline),
		rels:              newRelations(),
	}
	s.live = NewEventTimeline(s)
	s.timelines = []*EventTimeline{s.live}
	return s
}

func (s *EventTimelineSet) roomID() id.RoomID {
	if s == nil || s.room == nil {
		return ""
	}
	return s.room.ID
}

func (s *EventTimelineSet) emit(typ UpdateType, data interface{}) {
	if s.room != nil {
		s.room.emit(Update{Type: typ, Data: data})
	}
}

// Room returns the owning room, nil for detached sets.
func (s *EventTimelineSet) Room() *Room { return s.room }

// Filter returns the admission rule of this set, nil for the unfiltered
// set.
func (s *EventTimelineSet) Filter() *Filter { return s.filter }

// Thread returns the owning thread when this set backs one.
func (s *EventTimelineSet) Thread() *Thread { return s.thread }

// LiveTimeline returns the timeline currently receiving sync events.
func (s *EventTimelineSet) LiveTimeline() *EventTimeline { return s.live }

// Timelines returns all timeline segments in the set.
func (s *EventTimelineSet) Timelines() []*EventTimeline { return s.timelines }

// TimelineForEvent resolves an event id to its timeline through the
// maintained index, never by scan.
func (s *EventTimelineSet) TimelineForEvent(eventID id.EventID) *EventTimeline {
	return s.eventIDToTimeline[eventID]
}

// FindEventByID returns the event with the given id, if this set holds it.
func (s *EventTimelineSet) FindEventByID(eventID id.EventID) *Event {
	tl := s.eventIDToTimeline[eventID]
	if tl == nil {
		return nil
	}
	if i := tl.indexOf(eventID); i >= 0 {
		return tl.Events()[i]
	}
	return nil
}

// canContain applies the set's filter.
func (s *EventTimelineSet) canContain(ev *Event) bool {
	return s.filter.Matches(ev)
}

// AddEventToTimeline inserts one event into a specific timeline, keeping
// the id index and the relations index in step and firing one notification
// with positional metadata. Inserting an id the set already holds is a
// no-op.
func (s *EventTimelineSet) AddEventToTimeline(ev *Event, tl *EventTimeline, atStart, live bool) {
	if _, ok := s.eventIDToTimeline[ev.ID()]; ok {
		logger.Debugf("event %s already known to timeline set, not re-adding", ev.ID())
		return
	}
	tl.addEvent(ev, atStart)
	s.eventIDToTimeline[ev.ID()] = tl
	s.rels.aggregate(ev)
	s.emit(UpdateTimelineEvent, &TimelineEventUpdate{
		Event:    ev,
		Timeline: tl,
		ToStart:  atStart,
		Live:     live,
	})
}

// AddEventsToTimeline is the pagination ingestion path: events are applied
// in the exact given order at one end of the given timeline. When an event
// is already held by a different timeline the two segments are spliced
// together with a neighbour link and ingestion continues there; the
// pagination token ends up on the timeline that still has an open edge.
func (s *EventTimelineSet) AddEventsToTimeline(events []*Event, toStart bool, tl *EventTimeline, paginationToken string) error {
	direction := Forwards
	if toStart {
		direction = Backwards
	}

	lastEventWasNew := false
	for _, ev := range events {
		existing := s.eventIDToTimeline[ev.ID()]
		if existing == nil {
			s.AddEventToTimeline(ev, tl, toStart, false)
			lastEventWasNew = true
			continue
		}

		lastEventWasNew = false
		if existing == tl {
			logger.Debugf("event %s already in target timeline, skipping", ev.ID())
			continue
		}

		neighbour := tl.NeighbouringTimeline(direction)
		switch {
		case neighbour == existing:
			tl = existing
		case neighbour != nil:
			logger.Infof("already have timeline containing %s, ignoring re-delivery", ev.ID())
		default:
			if err := tl.SetNeighbouringTimeline(existing, direction); err != nil {
				return err
			}
			if err := existing.SetNeighbouringTimeline(tl, direction.invert()); err != nil {
				return err
			}
			tl = existing
		}
	}

	if lastEventWasNew || tl.NeighbouringTimeline(direction) == nil {
		tl.SetPaginationToken(paginationToken, direction)
	}
	return nil
}

// AddLiveEvent appends one event to the live timeline, applying the
// duplicate strategy when the id is already present.
func (s *EventTimelineSet) AddLiveEvent(ev *Event, strategy DuplicateStrategy) error {
	switch strategy {
	case DuplicateIgnore, DuplicateReplace:
	default:
		return ErrInvalidDuplicateStrategy
	}

	if existing := s.eventIDToTimeline[ev.ID()]; existing != nil {
		if strategy == DuplicateIgnore {
			return nil
		}
		if i := existing.indexOf(ev.ID()); i >= 0 {
			old := existing.Events()[i]
			s.rels.remove(old)
			ev.sender = old.sender
			ev.target = old.target
			existing.events[i] = ev
			s.rels.aggregate(ev)
		}
		return nil
	}

	s.AddEventToTimeline(ev, s.live, false, true)
	return nil
}

// ResetLiveTimeline handles a sync-stream gap: the current live timeline
// becomes a historical segment and a new live timeline starts at the gap's
// far edge. With a forward token the old segment stays paginatable toward
// the gap; without one every existing timeline is discarded, since the old
// tail could never be reached again.
func (s *EventTimelineSet) ResetLiveTimeline(backToken string, forwardToken *string) {
	var fresh *EventTimeline
	if forwardToken == nil {
		fresh = NewEventTimeline(s)
		s.timelines = []*EventTimeline{fresh}
		s.eventIDToTimeline = make(map[id.EventID]*EventTimeline)
		s.rels = newRelations()
	} else {
		fresh = s.live.ForkLive(Forwards)
		s.timelines = append(s.timelines, fresh)
		s.live.SetPaginationToken(*forwardToken, Forwards)
	}
	fresh.SetPaginationToken(backToken, Backwards)
	s.live = fresh
	s.emit(UpdateTimelineReset, &TimelineResetUpdate{TimelineSet: s})
}

// RemoveEvent drops an event from the set; its timeline keeps structural
// positions of everything else. Returns the removed event, or nil.
func (s *EventTimelineSet) RemoveEvent(eventID id.EventID) *Event {
	tl := s.eventIDToTimeline[eventID]
	if tl == nil {
		return nil
	}
	removed := tl.removeEvent(eventID)
	if removed == nil {
		return nil
	}
	delete(s.eventIDToTimeline, eventID)
	s.rels.remove(removed)
	s.emit(UpdateEventRemoved, &EventRemovedUpdate{EventID: eventID, Timeline: tl})
	return removed
}

// handleRemoteEcho re-keys the indexes from the placeholder id to the
// server-assigned one. The event object itself has already been upgraded
// in place.
func (s *EventTimelineSet) handleRemoteEcho(oldID id.EventID, ev *Event) {
	tl, ok := s.eventIDToTimeline[oldID]
	if !ok {
		return
	}
	delete(s.eventIDToTimeline, oldID)
	s.eventIDToTimeline[ev.ID()] = tl
	s.rels.replaceEventID(oldID, ev.ID(), ev)
}

// RelationsForEvent returns events relating to a target under the given
// relation type and event type, from the maintained side index.
func (s *EventTimelineSet) RelationsForEvent(target id.EventID, relType RelationType, evType string) []*Event {
	return s.rels.forEvent(target, relType, evType)
}

// AllRelationsForEvent returns every event relating to a target.
func (s *EventTimelineSet) AllRelationsForEvent(target id.EventID) []*Event {
	return s.rels.allForTarget(target)
}

// AggregateRelation indexes a relation without inserting the relating
// event into a timeline (used for thread-incidental aggregation).
func (s *EventTimelineSet) AggregateRelation(ev *Event) {
	s.rels.aggregate(ev)
}
