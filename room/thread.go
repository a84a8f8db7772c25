package room

import (
	"maunium.net/go/mautrix/id"
)

// Thread is the timeline of events relating to one root event. It
// materializes lazily the first time a relation points at the root, which
// may be before the root itself has been seen: the thread is then valid but
// not ready until the root resolves.
type Thread struct {
	room   *Room
	rootID id.EventID

	rootEvent *Event
	set       *EventTimelineSet
}

func newThread(r *Room, rootID id.EventID) *Thread {
	t := &Thread{room: r, rootID: rootID}
	t.set = NewEventTimelineSet(r, nil)
	t.set.thread = t
	return t
}

// RootID returns the thread root event id.
func (t *Thread) RootID() id.EventID { return t.rootID }

// RootEvent returns the resolved root event, nil while not ready.
func (t *Thread) RootEvent() *Event { return t.rootEvent }

// Ready reports whether the root event itself has resolved.
func (t *Thread) Ready() bool { return t.rootEvent != nil }

// TimelineSet returns the thread's own timeline set.
func (t *Thread) TimelineSet() *EventTimelineSet { return t.set }

// Events returns the thread's live timeline window.
func (t *Thread) Events() []*Event { return t.set.LiveTimeline().Events() }

// addEvent aggregates one event into the thread: relation-typed replies and
// incidental reactions/edits alike. Re-adding an already-indexed event is a
// no-op.
func (t *Thread) addEvent(ev *Event) {
	if ev.ID() == t.rootID {
		t.setRoot(ev)
		return
	}
	if t.set.TimelineForEvent(ev.ID()) != nil {
		return
	}
	ev.setThreadRoot(t.rootID)
	if err := t.set.AddLiveEvent(ev, DuplicateIgnore); err != nil {
		logger.Warnf("thread %s insert failed: %v", t.rootID, err)
		return
	}
	t.room.indexThreadEvent(ev.ID(), t)
	t.room.emit(Update{Type: UpdateThread, Data: &ThreadUpdate{Thread: t, Event: ev}})
}

// setRoot resolves the root event, prepending it so replies keep their
// positions. Idempotent.
func (t *Thread) setRoot(ev *Event) {
	if t.rootEvent != nil {
		return
	}
	t.rootEvent = ev
	ev.setThreadRoot(t.rootID)
	t.set.AddEventToTimeline(ev, t.set.LiveTimeline(), true, false)
	t.room.indexThreadEvent(ev.ID(), t)
	t.room.emit(Update{Type: UpdateThread, Data: &ThreadUpdate{Thread: t, Event: ev}})
}

// rekeyRoot moves the thread onto the server-assigned root id after a remote
// echo replaced the root's placeholder id. Reply stamps follow.
func (t *Thread) rekeyRoot(oldID id.EventID, root *Event) {
	t.rootID = root.ID()
	t.set.handleRemoteEcho(oldID, root)
	for _, tl := range t.set.Timelines() {
		for _, ev := range tl.Events() {
			ev.setThreadRoot(t.rootID)
		}
	}
}

// merge reconciles another Thread independently created for the same root
// into this one. Idempotent: already-indexed events are no-ops.
func (t *Thread) merge(other *Thread) {
	if other == t || other == nil {
		return
	}
	if t.rootEvent == nil && other.rootEvent != nil {
		t.setRoot(other.rootEvent)
	}
	for _, tl := range other.set.Timelines() {
		for _, ev := range tl.Events() {
			if ev.ID() == t.rootID {
				t.setRoot(ev)
				continue
			}
			t.addEvent(ev)
		}
	}
}

// removeEvent drops an event from the thread's set, used when a relation
// migrates out of a redacted thread.
func (t *Thread) removeEvent(eventID id.EventID) *Event {
	return t.set.RemoveEvent(eventID)
}
