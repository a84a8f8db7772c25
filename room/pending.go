package room

import (
	"maunium.net/go/mautrix/id"
)

// AddPendingEvent inserts a not-yet-confirmed local send. Depending on the
// room's pending-event ordering it lands in the live timeline tail or a
// detached list. The transaction id must be unique per room for the pending
// event's lifetime.
func (r *Room) AddPendingEvent(ev *Event, txnID string) error {
	r.Lock()
	defer r.Unlock()

	if !ev.IsLocalEcho() {
		return ErrNotPendingEvent
	}
	if txnID == "" {
		txnID = NewTransactionID()
	}
	if _, ok := r.txnToEvent[txnID]; ok {
		return ErrDuplicateTransactionID
	}
	ev.txnID = txnID
	r.txnToEvent[txnID] = ev

	if rel := ev.RelatesTo(); rel != nil && rel.RelType == RelThread {
		// Optimistic thread replies render inside the thread right away.
		r.getOrCreateThreadLocked(rel.EventID).addEvent(ev)
	} else if r.opts.PendingEventOrdering == PendingOrderingChronological {
		r.unfiltered.AddEventToTimeline(ev, r.unfiltered.LiveTimeline(), false, true)
	} else {
		r.pending = append(r.pending, ev)
		// Detached events still aggregate, so reactions to them resolve.
		r.unfiltered.AggregateRelation(ev)
	}

	r.emit(Update{Type: UpdateLocalEcho, Data: &LocalEchoUpdate{
		Event:      ev,
		OldEventID: ev.ID(),
		Status:     ev.Status(),
	}})
	return nil
}

// PendingEvents returns the detached local-echo list.
func (r *Room) PendingEvents() []*Event {
	r.RLock()
	defer r.RUnlock()
	out := make([]*Event, len(r.pending))
	copy(out, r.pending)
	return out
}

// UpdatePendingEvent advances a local echo through its send lifecycle.
// Cancellation removes it from the visible timeline without disturbing
// derived aggregations of events that referenced it; not_sent leaves it
// addressable for retry or cancel.
func (r *Room) UpdatePendingEvent(eventID id.EventID, status EventStatus) error {
	r.Lock()
	defer r.Unlock()

	ev := r.findPendingLocked(eventID)
	if ev == nil {
		return ErrNotPendingEvent
	}
	if err := ev.setStatus(status); err != nil {
		return err
	}

	if status == StatusCancelled {
		r.removePendingLocked(ev)
		if ev.txnID != "" {
			delete(r.txnToEvent, ev.txnID)
		}
		if r.unfiltered.TimelineForEvent(eventID) != nil {
			r.unfiltered.RemoveEvent(eventID)
		}
		if th, ok := r.eventToThread[eventID]; ok {
			th.removeEvent(eventID)
			delete(r.eventToThread, eventID)
		}
	}

	r.emit(Update{Type: UpdateLocalEcho, Data: &LocalEchoUpdate{
		Event:      ev,
		OldEventID: ev.ID(),
		Status:     status,
	}})
	return nil
}

// HandleRemoteEcho merges the server-confirmed event into the local echo
// matched strictly by transaction id. The placeholder event object is
// upgraded in place, so references held by callers stay valid.
func (r *Room) HandleRemoteEcho(remote *Event, txnID string) error {
	r.Lock()
	defer r.Unlock()
	return r.handleRemoteEchoLocked(remote, txnID)
}

func (r *Room) handleRemoteEchoLocked(remote *Event, txnID string) error {
	local, ok := r.txnToEvent[txnID]
	if !ok {
		return ErrNotPendingEvent
	}
	delete(r.txnToEvent, txnID)

	oldID := local.ID()
	local.handleRemoteEcho(remote)

	if r.removePendingLocked(local) {
		// Detached until now; the confirmed event takes its place in the
		// live timeline.
		r.unfiltered.rels.replaceEventID(oldID, local.ID(), local)
		r.unfiltered.AddEventToTimeline(local, r.unfiltered.LiveTimeline(), false, true)
	} else {
		r.unfiltered.handleRemoteEcho(oldID, local)
		for _, set := range r.filtered {
			set.handleRemoteEcho(oldID, local)
		}
		if th, ok := r.eventToThread[oldID]; ok {
			delete(r.eventToThread, oldID)
			r.eventToThread[local.ID()] = th
			th.set.handleRemoteEcho(oldID, local)
		}
	}

	// A thread may have materialized under the placeholder id: re-key it,
	// reconciling with any thread already keyed by the server id.
	if th, ok := r.threads[oldID]; ok {
		delete(r.threads, oldID)
		delete(r.eventToThread, oldID)
		th.rekeyRoot(oldID, local)
		if existing, dup := r.threads[local.ID()]; dup {
			existing.merge(th)
		} else {
			r.threads[local.ID()] = th
			r.eventToThread[local.ID()] = th
		}
	}

	r.postInsertLocked(local)

	r.emit(Update{Type: UpdateLocalEcho, Data: &LocalEchoUpdate{
		Event:      local,
		OldEventID: oldID,
		Status:     local.Status(),
	}})
	return nil
}

func (r *Room) findPendingLocked(eventID id.EventID) *Event {
	for _, ev := range r.pending {
		if ev.ID() == eventID {
			return ev
		}
	}
	if ev := r.unfiltered.FindEventByID(eventID); ev != nil && ev.IsLocalEcho() {
		return ev
	}
	if th, ok := r.eventToThread[eventID]; ok {
		if ev := th.set.FindEventByID(eventID); ev != nil && ev.IsLocalEcho() {
			return ev
		}
	}
	return nil
}

// removePendingLocked drops the event from the detached list, reporting
// whether it was there.
func (r *Room) removePendingLocked(target *Event) bool {
	for i, ev := range r.pending {
		if ev == target {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return true
		}
	}
	return false
}
