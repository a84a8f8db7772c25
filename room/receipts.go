package room

import (
	"maunium.net/go/mautrix/id"
)

// ReceiptType is the kind of read receipt (m.read, m.read.private).
type ReceiptType string

const (
	ReceiptRead        ReceiptType = "m.read"
	ReceiptReadPrivate ReceiptType = "m.read.private"
)

// Receipt is one user's receipt of one type: the event it points at and the
// server timestamp. Synthetic receipts are locally injected own-read
// markers, never sent by the server.
type Receipt struct {
	EventID   id.EventID
	TS        int64
	Synthetic bool
}

// AddReceipt decomposes an m.receipt ephemeral event (eventID -> type ->
// user -> {ts}) into the flat per-(type,user) map. Server receipts apply
// last-write-wins by delivery order: a receipt delivered later
// unconditionally overwrites the prior entry for that (type, user) pair,
// with no timestamp comparison. Only locally synthesized receipts
// order-check, so they can never clobber a newer server receipt.
func (r *Room) AddReceipt(ev *Event) {
	r.Lock()
	defer r.Unlock()

	for rawEventID, byType := range ev.Content() {
		types, ok := byType.(map[string]interface{})
		if !ok {
			continue
		}
		eventID := id.EventID(rawEventID)
		for rawType, byUser := range types {
			users, ok := byUser.(map[string]interface{})
			if !ok {
				continue
			}
			for rawUser, rawReceipt := range users {
				var ts int64
				if data, ok := rawReceipt.(map[string]interface{}); ok {
					if f, ok := data["ts"].(float64); ok {
						ts = int64(f)
					}
				}
				r.applyReceipt(ReceiptType(rawType), id.UserID(rawUser), &Receipt{EventID: eventID, TS: ts})
			}
		}
	}
}

// applyReceipt stores one receipt and keeps the by-event cache in step.
// Caller holds the lock.
func (r *Room) applyReceipt(receiptType ReceiptType, userID id.UserID, receipt *Receipt) {
	byUser, ok := r.receipts[receiptType]
	if !ok {
		byUser = make(map[id.UserID]*Receipt)
		r.receipts[receiptType] = byUser
	}

	if old := byUser[userID]; old != nil {
		if cache, ok := r.receiptsByEvent[old.EventID]; ok {
			delete(cache, userID)
			if len(cache) == 0 {
				delete(r.receiptsByEvent, old.EventID)
			}
		}
	}

	byUser[userID] = receipt
	cache, ok := r.receiptsByEvent[receipt.EventID]
	if !ok {
		cache = make(map[id.UserID]*Receipt)
		r.receiptsByEvent[receipt.EventID] = cache
	}
	cache[userID] = receipt

	r.emit(Update{Type: UpdateReceipt, Data: &ReceiptUpdate{
		Type:      receiptType,
		UserID:    userID,
		EventID:   receipt.EventID,
		Synthetic: receipt.Synthetic,
	}})
}

// addSyntheticReceipt injects a local own-read receipt for a sender at
// their own message, unless the user's read position already accounts for
// it. Caller holds the lock.
func (r *Room) addSyntheticReceipt(userID id.UserID, ev *Event) {
	existing := r.receipts[ReceiptRead][userID]
	if existing != nil {
		cmp, known := r.compareEventOrdering(ev.ID(), existing.EventID)
		if !known || cmp <= 0 {
			return
		}
	}
	r.applyReceipt(ReceiptRead, userID, &Receipt{EventID: ev.ID(), TS: ev.Timestamp, Synthetic: true})
}

// GetEventReadUpTo returns the event id the user has read up to, or "".
func (r *Room) GetEventReadUpTo(userID id.UserID) id.EventID {
	r.RLock()
	defer r.RUnlock()
	if receipt := r.receipts[ReceiptRead][userID]; receipt != nil {
		return receipt.EventID
	}
	return ""
}

// HasUserReadEvent reports whether the user's read position is at or past
// the given event. Unknown orderings resolve to false.
func (r *Room) HasUserReadEvent(userID id.UserID, eventID id.EventID) bool {
	r.RLock()
	defer r.RUnlock()

	readUpTo := id.EventID("")
	if receipt := r.receipts[ReceiptRead][userID]; receipt != nil {
		readUpTo = receipt.EventID
	}
	if readUpTo == eventID {
		return true
	}
	if ev := r.unfiltered.FindEventByID(eventID); ev != nil && ev.Sender == userID {
		// Senders always count as having read their own messages.
		return true
	}
	if readUpTo == "" {
		return false
	}
	cmp, known := r.compareEventOrdering(eventID, readUpTo)
	return known && cmp < 0
}

// ReceiptsForEvent returns the receipts pointing exactly at an event, from
// the derived by-event cache.
func (r *Room) ReceiptsForEvent(eventID id.EventID) map[id.UserID]*Receipt {
	r.RLock()
	defer r.RUnlock()
	out := make(map[id.UserID]*Receipt, len(r.receiptsByEvent[eventID]))
	for userID, receipt := range r.receiptsByEvent[eventID] {
		out[userID] = receipt
	}
	return out
}

// GetUsersReadUpTo returns the users whose read receipt points exactly at
// the given event.
func (r *Room) GetUsersReadUpTo(eventID id.EventID) []id.UserID {
	r.RLock()
	defer r.RUnlock()
	var out []id.UserID
	for userID, receipt := range r.receipts[ReceiptRead] {
		if receipt.EventID == eventID {
			out = append(out, userID)
		}
	}
	return out
}

// recalculateImplicitReceipts walks a live batch newest-first, injecting a
// synthetic read receipt for each sending user at their latest message.
// Caller holds the lock.
func (r *Room) recalculateImplicitReceipts(events []*Event) {
	seen := map[id.UserID]struct{}{}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Sender == "" || ev.IsState() || ev.IsLocalEcho() {
			continue
		}
		if r.unfiltered.TimelineForEvent(ev.ID()) == nil {
			continue
		}
		if _, done := seen[ev.Sender]; done {
			continue
		}
		seen[ev.Sender] = struct{}{}
		r.addSyntheticReceipt(ev.Sender, ev)
	}
}
