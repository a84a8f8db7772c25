package room

import (
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/mxlib/roomsync/crypto"
)

// PendingEventOrdering selects where optimistic local sends live until the
// remote echo arrives.
type PendingEventOrdering string

const (
	// PendingOrderingChronological inserts pending events directly into the
	// live timeline tail.
	PendingOrderingChronological PendingEventOrdering = "chronological"
	// PendingOrderingDetached keeps pending events in a separate list until
	// confirmed.
	PendingOrderingDetached PendingEventOrdering = "detached"
)

// MassRedactionFlag is the membership-event content key that requests
// redaction of every prior event by the affected user (MSC4293).
const MassRedactionFlag = "org.matrix.msc4293.redact_events"

// Opts configures a Room.
type Opts struct {
	PendingEventOrdering PendingEventOrdering
	// TimelineSupport gates filtered timeline sets.
	TimelineSupport bool
	// UpdateBufferSize sizes the update channel; updates are dropped with a
	// warning when the consumer lags behind it.
	UpdateBufferSize int
	// Decryptor, when set, is used for coalesced event decryption.
	Decryptor crypto.Decryptor
}

func (o *Opts) withDefaults() Opts {
	opts := Opts{}
	if o != nil {
		opts = *o
	}
	if opts.PendingEventOrdering == "" {
		opts.PendingEventOrdering = PendingOrderingChronological
	}
	if opts.UpdateBufferSize <= 0 {
		opts.UpdateBufferSize = 256
	}
	return opts
}

// Tag is one m.tag entry.
type Tag struct {
	Order float64 `json:"order"`
}

// UnreadCounts are the per-room notification counters delivered by sync.
type UnreadCounts struct {
	Highlight int
	Total     int
}

// Room reconciles the event stream of one room into queryable timelines:
// the unfiltered timeline set, filtered views, threads, receipts, redaction
// bookkeeping, the local-echo list, and account data.
type Room struct {
	sync.RWMutex

	ID       id.RoomID
	myUserID id.UserID
	opts     Opts

	unfiltered *EventTimelineSet
	filtered   map[string]*EventTimelineSet

	pending    []*Event
	txnToEvent map[string]*Event

	// pendingRedactions holds redactions seen before their target, keyed by
	// target id, applied retroactively on insert.
	pendingRedactions map[id.EventID]*Event

	receipts        map[ReceiptType]map[id.UserID]*Receipt
	receiptsByEvent map[id.EventID]map[id.UserID]*Receipt

	threads       map[id.EventID]*Thread
	eventToThread map[id.EventID]*Thread

	accountData map[string]*Event
	tags        map[string]Tag

	unread UnreadCounts

	updates chan Update
}

// NewRoom creates the in-memory reconciliation state for one room.
// myUserID identifies the local user for remote-echo matching and implicit
// receipts.
func NewRoom(roomID id.RoomID, myUserID id.UserID, opts *Opts) *Room {
	r := &Room{
		ID:                roomID,
		myUserID:          myUserID,
		opts:              opts.withDefaults(),
		filtered:          make(map[string]*EventTimelineSet),
		txnToEvent:        make(map[string]*Event),
		pendingRedactions: make(map[id.EventID]*Event),
		receipts:          make(map[ReceiptType]map[id.UserID]*Receipt),
		receiptsByEvent:   make(map[id.EventID]map[id.UserID]*Receipt),
		threads:           make(map[id.EventID]*Thread),
		eventToThread:     make(map[id.EventID]*Thread),
		accountData:       make(map[string]*Event),
		tags:              make(map[string]Tag),
	}
	r.updates = make(chan Update, r.opts.UpdateBufferSize)
	r.unfiltered = NewEventTimelineSet(r, nil)
	return r
}

// Updates is the room's change-notification channel: one message per
// mutation, with enough context to apply the delta without re-scanning.
func (r *Room) Updates() <-chan Update { return r.updates }

// emit sends an update without blocking; when the consumer lags behind the
// buffer the update is dropped with a warning.
func (r *Room) emit(update Update) {
	select {
	case r.updates <- update:
	default:
		logger.Warnf("update channel for %s full, dropping %s", r.ID, update.Type)
	}
}

// MyUserID returns the local user this room was created for.
func (r *Room) MyUserID() id.UserID { return r.myUserID }

// UnfilteredTimelineSet returns the room's primary timeline set.
func (r *Room) UnfilteredTimelineSet() *EventTimelineSet { return r.unfiltered }

// LiveTimeline returns the unfiltered live timeline.
func (r *Room) LiveTimeline() *EventTimeline {
	r.RLock()
	defer r.RUnlock()
	return r.unfiltered.LiveTimeline()
}

// State returns the live timeline's boundary state in the given direction.
func (r *Room) State(dir Direction) *RoomState {
	r.RLock()
	defer r.RUnlock()
	return r.unfiltered.LiveTimeline().State(dir)
}

// CurrentState is the forward edge of the live timeline.
func (r *Room) CurrentState() *RoomState { return r.State(Forwards) }

// Member returns the current live member projection for a user.
func (r *Room) Member(userID id.UserID) *RoomMember {
	return r.CurrentState().Member(userID)
}

// MaySendEvent reports whether a user passes the current power levels for a
// message event type. Collaborators must check before attempting a mutating
// network call; this never errors.
func (r *Room) MaySendEvent(evType string, userID id.UserID) bool {
	return r.CurrentState().MaySendEvent(evType, userID)
}

// MaySendStateEvent is MaySendEvent for state events.
func (r *Room) MaySendStateEvent(evType string, userID id.UserID) bool {
	return r.CurrentState().MaySendStateEvent(evType, userID)
}

// FindEventByID looks the event up in the unfiltered set, threads, and the
// pending list, via maintained indexes.
func (r *Room) FindEventByID(eventID id.EventID) *Event {
	r.RLock()
	defer r.RUnlock()
	return r.findEventLocked(eventID)
}

func (r *Room) findEventLocked(eventID id.EventID) *Event {
	if ev := r.unfiltered.FindEventByID(eventID); ev != nil {
		return ev
	}
	if th, ok := r.eventToThread[eventID]; ok {
		if ev := th.set.FindEventByID(eventID); ev != nil {
			return ev
		}
	}
	for _, ev := range r.pending {
		if ev.ID() == eventID {
			return ev
		}
	}
	return nil
}

// AddLiveEvents ingests a batch from the live sync stream. Events apply in
// the exact given order; state is folded before each event is appended, so
// observers see a consistent per-event snapshot.
func (r *Room) AddLiveEvents(events []*Event, strategy DuplicateStrategy) error {
	switch strategy {
	case DuplicateIgnore, DuplicateReplace:
	default:
		return ErrInvalidDuplicateStrategy
	}

	r.Lock()
	defer r.Unlock()
	for _, ev := range events {
		r.addLiveEventLocked(ev, strategy)
	}
	r.recalculateImplicitReceipts(events)
	return nil
}

func (r *Room) addLiveEventLocked(ev *Event, strategy DuplicateStrategy) {
	// Remote echo reconciliation is strictly by transaction id, never by
	// timestamp or content.
	if txn := ev.unsigned.TransactionID; txn != "" && ev.Sender == r.myUserID {
		if _, ok := r.txnToEvent[txn]; ok {
			if err := r.handleRemoteEchoLocked(ev, txn); err != nil {
				logger.Warnf("remote echo for txn %s failed: %v", txn, err)
			}
			return
		}
	}

	if ev.IsRedaction() {
		r.applyRedactionLocked(ev)
	}

	// Thread routing: relation-typed replies, and incidental reactions or
	// edits on events already held by a thread, aggregate into the thread's
	// own timeline set instead of the main timeline.
	if rel := ev.RelatesTo(); rel != nil && !ev.IsRedaction() {
		if rel.RelType == RelThread {
			r.getOrCreateThreadLocked(rel.EventID).addEvent(ev)
			r.postInsertLocked(ev)
			return
		}
		if th, ok := r.eventToThread[rel.EventID]; ok {
			th.addEvent(ev)
			r.postInsertLocked(ev)
			return
		}
	}

	if err := r.unfiltered.AddLiveEvent(ev, strategy); err != nil {
		logger.Warnf("live insert of %s failed: %v", ev.ID(), err)
		return
	}
	for _, set := range r.filtered {
		if set.canContain(ev) {
			_ = set.AddLiveEvent(ev, strategy)
		}
	}

	r.postInsertLocked(ev)
	r.maybeMassRedactLocked(ev)

	switch ev.Type.Type {
	case event.StateRoomName.Type, event.StateCanonicalAlias.Type:
		r.emit(Update{Type: UpdateName, Data: &NameUpdate{Name: r.calculateNameLocked()}})
	}
}

// postInsertLocked applies bookkeeping that depends on the event now being
// present: retroactive redactions and thread-root resolution.
func (r *Room) postInsertLocked(ev *Event) {
	if redaction, ok := r.pendingRedactions[ev.ID()]; ok {
		delete(r.pendingRedactions, ev.ID())
		r.redactEventLocked(ev, redaction)
	}
	if th, ok := r.threads[ev.ID()]; ok && !th.Ready() {
		th.setRoot(ev)
	}
}

// AddEventsToTimeline ingests a paginated batch into a specific timeline of
// the unfiltered set. Thread replies route to their thread instead;
// redactions racing ahead of their target are recorded and applied once the
// target is inserted.
func (r *Room) AddEventsToTimeline(events []*Event, toStart bool, tl *EventTimeline, paginationToken string) error {
	r.Lock()
	defer r.Unlock()

	mainline := make([]*Event, 0, len(events))
	for _, ev := range events {
		if rel := ev.RelatesTo(); rel != nil && rel.RelType == RelThread {
			r.getOrCreateThreadLocked(rel.EventID).addEvent(ev)
			r.postInsertLocked(ev)
			continue
		}
		mainline = append(mainline, ev)
	}

	err := r.unfiltered.AddEventsToTimeline(mainline, toStart, tl, paginationToken)

	for _, ev := range mainline {
		if ev.IsRedaction() {
			r.applyRedactionLocked(ev)
		}
		r.postInsertLocked(ev)
	}
	return err
}

// ResetLiveTimeline splices a new live timeline onto the room after a sync
// gap. Omitting forwardToken discards all existing timelines: without it
// the old tail would be unreachable forever.
func (r *Room) ResetLiveTimeline(backToken string, forwardToken *string) {
	r.Lock()
	defer r.Unlock()
	r.unfiltered.ResetLiveTimeline(backToken, forwardToken)
	for _, set := range r.filtered {
		set.ResetLiveTimeline(backToken, forwardToken)
	}
	if forwardToken == nil {
		r.pendingRedactions = make(map[id.EventID]*Event)
	}
}

// GetOrCreateFilteredTimelineSet returns the filtered view for a filter id,
// creating it seeded from the current live timeline. Requires
// TimelineSupport; without it the unfiltered set is returned.
func (r *Room) GetOrCreateFilteredTimelineSet(filter *Filter) *EventTimelineSet {
	if filter == nil {
		return r.unfiltered
	}
	r.Lock()
	defer r.Unlock()
	if !r.opts.TimelineSupport {
		logger.Warnf("filtered timeline requested for %s without timeline support", r.ID)
		return r.unfiltered
	}
	if set, ok := r.filtered[filter.ID]; ok {
		return set
	}
	set := NewEventTimelineSet(r, filter)
	for _, ev := range r.unfiltered.LiveTimeline().Events() {
		if set.canContain(ev) {
			set.AddEventToTimeline(ev, set.LiveTimeline(), false, false)
		}
	}
	r.filtered[filter.ID] = set
	return set
}

// --- redaction ---

// applyRedactionLocked handles one redaction event: the target, when
// present anywhere in the room, is mutated in place; otherwise the
// redaction is parked until the target arrives.
func (r *Room) applyRedactionLocked(redaction *Event) {
	targetID := redaction.Redacts
	if targetID == "" {
		if s, ok := redaction.Content()["redacts"].(string); ok {
			targetID = id.EventID(s)
		}
	}
	if targetID == "" {
		logger.Debugf("ignoring redaction %s without target", redaction.ID())
		return
	}
	target := r.findEventLocked(targetID)
	if target == nil {
		r.pendingRedactions[targetID] = redaction
		return
	}
	r.redactEventLocked(target, redaction)
}

// redactEventLocked strips the target in place, keeping its structural
// position. Relations hanging off it are re-attached first.
func (r *Room) redactEventLocked(target, redaction *Event) {
	if target.IsRedacted() {
		return
	}
	r.migrateRelationsLocked(target)
	target.makeRedacted(redaction)
	r.emit(Update{Type: UpdateEventRedacted, Data: &EventRedactedUpdate{Event: target, Redaction: redaction}})
}

// migrateRelationsLocked walks each relation attached to a
// soon-to-be-redacted target up to the nearest non-redacted ancestor and
// re-attaches it there. A relation hanging off a redacted thread root
// migrates out of the thread into the main timeline when the walk reaches
// it.
func (r *Room) migrateRelationsLocked(target *Event) {
	ownerThread := r.eventToThread[target.ID()]
	srcSet := r.unfiltered
	if ownerThread != nil {
		srcSet = ownerThread.set
	}
	relaters := srcSet.AllRelationsForEvent(target.ID())
	if len(relaters) == 0 {
		return
	}

	ancestor := r.nearestNonRedactedAncestorLocked(target)
	var destThread *Thread
	if ancestor != nil {
		destThread = r.eventToThread[ancestor.ID()]
	}

	for _, re := range relaters {
		if ancestor != nil && destThread == ownerThread {
			// Stays where it is; only the aggregation target moves up.
			srcSet.rels.retarget(re, target.ID(), ancestor.ID())
			continue
		}
		if ownerThread != nil {
			ownerThread.removeEvent(re.ID())
			delete(r.eventToThread, re.ID())
			re.setThreadRoot("")
		} else {
			srcSet.rels.remove(re)
		}
		if destThread != nil {
			destThread.addEvent(re)
		} else if r.unfiltered.TimelineForEvent(re.ID()) == nil {
			_ = r.unfiltered.AddLiveEvent(re, DuplicateIgnore)
		}
	}
}

// nearestNonRedactedAncestorLocked follows the target's own relation chain
// upward until it finds an event that still has content.
func (r *Room) nearestNonRedactedAncestorLocked(target *Event) *Event {
	cur := target
	for {
		rel := cur.RelatesTo()
		if rel == nil {
			return nil
		}
		parent := r.findEventLocked(rel.EventID)
		if parent == nil {
			return nil
		}
		if !parent.IsRedacted() {
			return parent
		}
		cur = parent
	}
}

// maybeMassRedactLocked applies the flagged-membership policy: a ban, or a
// kick by someone else, carrying the mass-redaction flag redacts every
// prior event by the affected user that the actor has power to redact.
// Events the actor lacks power over are silently skipped. A self-leave
// never triggers it.
func (r *Room) maybeMassRedactLocked(ev *Event) {
	if ev.Type.Type != event.StateMember.Type || ev.StateKey == nil {
		return
	}
	flag, _ := ev.Content()[MassRedactionFlag].(bool)
	if !flag {
		return
	}
	var content event.MemberEventContent
	if !decodeContent(ev.Content(), &content) {
		return
	}
	targetUser := id.UserID(*ev.StateKey)
	switch content.Membership {
	case event.MembershipBan:
	case event.MembershipLeave:
		if ev.Sender == targetUser {
			return
		}
	default:
		return
	}

	state := r.unfiltered.LiveTimeline().State(Forwards)
	// Collect before redacting: redaction of a thread root migrates its
	// relations across sets, which would invalidate a live walk.
	var targets []*Event
	collect := func(set *EventTimelineSet) {
		for _, tl := range set.Timelines() {
			for _, target := range tl.Events() {
				if target.Sender != targetUser || target.IsState() || target.IsRedaction() {
					continue
				}
				if target.IsRedacted() || target.IsLocalEcho() {
					continue
				}
				if !state.MayRedactEvent(ev.Sender, target) {
					continue
				}
				targets = append(targets, target)
			}
		}
	}
	collect(r.unfiltered)
	for _, th := range r.threads {
		collect(th.set)
	}
	for _, target := range targets {
		r.redactEventLocked(target, ev)
	}
}

// --- threads ---

func (r *Room) getOrCreateThreadLocked(rootID id.EventID) *Thread {
	if th, ok := r.threads[rootID]; ok {
		return th
	}
	th := newThread(r, rootID)
	r.threads[rootID] = th
	if root := r.unfiltered.FindEventByID(rootID); root != nil {
		th.setRoot(root)
	}
	return th
}

// Thread returns the thread rooted at an event id, or nil.
func (r *Room) Thread(rootID id.EventID) *Thread {
	r.RLock()
	defer r.RUnlock()
	return r.threads[rootID]
}

// Threads returns all threads known to the room.
func (r *Room) Threads() []*Thread {
	r.RLock()
	defer r.RUnlock()
	out := make([]*Thread, 0, len(r.threads))
	for _, th := range r.threads {
		out = append(out, th)
	}
	return out
}

// indexThreadEvent records which thread owns an event id.
func (r *Room) indexThreadEvent(eventID id.EventID, th *Thread) {
	r.eventToThread[eventID] = th
}

// --- ephemeral & account data ---

// AddEphemeralEvents folds typing and receipt events into the room.
func (r *Room) AddEphemeralEvents(events []*Event) {
	for _, ev := range events {
		switch ev.Type.Type {
		case event.EphemeralEventReceipt.Type:
			r.AddReceipt(ev)
		case event.EphemeralEventTyping.Type:
			r.Lock()
			changed := r.unfiltered.LiveTimeline().State(Forwards).HandleTypingContent(ev.Content())
			r.Unlock()
			if len(changed) > 0 {
				r.emit(Update{Type: UpdateTyping, Data: &TypingUpdate{UserIDs: changed}})
			}
		default:
			logger.Debugf("ignoring ephemeral event type %s in %s", ev.Type.Type, r.ID)
		}
	}
}

// AddAccountData stores per-room account data events, folding m.tag into
// the tag map.
func (r *Room) AddAccountData(events []*Event) {
	r.Lock()
	defer r.Unlock()
	for _, ev := range events {
		r.accountData[ev.Type.Type] = ev
		if ev.Type.Type == "m.tag" {
			var content struct {
				Tags map[string]Tag `json:"tags"`
			}
			if decodeContent(ev.Content(), &content) {
				r.tags = content.Tags
				if r.tags == nil {
					r.tags = map[string]Tag{}
				}
				r.emit(Update{Type: UpdateTags, Data: &TagsUpdate{Tags: r.tags}})
				continue
			}
		}
		r.emit(Update{Type: UpdateAccountData, Data: &AccountDataUpdate{Event: ev}})
	}
}

// AccountData returns the stored account data event of a type, or nil.
func (r *Room) AccountData(evType string) *Event {
	r.RLock()
	defer r.RUnlock()
	return r.accountData[evType]
}

// Tags returns the room's current tag map.
func (r *Room) Tags() map[string]Tag {
	r.RLock()
	defer r.RUnlock()
	out := make(map[string]Tag, len(r.tags))
	for name, tag := range r.tags {
		out[name] = tag
	}
	return out
}

// SetUnreadCounts stores the notification counters delivered by sync.
func (r *Room) SetUnreadCounts(counts UnreadCounts) {
	r.Lock()
	r.unread = counts
	r.Unlock()
}

// UnreadCounts returns the last counters delivered by sync.
func (r *Room) UnreadCounts() UnreadCounts {
	r.RLock()
	defer r.RUnlock()
	return r.unread
}

// Name resolves the room's display name from current state: the m.room.name
// event, else the canonical alias, else empty.
func (r *Room) Name() string {
	r.RLock()
	defer r.RUnlock()
	return r.calculateNameLocked()
}

func (r *Room) calculateNameLocked() string {
	state := r.unfiltered.LiveTimeline().State(Forwards)
	if ev := state.StateEvent(event.StateRoomName, ""); ev != nil {
		if name, ok := ev.Content()["name"].(string); ok && name != "" {
			return name
		}
	}
	if ev := state.StateEvent(event.StateCanonicalAlias, ""); ev != nil {
		if alias, ok := ev.Content()["alias"].(string); ok {
			return alias
		}
	}
	return ""
}

// compareEventOrdering orders two events of the unfiltered set: -1 when a
// is older than b, +1 when newer. known is false when either event is
// unknown or their segments are not linked.
func (r *Room) compareEventOrdering(a, b id.EventID) (int, bool) {
	if a == b {
		return 0, true
	}
	tlA := r.unfiltered.TimelineForEvent(a)
	tlB := r.unfiltered.TimelineForEvent(b)
	if tlA == nil || tlB == nil {
		return 0, false
	}
	if tlA == tlB {
		ia, ib := tlA.indexOf(a), tlA.indexOf(b)
		if ia < 0 || ib < 0 {
			return 0, false
		}
		if ia < ib {
			return -1, true
		}
		return 1, true
	}
	for t := tlA.NeighbouringTimeline(Forwards); t != nil; t = t.NeighbouringTimeline(Forwards) {
		if t == tlB {
			return -1, true
		}
	}
	for t := tlA.NeighbouringTimeline(Backwards); t != nil; t = t.NeighbouringTimeline(Backwards) {
		if t == tlB {
			return 1, true
		}
	}
	return 0, false
}
