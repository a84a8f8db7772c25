package room

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func newLocalMsg(body string) *Event {
	evType := event.Type{Type: "m.room.message", Class: event.MessageEventType}
	return NewLocalEvent(testRoomID, testMe, evType, map[string]interface{}{
		"msgtype": "m.text",
		"body":    body,
	}, "")
}

// remoteEcho builds the server-confirmed copy of a local send, carrying the
// transaction id in unsigned.
func remoteEcho(txnID, body string) *Event {
	return NewEvent(&RawEvent{
		ID:        nextEventID(),
		Type:      "m.room.message",
		Sender:    testMe,
		RoomID:    testRoomID,
		Timestamp: nextTS(),
		Content:   map[string]interface{}{"msgtype": "m.text", "body": body},
		Unsigned:  RawUnsigned{TransactionID: txnID},
	})
}

func TestLocalEchoRoundTripChronological(t *testing.T) {
	r := newTestRoom(nil)
	local := newLocalMsg("hi")
	placeholder := local.ID()
	assert.True(t, strings.HasPrefix(string(placeholder), "~"))

	assert.NoError(t, r.AddPendingEvent(local, "txn1"))
	assert.Len(t, r.LiveTimeline().Events(), 1)

	remote := remoteEcho("txn1", "hi")
	assert.NoError(t, r.AddLiveEvents([]*Event{remote}, DuplicateIgnore))

	events := r.LiveTimeline().Events()
	assert.Len(t, events, 1, "the echo upgrades in place, it does not append")
	assert.Same(t, local, events[0], "callers holding the object see the upgrade")
	assert.Equal(t, remote.ID(), local.ID())
	assert.Equal(t, StatusConfirmed, local.Status())
	assert.False(t, local.IsLocalEcho())
	assert.Same(t, local, r.FindEventByID(remote.ID()))
	assert.Nil(t, r.FindEventByID(placeholder), "the placeholder id is forgotten")
}

func TestLocalEchoRoundTripDetached(t *testing.T) {
	r := newTestRoom(&Opts{PendingEventOrdering: PendingOrderingDetached})
	local := newLocalMsg("hi")

	assert.NoError(t, r.AddPendingEvent(local, "txn1"))
	assert.Empty(t, r.LiveTimeline().Events(), "detached sends stay out of the timeline")
	assert.Len(t, r.PendingEvents(), 1)

	remote := remoteEcho("txn1", "hi")
	assert.NoError(t, r.AddLiveEvents([]*Event{remote}, DuplicateIgnore))

	assert.Empty(t, r.PendingEvents())
	events := r.LiveTimeline().Events()
	assert.Len(t, events, 1)
	assert.Same(t, local, events[0])
	assert.Equal(t, StatusConfirmed, local.Status())
}

func TestDuplicateTransactionIDRejected(t *testing.T) {
	r := newTestRoom(nil)
	assert.NoError(t, r.AddPendingEvent(newLocalMsg("a"), "txn1"))
	err := r.AddPendingEvent(newLocalMsg("b"), "txn1")
	assert.ErrorIs(t, err, ErrDuplicateTransactionID)
}

func TestAddPendingRejectsConfirmedEvent(t *testing.T) {
	r := newTestRoom(nil)
	err := r.AddPendingEvent(msgEvent("@a:x", "hi"), "txn1")
	assert.ErrorIs(t, err, ErrNotPendingEvent)
}

func TestPendingStatusLifecycle(t *testing.T) {
	r := newTestRoom(nil)
	local := newLocalMsg("hi")
	assert.NoError(t, r.AddPendingEvent(local, "txn1"))
	assert.Equal(t, StatusQueued, local.Status())

	assert.NoError(t, r.UpdatePendingEvent(local.ID(), StatusSending))
	err := r.UpdatePendingEvent(local.ID(), StatusEncrypting)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition, "the lifecycle never moves backward")
	assert.Equal(t, StatusSending, local.Status())

	assert.NoError(t, r.UpdatePendingEvent(local.ID(), StatusSent))
	assert.NoError(t, r.UpdatePendingEvent(local.ID(), StatusNotSent), "failure is reachable from any live status")
}

func TestCancelPendingRemovesAndFreesTxn(t *testing.T) {
	r := newTestRoom(nil)
	local := newLocalMsg("hi")
	assert.NoError(t, r.AddPendingEvent(local, "txn1"))

	assert.NoError(t, r.UpdatePendingEvent(local.ID(), StatusCancelled))
	assert.Empty(t, r.LiveTimeline().Events())
	assert.Nil(t, r.FindEventByID(local.ID()))

	// The transaction id is free again once the send is cancelled.
	assert.NoError(t, r.AddPendingEvent(newLocalMsg("retry"), "txn1"))
}

func TestRedactionAfterTarget(t *testing.T) {
	r := newTestRoom(nil)
	target := msgEvent("@a:x", "secret")
	redaction := redactionEvent("@a:x", target.ID())

	assert.NoError(t, r.AddLiveEvents([]*Event{target, redaction}, DuplicateIgnore))

	assert.True(t, target.IsRedacted())
	assert.Equal(t, redaction.ID(), target.RedactedBy())
	assert.Same(t, redaction, target.RedactionEvent())
	assert.Empty(t, target.Content())
	// The redacted event keeps its structural position.
	assert.Len(t, r.LiveTimeline().Events(), 2)
	assert.Same(t, target, r.LiveTimeline().Events()[0])
}

func TestRedactionBeforeTargetApplies(t *testing.T) {
	r := newTestRoom(nil)
	target := msgEvent("@a:x", "secret")
	redaction := redactionEvent("@a:x", target.ID())

	assert.NoError(t, r.AddLiveEvents([]*Event{redaction}, DuplicateIgnore))
	assert.False(t, target.IsRedacted())

	assert.NoError(t, r.AddLiveEvents([]*Event{target}, DuplicateIgnore))
	assert.True(t, target.IsRedacted(), "a redaction racing ahead applies once the target arrives")
	assert.Equal(t, redaction.ID(), target.RedactedBy())
}

func TestRedactionRacesAheadViaPagination(t *testing.T) {
	r := newTestRoom(nil)
	target := msgEvent("@a:x", "secret")
	redaction := redactionEvent("@a:x", target.ID())

	err := r.AddEventsToTimeline([]*Event{redaction, target}, true, r.LiveTimeline(), "tok")
	assert.NoError(t, err)
	assert.True(t, target.IsRedacted())
}

func TestRedactionKeepsProtectedKeys(t *testing.T) {
	r := newTestRoom(nil)
	member := memberEvent("@a:x", "@a:x", "join", "Alice")
	redaction := redactionEvent("@a:x", member.ID())

	assert.NoError(t, r.AddLiveEvents([]*Event{member, redaction}, DuplicateIgnore))

	assert.True(t, member.IsRedacted())
	assert.Equal(t, map[string]interface{}{"membership": "join"}, member.Content())
}

func banWithMassRedaction(sender, target id.UserID) *Event {
	return NewEvent(&RawEvent{
		ID:        nextEventID(),
		Type:      "m.room.member",
		Sender:    sender,
		RoomID:    testRoomID,
		StateKey:  strptr(string(target)),
		Timestamp: nextTS(),
		Content: map[string]interface{}{
			"membership":      "ban",
			MassRedactionFlag: true,
		},
	})
}

func leaveWithMassRedaction(sender, target id.UserID) *Event {
	return NewEvent(&RawEvent{
		ID:        nextEventID(),
		Type:      "m.room.member",
		Sender:    sender,
		RoomID:    testRoomID,
		StateKey:  strptr(string(target)),
		Timestamp: nextTS(),
		Content: map[string]interface{}{
			"membership":      "leave",
			MassRedactionFlag: true,
		},
	})
}

func TestMassRedactionOnBan(t *testing.T) {
	r := newTestRoom(nil)
	bad1 := msgEvent("@bad:x", "spam one")
	bad2 := msgEvent("@bad:x", "spam two")
	good := msgEvent("@mod:x", "hello")
	levels := powerLevelsEvent(map[string]interface{}{
		"users": map[string]interface{}{"@mod:x": 100},
	})
	assert.NoError(t, r.AddLiveEvents([]*Event{levels, bad1, good, bad2}, DuplicateIgnore))

	ban := banWithMassRedaction("@mod:x", "@bad:x")
	assert.NoError(t, r.AddLiveEvents([]*Event{ban}, DuplicateIgnore))

	assert.True(t, bad1.IsRedacted())
	assert.True(t, bad2.IsRedacted())
	assert.Equal(t, ban.ID(), bad1.RedactedBy())
	assert.False(t, good.IsRedacted(), "only the affected user's events are redacted")
	assert.False(t, levels.IsRedacted(), "state events are never mass-redacted")
}

func TestMassRedactionCoversThreadMessages(t *testing.T) {
	r := newTestRoom(nil)
	root := msgEvent("@mod:x", "root")
	badMain := msgEvent("@bad:x", "spam")
	badReply := threadReply("@bad:x", root.ID(), "thread spam")
	levels := powerLevelsEvent(map[string]interface{}{
		"users": map[string]interface{}{"@mod:x": 100},
	})
	assert.NoError(t, r.AddLiveEvents([]*Event{levels, root, badMain, badReply}, DuplicateIgnore))

	ban := banWithMassRedaction("@mod:x", "@bad:x")
	assert.NoError(t, r.AddLiveEvents([]*Event{ban}, DuplicateIgnore))

	assert.True(t, badMain.IsRedacted())
	assert.True(t, badReply.IsRedacted(), "messages inside threads are covered too")
	assert.False(t, root.IsRedacted())
}

func TestMassRedactionOnKick(t *testing.T) {
	r := newTestRoom(nil)
	bad := msgEvent("@bad:x", "spam")
	levels := powerLevelsEvent(map[string]interface{}{
		"users": map[string]interface{}{"@mod:x": 100},
	})
	assert.NoError(t, r.AddLiveEvents([]*Event{levels, bad}, DuplicateIgnore))

	kick := leaveWithMassRedaction("@mod:x", "@bad:x")
	assert.NoError(t, r.AddLiveEvents([]*Event{kick}, DuplicateIgnore))
	assert.True(t, bad.IsRedacted())
}

func TestMassRedactionIgnoresSelfLeave(t *testing.T) {
	r := newTestRoom(nil)
	mine := msgEvent("@bad:x", "my history")
	assert.NoError(t, r.AddLiveEvents([]*Event{mine}, DuplicateIgnore))

	leave := leaveWithMassRedaction("@bad:x", "@bad:x")
	assert.NoError(t, r.AddLiveEvents([]*Event{leave}, DuplicateIgnore))
	assert.False(t, mine.IsRedacted(), "a user leaving on their own never mass-redacts")
}

func TestMassRedactionSkipsWithoutPower(t *testing.T) {
	r := newTestRoom(nil)
	bad := msgEvent("@bad:x", "spam")
	assert.NoError(t, r.AddLiveEvents([]*Event{bad}, DuplicateIgnore))

	// The kicker has no redact power: every event is silently skipped.
	kick := leaveWithMassRedaction("@weak:x", "@bad:x")
	assert.NoError(t, r.AddLiveEvents([]*Event{kick}, DuplicateIgnore))
	assert.False(t, bad.IsRedacted())
}

func TestReceiptsReadPosition(t *testing.T) {
	r := newTestRoom(nil)
	e1 := msgEvent("@a:x", "one")
	e2 := msgEvent("@a:x", "two")
	e3 := msgEvent("@a:x", "three")
	assert.NoError(t, r.AddLiveEvents([]*Event{e1, e2, e3}, DuplicateIgnore))

	r.AddEphemeralEvents([]*Event{receiptEvent(e2.ID(), "m.read", "@u:x", nextTS())})

	assert.Equal(t, e2.ID(), r.GetEventReadUpTo("@u:x"))
	assert.True(t, r.HasUserReadEvent("@u:x", e1.ID()))
	assert.True(t, r.HasUserReadEvent("@u:x", e2.ID()))
	assert.False(t, r.HasUserReadEvent("@u:x", e3.ID()))
	assert.False(t, r.HasUserReadEvent("@u:x", "$unknown:x"))

	// Senders count as having read their own messages regardless of receipts.
	assert.True(t, r.HasUserReadEvent("@a:x", e3.ID()))

	assert.Equal(t, []id.UserID{"@u:x"}, r.GetUsersReadUpTo(e2.ID()))
	assert.Len(t, r.ReceiptsForEvent(e2.ID()), 1)
}

func TestReceiptLastWriteWinsByDeliveryOrder(t *testing.T) {
	r := newTestRoom(nil)
	e1 := msgEvent("@a:x", "one")
	e3 := msgEvent("@a:x", "three")
	assert.NoError(t, r.AddLiveEvents([]*Event{e1, e3}, DuplicateIgnore))

	r.AddEphemeralEvents([]*Event{receiptEvent(e3.ID(), "m.read", "@u:x", 2000)})
	// Delivered later, pointing at an older event and timestamp: still wins.
	r.AddEphemeralEvents([]*Event{receiptEvent(e1.ID(), "m.read", "@u:x", 1000)})

	assert.Equal(t, e1.ID(), r.GetEventReadUpTo("@u:x"))
	// The sender's implicit own-read receipt stays on e3; only @u:x moved.
	assert.NotContains(t, r.ReceiptsForEvent(e3.ID()), id.UserID("@u:x"), "the by-event cache follows the move")
	assert.Contains(t, r.ReceiptsForEvent(e1.ID()), id.UserID("@u:x"))
}

func TestImplicitOwnReadReceipt(t *testing.T) {
	r := newTestRoom(nil)
	m1 := msgEvent(testMe, "first")
	m2 := msgEvent(testMe, "second")
	assert.NoError(t, r.AddLiveEvents([]*Event{m1, m2}, DuplicateIgnore))

	assert.Equal(t, m2.ID(), r.GetEventReadUpTo(testMe), "a sender has read their latest message")
	receipt := r.ReceiptsForEvent(m2.ID())[testMe]
	assert.NotNil(t, receipt)
	assert.True(t, receipt.Synthetic)
}

func TestSyntheticReceiptOnlyAdvances(t *testing.T) {
	r := newTestRoom(nil)
	m1 := msgEvent(testMe, "first")
	m2 := msgEvent(testMe, "second")
	assert.NoError(t, r.AddLiveEvents([]*Event{m1, m2}, DuplicateIgnore))

	// A server receipt replaces the synthetic one.
	r.AddEphemeralEvents([]*Event{receiptEvent(m2.ID(), "m.read", testMe, nextTS())})
	assert.False(t, r.ReceiptsForEvent(m2.ID())[testMe].Synthetic)

	// Re-delivering the same batch must not resurrect a synthetic receipt.
	assert.NoError(t, r.AddLiveEvents([]*Event{m1, m2}, DuplicateIgnore))
	assert.False(t, r.ReceiptsForEvent(m2.ID())[testMe].Synthetic)

	// A genuinely newer own message advances the position again.
	m3 := msgEvent(testMe, "third")
	assert.NoError(t, r.AddLiveEvents([]*Event{m3}, DuplicateIgnore))
	assert.Equal(t, m3.ID(), r.GetEventReadUpTo(testMe))
}

func TestRoomName(t *testing.T) {
	r := newTestRoom(nil)
	assert.Equal(t, "", r.Name())

	alias := NewEvent(&RawEvent{
		ID:       nextEventID(),
		Type:     "m.room.canonical_alias",
		Sender:   testMe,
		RoomID:   testRoomID,
		StateKey: strptr(""),
		Content:  map[string]interface{}{"alias": "#general:example.org"},
	})
	assert.NoError(t, r.AddLiveEvents([]*Event{alias}, DuplicateIgnore))
	assert.Equal(t, "#general:example.org", r.Name())

	name := NewEvent(&RawEvent{
		ID:       nextEventID(),
		Type:     "m.room.name",
		Sender:   testMe,
		RoomID:   testRoomID,
		StateKey: strptr(""),
		Content:  map[string]interface{}{"name": "General"},
	})
	assert.NoError(t, r.AddLiveEvents([]*Event{name}, DuplicateIgnore))
	assert.Equal(t, "General", r.Name(), "an explicit name beats the alias")
}

func TestFilteredTimelineSet(t *testing.T) {
	r := newTestRoom(&Opts{TimelineSupport: true})
	msg := msgEvent("@a:x", "hello")
	member := memberEvent("@a:x", "@a:x", "join", "A")
	assert.NoError(t, r.AddLiveEvents([]*Event{msg, member}, DuplicateIgnore))

	filter := &Filter{ID: "messages", Types: []string{"m.room.message"}}
	set := r.GetOrCreateFilteredTimelineSet(filter)
	assert.NotSame(t, r.UnfilteredTimelineSet(), set)
	assert.Equal(t, []*Event{msg}, set.LiveTimeline().Events(), "seeded from the live timeline through the filter")

	// Subsequent live events fan out into matching filtered sets.
	msg2 := msgEvent("@b:x", "again")
	assert.NoError(t, r.AddLiveEvents([]*Event{msg2, memberEvent("@b:x", "@b:x", "join", "B")}, DuplicateIgnore))
	assert.Equal(t, []*Event{msg, msg2}, set.LiveTimeline().Events())

	assert.Same(t, set, r.GetOrCreateFilteredTimelineSet(filter), "same filter id returns the same set")
}

func TestFilteredTimelineSetRequiresSupport(t *testing.T) {
	r := newTestRoom(nil)
	set := r.GetOrCreateFilteredTimelineSet(&Filter{ID: "f", Types: []string{"m.room.message"}})
	assert.Same(t, r.UnfilteredTimelineSet(), set)
}

func TestFullResetClearsPendingRedactions(t *testing.T) {
	r := newTestRoom(nil)
	target := msgEvent("@a:x", "secret")
	redaction := redactionEvent("@a:x", target.ID())
	assert.NoError(t, r.AddLiveEvents([]*Event{redaction}, DuplicateIgnore))

	r.ResetLiveTimeline("tok", nil)

	assert.NoError(t, r.AddLiveEvents([]*Event{target}, DuplicateIgnore))
	assert.False(t, target.IsRedacted(), "a full reset forgets parked redactions")
}

func TestTypingEphemeral(t *testing.T) {
	r := newTestRoom(nil)
	assert.NoError(t, r.AddLiveEvents([]*Event{memberEvent("@a:x", "@a:x", "join", "A")}, DuplicateIgnore))

	typing := func(users ...interface{}) *Event {
		return NewEvent(&RawEvent{
			Type:    "m.typing",
			RoomID:  testRoomID,
			Content: map[string]interface{}{"user_ids": users},
		})
	}

	r.AddEphemeralEvents([]*Event{typing("@a:x")})
	assert.True(t, r.Member("@a:x").Typing)

	r.AddEphemeralEvents([]*Event{typing()})
	assert.False(t, r.Member("@a:x").Typing)
}

func TestTagsAccountData(t *testing.T) {
	r := newTestRoom(nil)
	tags := NewEvent(&RawEvent{
		Type:   "m.tag",
		RoomID: testRoomID,
		Content: map[string]interface{}{
			"tags": map[string]interface{}{
				"m.favourite": map[string]interface{}{"order": 0.25},
			},
		},
	})
	r.AddAccountData([]*Event{tags})

	got := r.Tags()
	assert.Len(t, got, 1)
	assert.Equal(t, 0.25, got["m.favourite"].Order)
	assert.Same(t, tags, r.AccountData("m.tag"))
	assert.Nil(t, r.AccountData("m.fully_read"))
}

func TestUnreadCounts(t *testing.T) {
	r := newTestRoom(nil)
	r.SetUnreadCounts(UnreadCounts{Highlight: 2, Total: 7})
	assert.Equal(t, UnreadCounts{Highlight: 2, Total: 7}, r.UnreadCounts())
}

func TestUpdatesChannelCarriesTimelineEvents(t *testing.T) {
	r := newTestRoom(nil)
	ev := msgEvent("@a:x", "hello")
	assert.NoError(t, r.AddLiveEvents([]*Event{ev}, DuplicateIgnore))

	var sawTimelineEvent bool
	for {
		select {
		case update := <-r.Updates():
			if update.Type == UpdateTimelineEvent {
				data := update.Data.(*TimelineEventUpdate)
				assert.Same(t, ev, data.Event)
				assert.True(t, data.Live)
				sawTimelineEvent = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, sawTimelineEvent)
}
