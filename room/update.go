package room

import (
	"maunium.net/go/mautrix/id"
)

// UpdateType tags an Update emitted on the room's update channel.
type UpdateType string

const (
	UpdateTimelineEvent  UpdateType = "timeline_event"
	UpdateEventRemoved   UpdateType = "event_removed"
	UpdateEventRedacted  UpdateType = "event_redacted"
	UpdateEventDecrypted UpdateType = "event_decrypted"
	UpdateStateChanged   UpdateType = "state_changed"
	UpdateMemberChanged  UpdateType = "member_changed"
	UpdateReceipt        UpdateType = "receipt"
	UpdateTyping         UpdateType = "typing"
	UpdateLocalEcho      UpdateType = "local_echo"
	UpdateTimelineReset  UpdateType = "timeline_reset"
	UpdateThread         UpdateType = "thread"
	UpdateTags           UpdateType = "tags"
	UpdateAccountData    UpdateType = "account_data"
	UpdateName           UpdateType = "name"
)

// Update is one change notification. Data carries one of the *Update
// payload structs below, with enough context to apply the delta without
// re-reading the room.
type Update struct {
	Type UpdateType
	Data interface{}
}

type TimelineEventUpdate struct {
	Event    *Event
	Timeline *EventTimeline
	ToStart  bool
	// Live is true when the event arrived on the live timeline from sync,
	// false for paginated or spliced history.
	Live bool
}

type EventRemovedUpdate struct {
	EventID  id.EventID
	Timeline *EventTimeline
}

type EventRedactedUpdate struct {
	Event     *Event
	Redaction *Event
}

type EventDecryptedUpdate struct {
	Event *Event
	// Err is set when the attempt failed; the failure is also recorded on
	// the event itself.
	Err error
}

type StateUpdate struct {
	Event *Event
}

type MemberUpdate struct {
	Member *RoomMember
	Event  *Event
}

type ReceiptUpdate struct {
	Type      ReceiptType
	UserID    id.UserID
	EventID   id.EventID
	Synthetic bool
}

type TypingUpdate struct {
	UserIDs []id.UserID
}

type LocalEchoUpdate struct {
	Event *Event
	// OldEventID is the placeholder id before a remote echo replaced it,
	// equal to Event.ID() otherwise.
	OldEventID id.EventID
	Status     EventStatus
}

type TimelineResetUpdate struct {
	TimelineSet *EventTimelineSet
}

type ThreadUpdate struct {
	Thread *Thread
	Event  *Event
}

type TagsUpdate struct {
	Tags map[string]Tag
}

type AccountDataUpdate struct {
	Event *Event
}

type NameUpdate struct {
	Name string
}
