package room

import (
	"fmt"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/mxlib/roomsync/crypto"
)

// EventStatus tracks the send lifecycle of a local echo. Server-confirmed
// events carry the empty status.
type EventStatus string

const (
	StatusConfirmed  EventStatus = ""
	StatusQueued     EventStatus = "queued"
	StatusEncrypting EventStatus = "encrypting"
	StatusSending    EventStatus = "sending"
	StatusSent       EventStatus = "sent"
	StatusNotSent    EventStatus = "not_sent"
	StatusCancelled  EventStatus = "cancelled"
)

// statusRank orders the forward-only send lifecycle. NotSent and Cancelled
// are terminal side exits reachable from any live status.
var statusRank = map[EventStatus]int{
	StatusQueued:     1,
	StatusEncrypting: 2,
	StatusSending:    3,
	StatusSent:       4,
}

// RelationType is the rel_type of an m.relates_to pointer.
type RelationType string

const (
	RelAnnotation RelationType = "m.annotation"
	RelReplace    RelationType = "m.replace"
	RelReference  RelationType = "m.reference"
	RelThread     RelationType = "m.thread"
)

// RelatesTo is the parsed m.relates_to content block.
type RelatesTo struct {
	RelType   RelationType `json:"rel_type"`
	EventID   id.EventID   `json:"event_id"`
	Key       string       `json:"key,omitempty"`
	InReplyTo *InReplyTo   `json:"m.in_reply_to,omitempty"`
}

type InReplyTo struct {
	EventID id.EventID `json:"event_id"`
}

// RawUnsigned is the subset of the unsigned event block the engine reads.
type RawUnsigned struct {
	PrevContent   map[string]interface{} `json:"prev_content,omitempty"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	Age           int64                  `json:"age,omitempty"`
}

// RawEvent is one parsed wire event as handed over by the external sync or
// pagination transport. The engine never parses wire bytes itself.
type RawEvent struct {
	ID        id.EventID             `json:"event_id"`
	Type      string                 `json:"type"`
	Sender    id.UserID              `json:"sender"`
	RoomID    id.RoomID              `json:"room_id"`
	StateKey  *string                `json:"state_key,omitempty"`
	Timestamp int64                  `json:"origin_server_ts"`
	Content   map[string]interface{} `json:"content"`
	Unsigned  RawUnsigned            `json:"unsigned"`
	Redacts   id.EventID             `json:"redacts,omitempty"`
}

// Event is one room event: immutable identity once the server has assigned
// it, mutable decoration (decryption result, redaction overlay, thread
// linkage, send status). All mutation happens under the owning Room's lock.
type Event struct {
	id        id.EventID
	Type      event.Type
	Sender    id.UserID
	RoomID    id.RoomID
	Timestamp int64
	StateKey  *string
	Redacts   id.EventID

	content     map[string]interface{}
	prevContent map[string]interface{}
	unsigned    RawUnsigned

	status EventStatus
	txnID  string

	redactedBy     id.EventID
	redactionEvent *Event
	threadRoot     id.EventID

	clear        *crypto.Clear
	decryptErr   *crypto.DecryptionError
	decrypting   bool
	retryDecrypt bool

	// sentinel snapshots of sender/target at the instant the event applied,
	// so an old event re-renders with the profile current at that time.
	sender *RoomMember
	target *RoomMember

	// forwardLooking is cleared for state events inserted at the start of a
	// timeline: walking backward, the visible value is the event's prior
	// content, not its own.
	forwardLooking bool
}

// NewEvent builds an Event from a parsed wire event. The event class is
// derived from the presence of a state key; ephemeral and account-data
// events never enter timelines and are typed by their ingestion path.
func NewEvent(raw *RawEvent) *Event {
	return &Event{
		id:             raw.ID,
		Type:           typeOf(raw),
		Sender:         raw.Sender,
		RoomID:         raw.RoomID,
		Timestamp:      raw.Timestamp,
		StateKey:       raw.StateKey,
		Redacts:        raw.Redacts,
		content:        raw.Content,
		prevContent:    raw.Unsigned.PrevContent,
		unsigned:       raw.Unsigned,
		forwardLooking: true,
	}
}

func typeOf(raw *RawEvent) event.Type {
	class := event.MessageEventType
	if raw.StateKey != nil {
		class = event.StateEventType
	}
	return event.Type{Type: raw.Type, Class: class}
}

// NewLocalEvent creates a local echo with a placeholder id. The placeholder
// is replaced in place when the remote echo arrives; the object reference
// stays valid throughout.
func NewLocalEvent(roomID id.RoomID, sender id.UserID, evType event.Type, content map[string]interface{}, txnID string) *Event {
	return &Event{
		id:             NewLocalEventID(roomID),
		Type:           evType,
		Sender:         sender,
		RoomID:         roomID,
		content:        content,
		status:         StatusQueued,
		txnID:          txnID,
		forwardLooking: true,
	}
}

// NewLocalEventID generates a placeholder event id for a local echo. The
// leading tilde keeps it distinguishable from server-assigned ids.
func NewLocalEventID(roomID id.RoomID) id.EventID {
	return id.EventID(fmt.Sprintf("~%s:%s", roomID, uuid.NewString()))
}

// NewTransactionID generates a client transaction id for a send.
func NewTransactionID() string {
	return "go" + uuid.NewString()
}

func (e *Event) ID() id.EventID { return e.id }

// IsState reports whether this is a state event. The state key, not the
// type class, is the ground truth.
func (e *Event) IsState() bool { return e.StateKey != nil }

func (e *Event) IsRedaction() bool { return e.Type.Type == event.EventRedaction.Type }

func (e *Event) IsEncrypted() bool { return e.Type.Type == event.EventEncrypted.Type }

// IsLocalEcho reports whether the event is still an optimistic local send
// awaiting its remote echo.
func (e *Event) IsLocalEcho() bool { return e.status != StatusConfirmed }

func (e *Event) Status() EventStatus { return e.status }

func (e *Event) TransactionID() string { return e.txnID }

// Content returns the effective visible content: the decrypted cleartext
// when available, otherwise the wire content. Redaction strips the wire
// content in place, down to the per-type protected keys.
func (e *Event) Content() map[string]interface{} {
	if e.clear != nil {
		return e.clear.Content
	}
	if e.content == nil {
		return map[string]interface{}{}
	}
	return e.content
}

// RawContent returns the wire content untouched by decryption or redaction
// (the payload handed to the Decryptor).
func (e *Event) RawContent() map[string]interface{} { return e.content }

// PrevContent returns the prior content of a state event, if known.
func (e *Event) PrevContent() map[string]interface{} {
	if e.prevContent == nil {
		return map[string]interface{}{}
	}
	return e.prevContent
}

// DirectionalContent returns Content for forward-looking events and
// PrevContent for state events being walked backward past their own
// position.
func (e *Event) DirectionalContent() map[string]interface{} {
	if !e.forwardLooking {
		return e.PrevContent()
	}
	return e.Content()
}

// EffectiveType returns the decrypted clear type when available, else the
// wire type string.
func (e *Event) EffectiveType() string {
	if e.clear != nil && !e.IsRedacted() {
		return e.clear.Type
	}
	return e.Type.Type
}

// RelatesTo parses the event's relation pointer from its effective content.
// Returns nil when absent or malformed.
func (e *Event) RelatesTo() *RelatesTo {
	raw, ok := e.Content()["m.relates_to"].(map[string]interface{})
	if !ok {
		return nil
	}
	var rel RelatesTo
	if !decodeContent(raw, &rel) {
		return nil
	}
	if rel.EventID == "" && rel.InReplyTo != nil {
		rel.EventID = rel.InReplyTo.EventID
	}
	if rel.EventID == "" {
		return nil
	}
	return &rel
}

// ThreadRootID returns the thread root this event belongs to, or "".
func (e *Event) ThreadRootID() id.EventID { return e.threadRoot }

func (e *Event) setThreadRoot(rootID id.EventID) { e.threadRoot = rootID }

// IsRedacted reports whether the event's content has been stripped.
func (e *Event) IsRedacted() bool { return e.redactedBy != "" }

// RedactedBy returns the id of the redaction event, or "".
func (e *Event) RedactedBy() id.EventID { return e.redactedBy }

// RedactionEvent returns the event that redacted this one, when held.
func (e *Event) RedactionEvent() *Event { return e.redactionEvent }

// redactedKeepKeys lists content keys that survive redaction per event type.
var redactedKeepKeys = map[string][]string{
	"m.room.member":             {"membership"},
	"m.room.create":             {"creator"},
	"m.room.join_rules":         {"join_rule"},
	"m.room.power_levels":       {"users", "users_default", "events", "events_default", "state_default", "ban", "kick", "redact"},
	"m.room.history_visibility": {"history_visibility"},
}

// makeRedacted strips the event's content in place, keeping its structural
// position and the per-type protected keys. Decryption decoration is
// dropped with the content.
func (e *Event) makeRedacted(redaction *Event) {
	e.redactedBy = redaction.ID()
	e.redactionEvent = redaction
	e.clear = nil
	e.decryptErr = nil

	kept := map[string]interface{}{}
	for _, key := range redactedKeepKeys[e.Type.Type] {
		if v, ok := e.content[key]; ok {
			kept[key] = v
		}
	}
	e.content = kept
	e.prevContent = nil
}

// handleRemoteEcho merges the server-confirmed event into this local echo
// in place: the placeholder id is replaced, server fields adopted, and the
// object reference held by any caller transparently upgrades.
func (e *Event) handleRemoteEcho(remote *Event) {
	e.id = remote.id
	e.Timestamp = remote.Timestamp
	e.unsigned = remote.unsigned
	e.content = remote.content
	e.Redacts = remote.Redacts
	e.status = StatusConfirmed
	e.txnID = ""
}

// setStatus enforces the monotonic send lifecycle: queued, encrypting,
// sending, sent move strictly forward; not_sent and cancelled are reachable
// from any non-confirmed status.
func (e *Event) setStatus(status EventStatus) error {
	if e.status == StatusConfirmed {
		return ErrNotPendingEvent
	}
	switch status {
	case StatusNotSent, StatusCancelled:
		e.status = status
		return nil
	case StatusQueued, StatusEncrypting, StatusSending, StatusSent:
		if statusRank[status] < statusRank[e.status] {
			return ErrInvalidStatusTransition
		}
		e.status = status
		return nil
	default:
		return ErrInvalidStatusTransition
	}
}

// ClearContent returns the decryption result, if any.
func (e *Event) ClearContent() *crypto.Clear { return e.clear }

// DecryptionError returns the recorded decryption failure, if any.
func (e *Event) DecryptionError() *crypto.DecryptionError { return e.decryptErr }

// Body returns the renderable text body: a placeholder when decryption
// failed, else the body field of the effective content.
func (e *Event) Body() string {
	if e.decryptErr != nil {
		return "** Unable to decrypt: " + string(e.decryptErr.Reason) + " **"
	}
	body, _ := e.Content()["body"].(string)
	return body
}

// SenderMember returns the sentinel snapshot of the sender stamped when the
// event entered a timeline, or nil for events outside timelines.
func (e *Event) SenderMember() *RoomMember { return e.sender }

// TargetMember returns the sentinel snapshot of the member a membership
// event acts on.
func (e *Event) TargetMember() *RoomMember { return e.target }
