package room

import (
	"fmt"
	"sync/atomic"

	"maunium.net/go/mautrix/id"
)

const (
	testRoomID = id.RoomID("!test:example.org")
	testMe     = id.UserID("@me:example.org")
)

var eventCounter int64

func nextEventID() id.EventID {
	return id.EventID(fmt.Sprintf("$ev%d:example.org", atomic.AddInt64(&eventCounter, 1)))
}

func nextTS() int64 {
	return 1700000000000 + atomic.AddInt64(&eventCounter, 1)
}

func strptr(s string) *string { return &s }

func newTestRoom(opts *Opts) *Room {
	return NewRoom(testRoomID, testMe, opts)
}

func msgEvent(sender id.UserID, body string) *Event {
	return NewEvent(&RawEvent{
		ID:        nextEventID(),
		Type:      "m.room.message",
		Sender:    sender,
		RoomID:    testRoomID,
		Timestamp: nextTS(),
		Content: map[string]interface{}{
			"msgtype": "m.text",
			"body":    body,
		},
	})
}

func memberEvent(sender, target id.UserID, membership, displayname string) *Event {
	content := map[string]interface{}{"membership": membership}
	if displayname != "" {
		content["displayname"] = displayname
	}
	return NewEvent(&RawEvent{
		ID:        nextEventID(),
		Type:      "m.room.member",
		Sender:    sender,
		RoomID:    testRoomID,
		StateKey:  strptr(string(target)),
		Timestamp: nextTS(),
		Content:   content,
	})
}

func powerLevelsEvent(content map[string]interface{}) *Event {
	return NewEvent(&RawEvent{
		ID:        nextEventID(),
		Type:      "m.room.power_levels",
		Sender:    testMe,
		RoomID:    testRoomID,
		StateKey:  strptr(""),
		Timestamp: nextTS(),
		Content:   content,
	})
}

func redactionEvent(sender id.UserID, target id.EventID) *Event {
	return NewEvent(&RawEvent{
		ID:        nextEventID(),
		Type:      "m.room.redaction",
		Sender:    sender,
		RoomID:    testRoomID,
		Timestamp: nextTS(),
		Redacts:   target,
		Content:   map[string]interface{}{},
	})
}

func reactionEvent(sender id.UserID, target id.EventID, key string) *Event {
	return NewEvent(&RawEvent{
		ID:        nextEventID(),
		Type:      "m.reaction",
		Sender:    sender,
		RoomID:    testRoomID,
		Timestamp: nextTS(),
		Content: map[string]interface{}{
			"m.relates_to": map[string]interface{}{
				"rel_type": "m.annotation",
				"event_id": string(target),
				"key":      key,
			},
		},
	})
}

func threadReply(sender id.UserID, root id.EventID, body string) *Event {
	return NewEvent(&RawEvent{
		ID:        nextEventID(),
		Type:      "m.room.message",
		Sender:    sender,
		RoomID:    testRoomID,
		Timestamp: nextTS(),
		Content: map[string]interface{}{
			"msgtype": "m.text",
			"body":    body,
			"m.relates_to": map[string]interface{}{
				"rel_type": "m.thread",
				"event_id": string(root),
			},
		},
	})
}

func receiptEvent(eventID id.EventID, receiptType string, userID id.UserID, ts int64) *Event {
	return NewEvent(&RawEvent{
		Type:   "m.receipt",
		RoomID: testRoomID,
		Content: map[string]interface{}{
			string(eventID): map[string]interface{}{
				receiptType: map[string]interface{}{
					string(userID): map[string]interface{}{"ts": float64(ts)},
				},
			},
		},
	})
}
