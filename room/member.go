package room

import (
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// RoomMember is the projection of one user's membership onto a state
// snapshot. Live members keep mutating as state arrives; a sentinel is a
// frozen one-time projection used to stamp historical events.
type RoomMember struct {
	RoomID     id.RoomID
	UserID     id.UserID
	Membership event.Membership

	// DisplayName is the disambiguated name; RawDisplayName the profile
	// value before disambiguation.
	DisplayName    string
	RawDisplayName string
	AvatarURL      string

	PowerLevel int
	Typing     bool

	// MemberEvent is the membership event this projection was computed from.
	MemberEvent *Event

	frozen bool
}

func NewRoomMember(roomID id.RoomID, userID id.UserID) *RoomMember {
	return &RoomMember{
		RoomID:      roomID,
		UserID:      userID,
		Membership:  event.MembershipLeave,
		DisplayName: string(userID),
	}
}

// applyMembershipEvent folds a membership event into the projection, using
// the event's directional content so a state event prepended to a timeline
// contributes its prior value. Malformed membership content (no membership
// field) is ignored at point of use.
func (m *RoomMember) applyMembershipEvent(ev *Event) bool {
	if m.frozen {
		logger.Warnf("ignoring membership event %s applied to sentinel member %s", ev.ID(), m.UserID)
		return false
	}
	var content event.MemberEventContent
	if !decodeContent(ev.DirectionalContent(), &content) || content.Membership == "" {
		logger.Debugf("ignoring malformed membership event %s in %s", ev.ID(), ev.RoomID)
		return false
	}

	m.Membership = content.Membership
	m.RawDisplayName = content.Displayname
	m.AvatarURL = string(content.AvatarURL)
	m.MemberEvent = ev

	if m.RawDisplayName == "" {
		m.DisplayName = string(m.UserID)
	} else {
		m.DisplayName = m.RawDisplayName
	}
	return true
}

// applyPowerLevels updates the member's power level from a power-levels
// snapshot.
func (m *RoomMember) applyPowerLevels(levels *PowerLevels) {
	if m.frozen {
		return
	}
	m.PowerLevel = levels.UserLevel(m.UserID)
}

// disambiguate appends the user id to the display name when another member
// visible in the same state shares the raw name.
func (m *RoomMember) disambiguate(clash bool) {
	switch {
	case m.RawDisplayName == "":
		m.DisplayName = string(m.UserID)
	case clash:
		m.DisplayName = fmt.Sprintf("%s (%s)", m.RawDisplayName, m.UserID)
	default:
		m.DisplayName = m.RawDisplayName
	}
}

func (m *RoomMember) setTyping(typing bool) bool {
	if m.frozen || m.Typing == typing {
		return false
	}
	m.Typing = typing
	return true
}

// Sentinel returns a frozen value copy of the member as it stands right
// now. Later profile changes never reach it.
func (m *RoomMember) Sentinel() *RoomMember {
	frozen := *m
	frozen.frozen = true
	return &frozen
}

// IsSentinel reports whether this projection is frozen.
func (m *RoomMember) IsSentinel() bool { return m.frozen }

// clone returns a live (unfrozen) copy, used when cloning a RoomState so
// the two states' member maps diverge independently.
func (m *RoomMember) clone() *RoomMember {
	dup := *m
	return &dup
}
