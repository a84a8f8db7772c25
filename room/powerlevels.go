package room

import (
	"maunium.net/go/mautrix/id"
)

// Power-level defaults when the m.room.power_levels event or one of its
// fields is absent.
const (
	defaultUserLevel   = 0
	defaultEventLevel  = 0
	defaultStateLevel  = 50
	defaultRedactLevel = 50
)

// PowerLevels is the parsed m.room.power_levels content. Pointer fields
// distinguish "absent, use default" from an explicit zero.
type PowerLevels struct {
	Users        map[id.UserID]int `json:"users"`
	UsersDefault int               `json:"users_default"`

	Events        map[string]int `json:"events"`
	EventsDefault int            `json:"events_default"`

	StateDefault *int `json:"state_default"`

	Ban    *int `json:"ban"`
	Kick   *int `json:"kick"`
	Invite *int `json:"invite"`
	Redact *int `json:"redact"`
}

// defaultPowerLevels is the authorization table used when no power-levels
// state event exists in the room.
func defaultPowerLevels() *PowerLevels {
	return &PowerLevels{
		UsersDefault:  defaultUserLevel,
		EventsDefault: defaultEventLevel,
	}
}

func parsePowerLevels(ev *Event) *PowerLevels {
	levels := defaultPowerLevels()
	if ev == nil {
		return levels
	}
	if !decodeContent(ev.DirectionalContent(), levels) {
		return defaultPowerLevels()
	}
	return levels
}

// UserLevel returns the user's effective power level: the per-user override
// when present, else users_default.
func (pl *PowerLevels) UserLevel(userID id.UserID) int {
	if level, ok := pl.Users[userID]; ok {
		return level
	}
	return pl.UsersDefault
}

// EventLevel returns the level required to send an event of the given type.
// A per-type override in events takes precedence over the state/message
// default.
func (pl *PowerLevels) EventLevel(evType string, isState bool) int {
	if level, ok := pl.Events[evType]; ok {
		return level
	}
	if isState {
		if pl.StateDefault != nil {
			return *pl.StateDefault
		}
		return defaultStateLevel
	}
	return pl.EventsDefault
}

// RedactLevel returns the level required to redact another user's event.
func (pl *PowerLevels) RedactLevel() int {
	if pl.Redact != nil {
		return *pl.Redact
	}
	return defaultRedactLevel
}
