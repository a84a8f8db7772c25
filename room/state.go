package room

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type stateKeyTuple struct {
	Type     string
	StateKey string
}

// RoomState is the dictionary of state events, plus derived member
// projections, at one boundary of a timeline. Exactly one state event is
// stored per (type, state key). A RoomState is exclusively owned by the one
// or two timeline boundaries referencing it; nothing else mutates it.
type RoomState struct {
	RoomID id.RoomID

	events    map[stateKeyTuple]*Event
	members   map[id.UserID]*RoomMember
	sentinels map[id.UserID]*RoomMember

	// nameOwners groups user ids by raw display name for disambiguation.
	nameOwners map[string]map[id.UserID]struct{}

	powerLevels     *PowerLevels
	paginationToken string

	// notify, when set, receives state/member change notifications. Shared
	// with clones.
	notify func(Update)
}

func NewRoomState(roomID id.RoomID) *RoomState {
	return &RoomState{
		RoomID:      roomID,
		events:      make(map[stateKeyTuple]*Event),
		members:     make(map[id.UserID]*RoomMember),
		sentinels:   make(map[id.UserID]*RoomMember),
		nameOwners:  make(map[string]map[id.UserID]struct{}),
		powerLevels: defaultPowerLevels(),
	}
}

func (s *RoomState) emit(typ UpdateType, data interface{}) {
	if s.notify != nil {
		s.notify(Update{Type: typ, Data: data})
	}
}

// SetStateEvents folds a batch of state events into the dictionary. The
// batch is applied in two passes: pass one updates the raw event and member
// dictionaries for every event, pass two recomputes cross-cutting derived
// data (display-name disambiguation, power-level propagation), which needs
// the whole batch visible. A later event with the same (type, state key)
// strictly replaces the earlier.
func (s *RoomState) SetStateEvents(events []*Event) {
	touchedNames := map[string]struct{}{}
	touchedMembers := map[id.UserID]*RoomMember{}

	// Pass 1: raw dictionaries.
	for _, ev := range events {
		if !ev.IsState() || ev.RoomID != s.RoomID && ev.RoomID != "" {
			logger.Warnf("ignoring non-state or foreign event %s in SetStateEvents", ev.ID())
			continue
		}
		key := stateKeyTuple{Type: ev.Type.Type, StateKey: *ev.StateKey}
		s.events[key] = ev

		if ev.Type.Type != event.StateMember.Type {
			continue
		}
		userID := id.UserID(*ev.StateKey)
		member, ok := s.members[userID]
		if !ok {
			member = NewRoomMember(s.RoomID, userID)
		}
		if member.RawDisplayName != "" {
			s.removeNameOwner(member.RawDisplayName, userID)
			touchedNames[member.RawDisplayName] = struct{}{}
		}
		if !member.applyMembershipEvent(ev) {
			continue
		}
		s.members[userID] = member
		member.applyPowerLevels(s.powerLevels)
		if member.RawDisplayName != "" {
			s.addNameOwner(member.RawDisplayName, userID)
			touchedNames[member.RawDisplayName] = struct{}{}
		}
		touchedMembers[userID] = member
	}

	// Pass 2: derived data across the whole batch.
	for _, ev := range events {
		if !ev.IsState() {
			continue
		}
		if ev.Type.Type == event.StatePowerLevels.Type {
			s.powerLevels = parsePowerLevels(ev)
			for _, member := range s.members {
				old := member.PowerLevel
				member.applyPowerLevels(s.powerLevels)
				if member.PowerLevel != old {
					s.emit(UpdateMemberChanged, &MemberUpdate{Member: member, Event: ev})
				}
			}
		}
		s.emit(UpdateStateChanged, &StateUpdate{Event: ev})
	}

	// Disambiguating two newly added same-named members needs both visible,
	// hence after pass 1 completed for the batch.
	for name := range touchedNames {
		owners := s.nameOwners[name]
		clash := len(owners) > 1
		for userID := range owners {
			if member, ok := s.members[userID]; ok {
				member.disambiguate(clash)
			}
		}
	}

	// Sentinels freeze after disambiguation so historical stamps carry the
	// name as it resolved at this instant.
	for userID, member := range touchedMembers {
		s.sentinels[userID] = member.Sentinel()
		s.emit(UpdateMemberChanged, &MemberUpdate{Member: member, Event: member.MemberEvent})
	}
}

func (s *RoomState) addNameOwner(name string, userID id.UserID) {
	owners, ok := s.nameOwners[name]
	if !ok {
		owners = make(map[id.UserID]struct{})
		s.nameOwners[name] = owners
	}
	owners[userID] = struct{}{}
}

func (s *RoomState) removeNameOwner(name string, userID id.UserID) {
	if owners, ok := s.nameOwners[name]; ok {
		delete(owners, userID)
		if len(owners) == 0 {
			delete(s.nameOwners, name)
		}
	}
}

// StateEvent returns the current state event for (type, state key), or nil.
func (s *RoomState) StateEvent(evType event.Type, stateKey string) *Event {
	return s.events[stateKeyTuple{Type: evType.Type, StateKey: stateKey}]
}

// StateEventsOfType returns all current state events of a type.
func (s *RoomState) StateEventsOfType(evType event.Type) []*Event {
	var out []*Event
	for key, ev := range s.events {
		if key.Type == evType.Type {
			out = append(out, ev)
		}
	}
	return out
}

// Events returns every current state event.
func (s *RoomState) Events() []*Event {
	out := make([]*Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev)
	}
	return out
}

// Member returns the live member projection for a user, or nil.
func (s *RoomState) Member(userID id.UserID) *RoomMember {
	return s.members[userID]
}

// Members returns all known member projections, including users who left.
func (s *RoomState) Members() []*RoomMember {
	out := make([]*RoomMember, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	return out
}

// JoinedMembers returns the currently joined members.
func (s *RoomState) JoinedMembers() []*RoomMember {
	var out []*RoomMember
	for _, m := range s.members {
		if m.Membership == event.MembershipJoin {
			out = append(out, m)
		}
	}
	return out
}

// SentinelMember returns the frozen snapshot of a user as of this state
// boundary. Users never seen here get a transient default sentinel, so
// event stamping always has something to hang on to.
func (s *RoomState) SentinelMember(userID id.UserID) *RoomMember {
	if sentinel, ok := s.sentinels[userID]; ok {
		return sentinel
	}
	return NewRoomMember(s.RoomID, userID).Sentinel()
}

// PowerLevels returns the parsed authorization table currently in force.
func (s *RoomState) PowerLevels() *PowerLevels { return s.powerLevels }

// MaySendEvent reports whether a user could send a message event of the
// given type under the current power levels. A member who has left can
// never pass, regardless of stored level.
func (s *RoomState) MaySendEvent(evType string, userID id.UserID) bool {
	return s.maySend(evType, userID, false)
}

// MaySendStateEvent is MaySendEvent for state events (state_default
// applies).
func (s *RoomState) MaySendStateEvent(evType string, userID id.UserID) bool {
	return s.maySend(evType, userID, true)
}

func (s *RoomState) maySend(evType string, userID id.UserID, isState bool) bool {
	if member, ok := s.members[userID]; ok && member.Membership != event.MembershipJoin {
		return false
	}
	return s.powerLevels.UserLevel(userID) >= s.powerLevels.EventLevel(evType, isState)
}

// MayRedactEvent reports whether the actor may redact the given event:
// their own events always, others' events only with redact-level power
// exceeding the sender's level.
func (s *RoomState) MayRedactEvent(actor id.UserID, ev *Event) bool {
	if actor == ev.Sender {
		return true
	}
	level := s.powerLevels.UserLevel(actor)
	return level >= s.powerLevels.RedactLevel() && level > s.powerLevels.UserLevel(ev.Sender)
}

// HandleTypingContent applies an m.typing ephemeral payload to the live
// members. A non-array user list is malformed and ignored. Returns the
// users whose typing flag changed.
func (s *RoomState) HandleTypingContent(content map[string]interface{}) []id.UserID {
	users, ok := stringSlice(content, "user_ids")
	if !ok {
		logger.Debugf("ignoring malformed m.typing payload in %s", s.RoomID)
		return nil
	}
	typing := make(map[id.UserID]struct{}, len(users))
	for _, u := range users {
		typing[id.UserID(u)] = struct{}{}
	}
	var changed []id.UserID
	for userID, member := range s.members {
		_, now := typing[userID]
		if member.setTyping(now) {
			changed = append(changed, userID)
		}
	}
	return changed
}

// PaginationToken returns the token for fetching events beyond this
// boundary.
func (s *RoomState) PaginationToken() string { return s.paginationToken }

func (s *RoomState) SetPaginationToken(token string) { s.paginationToken = token }

// Clone returns a state with independent mutable maps initially pointing at
// the same Event objects. Member projections are copied so the two states
// diverge without cross-contamination.
func (s *RoomState) Clone() *RoomState {
	dup := NewRoomState(s.RoomID)
	dup.notify = s.notify
	dup.paginationToken = s.paginationToken
	dup.powerLevels = s.powerLevels
	for key, ev := range s.events {
		dup.events[key] = ev
	}
	for userID, member := range s.members {
		dup.members[userID] = member.clone()
	}
	for userID, sentinel := range s.sentinels {
		dup.sentinels[userID] = sentinel
	}
	for name, owners := range s.nameOwners {
		cp := make(map[id.UserID]struct{}, len(owners))
		for u := range owners {
			cp[u] = struct{}{}
		}
		dup.nameOwners[name] = cp
	}
	return dup
}
