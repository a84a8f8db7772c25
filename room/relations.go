package room

import (
	"maunium.net/go/mautrix/id"
)

// relationKey indexes aggregated relations by target event, relation type,
// and relating event type.
type relationKey struct {
	target  id.EventID
	relType RelationType
	evType  string
}

// relations is the side index of reaction/edit/reference/thread events for
// one timeline set, maintained transactionally with insert and remove.
type relations struct {
	byKey    map[relationKey]map[id.EventID]*Event
	byTarget map[id.EventID]map[id.EventID]*Event
}

func newRelations() *relations {
	return &relations{
		byKey:    make(map[relationKey]map[id.EventID]*Event),
		byTarget: make(map[id.EventID]map[id.EventID]*Event),
	}
}

// aggregate matches an ingested event against the index via its relation
// pointer. Events without one are ignored. Re-adding is a no-op.
func (r *relations) aggregate(ev *Event) *RelatesTo {
	rel := ev.RelatesTo()
	if rel == nil {
		return nil
	}
	key := relationKey{target: rel.EventID, relType: rel.RelType, evType: ev.EffectiveType()}
	group, ok := r.byKey[key]
	if !ok {
		group = make(map[id.EventID]*Event)
		r.byKey[key] = group
	}
	group[ev.ID()] = ev

	all, ok := r.byTarget[rel.EventID]
	if !ok {
		all = make(map[id.EventID]*Event)
		r.byTarget[rel.EventID] = all
	}
	all[ev.ID()] = ev
	return rel
}

// remove unindexes a relating event, e.g. when it is removed from its
// timeline or its local-echo send is cancelled.
func (r *relations) remove(ev *Event) {
	rel := ev.RelatesTo()
	if rel == nil {
		return
	}
	key := relationKey{target: rel.EventID, relType: rel.RelType, evType: ev.EffectiveType()}
	if group, ok := r.byKey[key]; ok {
		delete(group, ev.ID())
		if len(group) == 0 {
			delete(r.byKey, key)
		}
	}
	if all, ok := r.byTarget[rel.EventID]; ok {
		delete(all, ev.ID())
		if len(all) == 0 {
			delete(r.byTarget, rel.EventID)
		}
	}
}

// replaceEventID upgrades the indexed id of a relating event after a remote
// echo replaced its placeholder.
func (r *relations) replaceEventID(oldID, newID id.EventID, ev *Event) {
	rel := ev.RelatesTo()
	if rel == nil {
		return
	}
	key := relationKey{target: rel.EventID, relType: rel.RelType, evType: ev.EffectiveType()}
	if group, ok := r.byKey[key]; ok {
		delete(group, oldID)
		group[newID] = ev
	}
	if all, ok := r.byTarget[rel.EventID]; ok {
		delete(all, oldID)
		all[newID] = ev
	}
}

// retarget moves a relating event's aggregation from one target to
// another, used when a redacted intermediate is walked past.
func (r *relations) retarget(ev *Event, oldTarget, newTarget id.EventID) {
	rel := ev.RelatesTo()
	relType := RelAnnotation
	if rel != nil {
		relType = rel.RelType
	}
	oldKey := relationKey{target: oldTarget, relType: relType, evType: ev.EffectiveType()}
	if group, ok := r.byKey[oldKey]; ok {
		delete(group, ev.ID())
		if len(group) == 0 {
			delete(r.byKey, oldKey)
		}
	}
	if all, ok := r.byTarget[oldTarget]; ok {
		delete(all, ev.ID())
		if len(all) == 0 {
			delete(r.byTarget, oldTarget)
		}
	}

	newKey := relationKey{target: newTarget, relType: relType, evType: ev.EffectiveType()}
	group, ok := r.byKey[newKey]
	if !ok {
		group = make(map[id.EventID]*Event)
		r.byKey[newKey] = group
	}
	group[ev.ID()] = ev
	all, ok := r.byTarget[newTarget]
	if !ok {
		all = make(map[id.EventID]*Event)
		r.byTarget[newTarget] = all
	}
	all[ev.ID()] = ev
}

// forEvent returns the events relating to a target under (relType, evType).
func (r *relations) forEvent(target id.EventID, relType RelationType, evType string) []*Event {
	group := r.byKey[relationKey{target: target, relType: relType, evType: evType}]
	out := make([]*Event, 0, len(group))
	for _, ev := range group {
		out = append(out, ev)
	}
	return out
}

// allForTarget returns every event relating to a target, regardless of
// relation or event type.
func (r *relations) allForTarget(target id.EventID) []*Event {
	all := r.byTarget[target]
	out := make([]*Event, 0, len(all))
	for _, ev := range all {
		out = append(out, ev)
	}
	return out
}
