// Package syncer feeds parsed sync and pagination batches from an external
// transport into per-room reconciliation state. It owns no HTTP: the
// transport hands it SyncBatch values and implements Paginator on demand.
package syncer

import (
	"context"

	"github.com/davecgh/go-spew/spew"
	lru "github.com/hashicorp/golang-lru"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"

	"github.com/mxlib/roomsync/room"
)

var logger *logrus.Entry

func init() {
	rootLogger := logrus.New()
	rootLogger.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 14,
		FullTimestamp: true,
	})
	logger = rootLogger.WithFields(logrus.Fields{"prefix": "syncer"})
}

// SetLogger replaces the package logger.
func SetLogger(l *logrus.Entry) {
	logger = l
}

// TimelineBatch is the timeline section of one room's sync response.
type TimelineBatch struct {
	Events []*room.RawEvent
	// Limited marks a gappy batch: events were skipped between the previous
	// sync and PrevBatch.
	Limited   bool
	PrevBatch string
}

// RoomBatch is everything one sync delivered for one room.
type RoomBatch struct {
	State       []*room.RawEvent
	Timeline    TimelineBatch
	Ephemeral   []*room.RawEvent
	AccountData []*room.RawEvent

	UnreadHighlight int
	UnreadTotal     int
}

// SyncBatch is one parsed sync response, already split per room by the
// transport.
type SyncBatch struct {
	NextBatch string
	Rooms     map[id.RoomID]*RoomBatch
}

// PageResponse is one page of history from the pagination endpoint.
type PageResponse struct {
	Events    []*room.RawEvent
	NextToken string
}

// Paginator fetches more events around a token; implemented by the external
// transport.
type Paginator interface {
	Paginate(ctx context.Context, roomID id.RoomID, token string, dir room.Direction, limit int) (*PageResponse, error)
}

// Opts configures a Processor.
type Opts struct {
	RoomOpts *room.Opts
	// DedupCacheSize bounds the per-room LRU of recently ingested event
	// ids, used to drop exact duplicate deliveries cheaply.
	DedupCacheSize int
	// CanResetEntireTimeline permits dropping all stored timelines on a
	// gappy sync instead of keeping the old segments paginatable.
	CanResetEntireTimeline bool
	// PageLimit is the event count requested per pagination call.
	PageLimit int
}

func (o *Opts) withDefaults() Opts {
	opts := Opts{}
	if o != nil {
		opts = *o
	}
	if opts.DedupCacheSize <= 0 {
		opts.DedupCacheSize = 500
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = 50
	}
	return opts
}

// Processor routes sync batches into rooms and drives pagination. It keeps
// the previous sync token so a gappy batch can leave the old live timeline
// paginatable forward toward the gap.
type Processor struct {
	myUserID  id.UserID
	opts      Opts
	paginator Paginator

	rooms map[id.RoomID]*room.Room
	seen  map[id.RoomID]*lru.Cache

	prevSyncToken string
}

func NewProcessor(myUserID id.UserID, paginator Paginator, opts *Opts) *Processor {
	return &Processor{
		myUserID:  myUserID,
		opts:      opts.withDefaults(),
		paginator: paginator,
		rooms:     make(map[id.RoomID]*room.Room),
		seen:      make(map[id.RoomID]*lru.Cache),
	}
}

// Room returns the reconciliation state for a room id, creating it on first
// sight.
func (p *Processor) Room(roomID id.RoomID) *room.Room {
	r, ok := p.rooms[roomID]
	if !ok {
		r = room.NewRoom(roomID, p.myUserID, p.opts.RoomOpts)
		p.rooms[roomID] = r
		cache, _ := lru.New(p.opts.DedupCacheSize)
		p.seen[roomID] = cache
	}
	return r
}

// Rooms returns all rooms seen so far.
func (p *Processor) Rooms() []*room.Room {
	out := make([]*room.Room, 0, len(p.rooms))
	for _, r := range p.rooms {
		out = append(out, r)
	}
	return out
}

// ProcessSync ingests one sync response: state, timeline (splicing on
// gaps), ephemeral, account data and counters, per room, in order.
func (p *Processor) ProcessSync(batch *SyncBatch) error {
	logger.Tracef("ProcessSync %s", spew.Sdump(batch))

	for roomID, roomBatch := range batch.Rooms {
		if err := p.processRoom(roomID, roomBatch); err != nil {
			return errors.Wrapf(err, "processing sync for %s", roomID)
		}
	}
	p.prevSyncToken = batch.NextBatch
	return nil
}

func (p *Processor) processRoom(roomID id.RoomID, batch *RoomBatch) error {
	r := p.Room(roomID)

	// A gappy batch severs the live timeline: everything after the gap goes
	// onto a fresh one. The old segment stays reachable forward via the
	// previous sync token, unless a full reset is allowed.
	if batch.Timeline.Limited && len(r.LiveTimeline().Events()) > 0 {
		var forwardToken *string
		if !p.opts.CanResetEntireTimeline && p.prevSyncToken != "" {
			token := p.prevSyncToken
			forwardToken = &token
		}
		r.ResetLiveTimeline(batch.Timeline.PrevBatch, forwardToken)
	}

	live := r.LiveTimeline()
	fresh := len(live.Events()) == 0 && len(live.State(room.Forwards).Events()) == 0
	if len(batch.State) > 0 {
		stateEvents := convert(roomID, batch.State)
		if fresh {
			if err := live.Initialize(stateEvents); err != nil {
				logger.Warnf("state init for %s: %v", roomID, err)
				live.State(room.Forwards).SetStateEvents(stateEvents)
			}
		} else {
			live.State(room.Forwards).SetStateEvents(stateEvents)
		}
	}
	if fresh && batch.Timeline.PrevBatch != "" && live.PaginationToken(room.Backwards) == "" {
		live.SetPaginationToken(batch.Timeline.PrevBatch, room.Backwards)
	}

	timelineEvents := p.dedup(roomID, convert(roomID, batch.Timeline.Events))
	if err := r.AddLiveEvents(timelineEvents, room.DuplicateIgnore); err != nil {
		return errors.Wrap(err, "adding live events")
	}

	if len(batch.Ephemeral) > 0 {
		r.AddEphemeralEvents(convert(roomID, batch.Ephemeral))
	}
	if len(batch.AccountData) > 0 {
		r.AddAccountData(convert(roomID, batch.AccountData))
	}
	r.SetUnreadCounts(room.UnreadCounts{
		Highlight: batch.UnreadHighlight,
		Total:     batch.UnreadTotal,
	})
	return nil
}

// dedup drops events whose id went through this room recently. The
// timeline set's own index is still the authority; this just short-circuits
// the common resend case.
func (p *Processor) dedup(roomID id.RoomID, events []*room.Event) []*room.Event {
	cache := p.seen[roomID]
	if cache == nil {
		return events
	}
	out := events[:0]
	for _, ev := range events {
		if ok, _ := cache.ContainsOrAdd(ev.ID(), struct{}{}); ok {
			logger.Debugf("dropping duplicate delivery of %s in %s", ev.ID(), roomID)
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Paginate fetches one page of history beyond a timeline edge and splices
// it in. Returns false when there is nothing further to request in that
// direction: the edge has a neighbour, or its token is exhausted.
func (p *Processor) Paginate(ctx context.Context, r *room.Room, tl *room.EventTimeline, dir room.Direction) (bool, error) {
	if p.paginator == nil {
		return false, errors.New("no paginator configured")
	}
	if tl.NeighbouringTimeline(dir) != nil {
		return false, nil
	}
	token := tl.PaginationToken(dir)
	if token == "" {
		return false, nil
	}

	resp, err := p.paginator.Paginate(ctx, r.ID, token, dir, p.opts.PageLimit)
	if err != nil {
		return false, errors.Wrapf(err, "paginating %s %s", r.ID, dir)
	}

	events := convert(r.ID, resp.Events)
	if err := r.AddEventsToTimeline(events, dir == room.Backwards, tl, resp.NextToken); err != nil {
		return false, errors.Wrap(err, "splicing paginated events")
	}
	return len(resp.Events) > 0 && resp.NextToken != "", nil
}

func convert(roomID id.RoomID, raw []*room.RawEvent) []*room.Event {
	out := make([]*room.Event, 0, len(raw))
	for _, rawEv := range raw {
		if rawEv.RoomID == "" {
			rawEv.RoomID = roomID
		}
		out = append(out, room.NewEvent(rawEv))
	}
	return out
}
