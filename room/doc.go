// Package room reconciles the event stream of a federated chat room into a
// consistent, queryable in-memory view: ordered timelines with state at
// each boundary, member projections, receipts, threads, redaction
// bookkeeping, and optimistic local sends.
//
// Events arrive out of order and gapped, from periodic sync and on-demand
// pagination; the engine guarantees that room state at any timeline
// position reflects exactly the state events up to that position. It holds
// no transport or storage: parsed events come in through Room.AddLiveEvents
// and Room.AddEventsToTimeline, changes go out on Room.Updates.
package room
