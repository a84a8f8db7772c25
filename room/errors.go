package room

import "errors"

// Structural violations: misuse of the engine by the caller. These are
// returned synchronously from the mutating call and are never retried.
var (
	// ErrStateAlreadyInitialized is returned when Initialize is called on a
	// timeline that already holds events or initialized state.
	ErrStateAlreadyInitialized = errors.New("timeline state already initialized")

	// ErrNeighbourAlreadySet is returned by SetNeighbouringTimeline when the
	// requested side is already linked. Neighbour assignment is one-shot.
	ErrNeighbourAlreadySet = errors.New("timeline already has a neighbouring timeline on that side")

	// ErrInvalidDuplicateStrategy is returned when a duplicate strategy other
	// than DuplicateIgnore or DuplicateReplace is passed.
	ErrInvalidDuplicateStrategy = errors.New("invalid duplicate strategy")

	// ErrDuplicateTransactionID is returned by AddPendingEvent when the
	// transaction id is already claimed by another pending event.
	ErrDuplicateTransactionID = errors.New("transaction id already in use by a pending event")

	// ErrNotPendingEvent is returned when an echo or status update targets an
	// event that is not in the pending set.
	ErrNotPendingEvent = errors.New("event is not a pending local echo")

	// ErrInvalidStatusTransition is returned when a pending event status
	// update would move backwards in the send lifecycle.
	ErrInvalidStatusTransition = errors.New("invalid pending event status transition")
)
