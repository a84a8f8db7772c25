package room

import (
	"context"

	"maunium.net/go/mautrix/id"

	"github.com/mxlib/roomsync/crypto"
)

// DecryptEvent kicks off decryption of an encrypted event through the
// room's Decryptor. Attempts for the same event are coalesced: a second
// call while one is outstanding flags a retry instead of issuing a
// duplicate request, and the retry runs when the in-flight attempt
// completes with a failure. The call returns immediately; completion is
// observed via an UpdateEventDecrypted notification.
func (r *Room) DecryptEvent(ctx context.Context, ev *Event) {
	if r.opts.Decryptor == nil {
		return
	}
	r.Lock()
	if !ev.IsEncrypted() || ev.IsRedacted() || ev.clear != nil {
		r.Unlock()
		return
	}
	if ev.decrypting {
		ev.retryDecrypt = true
		r.Unlock()
		return
	}
	ev.decrypting = true
	ev.retryDecrypt = false
	// Snapshot under the lock: a concurrent redaction or remote echo may
	// swap the event's id and content while the attempt is in flight.
	roomID, eventID, content := ev.RoomID, ev.ID(), ev.RawContent()
	r.Unlock()

	go r.runDecryption(ctx, ev, roomID, eventID, content)
}

// RetryDecryption re-attempts a failed decryption, typically after key
// material arrived. Chains onto an in-flight attempt when one exists.
func (r *Room) RetryDecryption(ctx context.Context, ev *Event) {
	r.Lock()
	ev.decryptErr = nil
	r.Unlock()
	r.DecryptEvent(ctx, ev)
}

func (r *Room) runDecryption(ctx context.Context, ev *Event, roomID id.RoomID, eventID id.EventID, content map[string]interface{}) {
	for {
		clear, err := r.opts.Decryptor.Decrypt(ctx, roomID, eventID, content)

		r.Lock()
		retry := ev.retryDecrypt
		ev.retryDecrypt = false

		// While we were suspended other calls may have mutated the
		// timeline: a since-redacted or removed event discards the result.
		if ev.IsRedacted() || r.findEventLocked(ev.ID()) == nil {
			ev.decrypting = false
			r.Unlock()
			logger.Debugf("discarding decryption result for %s, event gone or redacted", eventID)
			return
		}

		if err == nil {
			ev.clear = clear
			ev.decryptErr = nil
			ev.decrypting = false
			r.Unlock()
			r.emit(Update{Type: UpdateEventDecrypted, Data: &EventDecryptedUpdate{Event: ev}})
			return
		}

		ev.decryptErr = crypto.AsDecryptionError(err)
		if !retry {
			ev.decrypting = false
			r.Unlock()
			r.emit(Update{Type: UpdateEventDecrypted, Data: &EventDecryptedUpdate{Event: ev, Err: err}})
			return
		}
		// A retry was requested while this attempt was in flight; the id or
		// content may have moved since the first snapshot.
		eventID, content = ev.ID(), ev.RawContent()
		r.Unlock()
	}
}
