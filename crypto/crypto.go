// Package crypto defines the narrow interface the reconciliation engine
// uses to talk to an external encryption implementation. The engine never
// performs cryptography itself; it hands encrypted payloads to a Decryptor
// and records the outcome on the event.
package crypto

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// FailureReason classifies why a decryption attempt failed. Failures are
// recorded on the event rather than propagated; the engine retries
// automatically when key material arrives.
type FailureReason string

const (
	ReasonUnknownKey       FailureReason = "unknown_key"
	ReasonWithheldKey      FailureReason = "withheld_key"
	ReasonUnverifiedSender FailureReason = "unverified_sender"
	ReasonUnknown          FailureReason = "unknown"
)

// Clear is the cleartext result of a successful decryption.
type Clear struct {
	Type        string
	Content     map[string]interface{}
	SenderKey   string
	ClaimedKeys map[string]string
}

// DecryptionError is returned by a Decryptor when an event cannot be
// decrypted. It is stored on the event as its decryption failure.
type DecryptionError struct {
	Reason FailureReason
	Detail string
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed (%s): %s", e.Reason, e.Detail)
}

// AsDecryptionError coerces an arbitrary error into a *DecryptionError,
// wrapping unclassified errors under ReasonUnknown.
func AsDecryptionError(err error) *DecryptionError {
	if err == nil {
		return nil
	}
	if derr, ok := err.(*DecryptionError); ok {
		return derr
	}
	return &DecryptionError{Reason: ReasonUnknown, Detail: err.Error()}
}

// Decryptor decrypts a single encrypted event payload. Implementations may
// block (network round trips for key requests); the engine invokes Decrypt
// from its own goroutine and applies the result only after re-validating
// the event still wants it.
type Decryptor interface {
	Decrypt(ctx context.Context, roomID id.RoomID, eventID id.EventID, content map[string]interface{}) (*Clear, error)
}
