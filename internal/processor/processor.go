// Package processor maps processor tags ("boe", "real-estate") to the
// per-type validation and transformation that turns matched documents into
// notification candidates.
//
// Processors are plain values registered in a map at start — no dynamic
// registration, no dispatch hierarchies. Adding a source means adding a
// value that implements Processor.
package processor

import (
	"fmt"

	"github.com/lexwatch/notification-worker/internal/envelope"
	"github.com/lexwatch/notification-worker/internal/repository/db"
)

// Candidate is one document transformed into a notification waiting to be
// deduplicated and persisted. DocumentID carries the upstream document id
// when the source provided one; it then participates in the dedup key.
type Candidate struct {
	Notification db.InsertNotificationParams
	DocumentID   string
}

// SubscriptionResult is the output of ValidateAndTransform: the ordered
// candidate list for one envelope plus the documents that had to be
// skipped as structurally invalid.
type SubscriptionResult struct {
	ProcessorType  string
	UserID         string
	SubscriptionID string
	TraceID        string
	Candidates     []Candidate
	Invalid        int
}

// Processor is the per-tag capability: validate and coerce documents of one
// source type into notification candidates.
type Processor interface {
	Type() string
	// RequiresDatabase reports whether this processor's output needs the
	// store to be healthy; the diagnostics surface exposes it.
	RequiresDatabase() bool
	ValidateAndTransform(env *envelope.Normalized) (*SubscriptionResult, error)
}

// AuthorizationError means the envelope's user does not own the
// subscription it claims results for. The whole envelope is skipped.
type AuthorizationError struct {
	UserID         string
	SubscriptionID string
	OwnerID        string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("subscription %s is owned by %s, not %s", e.SubscriptionID, e.OwnerID, e.UserID)
}

// Name is used in log fields and DLQ envelopes.
func (e *AuthorizationError) Name() string { return "AuthorizationError" }
