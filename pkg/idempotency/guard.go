// Package idempotency suppresses duplicate webhook deliveries. Providers
// retry aggressively and may deliver the same event in parallel, so the
// guard records event IDs for a bounded window and rejects redelivery
// within it. The backing store is swappable: an in-process TTL map for
// single-instance deployments, Redis for multi-instance.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is the dedupe window. Long enough to absorb the provider's
// near-term retries, short enough that a genuinely stuck event is retried
// eventually.
const DefaultTTL = 10 * time.Minute

var ErrInvalidEventID = errors.New("idempotency: event ID is required")

// Guard tracks event IDs currently or recently processed.
//
// Policy: MarkProcessing claims the ID at the start of processing; the claim
// expires by TTL on its own after success. A handler that fails must Release
// the claim so the provider's redelivery is processed instead of being
// swallowed as a duplicate.
type Guard interface {
	// IsDuplicate reports whether the ID is present and unexpired.
	IsDuplicate(ctx context.Context, eventID string) (bool, error)

	// MarkProcessing atomically claims the ID. Returns false when the ID
	// was already claimed within the window.
	MarkProcessing(ctx context.Context, eventID string) (bool, error)

	// Release drops the claim, making the ID processable again. Called on
	// handler failure so a provider retry is not treated as a duplicate.
	Release(ctx context.Context, eventID string) error
}
