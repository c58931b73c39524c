package billing

import (
	"time"

	"github.com/google/uuid"
)

// TokenTransaction is an entry in the append-only token ledger. Entries are
// never mutated or deleted; the ledger doubles as the audit trail and as the
// idempotency record for one-time grants.
type TokenTransaction struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Credits     int64 // signed delta, negative for usage debits
	Type        TransactionType
	Description string
	// Reference carries the grant's idempotency key where one exists:
	// the provider checkout session / transaction ID for subscription grants.
	Reference string
	CreatedAt time.Time
}
