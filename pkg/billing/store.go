package billing

import (
	"context"

	"github.com/google/uuid"
)

// Store defines the persistence interface for billing state. Implementations
// must provide row-level transaction isolation: concurrent RunInTx calls
// touching the same user serialize at the storage layer, which is what the
// reconciliation operations rely on instead of any in-process locking.
type Store interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*User, error)
	SaveUser(ctx context.Context, user *User) error
	// UpdateUserType writes only the derived tier column. Used by the
	// consistency fixer, which repairs User without touching Subscription.
	UpdateUserType(ctx context.Context, userID uuid.UUID, userType PlanID) error
	ListUserIDs(ctx context.Context) ([]uuid.UUID, error)

	GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	SaveSubscription(ctx context.Context, sub *Subscription) error

	CreateTransaction(ctx context.Context, txn *TokenTransaction) error
	// HasTransaction is the findFirst-style existence check guarding
	// one-time grants (free signup).
	HasTransaction(ctx context.Context, userID uuid.UUID, txnType TransactionType) (bool, error)
	// HasTransactionWithReference checks for a prior grant recorded under
	// an explicit idempotency key (checkout session ID).
	HasTransactionWithReference(ctx context.Context, userID uuid.UUID, txnType TransactionType, reference string) (bool, error)

	GetReferralUse(ctx context.Context, id uuid.UUID) (*ReferralUse, error)
	// FindPendingReferralUse locates the pending use for a referred user,
	// optionally narrowed by referral code.
	FindPendingReferralUse(ctx context.Context, referredID uuid.UUID, code string) (*ReferralUse, error)
	HasCompletedReferralUse(ctx context.Context, referredID uuid.UUID) (bool, error)
	SaveReferralUse(ctx context.Context, use *ReferralUse) error

	// RunInTx executes fn atomically. The Store passed to fn operates
	// within the transaction; any error rolls the whole transaction back
	// with no partial row updates.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
