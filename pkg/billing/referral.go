package billing

import (
	"time"

	"github.com/google/uuid"
)

// ReferralUse records one application of a referral code at checkout time.
// It transitions PENDING -> COMPLETED exactly once, when the referred user's
// paid plan activates and bonuses are settled.
type ReferralUse struct {
	ID           uuid.UUID
	ReferrerID   uuid.UUID
	ReferredID   uuid.UUID
	ReferralCode string
	Status       ReferralStatus
	PlanID       PlanID
	CreatedAt    time.Time
	CompletedAt  *time.Time
}
