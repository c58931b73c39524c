package billing

import (
	"time"

	"github.com/google/uuid"
)

// Subscription represents a user's subscription to a plan.
// Each user has at most one subscription row; UserID is the primary key.
type Subscription struct {
	UserID             uuid.UUID
	PlanID             PlanID
	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	TrialEnd           *time.Time // set only for plans with trials
	ProviderCustomerID string     // opaque provider reference (cus_xxx, ctm_xxx)
	ProviderSubID      string     // provider's subscription ID (empty for free plans)
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

func (s *Subscription) IsCanceled() bool {
	return s.Status == StatusCanceled
}

func (s *Subscription) IsTrialing() bool {
	return s.Status == StatusTrialing
}

// IsExpiredAt reports whether the current billing period has elapsed.
func (s *Subscription) IsExpiredAt(now time.Time) bool {
	return !s.CurrentPeriodEnd.IsZero() && now.After(s.CurrentPeriodEnd)
}

// GrantsPaidAccessAt reports whether the subscription entitles the user to
// its plan tier at the given time. This is the condition the reconcile
// consistency rules are built on: active status and an unexpired period.
func (s *Subscription) GrantsPaidAccessAt(now time.Time) bool {
	return s.IsActive() && !s.IsExpiredAt(now) && s.PlanID != PlanFree
}
