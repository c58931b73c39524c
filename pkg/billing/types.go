package billing

// PlanID identifies a subscription tier. The set is closed; PlanFree is the
// "no paid plan" sentinel every user falls back to.
type PlanID string

const (
	PlanFree     PlanID = "free"
	PlanStarter  PlanID = "starter"
	PlanPremium  PlanID = "premium"
	PlanBusiness PlanID = "business"
)

// SubscriptionStatus represents the current state of a subscription.
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusPending  SubscriptionStatus = "pending"
	StatusInactive SubscriptionStatus = "inactive"
)

// NormalizeStatus maps a provider-reported status string onto the internal
// closed set. Unknown values degrade to StatusInactive rather than leaking
// provider vocabulary into stored rows.
func NormalizeStatus(providerStatus string) SubscriptionStatus {
	switch SubscriptionStatus(providerStatus) {
	case StatusActive, StatusCanceled, StatusPastDue, StatusTrialing, StatusPending, StatusInactive:
		return SubscriptionStatus(providerStatus)
	}
	switch providerStatus {
	case "cancelled", "deleted":
		return StatusCanceled
	case "trialing", "trial":
		return StatusTrialing
	case "incomplete", "processing":
		return StatusPending
	case "paused", "unpaid", "incomplete_expired", "expired":
		return StatusInactive
	default:
		return StatusInactive
	}
}

// TransactionType classifies entries in the append-only token ledger.
type TransactionType string

const (
	TxnSubscription TransactionType = "subscription"
	TxnTrial        TransactionType = "trial"
	TxnFreeSignup   TransactionType = "free_signup"
	TxnReferral     TransactionType = "referral"
	TxnUsage        TransactionType = "usage"
	TxnPurchase     TransactionType = "purchase"
)

// ReferralStatus tracks settlement of a referral use.
type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralCompleted ReferralStatus = "completed"
)

// Money represents a monetary amount in the smallest currency unit.
// For example, $10.99 USD would be Amount: 1099, Currency: "USD".
type Money struct {
	Amount   int64  // Amount in smallest currency unit (cents for USD)
	Currency string // ISO 4217 currency code
}

// BillingInterval represents the billing frequency for a subscription plan.
type BillingInterval string

const (
	BillingIntervalNone    BillingInterval = "none" // Free plan with no billing
	BillingIntervalMonthly BillingInterval = "monthly"
	BillingIntervalAnnual  BillingInterval = "annual"
)
