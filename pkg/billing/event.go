package billing

import "time"

// EventType is the internal enumeration webhook events are normalized into.
// Provider-specific event names outside this set are dropped at parse time;
// providers emit many event types the system does not act on.
type EventType string

const (
	EventPaymentSucceeded     EventType = "payment_succeeded"
	EventPaymentFailed        EventType = "payment_failed"
	EventSubscriptionCreated  EventType = "subscription_created"
	EventSubscriptionUpdated  EventType = "subscription_updated"
	EventSubscriptionCanceled EventType = "subscription_canceled"
	EventInvoicePaid          EventType = "invoice_paid"
	EventInvoiceFailed        EventType = "invoice_failed"
	EventCustomerUpdated      EventType = "customer_updated"

	// EventIgnored marks a verified, well-formed event whose provider type
	// has no internal mapping. The dispatcher treats it as a successful no-op.
	EventIgnored EventType = "ignored"
)

// Event is a normalized, provider-agnostic webhook event. It is transient:
// created by a gateway's parser, consumed by the dispatcher, and discarded;
// only its ID lingers in the idempotency guard for the dedupe window.
type Event struct {
	ID            string // provider-assigned, globally unique per provider
	Type          EventType
	Provider      string // gateway name the event came from
	ProviderEvent string // original provider event name
	OccurredAt    time.Time

	UserID         string     // application user ID carried in provider metadata
	CustomerID     string     // provider customer reference
	SubscriptionID string     // provider subscription reference
	SessionID      string     // checkout session / transaction ID (grant dedupe key)
	PlanID         PlanID     // resolved internal plan, empty when unknown
	ProviderPlanID string     // provider price ID as received
	Status         string     // provider-reported subscription status
	PeriodEnd      *time.Time // provider-reported current period end

	// CancelAtPeriodEnd reflects a provider-side scheduled cancellation.
	// Nil when the event does not carry the flag at all.
	CancelAtPeriodEnd *bool

	// Referral metadata forwarded from checkout custom data, when present.
	ReferralUseID string
	ReferralCode  string

	Raw map[string]any // full provider payload for handlers that need more
}
