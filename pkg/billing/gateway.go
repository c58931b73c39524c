package billing

import (
	"context"
	"time"
)

// PaymentGateway is the closed capability interface the reconciliation core
// depends on. Any conforming provider implementation is substitutable; the
// core never probes for optional methods at runtime.
//
// Implementations should use official provider SDKs and absorb provider
// quirks internally (customer ID mapping, metadata fields, signature schemes).
type PaymentGateway interface {
	// Name returns the provider identifier ("stripe", "paddle").
	Name() string

	// SignatureHeader returns the HTTP header the provider sends its
	// webhook signature in.
	SignatureHeader() string

	// CreateCheckoutSession creates a hosted checkout session for a plan.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// CancelSubscription cancels the provider-side subscription. When
	// immediate is false the subscription is scheduled to end at the
	// current period boundary.
	CancelSubscription(ctx context.Context, providerSubID string, immediate bool) error

	// ResumeSubscription clears a pending cancel-at-period-end.
	ResumeSubscription(ctx context.Context, providerSubID string) error

	// VerifyPaymentStatus checks a checkout session's outcome directly
	// with the provider. Used by the post-checkout return page, not by
	// the webhook path.
	VerifyPaymentStatus(ctx context.Context, sessionID string) (*PaymentStatus, error)

	// GetPaymentMethods lists the customer's stored payment methods.
	GetPaymentMethods(ctx context.Context, providerCustomerID string) ([]PaymentMethod, error)

	// GetBillingHistory lists the customer's past invoices/transactions.
	GetBillingHistory(ctx context.Context, providerCustomerID string) ([]BillingRecord, error)

	// ParseWebhook verifies the payload signature and normalizes the event.
	// A signature failure returns ErrSignatureVerification and the caller
	// must reject the request without processing. A well-formed event of an
	// unmapped provider type comes back with Type == EventIgnored.
	ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error)
}

// CheckoutRequest contains data needed to create a checkout session.
type CheckoutRequest struct {
	UserID         string // application user ID, round-tripped via metadata
	Plan           Plan
	DurationMonths int    // 0 means the plan's default interval
	Email          string // pre-fill billing email if known
	SuccessURL     string
	CancelURL      string
	ReferralUseID  string // forwarded so webhook settlement can find the pending use
	ReferralCode   string
}

// CheckoutSession represents a hosted checkout session.
type CheckoutSession struct {
	SessionID  string
	URL        string
	CustomerID string // provider customer, when already known
	ExpiresAt  time.Time
}

// PaymentStatus is the provider's answer to a direct session verification.
type PaymentStatus struct {
	Status         string // provider-reported session status
	Paid           bool
	SubscriptionID string
	CustomerID     string
	AmountPaid     Money
}

// PaymentMethod describes a stored payment instrument.
type PaymentMethod struct {
	ID       string
	Type     string // "card", "paypal", ...
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
	Default  bool
}

// BillingRecord is one entry in the customer's billing history.
type BillingRecord struct {
	ID          string
	Date        time.Time
	Description string
	Amount      Money
	Status      string
	InvoiceURL  string
}
