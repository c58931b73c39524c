// Package stripe implements billing.PaymentGateway on the official Stripe
// SDK. All provider quirks stay here: metadata round-tripping of the
// application user ID, signature verification, and the customer-ID cache.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/subflowhq/subflow/pkg/billing"
	"github.com/subflowhq/subflow/pkg/cache"
)

const (
	providerName    = "stripe"
	signatureHeader = "Stripe-Signature"

	customerCacheSize = 1024
	customerCacheTTL  = 15 * time.Minute
)

// Config holds Stripe credentials.
type Config struct {
	APIKey        string `env:"STRIPE_API_KEY,required"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`
}

// Gateway implements billing.PaymentGateway for Stripe.
type Gateway struct {
	client        *stripe.Client
	webhookSecret string
	catalog       billing.Catalog
	// customerIDs maps application user ID -> Stripe customer ID. Owned by
	// the gateway instance; entries expire and can be invalidated, nothing
	// is shared module-wide.
	customerIDs *cache.TTLCache[string, string]
}

// New creates a Stripe gateway.
func New(cfg Config, catalog billing.Catalog) (*Gateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, billing.ErrMissingAPIKey
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, billing.ErrMissingWebhookSecret
	}
	if len(catalog) == 0 {
		return nil, billing.ErrInvalidPlanConfiguration
	}

	return &Gateway{
		client:        stripe.NewClient(apiKey),
		webhookSecret: secret,
		catalog:       catalog,
		customerIDs:   cache.NewTTL[string, string](customerCacheSize, customerCacheTTL),
	}, nil
}

func (g *Gateway) Name() string { return providerName }

func (g *Gateway) SignatureHeader() string { return signatureHeader }

// CreateCheckoutSession creates a hosted Stripe Checkout session for a plan.
// The application user ID and referral metadata ride along in both session
// and subscription metadata so the webhook path can route the result back.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	if req.UserID == "" {
		return nil, billing.ErrInvalidUserID
	}
	if req.Plan.ProviderPriceID == "" {
		return nil, fmt.Errorf("%w: plan %q has no provider price", billing.ErrInvalidPlanConfiguration, req.Plan.ID)
	}

	metadata := map[string]string{
		"user_id": req.UserID,
		"plan_id": string(req.Plan.ID),
	}
	if req.ReferralUseID != "" {
		metadata["referral_use_id"] = req.ReferralUseID
	}
	if req.ReferralCode != "" {
		metadata["referral_code"] = req.ReferralCode
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.Plan.ProviderPriceID),
				Quantity: stripe.Int64(int64(max(req.DurationMonths, 1))),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		Metadata:   metadata,
	}
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	for k, v := range metadata {
		params.SubscriptionData.AddMetadata(k, v)
	}
	if req.Plan.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(int64(req.Plan.TrialDays))
	}

	// Reuse a known customer to avoid duplicates in Stripe; otherwise let
	// checkout create one linked back to us via the client reference.
	if customerID, ok := g.customerIDs.Get(req.UserID); ok {
		params.Customer = stripe.String(customerID)
	} else {
		params.ClientReferenceID = stripe.String(req.UserID)
		params.CustomerCreation = stripe.String("always")
		if req.Email != "" {
			params.CustomerEmail = stripe.String(req.Email)
		}
	}

	session, err := g.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return nil, errors.Join(billing.ErrProviderError, err)
	}
	if session.URL == "" {
		return nil, billing.ErrNoCheckoutURL
	}

	out := &billing.CheckoutSession{
		SessionID: session.ID,
		URL:       session.URL,
		ExpiresAt: time.Unix(session.ExpiresAt, 0),
	}
	if session.Customer != nil {
		out.CustomerID = session.Customer.ID
		g.customerIDs.Put(req.UserID, session.Customer.ID)
	}
	return out, nil
}

// CancelSubscription cancels the Stripe subscription, either at period end
// or immediately.
func (g *Gateway) CancelSubscription(ctx context.Context, providerSubID string, immediate bool) error {
	if providerSubID == "" {
		return billing.ErrMissingProviderSubID
	}

	if immediate {
		_, err := g.client.V1Subscriptions.Cancel(ctx, providerSubID, &stripe.SubscriptionCancelParams{})
		if err != nil {
			return errors.Join(billing.ErrProviderError, err)
		}
		return nil
	}

	_, err := g.client.V1Subscriptions.Update(ctx, providerSubID, &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	})
	if err != nil {
		return errors.Join(billing.ErrProviderError, err)
	}
	return nil
}

// ResumeSubscription clears a pending cancel-at-period-end.
func (g *Gateway) ResumeSubscription(ctx context.Context, providerSubID string) error {
	if providerSubID == "" {
		return billing.ErrMissingProviderSubID
	}
	_, err := g.client.V1Subscriptions.Update(ctx, providerSubID, &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	})
	if err != nil {
		return errors.Join(billing.ErrProviderError, err)
	}
	return nil
}

// VerifyPaymentStatus checks a checkout session's outcome directly with
// Stripe. Used by the post-checkout return page as a read-only probe; the
// webhook remains the authoritative activation path.
func (g *Gateway) VerifyPaymentStatus(ctx context.Context, sessionID string) (*billing.PaymentStatus, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session ID is required", billing.ErrProviderError)
	}

	session, err := g.client.V1CheckoutSessions.Retrieve(ctx, sessionID, nil)
	if err != nil {
		return nil, errors.Join(billing.ErrProviderError, err)
	}

	status := &billing.PaymentStatus{
		Status: string(session.Status),
		Paid:   session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
	}
	if session.Subscription != nil {
		status.SubscriptionID = session.Subscription.ID
	}
	if session.Customer != nil {
		status.CustomerID = session.Customer.ID
	}
	status.AmountPaid = billing.Money{
		Amount:   session.AmountTotal,
		Currency: strings.ToUpper(string(session.Currency)),
	}
	return status, nil
}

// GetPaymentMethods lists the customer's stored cards.
func (g *Gateway) GetPaymentMethods(ctx context.Context, providerCustomerID string) ([]billing.PaymentMethod, error) {
	if providerCustomerID == "" {
		return nil, billing.ErrMissingProviderCustomer
	}

	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(providerCustomerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}

	var methods []billing.PaymentMethod
	for pm, err := range g.client.V1PaymentMethods.List(ctx, params) {
		if err != nil {
			return nil, errors.Join(billing.ErrProviderError, err)
		}
		method := billing.PaymentMethod{
			ID:   pm.ID,
			Type: string(pm.Type),
		}
		if pm.Card != nil {
			method.Brand = string(pm.Card.Brand)
			method.Last4 = pm.Card.Last4
			method.ExpMonth = int(pm.Card.ExpMonth)
			method.ExpYear = int(pm.Card.ExpYear)
		}
		methods = append(methods, method)
	}
	return methods, nil
}

// GetBillingHistory lists the customer's past invoices.
func (g *Gateway) GetBillingHistory(ctx context.Context, providerCustomerID string) ([]billing.BillingRecord, error) {
	if providerCustomerID == "" {
		return nil, billing.ErrMissingProviderCustomer
	}

	params := &stripe.InvoiceListParams{
		Customer: stripe.String(providerCustomerID),
	}

	var records []billing.BillingRecord
	for inv, err := range g.client.V1Invoices.List(ctx, params) {
		if err != nil {
			return nil, errors.Join(billing.ErrProviderError, err)
		}
		records = append(records, billing.BillingRecord{
			ID:          inv.ID,
			Date:        time.Unix(inv.Created, 0),
			Description: inv.Description,
			Amount: billing.Money{
				Amount:   inv.AmountPaid,
				Currency: strings.ToUpper(string(inv.Currency)),
			},
			Status:     string(inv.Status),
			InvoiceURL: inv.HostedInvoiceURL,
		})
	}
	return records, nil
}
