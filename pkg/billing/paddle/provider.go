package paddle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/subflowhq/subflow/pkg/billing"
)

const (
	providerName    = "paddle"
	signatureHeader = "Paddle-Signature"
)

// Config holds Paddle API credentials loaded from the environment.
type Config struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// Gateway implements billing.PaymentGateway on top of the official Paddle SDK.
type Gateway struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	catalog  billing.Catalog
}

// New creates a Paddle gateway. The environment selects the sandbox or
// production API host.
func New(cfg Config, catalog billing.Catalog) (*Gateway, error) {
	if cfg.APIKey == "" {
		return nil, billing.ErrMissingAPIKey
	}
	if cfg.WebhookSecret == "" {
		return nil, billing.ErrMissingWebhookSecret
	}

	var (
		client *paddle.SDK
		err    error
	)
	switch strings.ToLower(cfg.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(cfg.APIKey)
	case "production", "":
		client, err = paddle.New(cfg.APIKey)
	default:
		return nil, fmt.Errorf("%w: %q", billing.ErrInvalidProviderEnv, cfg.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("create paddle client: %w", err)
	}

	return &Gateway{
		client:   client,
		verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret),
		catalog:  catalog,
	}, nil
}

func (g *Gateway) Name() string { return providerName }

func (g *Gateway) SignatureHeader() string { return signatureHeader }

// CreateCheckoutSession creates a Paddle transaction with a hosted checkout
// URL. Paddle has no separate session object; the transaction ID plays that
// role and is carried back on transaction.completed webhooks.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	if req.UserID == "" {
		return nil, billing.ErrInvalidUserID
	}
	if req.Plan.ProviderPriceID == "" {
		return nil, fmt.Errorf("%w: plan %q has no provider price", billing.ErrInvalidPlanConfiguration, req.Plan.ID)
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.Plan.ProviderPriceID,
		Quantity: max(req.DurationMonths, 1),
	})

	customData := paddle.CustomData{
		"user_id": req.UserID,
		"plan_id": string(req.Plan.ID),
	}
	if req.Email != "" {
		customData["email"] = req.Email
	}
	if req.ReferralUseID != "" {
		customData["referral_use_id"] = req.ReferralUseID
	}
	if req.ReferralCode != "" {
		customData["referral_code"] = req.ReferralCode
	}

	txnReq := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomData: customData,
	}
	if req.SuccessURL != "" {
		txnReq.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(req.SuccessURL),
		}
	}

	txn, err := g.client.TransactionsClient.CreateTransaction(ctx, txnReq)
	if err != nil {
		return nil, fmt.Errorf("create paddle transaction: %w", err)
	}

	if txn.Checkout == nil || txn.Checkout.URL == nil || *txn.Checkout.URL == "" {
		return nil, billing.ErrNoCheckoutURL
	}

	return &billing.CheckoutSession{
		SessionID: txn.ID,
		URL:       *txn.Checkout.URL,
		// Paddle checkout links expire after 24 hours.
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

// CancelSubscription cancels the Paddle subscription, immediately or at the
// end of the current billing period.
func (g *Gateway) CancelSubscription(ctx context.Context, providerSubID string, immediate bool) error {
	if providerSubID == "" {
		return billing.ErrMissingProviderSubID
	}

	effectiveFrom := paddle.EffectiveFromNextBillingPeriod
	if immediate {
		effectiveFrom = paddle.EffectiveFromImmediately
	}

	_, err := g.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: providerSubID,
		EffectiveFrom:  paddle.PtrTo(effectiveFrom),
	})
	if err != nil {
		return fmt.Errorf("cancel paddle subscription: %w", err)
	}
	return nil
}

// ResumeSubscription removes a scheduled cancellation so the subscription
// keeps renewing.
func (g *Gateway) ResumeSubscription(ctx context.Context, providerSubID string) error {
	if providerSubID == "" {
		return billing.ErrMissingProviderSubID
	}

	_, err := g.client.SubscriptionsClient.UpdateSubscription(ctx, &paddle.UpdateSubscriptionRequest{
		SubscriptionID:  providerSubID,
		ScheduledChange: paddle.NewNullPatchField[*paddle.SubscriptionScheduledChange](),
	})
	if err != nil {
		return fmt.Errorf("resume paddle subscription: %w", err)
	}
	return nil
}

// VerifyPaymentStatus retrieves the transaction created by CreateCheckoutSession
// and reports whether it was paid.
func (g *Gateway) VerifyPaymentStatus(ctx context.Context, sessionID string) (*billing.PaymentStatus, error) {
	txn, err := g.client.TransactionsClient.GetTransaction(ctx, &paddle.GetTransactionRequest{
		TransactionID: sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("get paddle transaction: %w", err)
	}

	status := &billing.PaymentStatus{
		Status: string(txn.Status),
		Paid:   txn.Status == paddle.TransactionStatusCompleted || txn.Status == paddle.TransactionStatusPaid,
	}
	if txn.SubscriptionID != nil {
		status.SubscriptionID = *txn.SubscriptionID
	}
	if txn.CustomerID != nil {
		status.CustomerID = *txn.CustomerID
	}
	if total := txn.Details.Totals.Total; total != "" {
		// Paddle reports totals as strings in the smallest currency unit.
		if amount, err := strconv.ParseInt(total, 10, 64); err == nil {
			status.AmountPaid.Amount = amount
		}
	}
	status.AmountPaid.Currency = string(txn.Details.Totals.CurrencyCode)
	return status, nil
}

// GetPaymentMethods returns nil for Paddle. Stored payment instruments are
// managed through Paddle's hosted customer portal, not the API.
func (g *Gateway) GetPaymentMethods(ctx context.Context, providerCustomerID string) ([]billing.PaymentMethod, error) {
	return nil, nil
}

// GetBillingHistory lists the customer's completed transactions.
func (g *Gateway) GetBillingHistory(ctx context.Context, providerCustomerID string) ([]billing.BillingRecord, error) {
	if providerCustomerID == "" {
		return nil, billing.ErrMissingProviderCustomer
	}

	res, err := g.client.TransactionsClient.ListTransactions(ctx, &paddle.ListTransactionsRequest{
		CustomerID: []string{providerCustomerID},
	})
	if err != nil {
		return nil, fmt.Errorf("list paddle transactions: %w", err)
	}

	var records []billing.BillingRecord
	err = res.Iter(ctx, func(txn *paddle.Transaction) (bool, error) {
		record := billing.BillingRecord{
			ID:     txn.ID,
			Status: string(txn.Status),
		}
		if txn.BilledAt != nil {
			if ts, err := time.Parse(time.RFC3339, *txn.BilledAt); err == nil {
				record.Date = ts
			}
		}
		if total := txn.Details.Totals.Total; total != "" {
			if amount, perr := strconv.ParseInt(total, 10, 64); perr == nil {
				record.Amount.Amount = amount
			}
		}
		record.Amount.Currency = string(txn.Details.Totals.CurrencyCode)
		records = append(records, record)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate paddle transactions: %w", err)
	}
	return records, nil
}
