package paddle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/subflowhq/subflow/pkg/billing"
)

// paddleEnvelope is the common wrapper around every Paddle webhook payload.
type paddleEnvelope struct {
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	OccurredAt string         `json:"occurred_at"`
	Data       map[string]any `json:"data"`
}

// ParseWebhook verifies the Paddle-Signature header and normalizes the event.
// The SDK verifier only accepts *http.Request, so one is reconstructed around
// the payload.
func (g *Gateway) ParseWebhook(ctx context.Context, payload []byte, signature string) (*billing.Event, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", billing.ErrMalformedPayload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build verification request: %w", err)
	}
	req.Header.Set(signatureHeader, signature)

	valid, err := g.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(billing.ErrSignatureVerification, err)
	}
	if !valid {
		return nil, billing.ErrSignatureVerification
	}

	var envelope paddleEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, errors.Join(billing.ErrMalformedPayload, err)
	}
	if envelope.EventID == "" || envelope.EventType == "" {
		return nil, fmt.Errorf("%w: missing event id or type", billing.ErrMalformedPayload)
	}

	event := &billing.Event{
		ID:            envelope.EventID,
		Type:          mapEventType(envelope.EventType),
		Provider:      providerName,
		ProviderEvent: envelope.EventType,
		Raw:           envelope.Data,
	}
	if ts, err := time.Parse(time.RFC3339, envelope.OccurredAt); err == nil {
		event.OccurredAt = ts.UTC()
	}

	switch {
	case strings.HasPrefix(envelope.EventType, "subscription."):
		g.extractSubscription(event, envelope.Data)
	case strings.HasPrefix(envelope.EventType, "transaction."):
		g.extractTransaction(event, envelope.Data)
	case envelope.EventType == "customer.updated":
		event.CustomerID = stringField(envelope.Data, "id")
		extractCustomData(event, envelope.Data)
	}

	return event, nil
}

// mapEventType maps Paddle event names onto the internal enumeration.
// Paddle reports a completed checkout as transaction.completed; lifecycle
// detail events like activation, pause, and past_due all land on
// subscription_updated with the provider status carrying the detail.
func mapEventType(providerEvent string) billing.EventType {
	switch providerEvent {
	case "transaction.completed", "transaction.paid":
		return billing.EventPaymentSucceeded
	case "transaction.payment_failed":
		return billing.EventPaymentFailed
	case "subscription.created":
		return billing.EventSubscriptionCreated
	case "subscription.updated", "subscription.activated",
		"subscription.resumed", "subscription.paused",
		"subscription.past_due", "subscription.trialing":
		return billing.EventSubscriptionUpdated
	case "subscription.canceled":
		return billing.EventSubscriptionCanceled
	case "customer.updated":
		return billing.EventCustomerUpdated
	default:
		return billing.EventIgnored
	}
}

func (g *Gateway) extractSubscription(event *billing.Event, data map[string]any) {
	event.SubscriptionID = stringField(data, "id")
	event.CustomerID = stringField(data, "customer_id")
	event.Status = stringField(data, "status")
	extractCustomData(event, data)

	if items, ok := data["items"].([]any); ok && len(items) > 0 {
		if item, ok := items[0].(map[string]any); ok {
			if price, ok := item["price"].(map[string]any); ok {
				g.resolvePlan(event, stringField(price, "id"))
			}
		}
	}

	if period, ok := data["current_billing_period"].(map[string]any); ok {
		if ts, err := time.Parse(time.RFC3339, stringField(period, "ends_at")); err == nil {
			end := ts.UTC()
			event.PeriodEnd = &end
		}
	}

	// Paddle models a pending period-end cancellation as a scheduled_change
	// with action "cancel"; a null scheduled_change means nothing is pending.
	if raw, present := data["scheduled_change"]; present {
		cape := false
		if change, ok := raw.(map[string]any); ok {
			cape = stringField(change, "action") == "cancel"
		}
		event.CancelAtPeriodEnd = &cape
	}
}

func (g *Gateway) extractTransaction(event *billing.Event, data map[string]any) {
	// The transaction ID is the checkout session reference handed out by
	// CreateCheckoutSession; it is the credit-grant idempotency key.
	event.SessionID = stringField(data, "id")
	event.SubscriptionID = stringField(data, "subscription_id")
	event.CustomerID = stringField(data, "customer_id")
	event.Status = stringField(data, "status")
	extractCustomData(event, data)

	if items, ok := data["items"].([]any); ok && len(items) > 0 {
		if item, ok := items[0].(map[string]any); ok {
			priceID := stringField(item, "price_id")
			if priceID == "" {
				if price, ok := item["price"].(map[string]any); ok {
					priceID = stringField(price, "id")
				}
			}
			g.resolvePlan(event, priceID)
		}
	}

	if period, ok := data["billing_period"].(map[string]any); ok {
		if ts, err := time.Parse(time.RFC3339, stringField(period, "ends_at")); err == nil {
			end := ts.UTC()
			event.PeriodEnd = &end
		}
	}
}

func extractCustomData(event *billing.Event, data map[string]any) {
	custom, ok := data["custom_data"].(map[string]any)
	if !ok {
		return
	}
	event.UserID = stringField(custom, "user_id")
	event.ReferralUseID = stringField(custom, "referral_use_id")
	event.ReferralCode = stringField(custom, "referral_code")
	if event.PlanID == "" {
		if planID := stringField(custom, "plan_id"); planID != "" {
			event.PlanID = billing.PlanID(planID)
		}
	}
}

func (g *Gateway) resolvePlan(event *billing.Event, priceID string) {
	if priceID == "" {
		return
	}
	event.ProviderPlanID = priceID
	if plan, ok := g.catalog.ByProviderPriceID(priceID); ok {
		event.PlanID = plan.ID
	}
}

func stringField(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}
