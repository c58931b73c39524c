package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/subflowhq/subflow/pkg/billing"
)

// ParseWebhook verifies the Stripe-Signature header against the webhook
// secret and normalizes the event. Signature verification failure is fatal
// for the request; well-formed events of types we never act on come back
// with Type == EventIgnored.
func (g *Gateway) ParseWebhook(ctx context.Context, payload []byte, signature string) (*billing.Event, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", billing.ErrMalformedPayload)
	}

	stripeEvent, err := stripe.ConstructEvent(payload, signature, g.webhookSecret)
	if err != nil {
		return nil, errors.Join(billing.ErrSignatureVerification, err)
	}
	if stripeEvent.ID == "" || stripeEvent.Type == "" {
		return nil, fmt.Errorf("%w: missing event id or type", billing.ErrMalformedPayload)
	}

	event := &billing.Event{
		ID:            stripeEvent.ID,
		Provider:      providerName,
		ProviderEvent: string(stripeEvent.Type),
		// Provider event creation time, not wall-clock receipt time.
		OccurredAt: time.Unix(stripeEvent.Created, 0).UTC(),
	}

	var obj map[string]any
	if len(stripeEvent.Data.Raw) > 0 {
		if err := json.Unmarshal(stripeEvent.Data.Raw, &obj); err != nil {
			return nil, errors.Join(billing.ErrMalformedPayload, err)
		}
	}
	event.Raw = obj

	switch stripeEvent.Type {
	case "checkout.session.completed":
		event.Type = billing.EventPaymentSucceeded
		g.extractCheckoutSession(event, stripeEvent.Data.Raw)
	case "invoice.payment_succeeded", "invoice.paid":
		event.Type = billing.EventInvoicePaid
		g.extractInvoice(event, obj)
	case "invoice.payment_failed":
		event.Type = billing.EventInvoiceFailed
		g.extractInvoice(event, obj)
	case "payment_intent.payment_failed":
		event.Type = billing.EventPaymentFailed
		g.extractMetadata(event, obj)
		event.CustomerID = stringField(obj, "customer")
	case "customer.subscription.created":
		event.Type = billing.EventSubscriptionCreated
		if err := g.extractSubscription(event, stripeEvent.Data.Raw, obj); err != nil {
			return nil, err
		}
	case "customer.subscription.updated":
		event.Type = billing.EventSubscriptionUpdated
		if err := g.extractSubscription(event, stripeEvent.Data.Raw, obj); err != nil {
			return nil, err
		}
	case "customer.subscription.deleted":
		event.Type = billing.EventSubscriptionCanceled
		if err := g.extractSubscription(event, stripeEvent.Data.Raw, obj); err != nil {
			return nil, err
		}
	case "customer.updated":
		event.Type = billing.EventCustomerUpdated
		event.CustomerID = stringField(obj, "id")
		g.extractMetadata(event, obj)
	default:
		event.Type = billing.EventIgnored
	}

	return event, nil
}

// extractCheckoutSession pulls routing data from a completed checkout
// session: the session ID doubles as the credit-grant idempotency key.
func (g *Gateway) extractCheckoutSession(event *billing.Event, raw json.RawMessage) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return
	}

	event.SessionID = session.ID
	if session.Customer != nil {
		event.CustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		event.SubscriptionID = session.Subscription.ID
	}

	if session.Metadata != nil {
		event.UserID = session.Metadata["user_id"]
		event.ReferralUseID = session.Metadata["referral_use_id"]
		event.ReferralCode = session.Metadata["referral_code"]
	}
	if event.UserID == "" {
		event.UserID = session.ClientReferenceID
	}

	// The plan rides on the line item price; fall back to plan metadata.
	if session.LineItems != nil && len(session.LineItems.Data) > 0 && session.LineItems.Data[0].Price != nil {
		g.resolvePlan(event, session.LineItems.Data[0].Price.ID)
	} else if session.Metadata != nil {
		if planID, ok := session.Metadata["plan_id"]; ok {
			event.PlanID = billing.PlanID(planID)
		}
	}
}

// extractSubscription pulls facts from a subscription object. The current
// period end lives at different depths across Stripe API versions, so it is
// read from the raw payload.
func (g *Gateway) extractSubscription(event *billing.Event, raw json.RawMessage, obj map[string]any) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return errors.Join(billing.ErrMalformedPayload, err)
	}

	event.SubscriptionID = sub.ID
	event.Status = string(sub.Status)
	if sub.Customer != nil {
		event.CustomerID = sub.Customer.ID
	}
	if sub.Metadata != nil {
		event.UserID = sub.Metadata["user_id"]
		event.ReferralUseID = sub.Metadata["referral_use_id"]
		event.ReferralCode = sub.Metadata["referral_code"]
	}

	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		g.resolvePlan(event, sub.Items.Data[0].Price.ID)
	}

	if end := periodEndFromRaw(obj); end != nil {
		event.PeriodEnd = end
	}

	// Subscription payloads always carry the flag, so a scheduled cancel set
	// in the provider dashboard converges the local row, and resuming through
	// the dashboard clears it again.
	if _, ok := obj["cancel_at_period_end"]; ok {
		cape := sub.CancelAtPeriodEnd
		event.CancelAtPeriodEnd = &cape
	}
	return nil
}

// extractInvoice reads invoice fields from the raw payload; the typed
// invoice struct has shifted shape across SDK majors and we need only a
// handful of fields.
func (g *Gateway) extractInvoice(event *billing.Event, obj map[string]any) {
	event.CustomerID = stringField(obj, "customer")
	event.SubscriptionID = stringField(obj, "subscription")
	event.SessionID = stringField(obj, "id") // invoice ID dedupes repeated grants

	if details, ok := obj["subscription_details"].(map[string]any); ok {
		if meta, ok := details["metadata"].(map[string]any); ok {
			event.UserID = stringField(meta, "user_id")
		}
	}
	if event.UserID == "" {
		g.extractMetadata(event, obj)
	}

	if lines, ok := obj["lines"].(map[string]any); ok {
		if data, ok := lines["data"].([]any); ok && len(data) > 0 {
			if line, ok := data[0].(map[string]any); ok {
				if price, ok := line["price"].(map[string]any); ok {
					g.resolvePlan(event, stringField(price, "id"))
				}
				if period, ok := line["period"].(map[string]any); ok {
					if end, ok := period["end"].(float64); ok && end > 0 {
						t := time.Unix(int64(end), 0).UTC()
						event.PeriodEnd = &t
					}
				}
			}
		}
	}
}

func (g *Gateway) extractMetadata(event *billing.Event, obj map[string]any) {
	meta, ok := obj["metadata"].(map[string]any)
	if !ok {
		return
	}
	if event.UserID == "" {
		event.UserID = stringField(meta, "user_id")
	}
	if event.ReferralUseID == "" {
		event.ReferralUseID = stringField(meta, "referral_use_id")
	}
	if event.ReferralCode == "" {
		event.ReferralCode = stringField(meta, "referral_code")
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

// periodEndFromRaw finds current_period_end at the subscription level or,
// for newer API versions, on the first subscription item.
func periodEndFromRaw(obj map[string]any) *time.Time {
	if ts, ok := obj["current_period_end"].(float64); ok && ts > 0 {
		t := time.Unix(int64(ts), 0).UTC()
		return &t
	}
	items, ok := obj["items"].(map[string]any)
	if !ok {
		return nil
	}
	data, ok := items["data"].([]any)
	if !ok || len(data) == 0 {
		return nil
	}
	item, ok := data[0].(map[string]any)
	if !ok {
		return nil
	}
	if ts, ok := item["current_period_end"].(float64); ok && ts > 0 {
		t := time.Unix(int64(ts), 0).UTC()
		return &t
	}
	return nil
}

func stringField(obj map[string]any, key string) string {
	v, _ := obj[key].(string)
	return v
}
