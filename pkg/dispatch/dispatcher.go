// Package dispatch routes normalized webhook events to reconciliation
// handlers. Routing is pure: exactly one handler per event type, unknown
// types are successful no-ops, and no error escapes the dispatch boundary
// as a panic or exception; everything is folded into a Result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/subflowhq/subflow/pkg/billing"
	"github.com/subflowhq/subflow/pkg/logger"
	"github.com/subflowhq/subflow/pkg/reconcile"
)

// Dispatcher routes events to the reconciliation engine.
type Dispatcher struct {
	engine  *reconcile.Engine
	log     *slog.Logger
	metrics *Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// New creates a Dispatcher. Panics if engine is nil.
func New(engine *reconcile.Engine, opts ...Option) *Dispatcher {
	if engine == nil {
		panic("dispatch: reconcile.Engine is required")
	}
	d := &Dispatcher{
		engine: engine,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch invokes the handler for the event's type and folds the outcome
// into a Result. A panic in a handler is caught here and reported as a
// retryable failure rather than crashing the process.
func (d *Dispatcher) Dispatch(ctx context.Context, event *billing.Event) (result Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.log.ErrorContext(ctx, "webhook handler panicked",
				slog.String("event_id", event.ID),
				logger.EventType(string(event.Type)),
				slog.Any("panic", r))
			result = transient(event, fmt.Errorf("handler panic: %v", r))
		}
		d.observe(event, result, time.Since(start))
	}()

	var err error
	switch event.Type {
	case billing.EventPaymentSucceeded:
		err = d.handlePaymentSucceeded(ctx, event)
	case billing.EventPaymentFailed, billing.EventInvoiceFailed:
		err = d.handlePaymentFailed(ctx, event)
	case billing.EventSubscriptionCreated:
		err = d.handleSubscriptionCreated(ctx, event)
	case billing.EventSubscriptionUpdated:
		err = d.handleSubscriptionUpdated(ctx, event)
	case billing.EventSubscriptionCanceled:
		err = d.handleSubscriptionCanceled(ctx, event)
	case billing.EventInvoicePaid:
		err = d.handleInvoicePaid(ctx, event)
	case billing.EventCustomerUpdated:
		err = d.engine.SyncCustomerReference(ctx, event.UserID, event.CustomerID)
	default:
		// Providers emit many event types the system does not act on.
		d.log.InfoContext(ctx, "ignoring webhook event type",
			slog.String("event_id", event.ID),
			slog.String("provider_event", event.ProviderEvent))
		return ok(event, "event type not handled")
	}

	if err != nil {
		return d.classify(ctx, event, err)
	}
	return ok(event, "")
}

// classify splits handler failures into permanent rejections and transient
// failures the provider should redeliver.
func (d *Dispatcher) classify(ctx context.Context, event *billing.Event, err error) Result {
	d.log.ErrorContext(ctx, "webhook handler failed",
		slog.String("event_id", event.ID),
		logger.EventType(string(event.Type)),
		logger.Error(err))

	switch {
	case errors.Is(err, billing.ErrInvalidUserID),
		errors.Is(err, billing.ErrUserNotFound),
		errors.Is(err, billing.ErrPlanNotFound),
		errors.Is(err, billing.ErrMalformedPayload):
		// Redelivery cannot produce a better payload. A user row that is
		// gone now will be gone on redelivery too.
		return permanent(event, err)
	default:
		return transient(event, err)
	}
}

func (d *Dispatcher) observe(event *billing.Event, result Result, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	outcome := "success"
	if !result.Success {
		outcome = "rejected"
		if result.ShouldRetry {
			outcome = "retry"
		}
	}
	d.metrics.ObserveEvent(event.Provider, string(event.Type), outcome, elapsed)
}

func (d *Dispatcher) handlePaymentSucceeded(ctx context.Context, event *billing.Event) error {
	if event.UserID == "" {
		// Not initiated through our checkout; nothing to reconcile.
		d.log.InfoContext(ctx, "payment event without user metadata skipped",
			slog.String("event_id", event.ID))
		return nil
	}

	_, err := d.engine.ActivatePaidPlan(ctx, event.UserID, reconcile.PaidActivation{
		PlanID:             event.PlanID,
		ProviderSubID:      event.SubscriptionID,
		ProviderCustomerID: event.CustomerID,
		SessionID:          event.SessionID,
		PeriodEnd:          event.PeriodEnd,
		ReferralUseID:      event.ReferralUseID,
		ReferralCode:       event.ReferralCode,
	})
	return err
}

func (d *Dispatcher) handlePaymentFailed(ctx context.Context, event *billing.Event) error {
	if event.UserID == "" {
		return nil
	}

	data, err := d.engine.GetUserSubscriptionData(ctx, event.UserID)
	if err != nil {
		return err
	}
	if data.Subscription == nil {
		// A failed payment for a user with no local subscription carries
		// no state to degrade.
		return nil
	}

	return d.engine.UpdateUserSubscription(ctx, event.UserID, reconcile.SubscriptionChange{
		PlanID: data.Subscription.PlanID,
		Status: billing.StatusPastDue,
	}, 0)
}

func (d *Dispatcher) handleSubscriptionCreated(ctx context.Context, event *billing.Event) error {
	if event.UserID == "" {
		return nil
	}

	status := billing.NormalizeStatus(event.Status)
	if status == billing.StatusActive {
		_, err := d.engine.ActivatePaidPlan(ctx, event.UserID, reconcile.PaidActivation{
			PlanID:             event.PlanID,
			ProviderSubID:      event.SubscriptionID,
			ProviderCustomerID: event.CustomerID,
			SessionID:          event.SessionID,
			PeriodEnd:          event.PeriodEnd,
			ReferralUseID:      event.ReferralUseID,
			ReferralCode:       event.ReferralCode,
		})
		return err
	}

	// Trials and incomplete checkouts record the row without a grant.
	return d.applyAbsoluteUpdate(ctx, event, status)
}

func (d *Dispatcher) handleSubscriptionUpdated(ctx context.Context, event *billing.Event) error {
	if event.UserID == "" {
		return nil
	}
	return d.applyAbsoluteUpdate(ctx, event, billing.NormalizeStatus(event.Status))
}

func (d *Dispatcher) handleSubscriptionCanceled(ctx context.Context, event *billing.Event) error {
	if event.UserID == "" {
		return nil
	}
	return d.applyAbsoluteUpdate(ctx, event, billing.StatusCanceled)
}

func (d *Dispatcher) handleInvoicePaid(ctx context.Context, event *billing.Event) error {
	if event.UserID == "" {
		return nil
	}
	// A paid invoice confirms the period; the row is set to active with the
	// provider-reported period end regardless of what arrived before it.
	return d.applyAbsoluteUpdate(ctx, event, billing.StatusActive)
}

// applyAbsoluteUpdate writes the event's facts as absolute target values.
// Events for the same user may arrive in either order, so handlers never
// assume a particular prior state.
func (d *Dispatcher) applyAbsoluteUpdate(ctx context.Context, event *billing.Event, status billing.SubscriptionStatus) error {
	planID := event.PlanID
	if planID == "" {
		data, err := d.engine.GetUserSubscriptionData(ctx, event.UserID)
		if err != nil {
			return err
		}
		if data.Subscription == nil {
			d.log.InfoContext(ctx, "subscription event for user without subscription skipped",
				slog.String("event_id", event.ID),
				logger.UserID(event.UserID))
			return nil
		}
		planID = data.Subscription.PlanID
	}

	change := reconcile.SubscriptionChange{
		PlanID:             planID,
		Status:             status,
		CancelAtPeriodEnd:  event.CancelAtPeriodEnd,
		ProviderSubID:      event.SubscriptionID,
		ProviderCustomerID: event.CustomerID,
	}
	if event.PeriodEnd != nil {
		change.PeriodEnd = *event.PeriodEnd
	}
	return d.engine.UpdateUserSubscription(ctx, event.UserID, change, 0)
}
