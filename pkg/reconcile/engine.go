// Package reconcile converges locally stored subscription and credit state
// with the payment provider's source of truth. Webhook events arrive out of
// order and may duplicate, so every operation writes absolute target values
// inside a single storage transaction; credit grants are the one append-only
// exception and are guarded by ledger existence checks instead of ordering.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/subflowhq/subflow/pkg/billing"
	"github.com/subflowhq/subflow/pkg/logger"
)

// defaultProviderTimeout bounds outbound payment provider calls.
const defaultProviderTimeout = 30 * time.Second

// freePlanPeriod is the synthetic billing period for free subscriptions.
const freePlanPeriod = 365 * 24 * time.Hour

// Engine applies subscription state transitions. Each operation executes as
// one atomic transaction spanning the subscription row, the user row, and
// optionally a token ledger insert. Concurrent operations on the same user
// serialize at the storage layer; operations on different users are fully
// independent.
type Engine struct {
	store           billing.Store
	gateway         billing.PaymentGateway
	catalog         billing.Catalog
	log             *slog.Logger
	providerTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithProviderTimeout bounds outbound calls to the payment gateway.
func WithProviderTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.providerTimeout = d
		}
	}
}

// NewEngine creates a reconciliation engine. Panics on nil store or catalog
// to fail fast during initialization; the gateway may be nil for deployments
// that only repair local state (consistency CLI).
func NewEngine(store billing.Store, gateway billing.PaymentGateway, catalog billing.Catalog, opts ...Option) *Engine {
	if store == nil {
		panic("reconcile: billing.Store is required")
	}
	if len(catalog) == 0 {
		panic("reconcile: plan catalog is required")
	}

	e := &Engine{
		store:           store,
		gateway:         gateway,
		catalog:         catalog,
		log:             slog.Default(),
		providerTimeout: defaultProviderTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ActivationResult reports the outcome of a plan activation.
type ActivationResult struct {
	AlreadySubscribed bool
	CreditsGranted    int64
}

// parseUserID validates the identifier before any storage access.
func parseUserID(userID string) (uuid.UUID, error) {
	if userID == "" {
		return uuid.Nil, fmt.Errorf("%w: empty", billing.ErrInvalidUserID)
	}
	id, err := uuid.Parse(userID)
	if err != nil {
		return uuid.Nil, errors.Join(billing.ErrInvalidUserID, err)
	}
	return id, nil
}

// ActivateFreePlan puts the user on the free tier. Idempotent: an existing
// active free subscription is a success without side effects, and the
// free-signup credit grant is applied at most once per user ever, checked
// against the ledger inside the same transaction.
func (e *Engine) ActivateFreePlan(ctx context.Context, userID string) (*ActivationResult, error) {
	id, err := parseUserID(userID)
	if err != nil {
		return nil, err
	}

	res := &ActivationResult{}
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx billing.Store) error {
		user, err := tx.GetUser(ctx, id)
		if err != nil {
			return err
		}

		sub, err := tx.GetSubscription(ctx, id)
		if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
			return err
		}
		if sub != nil && sub.Status == billing.StatusActive && sub.PlanID == billing.PlanFree {
			res.AlreadySubscribed = true
			return nil
		}

		now := time.Now().UTC()
		next := billing.Subscription{
			UserID:             id,
			PlanID:             billing.PlanFree,
			Status:             billing.StatusActive,
			CurrentPeriodStart: now,
			CurrentPeriodEnd:   now.Add(freePlanPeriod),
		}
		if sub != nil {
			next.CreatedAt = sub.CreatedAt
			next.ProviderCustomerID = sub.ProviderCustomerID
		}
		if err := tx.SaveSubscription(ctx, &next); err != nil {
			return err
		}

		user.UserType = billing.PlanFree

		granted, err := tx.HasTransaction(ctx, id, billing.TxnFreeSignup)
		if err != nil {
			return err
		}
		if !granted {
			user.Credits += billing.FreeSignupCredits
			res.CreditsGranted = billing.FreeSignupCredits
			if err := tx.CreateTransaction(ctx, &billing.TokenTransaction{
				UserID:      id,
				Credits:     billing.FreeSignupCredits,
				Type:        billing.TxnFreeSignup,
				Description: "Free plan signup bonus",
			}); err != nil {
				return err
			}
		}

		return tx.SaveUser(ctx, user)
	})
	if err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "free plan activated",
		logger.UserID(userID),
		slog.Bool("already_subscribed", res.AlreadySubscribed),
		slog.Int64("credits_granted", res.CreditsGranted))
	return res, nil
}

// PaidActivation carries the provider-reported facts for a paid activation.
type PaidActivation struct {
	PlanID             billing.PlanID
	ProviderSubID      string
	ProviderCustomerID string
	// SessionID is the provider checkout session / transaction ID. It is
	// the explicit idempotency key for the credit grant: a very late
	// redelivery that outlives the event dedupe window still cannot
	// double-grant.
	SessionID     string
	PeriodEnd     *time.Time
	TrialEnd      *time.Time
	ReferralUseID string
	ReferralCode  string
}

// ActivatePaidPlan applies a successful checkout or payment: subscription row
// to active on the plan, userType to the plan tier, and the plan's full token
// allotment granted once per checkout session. Safe to run twice for the same
// checkout. Referral settlement runs afterwards in its own transaction when
// referral metadata is present.
func (e *Engine) ActivatePaidPlan(ctx context.Context, userID string, activation PaidActivation) (*ActivationResult, error) {
	id, err := parseUserID(userID)
	if err != nil {
		return nil, err
	}

	plan, ok := e.catalog.Plan(activation.PlanID)
	if !ok || !plan.IsPaid() {
		return nil, fmt.Errorf("%w: %q", billing.ErrPlanNotFound, activation.PlanID)
	}

	// Provider subscription ID is the fallback dedupe key when the event
	// carried no session reference.
	grantRef := activation.SessionID
	if grantRef == "" {
		grantRef = activation.ProviderSubID
	}

	res := &ActivationResult{}
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx billing.Store) error {
		user, err := tx.GetUser(ctx, id)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		periodEnd := now.AddDate(0, 1, 0)
		if activation.PeriodEnd != nil && !activation.PeriodEnd.IsZero() {
			periodEnd = activation.PeriodEnd.UTC()
		}

		prev, err := tx.GetSubscription(ctx, id)
		if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
			return err
		}
		next := billing.Subscription{
			UserID:             id,
			PlanID:             plan.ID,
			Status:             billing.StatusActive,
			CurrentPeriodStart: now,
			CurrentPeriodEnd:   periodEnd,
			TrialEnd:           activation.TrialEnd,
			ProviderCustomerID: activation.ProviderCustomerID,
			ProviderSubID:      activation.ProviderSubID,
		}
		if prev != nil {
			next.CreatedAt = prev.CreatedAt
			if next.ProviderCustomerID == "" {
				next.ProviderCustomerID = prev.ProviderCustomerID
			}
			if next.ProviderSubID == "" {
				next.ProviderSubID = prev.ProviderSubID
			}
		}
		if err := tx.SaveSubscription(ctx, &next); err != nil {
			return err
		}

		user.UserType = plan.ID

		granted := false
		if grantRef != "" {
			granted, err = tx.HasTransactionWithReference(ctx, id, billing.TxnSubscription, grantRef)
			if err != nil {
				return err
			}
		}
		if !granted && plan.Tokens > 0 {
			user.Credits += plan.Tokens
			res.CreditsGranted = plan.Tokens
			if err := tx.CreateTransaction(ctx, &billing.TokenTransaction{
				UserID:      id,
				Credits:     plan.Tokens,
				Type:        billing.TxnSubscription,
				Description: fmt.Sprintf("%s plan token allotment", plan.Name),
				Reference:   grantRef,
			}); err != nil {
				return err
			}
		}
		res.AlreadySubscribed = granted

		return tx.SaveUser(ctx, user)
	})
	if err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "paid plan activated",
		logger.UserID(userID),
		logger.PlanID(plan.ID),
		logger.SessionID(activation.SessionID),
		slog.Int64("credits_granted", res.CreditsGranted))

	if activation.ReferralUseID != "" || activation.ReferralCode != "" {
		if err := e.SettleReferral(ctx, id, plan.ID, activation.ReferralUseID, activation.ReferralCode); err != nil {
			return nil, fmt.Errorf("referral settlement: %w", err)
		}
	}

	return res, nil
}

// SubscriptionChange carries the absolute target values for a subscription
// update. Fields are applied as-is, never as deltas relative to prior state,
// so out-of-order events for the same user converge.
type SubscriptionChange struct {
	PlanID             billing.PlanID
	Status             billing.SubscriptionStatus
	PeriodStart        time.Time
	PeriodEnd          time.Time
	CancelAtPeriodEnd  *bool
	TrialEnd           *time.Time
	ProviderSubID      string
	ProviderCustomerID string
}

// UpdateUserSubscription is the generic setter used by admin calls and by
// subscription-updated webhook events. UserType follows the plan only while
// the status is active; any non-active status forces the free tier so a dead
// subscription can never leave a paid userType stuck on the user.
func (e *Engine) UpdateUserSubscription(ctx context.Context, userID string, change SubscriptionChange, tokensToAdd int64) error {
	id, err := parseUserID(userID)
	if err != nil {
		return err
	}
	plan, ok := e.catalog.Plan(change.PlanID)
	if !ok {
		return fmt.Errorf("%w: %q", billing.ErrPlanNotFound, change.PlanID)
	}

	err = e.store.RunInTx(ctx, func(ctx context.Context, tx billing.Store) error {
		user, err := tx.GetUser(ctx, id)
		if err != nil {
			return err
		}

		prev, err := tx.GetSubscription(ctx, id)
		if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
			return err
		}

		next := billing.Subscription{UserID: id}
		if prev != nil {
			next = *prev
		}
		next.PlanID = change.PlanID
		next.Status = change.Status
		if !change.PeriodStart.IsZero() {
			next.CurrentPeriodStart = change.PeriodStart.UTC()
		}
		if !change.PeriodEnd.IsZero() {
			next.CurrentPeriodEnd = change.PeriodEnd.UTC()
		}
		if change.CancelAtPeriodEnd != nil {
			next.CancelAtPeriodEnd = *change.CancelAtPeriodEnd
		}
		if change.TrialEnd != nil {
			next.TrialEnd = change.TrialEnd
		} else if change.Status == billing.StatusTrialing && next.TrialEnd == nil && plan.TrialDays > 0 {
			// Provider reported a trial without an end date; fall back to the
			// plan's configured trial length.
			end := plan.TrialEndsAt(time.Now().UTC())
			next.TrialEnd = &end
		}
		if change.ProviderSubID != "" {
			next.ProviderSubID = change.ProviderSubID
		}
		if change.ProviderCustomerID != "" {
			next.ProviderCustomerID = change.ProviderCustomerID
		}
		if err := tx.SaveSubscription(ctx, &next); err != nil {
			return err
		}

		if change.Status == billing.StatusActive {
			user.UserType = change.PlanID
		} else {
			user.UserType = billing.PlanFree
		}

		if tokensToAdd > 0 {
			user.Credits += tokensToAdd
			if err := tx.CreateTransaction(ctx, &billing.TokenTransaction{
				UserID:      id,
				Credits:     tokensToAdd,
				Type:        billing.TxnSubscription,
				Description: fmt.Sprintf("Subscription update token grant (%s)", change.PlanID),
			}); err != nil {
				return err
			}
		}

		return tx.SaveUser(ctx, user)
	})
	if err != nil {
		return err
	}

	e.log.InfoContext(ctx, "subscription updated",
		logger.UserID(userID),
		logger.PlanID(change.PlanID),
		slog.String("status", string(change.Status)))
	return nil
}

// CancelUserSubscription cancels with the provider, then records the
// cancellation locally. With immediate=false the user keeps paid access until
// the period ends; the eventual period rollover arrives as a webhook, not
// from this call.
func (e *Engine) CancelUserSubscription(ctx context.Context, userID string, immediate bool) error {
	id, err := parseUserID(userID)
	if err != nil {
		return err
	}

	sub, err := e.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}

	if sub.ProviderSubID != "" && e.gateway != nil {
		callCtx, cancel := context.WithTimeout(ctx, e.providerTimeout)
		defer cancel()
		if err := e.gateway.CancelSubscription(callCtx, sub.ProviderSubID, immediate); err != nil {
			return errors.Join(billing.ErrProviderError, err)
		}
	}

	err = e.store.RunInTx(ctx, func(ctx context.Context, tx billing.Store) error {
		sub, err := tx.GetSubscription(ctx, id)
		if err != nil {
			return err
		}
		if immediate {
			sub.Status = billing.StatusCanceled
			sub.CancelAtPeriodEnd = false
		} else {
			sub.Status = billing.StatusActive
			sub.CancelAtPeriodEnd = true
		}
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}

		if immediate {
			return tx.UpdateUserType(ctx, id, billing.PlanFree)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.log.InfoContext(ctx, "subscription canceled",
		logger.UserID(userID),
		slog.Bool("immediate", immediate))
	return nil
}

// SyncCustomerReference stores the provider's customer ID on the user's
// subscription row. Driven by customer-updated webhook events; a user
// without a subscription row is a benign no-op.
func (e *Engine) SyncCustomerReference(ctx context.Context, userID, providerCustomerID string) error {
	id, err := parseUserID(userID)
	if err != nil {
		return err
	}
	if providerCustomerID == "" {
		return nil
	}

	return e.store.RunInTx(ctx, func(ctx context.Context, tx billing.Store) error {
		sub, err := tx.GetSubscription(ctx, id)
		if err != nil {
			if errors.Is(err, billing.ErrSubscriptionNotFound) {
				return nil
			}
			return err
		}
		if sub.ProviderCustomerID == providerCustomerID {
			return nil
		}
		sub.ProviderCustomerID = providerCustomerID
		return tx.SaveSubscription(ctx, sub)
	})
}

// ResumeUserSubscription clears a pending cancel-at-period-end. Only valid
// while the period has not elapsed; otherwise ErrSubscriptionNotResumable.
func (e *Engine) ResumeUserSubscription(ctx context.Context, userID string) error {
	id, err := parseUserID(userID)
	if err != nil {
		return err
	}

	sub, err := e.store.GetSubscription(ctx, id)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return billing.ErrSubscriptionNotResumable
		}
		return err
	}
	now := time.Now().UTC()
	if !sub.CancelAtPeriodEnd || sub.IsExpiredAt(now) {
		return billing.ErrSubscriptionNotResumable
	}

	if sub.ProviderSubID != "" && e.gateway != nil {
		callCtx, cancel := context.WithTimeout(ctx, e.providerTimeout)
		defer cancel()
		if err := e.gateway.ResumeSubscription(callCtx, sub.ProviderSubID); err != nil {
			return errors.Join(billing.ErrProviderError, err)
		}
	}

	err = e.store.RunInTx(ctx, func(ctx context.Context, tx billing.Store) error {
		sub, err := tx.GetSubscription(ctx, id)
		if err != nil {
			return err
		}
		sub.CancelAtPeriodEnd = false
		sub.Status = billing.StatusActive
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		return tx.UpdateUserType(ctx, id, sub.PlanID)
	})
	if err != nil {
		return err
	}

	e.log.InfoContext(ctx, "subscription resumed", logger.UserID(userID))
	return nil
}
