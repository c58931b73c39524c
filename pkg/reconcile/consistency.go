package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/subflowhq/subflow/pkg/billing"
	"github.com/subflowhq/subflow/pkg/logger"
)

// Report is the result of a consistency check. Inconsistency is a normal,
// repairable data condition, not an error: issues are human-readable strings
// meant for operators and logs.
type Report struct {
	IsConsistent bool
	Issues       []string
}

// FixResult reports the outcome of a repair attempt.
type FixResult struct {
	Fixed   bool
	Message string
}

// ValidateUserConsistency checks that the user's derived tier matches their
// subscription row. Pure check, no mutation. The rules:
//
//  1. no subscription        -> userType must be the free tier
//  2. active, unexpired paid -> userType must equal the subscription plan
//  3. expired or non-active  -> userType must be the free tier
func (e *Engine) ValidateUserConsistency(ctx context.Context, userID string) (*Report, error) {
	return e.ValidateUserConsistencyAt(ctx, userID, time.Now().UTC())
}

// ValidateUserConsistencyAt is the fixed-time variant used by tests.
func (e *Engine) ValidateUserConsistencyAt(ctx context.Context, userID string, now time.Time) (*Report, error) {
	id, err := parseUserID(userID)
	if err != nil {
		return nil, err
	}

	user, err := e.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	sub, err := e.store.GetSubscription(ctx, id)
	if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
		return nil, err
	}

	report := &Report{IsConsistent: true}
	expected := expectedUserType(sub, now)
	if user.UserType == expected {
		return report, nil
	}

	report.IsConsistent = false
	switch {
	case sub == nil:
		report.Issues = append(report.Issues, fmt.Sprintf(
			"User has no subscription but userType is %q instead of %q",
			user.UserType, billing.PlanFree))
	case sub.GrantsPaidAccessAt(now):
		report.Issues = append(report.Issues, fmt.Sprintf(
			"User type %q does not match active subscription plan %q",
			user.UserType, sub.PlanID))
	default:
		report.Issues = append(report.Issues, fmt.Sprintf(
			"User type %q should be %q because subscription is %s or expired",
			user.UserType, billing.PlanFree, sub.Status))
	}
	return report, nil
}

// expectedUserType derives the correct tier from the subscription row. The
// row is trusted as ground truth; no provider re-fetch happens here.
func expectedUserType(sub *billing.Subscription, now time.Time) billing.PlanID {
	if sub == nil {
		return billing.PlanFree
	}
	if sub.GrantsPaidAccessAt(now) {
		return sub.PlanID
	}
	// An active free subscription and every degraded paid state both map
	// to the free tier.
	return billing.PlanFree
}

// FixUserConsistency repairs a diverged userType with a direct user update.
// This is a local-only repair: the stored subscription row is the ground
// truth, and the fix re-validates before reporting success.
func (e *Engine) FixUserConsistency(ctx context.Context, userID string) (*FixResult, error) {
	return e.FixUserConsistencyAt(ctx, userID, time.Now().UTC())
}

// FixUserConsistencyAt is the fixed-time variant used by tests.
func (e *Engine) FixUserConsistencyAt(ctx context.Context, userID string, now time.Time) (*FixResult, error) {
	report, err := e.ValidateUserConsistencyAt(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if report.IsConsistent {
		return &FixResult{Fixed: false, Message: "user state is already consistent"}, nil
	}

	id, err := parseUserID(userID)
	if err != nil {
		return nil, err
	}

	sub, err := e.store.GetSubscription(ctx, id)
	if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
		return nil, err
	}

	target := expectedUserType(sub, now)
	if err := e.store.UpdateUserType(ctx, id, target); err != nil {
		return nil, err
	}

	after, err := e.ValidateUserConsistencyAt(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "user consistency repaired",
		logger.UserID(userID),
		slog.String("user_type", string(target)),
		slog.Any("issues", report.Issues),
		slog.Bool("consistent_after_fix", after.IsConsistent))

	return &FixResult{
		Fixed:   true,
		Message: fmt.Sprintf("userType set to %q", target),
	}, nil
}
