package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/subflowhq/subflow/pkg/billing"
)

func TestSubscriptionExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)

	sub := billing.Subscription{
		Status:           billing.StatusActive,
		PlanID:           billing.PlanPremium,
		CurrentPeriodEnd: now.AddDate(0, 0, 10),
	}
	assert.False(t, sub.IsExpiredAt(now))
	assert.True(t, sub.GrantsPaidAccessAt(now))

	sub.CurrentPeriodEnd = now.AddDate(0, 0, -1)
	assert.True(t, sub.IsExpiredAt(now))
	assert.False(t, sub.GrantsPaidAccessAt(now))

	// Zero period end never expires.
	sub.CurrentPeriodEnd = time.Time{}
	assert.False(t, sub.IsExpiredAt(now))
}

func TestGrantsPaidAccess(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	future := now.AddDate(0, 1, 0)

	cases := []struct {
		name string
		sub  billing.Subscription
		want bool
	}{
		{"active paid", billing.Subscription{Status: billing.StatusActive, PlanID: billing.PlanStarter, CurrentPeriodEnd: future}, true},
		{"active free", billing.Subscription{Status: billing.StatusActive, PlanID: billing.PlanFree, CurrentPeriodEnd: future}, false},
		{"canceled paid", billing.Subscription{Status: billing.StatusCanceled, PlanID: billing.PlanStarter, CurrentPeriodEnd: future}, false},
		{"past due paid", billing.Subscription{Status: billing.StatusPastDue, PlanID: billing.PlanStarter, CurrentPeriodEnd: future}, false},
		{"trialing paid", billing.Subscription{Status: billing.StatusTrialing, PlanID: billing.PlanStarter, CurrentPeriodEnd: future}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.sub.GrantsPaidAccessAt(now))
		})
	}
}
