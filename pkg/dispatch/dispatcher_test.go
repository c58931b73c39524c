package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subflowhq/subflow/pkg/billing"
	"github.com/subflowhq/subflow/pkg/dispatch"
	"github.com/subflowhq/subflow/pkg/reconcile"
)

func newTestDispatcher(t *testing.T) (*dispatch.Dispatcher, *billing.MemoryStore) {
	t.Helper()
	store := billing.NewMemoryStore()
	engine := reconcile.NewEngine(store, nil, billing.DefaultCatalog())
	return dispatch.New(engine), store
}

func seedUser(t *testing.T, store *billing.MemoryStore) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, store.SaveUser(context.Background(), &billing.User{
		ID:       id,
		UserType: billing.PlanFree,
	}))
	return id
}

func TestDispatchPaymentSucceeded(t *testing.T) {
	t.Parallel()

	dispatcher, store := newTestDispatcher(t)
	userID := seedUser(t, store)
	ctx := context.Background()

	event := &billing.Event{
		ID:        "evt_pay_1",
		Type:      billing.EventPaymentSucceeded,
		Provider:  "stripe",
		UserID:    userID.String(),
		SessionID: "cs_1",
		PlanID:    billing.PlanPremium,
	}

	result := dispatcher.Dispatch(ctx, event)
	require.True(t, result.Success, "dispatch error: %v", result.Err)
	assert.Equal(t, "evt_pay_1", result.EventID)

	user, err := store.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, billing.PlanPremium, user.UserType)
	assert.Equal(t, int64(250), user.Credits)
}

func TestDispatchDuplicateDeliveryMutatesOnce(t *testing.T) {
	t.Parallel()

	dispatcher, store := newTestDispatcher(t)
	userID := seedUser(t, store)
	ctx := context.Background()

	event := &billing.Event{
		ID:        "evt_dup",
		Type:      billing.EventPaymentSucceeded,
		Provider:  "stripe",
		UserID:    userID.String(),
		SessionID: "cs_same",
		PlanID:    billing.PlanStarter,
	}

	require.True(t, dispatcher.Dispatch(ctx, event).Success)
	require.True(t, dispatcher.Dispatch(ctx, event).Success)

	user, err := store.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), user.Credits, "redelivery must not re-grant")
	assert.Len(t, store.Transactions(userID), 1)
}

func TestDispatchSubscriptionEvents(t *testing.T) {
	t.Parallel()

	t.Run("created with active status activates", func(t *testing.T) {
		t.Parallel()
		dispatcher, store := newTestDispatcher(t)
		userID := seedUser(t, store)
		ctx := context.Background()

		result := dispatcher.Dispatch(ctx, &billing.Event{
			ID:             "evt_sc",
			Type:           billing.EventSubscriptionCreated,
			UserID:         userID.String(),
			SubscriptionID: "sub_1",
			PlanID:         billing.PlanStarter,
			Status:         "active",
		})
		require.True(t, result.Success, "dispatch error: %v", result.Err)

		user, err := store.GetUser(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, billing.PlanStarter, user.UserType)
		assert.Equal(t, int64(100), user.Credits)
	})

	t.Run("created with trialing status records row without grant", func(t *testing.T) {
		t.Parallel()
		dispatcher, store := newTestDispatcher(t)
		userID := seedUser(t, store)
		ctx := context.Background()

		result := dispatcher.Dispatch(ctx, &billing.Event{
			ID:             "evt_trial",
			Type:           billing.EventSubscriptionCreated,
			UserID:         userID.String(),
			SubscriptionID: "sub_trial",
			PlanID:         billing.PlanPremium,
			Status:         "trialing",
		})
		require.True(t, result.Success, "dispatch error: %v", result.Err)

		sub, err := store.GetSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusTrialing, sub.Status)

		user, err := store.GetUser(ctx, userID)
		require.NoError(t, err)
		assert.Zero(t, user.Credits)
		assert.Equal(t, billing.PlanFree, user.UserType, "no paid tier until active")
	})

	t.Run("canceled forces free tier", func(t *testing.T) {
		t.Parallel()
		dispatcher, store := newTestDispatcher(t)
		userID := seedUser(t, store)
		ctx := context.Background()

		require.True(t, dispatcher.Dispatch(ctx, &billing.Event{
			ID:        "evt_act",
			Type:      billing.EventPaymentSucceeded,
			UserID:    userID.String(),
			SessionID: "cs_act",
			PlanID:    billing.PlanPremium,
		}).Success)

		result := dispatcher.Dispatch(ctx, &billing.Event{
			ID:             "evt_cancel",
			Type:           billing.EventSubscriptionCanceled,
			UserID:         userID.String(),
			SubscriptionID: "sub_x",
			PlanID:         billing.PlanPremium,
		})
		require.True(t, result.Success, "dispatch error: %v", result.Err)

		user, err := store.GetUser(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, billing.PlanFree, user.UserType)
		assert.Equal(t, int64(250), user.Credits, "granted credits survive cancellation")

		sub, err := store.GetSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, sub.Status)
	})

	t.Run("scheduled cancel converges the local flag both ways", func(t *testing.T) {
		t.Parallel()
		dispatcher, store := newTestDispatcher(t)
		userID := seedUser(t, store)
		ctx := context.Background()

		require.True(t, dispatcher.Dispatch(ctx, &billing.Event{
			ID:        "evt_cape_act",
			Type:      billing.EventPaymentSucceeded,
			UserID:    userID.String(),
			SessionID: "cs_cape",
			PlanID:    billing.PlanPremium,
		}).Success)

		// Cancellation scheduled on the provider side, e.g. through the
		// provider dashboard, must show up locally so a resume is possible.
		scheduled := true
		result := dispatcher.Dispatch(ctx, &billing.Event{
			ID:                "evt_cape_on",
			Type:              billing.EventSubscriptionUpdated,
			UserID:            userID.String(),
			Status:            "active",
			PlanID:            billing.PlanPremium,
			CancelAtPeriodEnd: &scheduled,
		})
		require.True(t, result.Success, "dispatch error: %v", result.Err)

		sub, err := store.GetSubscription(ctx, userID)
		require.NoError(t, err)
		assert.True(t, sub.CancelAtPeriodEnd)

		// A provider-side resume clears it again.
		cleared := false
		result = dispatcher.Dispatch(ctx, &billing.Event{
			ID:                "evt_cape_off",
			Type:              billing.EventSubscriptionUpdated,
			UserID:            userID.String(),
			Status:            "active",
			PlanID:            billing.PlanPremium,
			CancelAtPeriodEnd: &cleared,
		})
		require.True(t, result.Success, "dispatch error: %v", result.Err)

		sub, err = store.GetSubscription(ctx, userID)
		require.NoError(t, err)
		assert.False(t, sub.CancelAtPeriodEnd)
	})

	t.Run("updated without plan falls back to stored plan", func(t *testing.T) {
		t.Parallel()
		dispatcher, store := newTestDispatcher(t)
		userID := seedUser(t, store)
		ctx := context.Background()

		require.True(t, dispatcher.Dispatch(ctx, &billing.Event{
			ID:        "evt_base",
			Type:      billing.EventPaymentSucceeded,
			UserID:    userID.String(),
			SessionID: "cs_base",
			PlanID:    billing.PlanStarter,
		}).Success)

		end := time.Now().UTC().AddDate(0, 1, 0)
		result := dispatcher.Dispatch(ctx, &billing.Event{
			ID:        "evt_upd",
			Type:      billing.EventSubscriptionUpdated,
			UserID:    userID.String(),
			Status:    "active",
			PeriodEnd: &end,
		})
		require.True(t, result.Success, "dispatch error: %v", result.Err)

		sub, err := store.GetSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, billing.PlanStarter, sub.PlanID)
	})
}

func TestDispatchPaymentFailed(t *testing.T) {
	t.Parallel()

	dispatcher, store := newTestDispatcher(t)
	userID := seedUser(t, store)
	ctx := context.Background()

	require.True(t, dispatcher.Dispatch(ctx, &billing.Event{
		ID:        "evt_ok",
		Type:      billing.EventPaymentSucceeded,
		UserID:    userID.String(),
		SessionID: "cs_ok",
		PlanID:    billing.PlanPremium,
	}).Success)

	result := dispatcher.Dispatch(ctx, &billing.Event{
		ID:     "evt_fail",
		Type:   billing.EventInvoiceFailed,
		UserID: userID.String(),
	})
	require.True(t, result.Success, "dispatch error: %v", result.Err)

	sub, err := store.GetSubscription(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPastDue, sub.Status)

	user, err := store.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, billing.PlanFree, user.UserType)
}

func TestDispatchBenignNoOps(t *testing.T) {
	t.Parallel()

	dispatcher, _ := newTestDispatcher(t)
	ctx := context.Background()

	t.Run("unmapped event type", func(t *testing.T) {
		t.Parallel()
		result := dispatcher.Dispatch(ctx, &billing.Event{
			ID:            "evt_unknown",
			Type:          billing.EventIgnored,
			ProviderEvent: "customer.tax_id.created",
		})
		assert.True(t, result.Success)
		assert.Equal(t, "event type not handled", result.Message)
	})

	t.Run("missing user metadata", func(t *testing.T) {
		t.Parallel()
		result := dispatcher.Dispatch(ctx, &billing.Event{
			ID:   "evt_nouser",
			Type: billing.EventPaymentSucceeded,
		})
		assert.True(t, result.Success)
	})
}

func TestDispatchClassification(t *testing.T) {
	t.Parallel()

	dispatcher, store := newTestDispatcher(t)
	ctx := context.Background()

	t.Run("bad user id is permanent", func(t *testing.T) {
		t.Parallel()
		result := dispatcher.Dispatch(ctx, &billing.Event{
			ID:     "evt_bad",
			Type:   billing.EventPaymentSucceeded,
			UserID: "not-a-uuid",
			PlanID: billing.PlanPremium,
		})
		assert.False(t, result.Success)
		assert.False(t, result.ShouldRetry)
		assert.ErrorIs(t, result.Err, billing.ErrInvalidUserID)
	})

	t.Run("unknown plan is permanent", func(t *testing.T) {
		t.Parallel()
		userID := seedUser(t, store)
		result := dispatcher.Dispatch(ctx, &billing.Event{
			ID:     "evt_plan",
			Type:   billing.EventPaymentSucceeded,
			UserID: userID.String(),
			PlanID: "enterprise",
		})
		assert.False(t, result.Success)
		assert.False(t, result.ShouldRetry)
		assert.ErrorIs(t, result.Err, billing.ErrPlanNotFound)
	})

	t.Run("missing user row is permanent", func(t *testing.T) {
		t.Parallel()
		result := dispatcher.Dispatch(ctx, &billing.Event{
			ID:        "evt_gone",
			Type:      billing.EventPaymentSucceeded,
			UserID:    uuid.NewString(),
			SessionID: "cs_gone",
			PlanID:    billing.PlanPremium,
		})
		assert.False(t, result.Success)
		assert.False(t, result.ShouldRetry, "deleted users must not loop redeliveries")
		assert.ErrorIs(t, result.Err, billing.ErrUserNotFound)
	})
}
