package billing_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subflowhq/subflow/pkg/billing"
	"github.com/subflowhq/subflow/pkg/reconcile"
	billingsvc "github.com/subflowhq/subflow/svc/billing"
)

type fakeGateway struct {
	name      string
	lastReq   billing.CheckoutRequest
	checkout  *billing.CheckoutSession
	verify    *billing.PaymentStatus
	verifyErr error
	canceled  []string
	resumed   []string
}

func (g *fakeGateway) Name() string            { return g.name }
func (g *fakeGateway) SignatureHeader() string { return "X-Test-Signature" }

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	g.lastReq = req
	if g.checkout == nil {
		return nil, billing.ErrProviderError
	}
	return g.checkout, nil
}

func (g *fakeGateway) CancelSubscription(_ context.Context, providerSubID string, immediate bool) error {
	g.canceled = append(g.canceled, providerSubID)
	return nil
}

func (g *fakeGateway) ResumeSubscription(_ context.Context, providerSubID string) error {
	g.resumed = append(g.resumed, providerSubID)
	return nil
}

func (g *fakeGateway) VerifyPaymentStatus(context.Context, string) (*billing.PaymentStatus, error) {
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	return g.verify, nil
}

func (g *fakeGateway) GetPaymentMethods(context.Context, string) ([]billing.PaymentMethod, error) {
	return nil, nil
}

func (g *fakeGateway) GetBillingHistory(context.Context, string) ([]billing.BillingRecord, error) {
	return nil, nil
}

func (g *fakeGateway) ParseWebhook(context.Context, []byte, string) (*billing.Event, error) {
	return nil, billing.ErrMalformedPayload
}

type testHarness struct {
	handler http.Handler
	store   *billing.MemoryStore
	gateway *fakeGateway
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	store := billing.NewMemoryStore()
	gateway := &fakeGateway{name: "stripe"}
	engine := reconcile.NewEngine(store, gateway, billing.DefaultCatalog())
	svc := billingsvc.NewService(
		billingsvc.Config{
			SuccessURL: "https://app.example.com/checkout/success",
			CancelURL:  "https://app.example.com/checkout/cancel",
		},
		engine,
		billing.DefaultCatalog(),
		[]billing.PaymentGateway{gateway},
	)
	return &testHarness{handler: svc.Handle(), store: store, gateway: gateway}
}

func (h *testHarness) do(t *testing.T, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *testHarness) seedUser(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, h.store.SaveUser(context.Background(), &billing.User{
		ID:       id,
		UserType: billing.PlanFree,
	}))
	return id
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestListPlans(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/plans", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var plans []billing.Plan
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&plans))
	require.Len(t, plans, 4)
	assert.Equal(t, billing.PlanFree, plans[0].ID, "plans sorted by price, free first")
}

func TestSubscribeFreePlan(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	userID := h.seedUser(t)

	rec := h.do(t, http.MethodPost, "/subscribe", map[string]string{
		"userId": userID.String(),
		"planId": "free",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeMap(t, rec)
	assert.Equal(t, true, resp["activated"])
	assert.Equal(t, "free plan activated", resp["message"])

	user, err := h.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), user.Credits)

	// Repeat activation acknowledges without granting again.
	again := h.do(t, http.MethodPost, "/subscribe", map[string]string{
		"userId": userID.String(),
		"planId": "free",
	})
	require.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, "already subscribed", decodeMap(t, again)["message"])

	user, err = h.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), user.Credits)
}

func TestSubscribePaidPlanCreatesCheckout(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.gateway.checkout = &billing.CheckoutSession{
		SessionID: "cs_new",
		URL:       "https://checkout.example.com/cs_new",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	userID := h.seedUser(t)

	rec := h.do(t, http.MethodPost, "/subscribe", map[string]string{
		"userId":       userID.String(),
		"planId":       "premium",
		"provider":     "stripe",
		"email":        "user@example.com",
		"referralCode": "FRIEND5",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeMap(t, rec)
	assert.Equal(t, "https://checkout.example.com/cs_new", resp["checkoutUrl"])
	assert.Equal(t, "cs_new", resp["sessionId"])

	// The gateway receives the redirect targets and referral context.
	assert.Equal(t, userID.String(), h.gateway.lastReq.UserID)
	assert.Equal(t, billing.PlanPremium, h.gateway.lastReq.Plan.ID)
	assert.Equal(t, "https://app.example.com/checkout/success", h.gateway.lastReq.SuccessURL)
	assert.Equal(t, "FRIEND5", h.gateway.lastReq.ReferralCode)

	// No local mutation until the webhook confirms payment.
	user, err := h.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	assert.Zero(t, user.Credits)
	assert.Equal(t, billing.PlanFree, user.UserType)
}

func TestSubscribeValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	userID := h.seedUser(t)

	t.Run("missing user id", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/subscribe", map[string]string{"planId": "free"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown plan", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/subscribe", map[string]string{
			"userId": userID.String(),
			"planId": "enterprise",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown provider for paid plan", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/subscribe", map[string]string{
			"userId":   userID.String(),
			"planId":   "premium",
			"provider": "square",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/subscribe", map[string]string{
			"userId": uuid.NewString(),
			"planId": "free",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestCancelAndResume(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	userID := h.seedUser(t)
	end := time.Now().UTC().AddDate(0, 1, 0)
	require.NoError(t, h.store.SaveSubscription(context.Background(), &billing.Subscription{
		UserID:           userID,
		PlanID:           billing.PlanPremium,
		Status:           billing.StatusActive,
		CurrentPeriodEnd: end,
		ProviderSubID:    "sub_live",
	}))
	require.NoError(t, h.store.UpdateUserType(context.Background(), userID, billing.PlanPremium))

	rec := h.do(t, http.MethodPost, "/cancel", map[string]any{"userId": userID.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"sub_live"}, h.gateway.canceled)

	sub, err := h.store.GetSubscription(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)

	rec = h.do(t, http.MethodPost, "/resume", map[string]string{"userId": userID.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"sub_live"}, h.gateway.resumed)

	sub, err = h.store.GetSubscription(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, sub.CancelAtPeriodEnd)

	// Resuming again conflicts: nothing is scheduled for cancellation.
	rec = h.do(t, http.MethodPost, "/resume", map[string]string{"userId": userID.String()})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelWithoutSubscription(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	userID := h.seedUser(t)

	rec := h.do(t, http.MethodPost, "/cancel", map[string]string{"userId": userID.String()})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	userID := h.seedUser(t)

	rec := h.do(t, http.MethodGet, "/status/"+userID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeMap(t, rec)
	assert.Equal(t, "free", resp["UserType"])

	rec = h.do(t, http.MethodGet, "/status/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerify(t *testing.T) {
	t.Parallel()

	t.Run("paid session", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.gateway.verify = &billing.PaymentStatus{Status: "complete", Paid: true}

		rec := h.do(t, http.MethodGet, "/verify/stripe/cs_1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, decodeMap(t, rec)["Paid"])
	})

	t.Run("provider failure", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.gateway.verifyErr = billing.ErrProviderError

		rec := h.do(t, http.MethodGet, "/verify/stripe/cs_1", nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("unknown provider", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		rec := h.do(t, http.MethodGet, "/verify/square/cs_1", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
