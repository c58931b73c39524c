package paddle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	paddlesdk "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subflowhq/subflow/pkg/billing"
)

func newTestGateway(t *testing.T, handler http.Handler) *Gateway {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := paddlesdk.New("pdl_test_key", paddlesdk.WithBaseURL(srv.URL))
	require.NoError(t, err)

	return &Gateway{
		client:   client,
		verifier: paddlesdk.NewWebhookVerifier("whsec_test"),
	}
}

func TestGatewayVerifyPaymentStatus(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/transactions/txn_abc", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{
			"id": "txn_abc",
			"status": "completed",
			"customer_id": "ctm_1",
			"subscription_id": "sub_1",
			"details": {"totals": {"total": "2900", "currency_code": "USD"}}
		}}`))
	}))

	status, err := gw.VerifyPaymentStatus(context.Background(), "txn_abc")
	require.NoError(t, err)

	assert.True(t, status.Paid)
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, "sub_1", status.SubscriptionID)
	assert.Equal(t, "ctm_1", status.CustomerID)
	assert.Equal(t, billing.Money{Amount: 2900, Currency: "USD"}, status.AmountPaid)
}

func TestGatewayVerifyPaymentStatusUnpaid(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{
			"id": "txn_abc",
			"status": "past_due",
			"details": {"totals": {"total": "0", "currency_code": "USD"}}
		}}`))
	}))

	status, err := gw.VerifyPaymentStatus(context.Background(), "txn_abc")
	require.NoError(t, err)

	assert.False(t, status.Paid)
	assert.Equal(t, "past_due", status.Status)
}

func TestGatewayResumeSubscription(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/subscriptions/sub_1", r.URL.Path)

		// Paddle removes a scheduled cancellation only when the field is an
		// explicit null, not when it is omitted.
		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		raw, ok := body["scheduled_change"]
		require.True(t, ok, "scheduled_change must be present in the patch body")
		assert.Equal(t, "null", string(raw))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"id": "sub_1", "status": "active"}}`))
	}))

	require.NoError(t, gw.ResumeSubscription(context.Background(), "sub_1"))
}

func TestGatewayResumeSubscriptionRequiresID(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no API call expected")
	}))

	err := gw.ResumeSubscription(context.Background(), "")
	assert.ErrorIs(t, err, billing.ErrMissingProviderSubID)
}

func TestGatewayBillingHistory(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transactions", r.URL.Path)
		assert.Equal(t, "ctm_1", r.URL.Query().Get("customer_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{
				"id": "txn_1",
				"status": "completed",
				"billed_at": "2026-01-15T10:00:00Z",
				"details": {"totals": {"total": "2900", "currency_code": "USD"}}
			},
			{
				"id": "txn_2",
				"status": "completed",
				"billed_at": "2026-02-15T10:00:00Z",
				"details": {"totals": {"total": "2900", "currency_code": "USD"}}
			}
		]}`))
	}))

	records, err := gw.GetBillingHistory(context.Background(), "ctm_1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "txn_1", records[0].ID)
	assert.Equal(t, billing.Money{Amount: 2900, Currency: "USD"}, records[0].Amount)
	assert.Equal(t, "completed", records[0].Status)
	assert.Equal(t, 2026, records[0].Date.Year())
}
