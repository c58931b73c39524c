package paddle

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"testing"
	"time"

	paddlesdk "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subflowhq/subflow/pkg/billing"
)

const testWebhookSecret = "pdl_ntfset_test"

func newParserGateway() *Gateway {
	return &Gateway{
		verifier: paddlesdk.NewWebhookVerifier(testWebhookSecret),
		catalog:  billing.DefaultCatalog(),
	}
}

// signPayload produces a Paddle-Signature header over ts:payload.
func signPayload(payload []byte) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte(":"))
	mac.Write(payload)
	return "ts=" + ts + ";h1=" + hex.EncodeToString(mac.Sum(nil))
}

func subscriptionUpdatedPayload(scheduledChange string) []byte {
	return []byte(fmt.Sprintf(`{
		"event_id": "evt_sub_upd",
		"event_type": "subscription.updated",
		"occurred_at": "2026-08-01T12:00:00Z",
		"data": {
			"id": "sub_1",
			"status": "active",
			"customer_id": "ctm_1",
			"scheduled_change": %s,
			"custom_data": {"user_id": "11111111-1111-1111-1111-111111111111"},
			"current_billing_period": {"ends_at": "2026-09-01T12:00:00Z"}
		}
	}`, scheduledChange))
}

func TestParseWebhookScheduledChange(t *testing.T) {
	t.Parallel()

	gw := newParserGateway()
	ctx := context.Background()

	t.Run("scheduled cancel sets the flag", func(t *testing.T) {
		t.Parallel()
		payload := subscriptionUpdatedPayload(`{"action": "cancel", "effective_at": "2026-09-01T12:00:00Z"}`)

		event, err := gw.ParseWebhook(ctx, payload, signPayload(payload))
		require.NoError(t, err)

		assert.Equal(t, billing.EventSubscriptionUpdated, event.Type)
		assert.Equal(t, "sub_1", event.SubscriptionID)
		assert.Equal(t, "11111111-1111-1111-1111-111111111111", event.UserID)
		require.NotNil(t, event.CancelAtPeriodEnd)
		assert.True(t, *event.CancelAtPeriodEnd)
	})

	t.Run("null scheduled change clears the flag", func(t *testing.T) {
		t.Parallel()
		payload := subscriptionUpdatedPayload(`null`)

		event, err := gw.ParseWebhook(ctx, payload, signPayload(payload))
		require.NoError(t, err)

		require.NotNil(t, event.CancelAtPeriodEnd)
		assert.False(t, *event.CancelAtPeriodEnd)
	})

	t.Run("pause action does not set the flag", func(t *testing.T) {
		t.Parallel()
		payload := subscriptionUpdatedPayload(`{"action": "pause", "effective_at": "2026-09-01T12:00:00Z"}`)

		event, err := gw.ParseWebhook(ctx, payload, signPayload(payload))
		require.NoError(t, err)

		require.NotNil(t, event.CancelAtPeriodEnd)
		assert.False(t, *event.CancelAtPeriodEnd)
	})
}

func TestParseWebhookRejectsBadSignature(t *testing.T) {
	t.Parallel()

	gw := newParserGateway()
	payload := subscriptionUpdatedPayload(`null`)

	_, err := gw.ParseWebhook(context.Background(), payload, "ts=1;h1="+hex.EncodeToString(make([]byte, 32)))
	assert.ErrorIs(t, err, billing.ErrSignatureVerification)
}
