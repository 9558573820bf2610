package billing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"credit-ledger/internal/ledger"
)

func stripeEvent(t *testing.T, eventType string, object string) stripe.Event {
	t.Helper()
	var se stripe.Event
	raw := `{"id":"evt_1","object":"event","type":"` + eventType + `","data":{"object":` + object + `}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &se))
	return se
}

func TestNormalize(t *testing.T) {
	t.Run("renewal invoice", func(t *testing.T) {
		se := stripeEvent(t, "invoice.paid", `{
			"id": "in_1", "object": "invoice", "customer": "cus_1", "subscription": "sub_9",
			"billing_reason": "subscription_cycle", "period_start": 1700000000, "period_end": 1702592000,
			"lines": {"object": "list", "data": [
				{"id": "il_0", "object": "line_item", "price": {"id": "price_once", "object": "price"}},
				{"id": "il_1", "object": "line_item",
				 "price": {"id": "price_pro", "object": "price", "recurring": {"interval": "month"}},
				 "period": {"start": 1710000000, "end": 1712592000}}
			]}
		}`)

		ev, err := normalize(se)
		require.NoError(t, err)
		assert.Equal(t, KindPaymentSucceededForRenewal, ev.Kind)
		assert.Equal(t, "cus_1", ev.CustomerRef)
		assert.Equal(t, "sub_9", ev.SubscriptionID)
		assert.Equal(t, "price_pro", ev.PriceID)
		require.NotNil(t, ev.PeriodStart)
		assert.Equal(t, int64(1710000000), ev.PeriodStart.Unix())
		assert.Equal(t, int64(1712592000), ev.PeriodEnd.Unix())
	})

	t.Run("manual invoice is ignored", func(t *testing.T) {
		se := stripeEvent(t, "invoice.paid", `{"id": "in_2", "object": "invoice", "customer": "cus_1", "billing_reason": "manual"}`)
		ev, err := normalize(se)
		require.NoError(t, err)
		assert.Equal(t, KindIgnored, ev.Kind)
	})

	t.Run("subscription deleted", func(t *testing.T) {
		se := stripeEvent(t, "customer.subscription.deleted", `{"id": "sub_1", "object": "subscription", "customer": "cus_7"}`)
		ev, err := normalize(se)
		require.NoError(t, err)
		assert.Equal(t, KindSubscriptionDeleted, ev.Kind)
		assert.Equal(t, "cus_7", ev.CustomerRef)
		assert.Nil(t, ev.PeriodStart)
	})

	t.Run("undecodable object", func(t *testing.T) {
		se := stripeEvent(t, "customer.subscription.updated", `{"id": "sub_1", "object": "subscription", "items": 7}`)
		_, err := normalize(se)
		assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	})
}
