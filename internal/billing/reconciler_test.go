package billing_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"credit-ledger/internal/billing"
	"credit-ledger/internal/ledger"
	"credit-ledger/internal/model"
	"credit-ledger/internal/storage"
)

const secret = "whsec_test_secret"

var (
	periodStart = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	svc        *ledger.Service
	reconciler *billing.Reconciler
	tenantID   uuid.UUID
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	svc := ledger.New(storage.NewMemory())
	plans, err := billing.NewPlanCatalog([]billing.Plan{
		{PriceID: "price_basic", Credits: 100, DisplayName: "Basic"},
		{PriceID: "price_pro", Credits: 500, DisplayName: "Pro"},
	})
	require.NoError(t, err)

	tenantID := uuid.New()
	_, err = svc.ProvisionAccount(context.Background(), ledger.ProvisionRequest{
		TenantID:           tenantID,
		ExternalAccountRef: "cus_123",
	})
	require.NoError(t, err)

	verifier := billing.NewStripeVerifier(secret, 5*time.Minute, false)
	return fixture{
		svc:        svc,
		reconciler: billing.NewReconciler(verifier, svc, plans, billing.WithMeterRef("ai_credits")),
		tenantID:   tenantID,
	}
}

func signed(t *testing.T, eventID, eventType string, object map[string]any) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)

	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return sp.Payload, sp.Header
}

func subscription(customer, price string) map[string]any {
	return map[string]any{
		"id":                   "sub_1",
		"object":               "subscription",
		"customer":             customer,
		"status":               "active",
		"current_period_start": periodStart.Unix(),
		"current_period_end":   periodEnd.Unix(),
		"items": map[string]any{
			"object": "list",
			"data": []any{
				map[string]any{
					"id":     "si_1",
					"object": "subscription_item",
					"price": map[string]any{
						"id":        price,
						"object":    "price",
						"recurring": map[string]any{"interval": "month"},
					},
				},
			},
		},
	}
}

func invoice(customer, price, reason string) map[string]any {
	return map[string]any{
		"id":             "in_1",
		"object":         "invoice",
		"customer":       customer,
		"subscription":   "sub_1",
		"billing_reason": reason,
		"lines": map[string]any{
			"object": "list",
			"data": []any{
				map[string]any{
					"id":     "il_1",
					"object": "line_item",
					"price": map[string]any{
						"id":        price,
						"object":    "price",
						"recurring": map[string]any{"interval": "month"},
					},
					"period": map[string]any{"start": periodStart.Unix(), "end": periodEnd.Unix()},
				},
			},
		},
	}
}

func TestHandleEvent_SubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	payload, sig := signed(t, "evt_created", "customer.subscription.created", subscription("cus_123", "price_basic"))
	res, err := f.reconciler.HandleEvent(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, res.Outcome)
	assert.Equal(t, billing.KindSubscriptionCreated, res.Kind)
	assert.Equal(t, f.tenantID, res.TenantID)

	b, err := f.svc.GetBalance(ctx, f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Balance)
	assert.Equal(t, "Basic", b.PlanName)

	payload, sig = signed(t, "evt_upgraded", "customer.subscription.updated", subscription("cus_123", "price_pro"))
	res, err = f.reconciler.HandleEvent(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, res.Outcome)

	grants, err := f.svc.ListGrantHistory(ctx, f.tenantID, model.Page{Order: model.OrderDesc})
	require.NoError(t, err)
	require.Len(t, grants, 2)
	latest := grants[0]
	assert.Equal(t, int64(500), latest.Amount)
	assert.Equal(t, model.ReasonSubscriptionUpdate, latest.Reason)
	require.NotNil(t, latest.ExternalEventRef)
	assert.Equal(t, "evt_upgraded", *latest.ExternalEventRef)
	require.NotNil(t, latest.PeriodStart)
	assert.True(t, periodStart.Equal(*latest.PeriodStart))
	assert.Equal(t, "sub_1", latest.Metadata["subscription_id"])

	payload, sig = signed(t, "evt_deleted", "customer.subscription.deleted", subscription("cus_123", "price_pro"))
	res, err = f.reconciler.HandleEvent(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, res.Outcome)

	b, err = f.svc.GetBalance(ctx, f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Balance)
	assert.Equal(t, int64(0), b.Limit)

	// Redelivery of the cancellation changes nothing.
	res, err = f.reconciler.HandleEvent(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeUnchanged, res.Outcome)
}

func TestHandleEvent_RenewalIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	payload, sig := signed(t, "evt_renewal", "invoice.paid", invoice("cus_123", "price_pro", "subscription_cycle"))
	res, err := f.reconciler.HandleEvent(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, res.Outcome)
	assert.Equal(t, billing.KindPaymentSucceededForRenewal, res.Kind)

	_, err = f.svc.Debit(ctx, ledger.DebitRequest{TenantID: f.tenantID, Amount: 120, ActionType: "ai_generation"})
	require.NoError(t, err)

	res, err = f.reconciler.HandleEvent(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeDuplicate, res.Outcome)

	b, err := f.svc.GetBalance(ctx, f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(380), b.Balance)

	grants, err := f.svc.ListGrantHistory(ctx, f.tenantID, model.Page{})
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, model.ReasonSubscriptionPayment, grants[0].Reason)
}

func TestHandleEvent_Ignored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name      string
		eventType string
		object    map[string]any
	}{
		{"first invoice of a subscription", "invoice.paid", invoice("cus_123", "price_pro", "subscription_create")},
		{"unhandled type", "charge.refunded", map[string]any{"id": "ch_1", "object": "charge"}},
		{"unknown customer", "customer.subscription.created", subscription("cus_unknown", "price_pro")},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, sig := signed(t, "evt_ignored_"+string(rune('a'+i)), tt.eventType, tt.object)
			res, err := f.reconciler.HandleEvent(ctx, payload, sig)
			require.NoError(t, err)
			assert.Equal(t, billing.OutcomeIgnored, res.Outcome)
		})
	}

	b, err := f.svc.GetBalance(ctx, f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Balance)
}

func TestHandleEvent_Rejected(t *testing.T) {
	ctx := context.Background()

	t.Run("bad signature", func(t *testing.T) {
		f := newFixture(t)
		payload, _ := signed(t, "evt_forged", "customer.subscription.created", subscription("cus_123", "price_pro"))

		_, err := f.reconciler.HandleEvent(ctx, payload, "t=1,v1=deadbeef")
		assert.ErrorIs(t, err, ledger.ErrAuthenticationFailed)

		b, err := f.svc.GetBalance(ctx, f.tenantID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), b.Balance)
	})

	t.Run("tampered payload", func(t *testing.T) {
		f := newFixture(t)
		payload, sig := signed(t, "evt_tampered", "customer.subscription.created", subscription("cus_123", "price_basic"))
		payload = []byte(string(payload) + " ")

		_, err := f.reconciler.HandleEvent(ctx, payload, sig)
		assert.ErrorIs(t, err, ledger.ErrAuthenticationFailed)
	})

	t.Run("unknown price", func(t *testing.T) {
		f := newFixture(t)
		payload, sig := signed(t, "evt_gold", "customer.subscription.created", subscription("cus_123", "price_gold"))

		res, err := f.reconciler.HandleEvent(ctx, payload, sig)
		assert.ErrorIs(t, err, billing.ErrUnknownPlan)
		assert.Equal(t, billing.OutcomeRejected, res.Outcome)

		grants, err := f.svc.ListGrantHistory(ctx, f.tenantID, model.Page{})
		require.NoError(t, err)
		assert.Empty(t, grants)
	})
}
