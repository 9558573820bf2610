package reporter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"credit-ledger/internal/ledger"
)

func newMeter(t *testing.T, handler http.HandlerFunc, eventName string) *StripeMeter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripeMeter(StripeMeterConfig{
		SecretKey: "sk_test_123",
		EventName: eventName,
		Backend:   backend,
	})
}

func TestStripeMeter(t *testing.T) {
	tenantID, actorID := uuid.New(), uuid.New()
	report := ledger.UsageReport{
		UsageID:            "usage_01h455vb4pex5vsknk084sn02q",
		TenantID:           tenantID,
		ActorID:            uuid.NullUUID{UUID: actorID, Valid: true},
		ExternalAccountRef: "cus_123",
		ActionType:         "ai_generation",
		Amount:             42,
		Timestamp:          1735689600,
	}

	t.Run("posts a meter event", func(t *testing.T) {
		var (
			mu   sync.Mutex
			form map[string]string
		)
		m := newMeter(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/billing/meter_events", r.URL.Path)
			assert.NoError(t, r.ParseForm())
			mu.Lock()
			form = map[string]string{
				"event_name": r.PostForm.Get("event_name"),
				"identifier": r.PostForm.Get("identifier"),
				"customer":   r.PostForm.Get("payload[stripe_customer_id]"),
				"value":      r.PostForm.Get("payload[value]"),
				"timestamp":  r.PostForm.Get("timestamp"),
				"tenant":     r.PostForm.Get("payload[tenant_id]"),
				"actor":      r.PostForm.Get("payload[actor_id]"),
				"action":     r.PostForm.Get("payload[action_type]"),
			}
			mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"object":"billing.meter_event","event_name":"ai_credits","identifier":"usage_01h455vb4pex5vsknk084sn02q","livemode":false}`))
		}, "ai_credits")

		require.NoError(t, m.Deliver(context.Background(), report))
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, map[string]string{
			"event_name": "ai_credits",
			"identifier": "usage_01h455vb4pex5vsknk084sn02q",
			"customer":   "cus_123",
			"value":      "42",
			"timestamp":  "1735689600",
			"tenant":     tenantID.String(),
			"actor":      actorID.String(),
			"action":     "ai_generation",
		}, form)
	})

	t.Run("service usage carries no actor", func(t *testing.T) {
		got := make(chan map[string][]string, 1)
		m := newMeter(t, func(w http.ResponseWriter, r *http.Request) {
			_ = r.ParseForm()
			got <- r.PostForm
			_, _ = w.Write([]byte(`{"object":"billing.meter_event"}`))
		}, "ai_credits")

		r := report
		r.ActorID = uuid.NullUUID{}
		require.NoError(t, m.Deliver(context.Background(), r))
		form := <-got
		require.NotEmpty(t, form["payload[tenant_id]"])
		assert.Equal(t, tenantID.String(), form["payload[tenant_id]"][0])
		assert.NotContains(t, form, "payload[actor_id]")
	})

	t.Run("account meter overrides the default event", func(t *testing.T) {
		got := make(chan string, 1)
		m := newMeter(t, func(w http.ResponseWriter, r *http.Request) {
			_ = r.ParseForm()
			got <- r.PostForm.Get("event_name")
			_, _ = w.Write([]byte(`{"object":"billing.meter_event"}`))
		}, "ai_credits")

		r := report
		r.ExternalMeterRef = "exports"
		require.NoError(t, m.Deliver(context.Background(), r))
		assert.Equal(t, "exports", <-got)
	})

	t.Run("client errors are permanent", func(t *testing.T) {
		m := newMeter(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such customer: 'cus_123'"}}`))
		}, "ai_credits")

		err := m.Deliver(context.Background(), report)
		require.Error(t, err)
		var perm *backoff.PermanentError
		assert.True(t, errors.As(err, &perm))
	})

	t.Run("server errors are retryable", func(t *testing.T) {
		m := newMeter(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"internal"}}`))
		}, "ai_credits")

		err := m.Deliver(context.Background(), report)
		require.Error(t, err)
		var perm *backoff.PermanentError
		assert.False(t, errors.As(err, &perm))
	})

	t.Run("missing references", func(t *testing.T) {
		m := newMeter(t, func(http.ResponseWriter, *http.Request) {
			t.Error("no request expected")
		}, "")

		err := m.Deliver(context.Background(), report)
		var perm *backoff.PermanentError
		assert.True(t, errors.As(err, &perm))
	})
}

type recordingPublisher struct {
	queue, id string
	body      []byte
	err       error
}

func (p *recordingPublisher) Publish(queue, messageID string, body []byte) error {
	p.queue, p.id, p.body = queue, messageID, body
	return p.err
}

func TestQueueSink(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewQueueSink(pub, "usage_reports")

	require.NoError(t, s.Deliver(context.Background(), ledger.UsageReport{UsageID: "usage_q", Amount: 9}))
	assert.Equal(t, "usage_reports", pub.queue)
	assert.Equal(t, "usage_q", pub.id)
	assert.JSONEq(t, `{"usage_id":"usage_q","tenant_id":"00000000-0000-0000-0000-000000000000","actor_id":null,
		"external_account_ref":"","amount":9,"action_type":"","timestamp":0}`, string(pub.body))

	pub.err = errors.New("channel closed")
	assert.Error(t, s.Deliver(context.Background(), ledger.UsageReport{UsageID: "usage_r"}))
}
