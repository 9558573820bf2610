package reporter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cenkalti/backoff/v4"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/billing/meterevent"
	"golang.org/x/time/rate"

	"credit-ledger/internal/ledger"
)

// StripeMeter records usage as Stripe billing meter events. The usage entry
// id is the event identifier, so Stripe drops redelivered reports.
type StripeMeter struct {
	client       meterevent.Client
	defaultEvent string
	limiter      *rate.Limiter
}

type StripeMeterConfig struct {
	SecretKey string
	// EventName is used for accounts without their own meter reference.
	EventName string
	// RatePerSecond caps outbound calls. Zero disables the limit.
	RatePerSecond float64
	Burst         int
	// Backend overrides the Stripe API backend, mainly for tests.
	Backend stripe.Backend
}

func NewStripeMeter(cfg StripeMeterConfig) *StripeMeter {
	b := cfg.Backend
	if b == nil {
		b = stripe.GetBackend(stripe.APIBackend)
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &StripeMeter{
		client:       meterevent.Client{B: b, Key: cfg.SecretKey},
		defaultEvent: cfg.EventName,
		limiter:      rate.NewLimiter(limit, burst),
	}
}

func (m *StripeMeter) Deliver(ctx context.Context, r ledger.UsageReport) error {
	event := r.ExternalMeterRef
	if event == "" {
		event = m.defaultEvent
	}
	if event == "" || r.ExternalAccountRef == "" {
		return backoff.Permanent(fmt.Errorf("usage %s has no meter or customer reference", r.UsageID))
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	params := &stripe.BillingMeterEventParams{
		EventName:  stripe.String(event),
		Identifier: stripe.String(r.UsageID),
		Payload: map[string]string{
			"stripe_customer_id": r.ExternalAccountRef,
			"value":              strconv.FormatInt(r.Amount, 10),
			"tenant_id":          r.TenantID.String(),
		},
	}
	if r.ActorID.Valid {
		params.Payload["actor_id"] = r.ActorID.UUID.String()
	}
	if r.ActionType != "" {
		params.Payload["action_type"] = r.ActionType
	}
	if r.Timestamp > 0 {
		params.Timestamp = stripe.Int64(r.Timestamp)
	}
	params.Context = ctx

	if _, err := m.client.New(params); err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && permanentStatus(serr.HTTPStatusCode) {
			return backoff.Permanent(fmt.Errorf("stripe rejected meter event: %w", err))
		}
		return fmt.Errorf("stripe meter event: %w", err)
	}
	return nil
}

func permanentStatus(code int) bool {
	return code >= http.StatusBadRequest && code < http.StatusInternalServerError &&
		code != http.StatusTooManyRequests && code != http.StatusConflict
}
