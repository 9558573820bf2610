// Package billing turns billing provider notifications into ledger grants
// and resets. Duplicate deliveries are absorbed by the ledger's external
// event reference; the reconciler keeps no state of its own.
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"credit-ledger/internal/ledger"
	"credit-ledger/internal/metrics"
	"credit-ledger/internal/model"
)

// Ledger is the part of the credit ledger the reconciler drives.
type Ledger interface {
	AccountByExternalRef(ctx context.Context, ref string) (model.Account, error)
	Grant(ctx context.Context, req ledger.GrantRequest) (ledger.GrantResult, error)
	ResetForCancellation(ctx context.Context, tenantID uuid.UUID) (ledger.ResetResult, error)
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
)

// Result is returned for every acknowledged notification.
type Result struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Kind      Kind      `json:"kind"`
	Outcome   Outcome   `json:"outcome"`
	TenantID  uuid.UUID `json:"tenant_id,omitempty"`
}

type Reconciler struct {
	verifier EventVerifier
	ledger   Ledger
	plans    *PlanCatalog
	meterRef string
	log      *zap.Logger
}

type ReconcilerOption func(*Reconciler)

func WithReconcilerLogger(l *zap.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMeterRef sets the metering channel recorded on accounts that receive
// a subscription grant.
func WithMeterRef(ref string) ReconcilerOption {
	return func(r *Reconciler) { r.meterRef = ref }
}

func NewReconciler(v EventVerifier, l Ledger, plans *PlanCatalog, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		verifier: v,
		ledger:   l,
		plans:    plans,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleEvent verifies and applies one notification. A nil error means the
// provider may consider the event delivered.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, signature string) (Result, error) {
	ev, err := r.verifier.Verify(payload, signature)
	if err != nil {
		if errors.Is(err, ledger.ErrAuthenticationFailed) {
			metrics.WebhookEvents.WithLabelValues("unverified", string(OutcomeRejected)).Inc()
			r.log.Warn("billing event failed verification", zap.Error(err))
		}
		return Result{}, err
	}

	res := Result{EventID: ev.ID, EventType: ev.RawType, Kind: ev.Kind}
	res.Outcome, res.TenantID, err = r.apply(ctx, ev)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(ev.RawType, string(OutcomeRejected)).Inc()
		r.log.Error("failed to apply billing event",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.RawType),
			zap.Error(err))
		return res, err
	}

	metrics.WebhookEvents.WithLabelValues(ev.RawType, string(res.Outcome)).Inc()
	r.log.Info("billing event handled",
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.RawType),
		zap.String("outcome", string(res.Outcome)))
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, ev Event) (Outcome, uuid.UUID, error) {
	if ev.Kind == KindIgnored {
		r.log.Debug("unhandled billing event type", zap.String("event_type", ev.RawType))
		return OutcomeIgnored, uuid.Nil, nil
	}

	if ev.CustomerRef == "" {
		return OutcomeRejected, uuid.Nil, fmt.Errorf("%w: event %s has no customer", ledger.ErrInvalidArgument, ev.ID)
	}
	acct, err := r.ledger.AccountByExternalRef(ctx, ev.CustomerRef)
	if ledger.IsNotFound(err) {
		// Customers that never reached provisioning are acknowledged so the
		// provider stops redelivering.
		r.log.Warn("no credit account for billing customer",
			zap.String("event_id", ev.ID),
			zap.String("customer_id", ev.CustomerRef))
		return OutcomeIgnored, uuid.Nil, nil
	}
	if err != nil {
		return OutcomeRejected, uuid.Nil, err
	}

	switch ev.Kind {
	case KindSubscriptionDeleted:
		reset, err := r.ledger.ResetForCancellation(ctx, acct.TenantID)
		if err != nil {
			return OutcomeRejected, acct.TenantID, err
		}
		if !reset.Changed {
			return OutcomeUnchanged, acct.TenantID, nil
		}
		return OutcomeApplied, acct.TenantID, nil

	case KindPaymentSucceededForRenewal, KindSubscriptionCreated, KindSubscriptionUpdated:
		plan, err := r.plans.Lookup(ev.PriceID)
		if err != nil {
			return OutcomeRejected, acct.TenantID, err
		}
		reason := model.ReasonSubscriptionUpdate
		if ev.Kind == KindPaymentSucceededForRenewal {
			reason = model.ReasonSubscriptionPayment
		}
		res, err := r.ledger.Grant(ctx, ledger.GrantRequest{
			TenantID:         acct.TenantID,
			Amount:           plan.Credits,
			Reason:           reason,
			ExternalEventRef: ev.ID,
			PeriodStart:      ev.PeriodStart,
			PeriodEnd:        ev.PeriodEnd,
			PlanName:         plan.DisplayName,
			ExternalMeterRef: r.meterRef,
			Metadata: map[string]any{
				"subscription_id": ev.SubscriptionID,
				"price_id":        ev.PriceID,
				"event_type":      ev.RawType,
			},
		})
		if err != nil {
			return OutcomeRejected, acct.TenantID, err
		}
		if res.Duplicate {
			return OutcomeDuplicate, acct.TenantID, nil
		}
		return OutcomeApplied, acct.TenantID, nil
	}

	return OutcomeIgnored, acct.TenantID, nil
}
