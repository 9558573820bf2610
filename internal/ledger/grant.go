package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"credit-ledger/internal/metrics"
	"credit-ledger/internal/model"
)

type GrantRequest struct {
	TenantID         uuid.UUID
	Amount           int64
	Reason           model.GrantReason
	ExternalEventRef string
	PeriodStart      *time.Time
	PeriodEnd        *time.Time
	// PlanName and ExternalMeterRef replace the account's values when set.
	PlanName         string
	ExternalMeterRef string
	Metadata         map[string]any
}

func (r GrantRequest) validate() error {
	switch {
	case r.TenantID == uuid.Nil:
		return fmt.Errorf("%w: tenant id is required", ErrInvalidArgument)
	case r.Amount <= 0:
		return fmt.Errorf("%w: grant amount must be positive, got %d", ErrInvalidArgument, r.Amount)
	case !r.Reason.Valid():
		return fmt.Errorf("%w: unknown grant reason %q", ErrInvalidArgument, r.Reason)
	case r.PeriodStart != nil && r.PeriodEnd != nil && r.PeriodEnd.Before(*r.PeriodStart):
		return fmt.Errorf("%w: period ends before it starts", ErrInvalidArgument)
	}
	return nil
}

type GrantResult struct {
	Balance model.Balance
	// Entry is empty when Duplicate is set.
	Entry     model.GrantEntry
	Duplicate bool
}

// Grant resets the tenant's limit and balance to req.Amount for a new period
// and records a grant entry. A request whose ExternalEventRef was already
// granted changes nothing and reports Duplicate.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (GrantResult, error) {
	if err := req.validate(); err != nil {
		return GrantResult{}, err
	}

	if req.ExternalEventRef != "" {
		_, err := s.store.FindGrantByEventRef(ctx, req.ExternalEventRef)
		switch {
		case err == nil:
			return s.duplicateGrant(ctx, req)
		case !errors.Is(err, ErrNotFound):
			return GrantResult{}, translate(err)
		}
	}

	var entry model.GrantEntry
	acct, _, err := s.update(ctx, req.TenantID, func(a model.Account) (*Mutation, error) {
		id, err := newEntryID(grantPrefix)
		if err != nil {
			return nil, err
		}
		entry = model.GrantEntry{
			ID:               id,
			TenantID:         a.TenantID,
			Amount:           req.Amount,
			Reason:           req.Reason,
			ExternalEventRef: optional(req.ExternalEventRef),
			PeriodStart:      req.PeriodStart,
			PeriodEnd:        req.PeriodEnd,
			Metadata:         req.Metadata,
		}
		next := a
		next.Limit = req.Amount
		next.Balance = req.Amount
		next.PeriodStart = req.PeriodStart
		next.PeriodEnd = req.PeriodEnd
		if req.PlanName != "" {
			next.PlanName = req.PlanName
		}
		if req.ExternalMeterRef != "" {
			next.ExternalMeterRef = optional(req.ExternalMeterRef)
		}
		return &Mutation{Account: next, Grant: &entry}, nil
	})
	if errors.Is(err, ErrDuplicateGrant) {
		// Lost the race to a concurrent delivery of the same event.
		return s.duplicateGrant(ctx, req)
	}
	if err != nil {
		return GrantResult{}, err
	}

	metrics.Grants.WithLabelValues(string(req.Reason), "applied").Inc()
	s.log.Info("credits granted",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("grant_id", entry.ID),
		zap.String("reason", string(req.Reason)),
		zap.String("external_event_ref", req.ExternalEventRef),
		zap.Int64("amount", req.Amount))
	s.refresh(ctx, acct)

	return GrantResult{Balance: model.BalanceOf(acct), Entry: entry}, nil
}

func (s *Service) duplicateGrant(ctx context.Context, req GrantRequest) (GrantResult, error) {
	metrics.Grants.WithLabelValues(string(req.Reason), "duplicate").Inc()
	s.log.Info("grant already applied",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("external_event_ref", req.ExternalEventRef))

	acct, err := s.store.GetAccount(ctx, req.TenantID)
	if err != nil {
		return GrantResult{}, translate(err)
	}
	return GrantResult{Balance: model.BalanceOf(acct), Duplicate: true}, nil
}

type ResetResult struct {
	Balance model.Balance
	// Changed is false when the account was already zeroed.
	Changed bool
}

// ResetForCancellation zeroes the tenant's balance and limit and clears the
// billing period. The account's LastResetVersion records the reset.
func (s *Service) ResetForCancellation(ctx context.Context, tenantID uuid.UUID) (ResetResult, error) {
	if tenantID == uuid.Nil {
		return ResetResult{}, fmt.Errorf("%w: tenant id is required", ErrInvalidArgument)
	}

	acct, m, err := s.update(ctx, tenantID, func(a model.Account) (*Mutation, error) {
		if a.Zeroed() {
			return nil, nil
		}
		next := a
		next.Balance = 0
		next.Limit = 0
		next.PeriodStart = nil
		next.PeriodEnd = nil
		next.PlanName = ""
		next.LastResetVersion = a.Version + 1
		return &Mutation{Account: next}, nil
	})
	if err != nil {
		return ResetResult{}, err
	}

	changed := m != nil
	if changed {
		s.log.Info("credits reset for cancellation",
			zap.String("tenant_id", tenantID.String()),
			zap.Int64("reset_version", acct.LastResetVersion))
		s.refresh(ctx, acct)
	}
	return ResetResult{Balance: model.BalanceOf(acct), Changed: changed}, nil
}
