package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"credit-ledger/internal/metrics"
	"credit-ledger/internal/model"
)

type DebitRequest struct {
	TenantID    uuid.UUID
	ActorID     uuid.NullUUID
	Amount      int64
	ActionType  string
	Description string
	Metadata    map[string]any
}

func (r DebitRequest) validate() error {
	switch {
	case r.TenantID == uuid.Nil:
		return fmt.Errorf("%w: tenant id is required", ErrInvalidArgument)
	case r.Amount <= 0:
		return fmt.Errorf("%w: debit amount must be positive, got %d", ErrInvalidArgument, r.Amount)
	case strings.TrimSpace(r.ActionType) == "":
		return fmt.Errorf("%w: action type is required", ErrInvalidArgument)
	}
	return nil
}

type DebitResult struct {
	Balance model.Balance
	Entry   model.UsageEntry
}

// Debit removes req.Amount credits from the tenant's balance and records a
// usage entry in the same commit. A balance below the amount fails with
// ErrInsufficientCredits and writes nothing.
func (s *Service) Debit(ctx context.Context, req DebitRequest) (DebitResult, error) {
	if err := req.validate(); err != nil {
		metrics.DebitRejections.WithLabelValues("invalid_argument").Inc()
		return DebitResult{}, err
	}

	var entry model.UsageEntry
	acct, _, err := s.update(ctx, req.TenantID, func(a model.Account) (*Mutation, error) {
		if a.Balance < req.Amount {
			return nil, fmt.Errorf("%w: balance %d, required %d", ErrInsufficientCredits, a.Balance, req.Amount)
		}
		id, err := newEntryID(usagePrefix)
		if err != nil {
			return nil, err
		}
		entry = model.UsageEntry{
			ID:          id,
			TenantID:    a.TenantID,
			ActorID:     req.ActorID,
			Amount:      req.Amount,
			ActionType:  req.ActionType,
			Description: req.Description,
			Metadata:    req.Metadata,
		}
		next := a
		next.Balance -= req.Amount
		return &Mutation{Account: next, Usage: &entry}, nil
	})
	if err != nil {
		s.rejectDebit(req, err)
		return DebitResult{}, err
	}

	metrics.CreditsDebited.WithLabelValues(req.ActionType).Add(float64(req.Amount))
	s.log.Info("credits debited",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("usage_id", entry.ID),
		zap.String("action_type", req.ActionType),
		zap.Int64("amount", req.Amount),
		zap.Int64("balance", acct.Balance))

	s.refresh(ctx, acct)
	s.report(acct, entry)

	return DebitResult{Balance: model.BalanceOf(acct), Entry: entry}, nil
}

func (s *Service) rejectDebit(req DebitRequest, err error) {
	reason := "error"
	switch {
	case IsNotFound(err):
		reason = "not_found"
	case errors.Is(err, ErrInsufficientCredits):
		reason = "insufficient_credits"
	case errors.Is(err, ErrConflict):
		reason = "conflict"
	}
	metrics.DebitRejections.WithLabelValues(reason).Inc()
	s.log.Info("debit rejected",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("action_type", req.ActionType),
		zap.Int64("amount", req.Amount),
		zap.String("reason", reason),
		zap.Error(err))
}

// report hands the committed entry to the reporter. Accounts without a
// billing customer have nothing to invoice against.
func (s *Service) report(acct model.Account, entry model.UsageEntry) {
	if s.reporter == nil {
		return
	}
	if acct.ExternalAccountRef == nil {
		s.log.Debug("usage not reported, account has no billing customer",
			zap.String("tenant_id", acct.TenantID.String()),
			zap.String("usage_id", entry.ID))
		return
	}
	s.reporter.Submit(UsageReport{
		UsageID:            entry.ID,
		TenantID:           entry.TenantID,
		ActorID:            entry.ActorID,
		ExternalAccountRef: *acct.ExternalAccountRef,
		ExternalMeterRef:   deref(acct.ExternalMeterRef),
		Amount:             entry.Amount,
		ActionType:         entry.ActionType,
		Timestamp:          entry.CreatedAt.Unix(),
	})
}
