package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"credit-ledger/internal/metrics"
	"credit-ledger/internal/model"
)

// Verification compares a stored balance with the balance derived from the
// logs: the latest grant (or zero after a newer cancellation reset) minus
// all usage committed since.
type Verification struct {
	TenantID       uuid.UUID `json:"tenant_id"`
	Version        int64     `json:"version"`
	Stored         int64     `json:"stored"`
	Derived        int64     `json:"derived"`
	Base           int64     `json:"base"`
	BaseVersion    int64     `json:"base_version"`
	UsageSinceBase int64     `json:"usage_since_base"`
	Consistent     bool      `json:"consistent"`
	Repaired       bool      `json:"repaired"`
}

func (s *Service) derive(ctx context.Context, acct model.Account) (Verification, error) {
	v := Verification{
		TenantID:    acct.TenantID,
		Version:     acct.Version,
		Stored:      acct.Balance,
		BaseVersion: acct.LastResetVersion,
	}

	grant, err := s.store.LatestGrant(ctx, acct.TenantID, acct.Version)
	switch {
	case err == nil:
		if grant.AccountVersion > acct.LastResetVersion {
			v.Base = grant.Amount
			v.BaseVersion = grant.AccountVersion
		}
	case !errors.Is(err, ErrNotFound):
		return Verification{}, err
	}

	used, err := s.store.SumUsage(ctx, acct.TenantID, v.BaseVersion, acct.Version)
	if err != nil {
		return Verification{}, err
	}
	v.UsageSinceBase = used
	v.Derived = v.Base - used
	v.Consistent = v.Derived == v.Stored
	return v, nil
}

// VerifyBalance recomputes the tenant's balance from its logs. With repair
// set, a mismatching stored balance is overwritten with the derived one.
func (s *Service) VerifyBalance(ctx context.Context, tenantID uuid.UUID, repair bool) (Verification, error) {
	acct, err := s.store.GetAccount(ctx, tenantID)
	if err != nil {
		return Verification{}, translate(err)
	}
	v, err := s.derive(ctx, acct)
	if err != nil {
		return Verification{}, translate(err)
	}
	if v.Consistent {
		metrics.BalanceRepairs.WithLabelValues("consistent").Inc()
		return v, nil
	}

	metrics.BalanceRepairs.WithLabelValues("mismatch").Inc()
	s.log.Warn("stored balance does not match usage log",
		zap.String("tenant_id", tenantID.String()),
		zap.Int64("stored", v.Stored),
		zap.Int64("derived", v.Derived),
		zap.Int64("version", v.Version))
	if !repair {
		return v, nil
	}

	repaired, m, err := s.update(ctx, tenantID, func(a model.Account) (*Mutation, error) {
		d, err := s.derive(ctx, a)
		if err != nil {
			return nil, err
		}
		v = d
		if d.Consistent {
			return nil, nil
		}
		next := a
		next.Balance = max(d.Derived, 0)
		return &Mutation{Account: next}, nil
	})
	if err != nil {
		return v, err
	}
	if m != nil {
		v.Repaired = true
		metrics.BalanceRepairs.WithLabelValues("repaired").Inc()
		s.log.Warn("balance repaired from usage log",
			zap.String("tenant_id", tenantID.String()),
			zap.Int64("balance", m.Account.Balance))
		s.refresh(ctx, repaired)
	}
	return v, nil
}

type AuditReport struct {
	Checked    int            `json:"checked"`
	Mismatched []Verification `json:"mismatched,omitempty"`
	Repaired   int            `json:"repaired"`
	Failed     int            `json:"failed"`
}

// VerifyAll runs VerifyBalance over every account, page by page. Per-tenant
// failures are logged and counted; only a failure to list accounts aborts.
func (s *Service) VerifyAll(ctx context.Context, repair bool) (AuditReport, error) {
	var report AuditReport
	page := model.Page{Limit: model.MaxPageLimit, Order: model.OrderAsc}
	for {
		accounts, err := s.store.ListAccounts(ctx, page)
		if err != nil {
			return report, translate(err)
		}
		for _, acct := range accounts {
			report.Checked++
			v, err := s.VerifyBalance(ctx, acct.TenantID, repair)
			if err != nil {
				if ctx.Err() != nil {
					return report, ctx.Err()
				}
				report.Failed++
				s.log.Error("balance verification failed",
					zap.String("tenant_id", acct.TenantID.String()), zap.Error(err))
				continue
			}
			if !v.Consistent {
				report.Mismatched = append(report.Mismatched, v)
			}
			if v.Repaired {
				report.Repaired++
			}
		}
		if len(accounts) < page.Limit {
			return report, nil
		}
		page.Offset += len(accounts)
	}
}
