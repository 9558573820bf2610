// Package ledger implements the per-tenant credit ledger: balance reads,
// atomic debits, idempotent grants and cancellation resets over a Store.
//
// Every account mutation is a read-check-write cycle committed with an
// optimistic compare-and-set on the account version. Conflicting writers
// retry with a bounded exponential backoff.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"credit-ledger/internal/metrics"
	"credit-ledger/internal/model"
)

// RetryPolicy bounds how often a conflicting mutation is retried.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      8,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     200 * time.Millisecond,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMaxInterval(p.MaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithMaxRetries(backoff.WithContext(expo, ctx), p.MaxRetries)
}

type Service struct {
	store    Store
	log      *zap.Logger
	reporter Reporter
	cache    BalanceCache
	retry    RetryPolicy
	now      func() time.Time
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithReporter forwards committed debits to r.
func WithReporter(r Reporter) Option {
	return func(s *Service) { s.reporter = r }
}

// WithCache serves GetBalance from c when it has an entry.
func WithCache(c BalanceCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		log:   zap.NewNop(),
		retry: DefaultRetryPolicy(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// plan inspects the freshly read account and returns the mutation to commit.
// A nil mutation means there is nothing to write.
type plan func(acct model.Account) (*Mutation, error)

// update runs plan against the latest stored account and commits the result
// with a compare-and-set on the account version. It returns the committed
// state, or the state plan saw when it chose not to write.
func (s *Service) update(ctx context.Context, tenantID uuid.UUID, p plan) (model.Account, *Mutation, error) {
	var (
		current model.Account
		applied *Mutation
	)
	op := func() error {
		acct, err := s.store.GetAccount(ctx, tenantID)
		if err != nil {
			return backoff.Permanent(err)
		}
		current, applied = acct, nil

		m, err := p(acct)
		if err != nil {
			return backoff.Permanent(err)
		}
		if m == nil {
			return nil
		}

		now := s.now().UTC()
		m.ExpectedVersion = acct.Version
		m.Account.TenantID = acct.TenantID
		m.Account.Version = acct.Version + 1
		m.Account.UpdatedAt = now
		if m.Usage != nil {
			m.Usage.AccountVersion = m.Account.Version
			m.Usage.CreatedAt = now
		}
		if m.Grant != nil {
			m.Grant.AccountVersion = m.Account.Version
			m.Grant.CreatedAt = now
		}

		if err := s.store.Apply(ctx, *m); err != nil {
			if errors.Is(err, ErrConflict) {
				metrics.Conflicts.Inc()
				s.log.Debug("account version conflict, retrying",
					zap.String("tenant_id", tenantID.String()),
					zap.Int64("expected_version", acct.Version))
				return err
			}
			return backoff.Permanent(err)
		}
		current, applied = m.Account, m
		return nil
	}

	if err := backoff.Retry(op, s.retry.backOff(ctx)); err != nil {
		return model.Account{}, nil, translate(err)
	}
	return current, applied, nil
}

// translate keeps ledger errors and context errors as they are and hides any
// other store failure behind ErrUnavailable.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict):
		return fmt.Errorf("%w: retries exhausted", ErrConflict)
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInsufficientCredits),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrDuplicateGrant),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// refresh writes the committed balance through to the cache. When that fails
// the entry is dropped instead, leaving the next read to refill it.
func (s *Service) refresh(ctx context.Context, acct model.Account) {
	if s.cache == nil {
		return
	}
	err := s.cache.Set(ctx, model.BalanceOf(acct))
	if err == nil {
		return
	}
	s.log.Warn("failed to cache committed balance",
		zap.String("tenant_id", acct.TenantID.String()), zap.Error(err))
	if err := s.cache.Invalidate(ctx, acct.TenantID); err != nil {
		s.log.Warn("failed to invalidate cached balance",
			zap.String("tenant_id", acct.TenantID.String()), zap.Error(err))
	}
}

// GetBalance returns the tenant's balance, possibly from the read cache. A
// cached balance is at most one TTL old and never older than the last
// commit whose write-through succeeded.
func (s *Service) GetBalance(ctx context.Context, tenantID uuid.UUID) (model.Balance, error) {
	if s.cache != nil {
		b, ok, err := s.cache.Get(ctx, tenantID)
		if err != nil {
			s.log.Warn("balance cache read failed", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		} else if ok {
			return b, nil
		}
	}

	acct, err := s.store.GetAccount(ctx, tenantID)
	if err != nil {
		return model.Balance{}, translate(err)
	}
	b := model.BalanceOf(acct)

	if s.cache != nil {
		if err := s.cache.Set(ctx, b); err != nil {
			s.log.Warn("balance cache write failed", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		}
	}
	return b, nil
}

// CheckBalance reports whether the tenant currently holds at least required
// credits. The answer is advisory; Debit performs its own check.
func (s *Service) CheckBalance(ctx context.Context, tenantID uuid.UUID, required int64) (bool, error) {
	if required <= 0 {
		return false, fmt.Errorf("%w: required amount must be positive", ErrInvalidArgument)
	}
	b, err := s.GetBalance(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return b.Balance >= required, nil
}

// AccountByExternalRef resolves the account linked to a billing provider customer.
func (s *Service) AccountByExternalRef(ctx context.Context, ref string) (model.Account, error) {
	if ref == "" {
		return model.Account{}, fmt.Errorf("%w: empty external account reference", ErrInvalidArgument)
	}
	acct, err := s.store.GetAccountByExternalRef(ctx, ref)
	if err != nil {
		return model.Account{}, translate(err)
	}
	return acct, nil
}

type ProvisionRequest struct {
	TenantID           uuid.UUID
	ExternalAccountRef string
	ExternalMeterRef   string
}

type ProvisionResult struct {
	Account model.Account
	Created bool
}

// ProvisionAccount creates the tenant's account with a zero balance. Calling
// it again links any newly supplied external references and otherwise
// leaves the account alone.
func (s *Service) ProvisionAccount(ctx context.Context, req ProvisionRequest) (ProvisionResult, error) {
	if req.TenantID == uuid.Nil {
		return ProvisionResult{}, fmt.Errorf("%w: tenant id is required", ErrInvalidArgument)
	}

	now := s.now().UTC()
	acct := &model.Account{
		TenantID:           req.TenantID,
		ExternalAccountRef: optional(req.ExternalAccountRef),
		ExternalMeterRef:   optional(req.ExternalMeterRef),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err := s.store.CreateAccount(ctx, acct)
	if err == nil {
		s.log.Info("credit account provisioned", zap.String("tenant_id", req.TenantID.String()))
		return ProvisionResult{Account: *acct, Created: true}, nil
	}
	if !errors.Is(err, ErrAlreadyExists) {
		return ProvisionResult{}, translate(err)
	}

	current, _, err := s.update(ctx, req.TenantID, func(a model.Account) (*Mutation, error) {
		next := a
		changed := false
		if req.ExternalAccountRef != "" && deref(a.ExternalAccountRef) != req.ExternalAccountRef {
			next.ExternalAccountRef = optional(req.ExternalAccountRef)
			changed = true
		}
		if req.ExternalMeterRef != "" && deref(a.ExternalMeterRef) != req.ExternalMeterRef {
			next.ExternalMeterRef = optional(req.ExternalMeterRef)
			changed = true
		}
		if !changed {
			return nil, nil
		}
		return &Mutation{Account: next}, nil
	})
	if errors.Is(err, ErrNotFound) {
		// The insert collided on the external reference, not the tenant.
		return ProvisionResult{}, fmt.Errorf("%w: external account reference is linked to another tenant", ErrAlreadyExists)
	}
	if err != nil {
		return ProvisionResult{}, err
	}
	s.refresh(ctx, current)
	return ProvisionResult{Account: current}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
