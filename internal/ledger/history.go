package ledger

import (
	"context"
	"iter"

	"github.com/google/uuid"

	"credit-ledger/internal/model"
)

// ListUsageHistory returns one page of the tenant's usage log.
func (s *Service) ListUsageHistory(ctx context.Context, tenantID uuid.UUID, page model.Page) ([]model.UsageEntry, error) {
	if _, err := s.store.GetAccount(ctx, tenantID); err != nil {
		return nil, translate(err)
	}
	entries, err := s.store.ListUsage(ctx, tenantID, page.Normalize())
	if err != nil {
		return nil, translate(err)
	}
	return entries, nil
}

// ListGrantHistory returns one page of the tenant's grant log.
func (s *Service) ListGrantHistory(ctx context.Context, tenantID uuid.UUID, page model.Page) ([]model.GrantEntry, error) {
	if _, err := s.store.GetAccount(ctx, tenantID); err != nil {
		return nil, translate(err)
	}
	entries, err := s.store.ListGrants(ctx, tenantID, page.Normalize())
	if err != nil {
		return nil, translate(err)
	}
	return entries, nil
}

// UsageHistory streams the usage log starting at from.Offset, fetching
// from.Limit entries at a time. Entries come oldest first unless from.Order
// is OrderDesc; descending offsets shift as new debits commit.
func (s *Service) UsageHistory(ctx context.Context, tenantID uuid.UUID, from model.Page) iter.Seq2[model.UsageEntry, error] {
	return paginate(from, func(p model.Page) ([]model.UsageEntry, error) {
		return s.store.ListUsage(ctx, tenantID, p)
	})
}

// GrantHistory streams the grant log starting at from.Offset.
func (s *Service) GrantHistory(ctx context.Context, tenantID uuid.UUID, from model.Page) iter.Seq2[model.GrantEntry, error] {
	return paginate(from, func(p model.Page) ([]model.GrantEntry, error) {
		return s.store.ListGrants(ctx, tenantID, p)
	})
}

func paginate[T any](from model.Page, fetch func(model.Page) ([]T, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		page := from.Normalize()
		for {
			items, err := fetch(page)
			if err != nil {
				var zero T
				yield(zero, translate(err))
				return
			}
			for _, item := range items {
				if !yield(item, nil) {
					return
				}
			}
			if len(items) < page.Limit {
				return
			}
			page.Offset += len(items)
		}
	}
}
