package ledger_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-ledger/internal/ledger"
	"credit-ledger/internal/model"
	"credit-ledger/internal/storage"
)

func TestUsageHistory(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := newService(t, storage.NewMemory(), ledger.WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	tenantID := provision(t, svc, "")
	grant(t, svc, tenantID, 1000, "")

	for i := 1; i <= 45; i++ {
		_, err := svc.Debit(ctx, ledger.DebitRequest{
			TenantID:    tenantID,
			Amount:      int64(i),
			ActionType:  "export",
			Description: fmt.Sprintf("export %d", i),
		})
		require.NoError(t, err)
	}

	t.Run("oldest first by default", func(t *testing.T) {
		page, err := svc.ListUsageHistory(ctx, tenantID, model.Page{})
		require.NoError(t, err)
		require.Len(t, page, model.DefaultPageLimit)
		assert.Equal(t, int64(1), page[0].Amount)
		assert.Equal(t, int64(20), page[19].Amount)
		assert.False(t, page[0].CreatedAt.After(page[1].CreatedAt))
	})

	t.Run("newest first on request", func(t *testing.T) {
		page, err := svc.ListUsageHistory(ctx, tenantID, model.Page{Order: model.OrderDesc})
		require.NoError(t, err)
		require.Len(t, page, model.DefaultPageLimit)
		assert.Equal(t, int64(45), page[0].Amount)
		assert.Equal(t, int64(26), page[19].Amount)
	})

	t.Run("ascending with offset", func(t *testing.T) {
		page, err := svc.ListUsageHistory(ctx, tenantID, model.Page{Limit: 10, Offset: 40, Order: model.OrderAsc})
		require.NoError(t, err)
		require.Len(t, page, 5)
		assert.Equal(t, int64(41), page[0].Amount)
		assert.Equal(t, int64(45), page[4].Amount)
	})

	t.Run("iterator walks every page", func(t *testing.T) {
		var amounts []int64
		for u, err := range svc.UsageHistory(ctx, tenantID, model.Page{Limit: 7, Order: model.OrderAsc}) {
			require.NoError(t, err)
			amounts = append(amounts, u.Amount)
		}
		require.Len(t, amounts, 45)
		assert.Equal(t, int64(1), amounts[0])
		assert.Equal(t, int64(45), amounts[44])
	})

	t.Run("iterator restarts from an offset and stops early", func(t *testing.T) {
		var amounts []int64
		for u, err := range svc.UsageHistory(ctx, tenantID, model.Page{Limit: 4, Offset: 30, Order: model.OrderAsc}) {
			require.NoError(t, err)
			amounts = append(amounts, u.Amount)
			if len(amounts) == 6 {
				break
			}
		}
		assert.Equal(t, []int64{31, 32, 33, 34, 35, 36}, amounts)
	})

	t.Run("usage log accounts for the spent credits", func(t *testing.T) {
		b, err := svc.GetBalance(ctx, tenantID)
		require.NoError(t, err)

		var total int64
		for u, err := range svc.UsageHistory(ctx, tenantID, model.Page{}) {
			require.NoError(t, err)
			total += u.Amount
		}
		assert.Equal(t, int64(45*46/2), total)
		assert.Equal(t, b.Limit-b.Balance, total)
	})

	t.Run("default offset survives new debits", func(t *testing.T) {
		before, err := svc.ListUsageHistory(ctx, tenantID, model.Page{Limit: 5, Offset: 10})
		require.NoError(t, err)
		_, err = svc.Debit(ctx, ledger.DebitRequest{TenantID: tenantID, Amount: 1, ActionType: "export"})
		require.NoError(t, err)
		after, err := svc.ListUsageHistory(ctx, tenantID, model.Page{Limit: 5, Offset: 10})
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}

func TestGrantHistory(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, storage.NewMemory())
	tenantID := provision(t, svc, "")

	for i := range 3 {
		grant(t, svc, tenantID, int64(100*(i+1)), fmt.Sprintf("evt_%d", i))
	}

	var refs []string
	for g, err := range svc.GrantHistory(ctx, tenantID, model.Page{Limit: 2}) {
		require.NoError(t, err)
		refs = append(refs, *g.ExternalEventRef)
	}
	assert.Equal(t, []string{"evt_0", "evt_1", "evt_2"}, refs)

	_, err := svc.ListGrantHistory(ctx, uuid.New(), model.Page{})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
