package ledger_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-ledger/internal/ledger"
	"credit-ledger/internal/storage"
)

// corrupt overwrites the stored balance without a log entry.
func corrupt(t *testing.T, store *storage.Memory, tenantID uuid.UUID, balance int64) {
	t.Helper()
	acct, err := store.GetAccount(context.Background(), tenantID)
	require.NoError(t, err)
	next := acct
	next.Balance = balance
	next.Version++
	require.NoError(t, store.Apply(context.Background(), ledger.Mutation{Account: next, ExpectedVersion: acct.Version}))
}

func TestVerifyBalance(t *testing.T) {
	ctx := context.Background()

	t.Run("consistent after grants and debits", func(t *testing.T) {
		svc := newService(t, storage.NewMemory())
		tenantID := provision(t, svc, "")
		grant(t, svc, tenantID, 100, "evt_a")
		_, err := debit(svc, tenantID, 30)
		require.NoError(t, err)
		grant(t, svc, tenantID, 80, "evt_b")
		_, err = debit(svc, tenantID, 5)
		require.NoError(t, err)

		v, err := svc.VerifyBalance(ctx, tenantID, false)
		require.NoError(t, err)
		assert.True(t, v.Consistent)
		assert.Equal(t, int64(80), v.Base)
		assert.Equal(t, int64(5), v.UsageSinceBase)
		assert.Equal(t, int64(75), v.Derived)
	})

	t.Run("reset newer than the last grant derives zero", func(t *testing.T) {
		svc := newService(t, storage.NewMemory())
		tenantID := provision(t, svc, "")
		grant(t, svc, tenantID, 100, "")
		_, err := svc.ResetForCancellation(ctx, tenantID)
		require.NoError(t, err)

		v, err := svc.VerifyBalance(ctx, tenantID, false)
		require.NoError(t, err)
		assert.True(t, v.Consistent)
		assert.Equal(t, int64(0), v.Base)
		assert.Equal(t, int64(0), v.Derived)
	})

	t.Run("mismatch is reported and repaired", func(t *testing.T) {
		store := storage.NewMemory()
		svc := newService(t, store)
		tenantID := provision(t, svc, "")
		grant(t, svc, tenantID, 100, "")
		_, err := debit(svc, tenantID, 40)
		require.NoError(t, err)
		corrupt(t, store, tenantID, 95)

		v, err := svc.VerifyBalance(ctx, tenantID, false)
		require.NoError(t, err)
		assert.False(t, v.Consistent)
		assert.False(t, v.Repaired)
		assert.Equal(t, int64(95), v.Stored)
		assert.Equal(t, int64(60), v.Derived)

		v, err = svc.VerifyBalance(ctx, tenantID, true)
		require.NoError(t, err)
		assert.True(t, v.Repaired)

		b, err := svc.GetBalance(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, int64(60), b.Balance)

		v, err = svc.VerifyBalance(ctx, tenantID, false)
		require.NoError(t, err)
		assert.True(t, v.Consistent)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		svc := newService(t, storage.NewMemory())
		_, err := svc.VerifyBalance(ctx, uuid.New(), true)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

func TestVerifyAll(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	svc := newService(t, store)

	var broken uuid.UUID
	for i := range 150 {
		tenantID := provision(t, svc, "")
		grant(t, svc, tenantID, 10, "")
		if i == 120 {
			broken = tenantID
		}
	}
	corrupt(t, store, broken, 3)

	report, err := svc.VerifyAll(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 150, report.Checked)
	assert.Equal(t, 1, report.Repaired)
	assert.Equal(t, 0, report.Failed)
	require.Len(t, report.Mismatched, 1)
	assert.Equal(t, broken, report.Mismatched[0].TenantID)

	report, err = svc.VerifyAll(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, report.Mismatched)
}
