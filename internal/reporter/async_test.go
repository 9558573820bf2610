package reporter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-ledger/internal/ledger"
)

type sinkFunc func(ctx context.Context, r ledger.UsageReport) error

func (f sinkFunc) Deliver(ctx context.Context, r ledger.UsageReport) error { return f(ctx, r) }

var quickPolicy = DeliveryPolicy{
	AttemptTimeout:  50 * time.Millisecond,
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     time.Millisecond,
}

func TestDeliver(t *testing.T) {
	ctx := context.Background()
	report := ledger.UsageReport{UsageID: "usage_1", Amount: 3}

	t.Run("retries transient failures", func(t *testing.T) {
		var calls int
		err := Deliver(ctx, sinkFunc(func(context.Context, ledger.UsageReport) error {
			calls++
			if calls < 3 {
				return errors.New("connection reset")
			}
			return nil
		}), report, quickPolicy)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		var calls int
		err := Deliver(ctx, sinkFunc(func(context.Context, ledger.UsageReport) error {
			calls++
			return errors.New("connection reset")
		}), report, quickPolicy)
		require.ErrorIs(t, err, ledger.ErrDownstreamUnavailable)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		var calls int
		err := Deliver(ctx, sinkFunc(func(context.Context, ledger.UsageReport) error {
			calls++
			return backoff.Permanent(errors.New("no such customer"))
		}), report, quickPolicy)
		require.ErrorIs(t, err, ledger.ErrDownstreamUnavailable)
		assert.Equal(t, 1, calls)
	})

	t.Run("each attempt is bounded by the timeout", func(t *testing.T) {
		start := time.Now()
		err := Deliver(ctx, sinkFunc(func(ctx context.Context, _ ledger.UsageReport) error {
			<-ctx.Done()
			return ctx.Err()
		}), report, quickPolicy)
		require.ErrorIs(t, err, ledger.ErrDownstreamUnavailable)
		assert.Less(t, time.Since(start), 2*time.Second)
	})
}

func TestAsync(t *testing.T) {
	t.Run("delivers submitted reports", func(t *testing.T) {
		var (
			mu   sync.Mutex
			seen []string
		)
		a := NewAsync(sinkFunc(func(_ context.Context, r ledger.UsageReport) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, r.UsageID)
			return nil
		}), AsyncConfig{Workers: 4, QueueSize: 16, Policy: quickPolicy}, nil)
		a.Start(context.Background())

		for _, id := range []string{"usage_a", "usage_b", "usage_c"} {
			a.Submit(ledger.UsageReport{UsageID: id})
		}
		require.NoError(t, a.Shutdown(context.Background()))
		assert.ElementsMatch(t, []string{"usage_a", "usage_b", "usage_c"}, seen)
	})

	t.Run("full queue drops without blocking", func(t *testing.T) {
		release := make(chan struct{})
		var delivered atomic.Int32
		a := NewAsync(sinkFunc(func(context.Context, ledger.UsageReport) error {
			<-release
			delivered.Add(1)
			return nil
		}), AsyncConfig{Workers: 1, QueueSize: 1, Policy: DeliveryPolicy{AttemptTimeout: time.Minute, MaxAttempts: 1}}, nil)

		// Not started: the single slot fills and the rest are dropped.
		done := make(chan struct{})
		go func() {
			for range 5 {
				a.Submit(ledger.UsageReport{UsageID: "usage_x"})
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Submit blocked on a full queue")
		}

		a.Start(context.Background())
		close(release)
		require.NoError(t, a.Shutdown(context.Background()))
		assert.Equal(t, int32(1), delivered.Load())
	})

	t.Run("failed deliveries are dropped", func(t *testing.T) {
		var calls atomic.Int32
		a := NewAsync(sinkFunc(func(context.Context, ledger.UsageReport) error {
			calls.Add(1)
			return errors.New("stripe unavailable")
		}), AsyncConfig{Workers: 1, QueueSize: 4, Policy: quickPolicy}, nil)
		a.Start(context.Background())
		a.Submit(ledger.UsageReport{UsageID: "usage_y"})
		require.NoError(t, a.Shutdown(context.Background()))
		assert.Equal(t, int32(3), calls.Load())

		// Submissions after shutdown are dropped, not panics.
		a.Submit(ledger.UsageReport{UsageID: "usage_z"})
	})
}
