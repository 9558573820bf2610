// Package reporter forwards committed usage to the billing provider's
// metering API. Delivery is best effort: failures are retried a bounded
// number of times, then logged and dropped. The ledger stays authoritative.
package reporter

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"credit-ledger/internal/ledger"
)

// Sink delivers one usage report. Errors wrapped with backoff.Permanent are
// not retried.
type Sink interface {
	Deliver(ctx context.Context, r ledger.UsageReport) error
}

type DeliveryPolicy struct {
	AttemptTimeout  time.Duration
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultDeliveryPolicy() DeliveryPolicy {
	return DeliveryPolicy{
		AttemptTimeout:  5 * time.Second,
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Deliver sends r to sink, retrying per policy. The returned error wraps
// ledger.ErrDownstreamUnavailable.
func Deliver(ctx context.Context, sink Sink, r ledger.UsageReport, p DeliveryPolicy) error {
	attempts := uint64(0)
	op := func() error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
		defer cancel()
		return sink.Deliver(actx, r)
	}

	retries := uint64(0)
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}
	expo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMaxInterval(p.MaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(expo, ctx), retries)); err != nil {
		return fmt.Errorf("%w: usage %s after %d attempt(s): %v", ledger.ErrDownstreamUnavailable, r.UsageID, attempts, err)
	}
	return nil
}
