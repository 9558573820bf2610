package reporter

import (
	"context"
	"encoding/json"
	"fmt"

	"credit-ledger/internal/ledger"
)

// Publisher is the slice of messaging.RabbitClient the queue sink needs.
type Publisher interface {
	Publish(queue, messageID string, body []byte) error
}

// QueueSink hands reports to a durable queue; a worker.Pool delivers them
// to Stripe and dead-letters the ones that keep failing.
type QueueSink struct {
	pub   Publisher
	queue string
}

func NewQueueSink(pub Publisher, queue string) *QueueSink {
	return &QueueSink{pub: pub, queue: queue}
}

func (s *QueueSink) Deliver(ctx context.Context, r ledger.UsageReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode usage report: %w", err)
	}
	return s.pub.Publish(s.queue, r.UsageID, body)
}
