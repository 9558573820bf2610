package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"credit-ledger/internal/ledger"
	"credit-ledger/internal/messaging"
	"credit-ledger/internal/metrics"
	"credit-ledger/internal/reporter"
)

// Pool consumes queued usage reports and delivers them to a sink. A report
// that still fails after the delivery policy is rejected to the dead-letter
// queue for out-of-band retry.
type Pool struct {
	queue   string
	ch      *amqp.Channel
	sink    reporter.Sink
	policy  reporter.DeliveryPolicy
	workers int
	log     *zap.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(rabbit *messaging.RabbitClient, queue string, sink reporter.Sink, workers int, policy reporter.DeliveryPolicy, log *zap.Logger) (*Pool, error) {
	ch, err := rabbit.GetConnection().Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if workers <= 0 {
		workers = 1
	}
	if err := ch.Qos(workers, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		queue:   queue,
		ch:      ch,
		sink:    sink,
		policy:  policy,
		workers: workers,
		log:     log,
	}, nil
}

func (wp *Pool) Start(ctx context.Context) error {
	msgs, err := wp.ch.Consume(
		wp.queue,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	ctx, wp.cancel = context.WithCancel(ctx)
	wp.log.Info("starting usage report workers", zap.String("queue", wp.queue), zap.Int("workers", wp.workers))
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go func() {
			defer wp.wg.Done()
			wp.run(ctx, msgs)
		}()
	}
	return nil
}

func (wp *Pool) run(ctx context.Context, msgs <-chan amqp.Delivery) {
	metrics.WorkerActive.Inc()
	defer metrics.WorkerActive.Dec()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := wp.handleMessage(ctx, msg.Body); err != nil {
				if ctx.Err() != nil {
					_ = msg.Nack(false, true)
					return
				}
				metrics.UsageReports.WithLabelValues("dead_lettered").Inc()
				wp.log.Error("usage report dead-lettered",
					zap.String("message_id", msg.MessageId),
					zap.Error(err))
				_ = msg.Reject(false) // send to DLQ
				continue
			}
			metrics.UsageReports.WithLabelValues("delivered").Inc()
			_ = msg.Ack(false)
		}
	}
}

func (wp *Pool) handleMessage(ctx context.Context, body []byte) error {
	var r ledger.UsageReport
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("failed to parse usage report: %w", err)
	}
	return reporter.Deliver(ctx, wp.sink, r, wp.policy)
}

// Stop cancels in-flight deliveries and waits for the workers to exit.
// Unacknowledged messages are redelivered by the broker.
func (wp *Pool) Stop() {
	if wp.cancel != nil {
		wp.cancel()
	}
	wp.wg.Wait()
	if err := wp.ch.Close(); err != nil {
		wp.log.Warn("failed to close consumer channel", zap.Error(err))
	}
	wp.log.Info("usage report workers stopped", zap.String("queue", wp.queue))
}
