package reporter

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"credit-ledger/internal/ledger"
	"credit-ledger/internal/metrics"
)

type AsyncConfig struct {
	Workers   int
	QueueSize int
	Policy    DeliveryPolicy
}

// Async is a ledger.Reporter backed by a bounded in-process queue and a
// fixed set of delivery goroutines.
type Async struct {
	sink   Sink
	cfg    AsyncConfig
	log    *zap.Logger
	queue  chan ledger.UsageReport
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ ledger.Reporter = (*Async)(nil)

func NewAsync(sink Sink, cfg AsyncConfig, log *zap.Logger) *Async {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Async{
		sink:  sink,
		cfg:   cfg,
		log:   log,
		queue: make(chan ledger.UsageReport, cfg.QueueSize),
	}
}

// Start launches the delivery workers. They exit once the queue is closed
// by Shutdown and drained.
func (a *Async) Start(ctx context.Context) {
	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for r := range a.queue {
				a.deliver(ctx, r)
			}
		}()
	}
	a.log.Info("usage reporter started", zap.Int("workers", a.cfg.Workers), zap.Int("queue_size", a.cfg.QueueSize))
}

// Submit enqueues r without blocking. A full queue drops the report.
func (a *Async) Submit(r ledger.UsageReport) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		metrics.UsageReports.WithLabelValues("dropped").Inc()
		a.log.Warn("usage report dropped, reporter is shut down", zap.String("usage_id", r.UsageID))
		return
	}
	select {
	case a.queue <- r:
	default:
		metrics.UsageReports.WithLabelValues("dropped").Inc()
		a.log.Warn("usage report dropped, queue full",
			zap.String("usage_id", r.UsageID),
			zap.String("tenant_id", r.TenantID.String()))
	}
}

func (a *Async) deliver(ctx context.Context, r ledger.UsageReport) {
	if err := Deliver(ctx, a.sink, r, a.cfg.Policy); err != nil {
		metrics.UsageReports.WithLabelValues("failed").Inc()
		a.log.Error("usage report not delivered",
			zap.String("usage_id", r.UsageID),
			zap.String("tenant_id", r.TenantID.String()),
			zap.Int64("amount", r.Amount),
			zap.Error(err))
		return
	}
	metrics.UsageReports.WithLabelValues("delivered").Inc()
}

// Shutdown stops accepting reports and waits for queued ones to be
// delivered or for ctx to end.
func (a *Async) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
