package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"credit-ledger/internal/api"
	"credit-ledger/internal/auth"
	"credit-ledger/internal/billing"
	"credit-ledger/internal/cache"
	"credit-ledger/internal/config"
	"credit-ledger/internal/ledger"
	"credit-ledger/internal/logger"
	"credit-ledger/internal/messaging"
	"credit-ledger/internal/metrics"
	"credit-ledger/internal/reporter"
	"credit-ledger/internal/storage"
	"credit-ledger/internal/worker"
)

// @title Credit Ledger API
// @version 1.0
// @description Per-tenant AI credit balances with Stripe subscription grants and metered usage
// @host localhost:8080
// @BasePath /
// @schemes http

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name Authorization
func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// Load Configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zl.Sync() //nolint:errcheck

	if err := run(cfg, zl); err != nil {
		zl.Error("credit ledger exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	// Init Metrics
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	signer, err := auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	// Init PostgreSQL
	db, err := storage.NewPostgres(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to init DB: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	zl.Info("PostgreSQL connected")

	health := []api.Pinger{db}
	opts := []ledger.Option{
		ledger.WithLogger(zl.Named("ledger")),
		ledger.WithRetryPolicy(ledger.RetryPolicy{
			MaxRetries:      cfg.Ledger.MaxRetries,
			InitialInterval: cfg.Ledger.InitialInterval,
			MaxInterval:     cfg.Ledger.MaxInterval,
		}),
	}

	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedisBalanceCache(cfg.Redis)
		if err != nil {
			return err
		}
		defer rc.Close()
		health = append(health, rc)
		opts = append(opts, ledger.WithCache(rc))
		zl.Info("Redis balance cache enabled", zap.String("addr", cfg.Redis.Addr))
	}

	policy := reporter.DeliveryPolicy{
		AttemptTimeout:  cfg.Reporter.AttemptTimeout,
		MaxAttempts:     cfg.Reporter.MaxAttempts,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
	meter := reporter.NewStripeMeter(reporter.StripeMeterConfig{
		SecretKey:     cfg.Stripe.SecretKey,
		EventName:     cfg.Stripe.MeterEventName,
		RatePerSecond: cfg.Reporter.RateLimit,
		Burst:         cfg.Reporter.Burst,
	})

	g, gctx := errgroup.WithContext(ctx)

	var sink reporter.Sink = meter
	if cfg.Reporter.Mode == config.ReporterAMQP {
		// Init RabbitMQ
		rabbit, err := messaging.NewRabbitClient(cfg.RabbitMQ.URL, zl.Named("rabbitmq"))
		if err != nil {
			return err
		}
		defer rabbit.Close()
		if err := rabbit.DeclareQueue(cfg.RabbitMQ.Queue); err != nil {
			return err
		}
		zl.Info("RabbitMQ connected", zap.String("queue", cfg.RabbitMQ.Queue))

		pool, err := worker.NewPool(rabbit, cfg.RabbitMQ.Queue, meter, cfg.Reporter.Workers, policy, zl.Named("worker"))
		if err != nil {
			return err
		}
		if err := pool.Start(gctx); err != nil {
			return err
		}
		defer pool.Stop()

		// queue depth metrics
		g.Go(func() error {
			every(gctx, 10*time.Second, func() {
				rabbit.UpdateQueueDepth(cfg.RabbitMQ.Queue)
				rabbit.UpdateQueueDepth(messaging.DeadLetterQueue(cfg.RabbitMQ.Queue))
			})
			return nil
		})

		// the queue is durable, so enqueueing needs no retry budget of its own
		sink = reporter.NewQueueSink(rabbit, cfg.RabbitMQ.Queue)
	}

	async := reporter.NewAsync(sink, reporter.AsyncConfig{
		Workers:   cfg.Reporter.Workers,
		QueueSize: cfg.Reporter.QueueSize,
		Policy:    policy,
	}, zl.Named("reporter"))
	async.Start(context.Background())
	opts = append(opts, ledger.WithReporter(async))

	svc := ledger.New(db, opts...)

	plans, err := billing.NewPlanCatalog(cfg.Plans)
	if err != nil {
		return err
	}
	reconciler := billing.NewReconciler(
		billing.NewStripeVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.Tolerance, cfg.Stripe.IgnoreAPIVersion),
		svc,
		plans,
		billing.WithReconcilerLogger(zl.Named("billing")),
		billing.WithMeterRef(cfg.Stripe.MeterEventName),
	)

	if cfg.Ledger.AuditInterval > 0 {
		g.Go(func() error {
			every(gctx, cfg.Ledger.AuditInterval, func() {
				report, err := svc.VerifyAll(gctx, cfg.Ledger.AuditRepair)
				if err != nil && gctx.Err() == nil {
					zl.Error("balance audit failed", zap.Error(err))
					return
				}
				zl.Info("balance audit finished",
					zap.Int("checked", report.Checked),
					zap.Int("mismatched", len(report.Mismatched)),
					zap.Int("repaired", report.Repaired),
					zap.Int("failed", report.Failed))
			})
			return nil
		})
	}

	// Init API
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewAPI(svc, reconciler, signer, zl.Named("api"), health...).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g.Go(func() error {
		zl.Info("starting API server", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done() // Wait for interrupt signal or a failed component
		zl.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			zl.Warn("HTTP shutdown error", zap.Error(err))
		}
		// drain pending usage reports after the last debit was accepted
		if err := async.Shutdown(shutdownCtx); err != nil {
			zl.Warn("usage reporter did not drain", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	zl.Info("graceful shutdown complete")
	return err
}

func every(ctx context.Context, d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
