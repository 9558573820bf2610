package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CreditsDebited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_debited_total",
			Help: "Total number of credits debited by committed usage",
		},
		[]string{"action_type"},
	)

	DebitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_debit_rejections_total",
			Help: "Debits rejected before commit, by reason",
		},
		[]string{"reason"},
	)

	Grants = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_grants_total",
			Help: "Grant requests by reason and outcome (applied, duplicate)",
		},
		[]string{"reason", "outcome"},
	)

	Conflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credit_account_conflicts_total",
			Help: "Optimistic version conflicts retried on account mutations",
		},
	)

	BalanceRepairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_balance_verifications_total",
			Help: "Balance verifications by result (consistent, mismatch, repaired)",
		},
		[]string{"result"},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Billing provider events by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	UsageReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_reports_total",
			Help: "Usage reports forwarded to the metering provider, by outcome",
		},
		[]string{"outcome"},
	)

	WorkerActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "usage_report_workers_active",
			Help: "Number of active usage report worker goroutines",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current RabbitMQ queue depth",
		},
		[]string{"queue"},
	)
)

var once sync.Once

// Init registers metrics with Prometheus
func Init() {
	once.Do(func() {
		prometheus.MustRegister(CreditsDebited)
		prometheus.MustRegister(DebitRejections)
		prometheus.MustRegister(Grants)
		prometheus.MustRegister(Conflicts)
		prometheus.MustRegister(BalanceRepairs)
		prometheus.MustRegister(WebhookEvents)
		prometheus.MustRegister(UsageReports)
		prometheus.MustRegister(WorkerActive)
		prometheus.MustRegister(QueueDepth)
	})
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
