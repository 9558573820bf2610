package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"credit-ledger/internal/auth"
	"credit-ledger/internal/billing"
	"credit-ledger/internal/ledger"
	"credit-ledger/internal/metrics"
	"credit-ledger/internal/model"
)

// Credits is the ledger surface exposed over HTTP.
type Credits interface {
	ProvisionAccount(ctx context.Context, req ledger.ProvisionRequest) (ledger.ProvisionResult, error)
	GetBalance(ctx context.Context, tenantID uuid.UUID) (model.Balance, error)
	CheckBalance(ctx context.Context, tenantID uuid.UUID, required int64) (bool, error)
	Debit(ctx context.Context, req ledger.DebitRequest) (ledger.DebitResult, error)
	ListUsageHistory(ctx context.Context, tenantID uuid.UUID, page model.Page) ([]model.UsageEntry, error)
	ListGrantHistory(ctx context.Context, tenantID uuid.UUID, page model.Page) ([]model.GrantEntry, error)
}

// Webhooks consumes signed billing provider notifications.
type Webhooks interface {
	HandleEvent(ctx context.Context, payload []byte, signature string) (billing.Result, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type API struct {
	Credits  Credits
	Webhooks Webhooks
	Signer   *auth.Signer
	Health   []Pinger
	Log      *zap.Logger
}

func NewAPI(credits Credits, webhooks Webhooks, signer *auth.Signer, log *zap.Logger, health ...Pinger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		Credits:  credits,
		Webhooks: webhooks,
		Signer:   signer,
		Health:   health,
		Log:      log,
	}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	// Public
	r.Get("/healthz", a.Healthz)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/accounts", a.ProvisionAccount)
	r.Post("/webhooks/stripe", a.StripeWebhook)

	// Secured
	r.Group(func(r chi.Router) {
		r.Use(a.Signer.Middleware)

		r.Get("/credits/balance", a.GetBalance)
		r.Post("/credits/check", a.CheckBalance)
		r.Post("/credits/use", a.UseCredits)
		r.Get("/credits/usage", a.ListUsage)
		r.Get("/credits/grants", a.ListGrants)
	})

	return r
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.Log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
