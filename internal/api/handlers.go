package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"credit-ledger/internal/auth"
	"credit-ledger/internal/billing"
	"credit-ledger/internal/ledger"
	"credit-ledger/internal/model"
)

// Stripe signs payloads up to this size.
const maxWebhookBody = 65536

// ProvisionRequest carries the billing references of a new tenant. The
// tenant id is always generated server side.
type ProvisionRequest struct {
	ExternalAccountRef string `json:"external_account_ref,omitempty"`
	ExternalMeterRef   string `json:"external_meter_ref,omitempty"`
}

type ProvisionResponse struct {
	Account model.Account `json:"account"`
	Created bool          `json:"created"`
	Token   string        `json:"token"`
}

type CheckRequest struct {
	Required int64 `json:"required"`
}

type UseRequest struct {
	Amount      int64          `json:"amount"`
	ActionType  string         `json:"action_type"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type UseResponse struct {
	Balance model.Balance    `json:"balance"`
	Entry   model.UsageEntry `json:"entry"`
}

type listResponse[T any] struct {
	Data   []T         `json:"data"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
	Order  model.Order `json:"order"`
}

// @Summary Provision a credit account
// @Tags Accounts
// @Param body body ProvisionRequest true "Account references"
// @Success 201 {object} ProvisionResponse
// @Failure 409 {string} string "external account reference already linked"
// @Router /accounts [post]
func (a *API) ProvisionAccount(w http.ResponseWriter, r *http.Request) {
	var body ProvisionRequest
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	tenantID := uuid.New()

	res, err := a.Credits.ProvisionAccount(r.Context(), ledger.ProvisionRequest{
		TenantID:           tenantID,
		ExternalAccountRef: body.ExternalAccountRef,
		ExternalMeterRef:   body.ExternalMeterRef,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	// Tokens are only minted for accounts this request created.
	if !res.Created {
		writeError(w, fmt.Errorf("%w: tenant %s", ledger.ErrAlreadyExists, tenantID))
		return
	}
	token, err := a.Signer.GenerateToken(tenantID, uuid.Nil)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.Log.Info("tenant account provisioned", zap.String("tenant_id", tenantID.String()))
	writeJSON(w, http.StatusCreated, ProvisionResponse{Account: res.Account, Created: true, Token: token})
}

// @Summary Current balance
// @Tags Credits
// @Security ApiKeyAuth
// @Success 200 {object} model.Balance
// @Router /credits/balance [get]
func (a *API) GetBalance(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantID(r.Context())
	if !ok {
		http.Error(w, "unauthorized tenant", http.StatusUnauthorized)
		return
	}
	b, err := a.Credits.GetBalance(r.Context(), tenantID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// @Summary Check whether the balance covers an amount
// @Tags Credits
// @Security ApiKeyAuth
// @Param body body CheckRequest true "Required credits"
// @Router /credits/check [post]
func (a *API) CheckBalance(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantID(r.Context())
	if !ok {
		http.Error(w, "unauthorized tenant", http.StatusUnauthorized)
		return
	}
	var body CheckRequest
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sufficient, err := a.Credits.CheckBalance(r.Context(), tenantID, body.Required)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sufficient": sufficient, "required": body.Required})
}

// @Summary Debit credits for a billable action
// @Tags Credits
// @Security ApiKeyAuth
// @Param body body UseRequest true "Debit"
// @Success 200 {object} UseResponse
// @Failure 402 {string} string "insufficient credits"
// @Router /credits/use [post]
func (a *API) UseCredits(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantID(r.Context())
	if !ok {
		http.Error(w, "unauthorized tenant", http.StatusUnauthorized)
		return
	}
	var body UseRequest
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	res, err := a.Credits.Debit(r.Context(), ledger.DebitRequest{
		TenantID:    tenantID,
		ActorID:     auth.ActorID(r.Context()),
		Amount:      body.Amount,
		ActionType:  body.ActionType,
		Description: body.Description,
		Metadata:    body.Metadata,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UseResponse{Balance: res.Balance, Entry: res.Entry})
}

// @Summary List usage entries
// @Tags Credits
// @Security ApiKeyAuth
// @Param limit query int false "Page size"
// @Param offset query int false "Entries to skip"
// @Param order query string false "asc or desc"
// @Router /credits/usage [get]
func (a *API) ListUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantID(r.Context())
	if !ok {
		http.Error(w, "unauthorized tenant", http.StatusUnauthorized)
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := a.Credits.ListUsageHistory(r.Context(), tenantID, page)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeList(w, entries, page)
}

// @Summary List grant entries
// @Tags Credits
// @Security ApiKeyAuth
// @Router /credits/grants [get]
func (a *API) ListGrants(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantID(r.Context())
	if !ok {
		http.Error(w, "unauthorized tenant", http.StatusUnauthorized)
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := a.Credits.ListGrantHistory(r.Context(), tenantID, page)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeList(w, entries, page)
}

// @Summary Stripe webhook receiver
// @Tags Billing
// @Param Stripe-Signature header string true "Stripe signature"
// @Router /webhooks/stripe [post]
func (a *API) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	res, err := a.Webhooks.HandleEvent(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	for _, p := range a.Health {
		if err := p.Ping(r.Context()); err != nil {
			a.Log.Warn("health check failed", zap.Error(err))
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.Log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeError(w, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidArgument), errors.Is(err, ledger.ErrAuthenticationFailed):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, billing.ErrUnknownPlan):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrConflict), errors.Is(err, ledger.ErrUnavailable),
		errors.Is(err, ledger.ErrDownstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeList[T any](w http.ResponseWriter, data []T, page model.Page) {
	if data == nil {
		data = []T{}
	}
	writeJSON(w, http.StatusOK, listResponse[T]{Data: data, Limit: page.Limit, Offset: page.Offset, Order: page.Order})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: bad request body", ledger.ErrInvalidArgument)
	}
	return nil
}

func parsePage(r *http.Request) (model.Page, error) {
	q := r.URL.Query()
	var page model.Page
	for name, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return model.Page{}, fmt.Errorf("%w: %s must be a non-negative integer", ledger.ErrInvalidArgument, name)
		}
		*dst = n
	}
	switch order := model.Order(q.Get("order")); order {
	case "", model.OrderAsc, model.OrderDesc:
		page.Order = order
	default:
		return model.Page{}, fmt.Errorf("%w: order must be asc or desc", ledger.ErrInvalidArgument)
	}
	return page.Normalize(), nil
}
