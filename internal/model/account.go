// internal/model/account.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// Account is the per-tenant credit record. Balance is a running total that
// can be rebuilt from the usage and grant logs.
type Account struct {
	TenantID           uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	Balance            int64      `json:"balance" db:"balance"`
	Limit              int64      `json:"limit" db:"credit_limit"`
	PeriodStart        *time.Time `json:"period_start,omitempty" db:"period_start"`
	PeriodEnd          *time.Time `json:"period_end,omitempty" db:"period_end"`
	ExternalAccountRef *string    `json:"external_account_ref,omitempty" db:"external_account_ref"`
	ExternalMeterRef   *string    `json:"external_meter_ref,omitempty" db:"external_meter_ref"`
	PlanName           string     `json:"plan_name" db:"plan_name"`
	Version            int64      `json:"version" db:"version"`
	LastResetVersion   int64      `json:"last_reset_version" db:"last_reset_version"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// Zeroed reports whether the account carries no credits and no period.
func (a Account) Zeroed() bool {
	return a.Balance == 0 && a.Limit == 0 && a.PeriodStart == nil && a.PeriodEnd == nil
}

// Balance is the read model returned to callers.
type Balance struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Balance  int64     `json:"balance"`
	Limit    int64     `json:"limit"`
	Usage    int64     `json:"usage"`
	PlanName string    `json:"plan_name,omitempty"`
	// Version is the account version the balance was read at.
	Version int64 `json:"version"`
}

// BalanceOf projects an account into its caller-facing balance.
func BalanceOf(a Account) Balance {
	usage := a.Limit - a.Balance
	if usage < 0 {
		usage = 0
	}
	return Balance{
		TenantID: a.TenantID,
		Balance:  a.Balance,
		Limit:    a.Limit,
		Usage:    usage,
		PlanName: a.PlanName,
		Version:  a.Version,
	}
}
