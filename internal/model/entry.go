// internal/model/entry.go
package model

import (
	"time"

	"github.com/google/uuid"
)

type GrantReason string

const (
	ReasonSubscriptionPayment GrantReason = "subscription_payment"
	ReasonSubscriptionUpdate  GrantReason = "subscription_update"
	ReasonInitialGrant        GrantReason = "initial_grant"
	ReasonManual              GrantReason = "manual"
)

func (r GrantReason) Valid() bool {
	switch r {
	case ReasonSubscriptionPayment, ReasonSubscriptionUpdate, ReasonInitialGrant, ReasonManual:
		return true
	}
	return false
}

// UsageEntry records one committed debit.
type UsageEntry struct {
	ID             string         `json:"id" db:"id"`
	TenantID       uuid.UUID      `json:"tenant_id" db:"tenant_id"`
	ActorID        uuid.NullUUID  `json:"actor_id" db:"actor_id"`
	Amount         int64          `json:"amount" db:"amount"`
	ActionType     string         `json:"action_type" db:"action_type"`
	Description    string         `json:"description,omitempty" db:"description"`
	Metadata       map[string]any `json:"metadata,omitempty" db:"metadata"`
	AccountVersion int64          `json:"account_version" db:"account_version"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// GrantEntry records one committed grant.
type GrantEntry struct {
	ID               string         `json:"id" db:"id"`
	TenantID         uuid.UUID      `json:"tenant_id" db:"tenant_id"`
	Amount           int64          `json:"amount" db:"amount"`
	Reason           GrantReason    `json:"reason" db:"reason"`
	ExternalEventRef *string        `json:"external_event_ref,omitempty" db:"external_event_ref"`
	PeriodStart      *time.Time     `json:"period_start,omitempty" db:"period_start"`
	PeriodEnd        *time.Time     `json:"period_end,omitempty" db:"period_end"`
	Metadata         map[string]any `json:"metadata,omitempty" db:"metadata"`
	AccountVersion   int64          `json:"account_version" db:"account_version"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
}
