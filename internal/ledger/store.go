package ledger

import (
	"context"

	"github.com/google/uuid"

	"credit-ledger/internal/model"
)

// Mutation is one compare-and-set write of an account row together with at
// most one log entry. Implementations commit all of it or none of it.
type Mutation struct {
	// Account is the full next state. Its Version must be ExpectedVersion+1.
	Account         model.Account
	ExpectedVersion int64
	Usage           *model.UsageEntry
	Grant           *model.GrantEntry
}

// Store persists accounts and their usage and grant logs.
//
// Apply returns ErrConflict when the stored version no longer matches
// ExpectedVersion, and ErrDuplicateGrant when the grant's external event
// reference was already recorded. Lookups return ErrNotFound.
type Store interface {
	CreateAccount(ctx context.Context, acct *model.Account) error
	GetAccount(ctx context.Context, tenantID uuid.UUID) (model.Account, error)
	GetAccountByExternalRef(ctx context.Context, ref string) (model.Account, error)
	ListAccounts(ctx context.Context, page model.Page) ([]model.Account, error)

	Apply(ctx context.Context, m Mutation) error

	FindGrantByEventRef(ctx context.Context, ref string) (model.GrantEntry, error)
	ListUsage(ctx context.Context, tenantID uuid.UUID, page model.Page) ([]model.UsageEntry, error)
	ListGrants(ctx context.Context, tenantID uuid.UUID, page model.Page) ([]model.GrantEntry, error)

	// LatestGrant returns the newest grant committed at or before throughVersion.
	LatestGrant(ctx context.Context, tenantID uuid.UUID, throughVersion int64) (model.GrantEntry, error)
	// SumUsage totals usage committed with afterVersion < version <= throughVersion.
	SumUsage(ctx context.Context, tenantID uuid.UUID, afterVersion, throughVersion int64) (int64, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// UsageReport is handed to the Reporter once a debit is committed.
type UsageReport struct {
	UsageID            string        `json:"usage_id"`
	TenantID           uuid.UUID     `json:"tenant_id"`
	ActorID            uuid.NullUUID `json:"actor_id"`
	ExternalAccountRef string        `json:"external_account_ref"`
	ExternalMeterRef   string        `json:"external_meter_ref,omitempty"`
	Amount             int64         `json:"amount"`
	ActionType         string        `json:"action_type"`
	Timestamp          int64         `json:"timestamp"`
}

// Reporter forwards committed usage to the billing provider. Submit must not block.
type Reporter interface {
	Submit(report UsageReport)
}

// BalanceCache holds possibly stale balances for reads. It is never consulted
// by Debit. Set must not replace an entry with a higher Version, so a read
// that loses the race to a commit cannot overwrite the committed balance.
type BalanceCache interface {
	Get(ctx context.Context, tenantID uuid.UUID) (model.Balance, bool, error)
	Set(ctx context.Context, b model.Balance) error
	Invalidate(ctx context.Context, tenantID uuid.UUID) error
}
