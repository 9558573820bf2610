// internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"credit-ledger/internal/ledger"
	"credit-ledger/internal/model"
)

const grantEventRefKey = "credit_grant_entries_external_event_ref_key"

const schema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	tenant_id            UUID PRIMARY KEY,
	balance              BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	credit_limit         BIGINT NOT NULL DEFAULT 0 CHECK (credit_limit >= 0),
	period_start         TIMESTAMPTZ,
	period_end           TIMESTAMPTZ,
	external_account_ref TEXT UNIQUE,
	external_meter_ref   TEXT,
	plan_name            TEXT NOT NULL DEFAULT '',
	version              BIGINT NOT NULL DEFAULT 0,
	last_reset_version   BIGINT NOT NULL DEFAULT 0,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS credit_usage_entries (
	id              TEXT PRIMARY KEY,
	tenant_id       UUID NOT NULL REFERENCES credit_accounts (tenant_id),
	actor_id        UUID,
	amount          BIGINT NOT NULL CHECK (amount > 0),
	action_type     TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	metadata        JSONB,
	account_version BIGINT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS credit_usage_entries_tenant_created_idx
	ON credit_usage_entries (tenant_id, created_at, id);
CREATE INDEX IF NOT EXISTS credit_usage_entries_tenant_version_idx
	ON credit_usage_entries (tenant_id, account_version);

CREATE TABLE IF NOT EXISTS credit_grant_entries (
	id                 TEXT PRIMARY KEY,
	tenant_id          UUID NOT NULL REFERENCES credit_accounts (tenant_id),
	amount             BIGINT NOT NULL CHECK (amount > 0),
	reason             TEXT NOT NULL,
	external_event_ref TEXT,
	period_start       TIMESTAMPTZ,
	period_end         TIMESTAMPTZ,
	metadata           JSONB,
	account_version    BIGINT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS ` + grantEventRefKey + `
	ON credit_grant_entries (external_event_ref) WHERE external_event_ref IS NOT NULL;
CREATE INDEX IF NOT EXISTS credit_grant_entries_tenant_created_idx
	ON credit_grant_entries (tenant_id, created_at, id);
`

const accountColumns = `tenant_id, balance, credit_limit, period_start, period_end, external_account_ref,
	external_meter_ref, plan_name, version, last_reset_version, created_at, updated_at`

const usageColumns = `id, tenant_id, actor_id, amount, action_type, description, metadata, account_version, created_at`

const grantColumns = `id, tenant_id, amount, reason, external_event_ref, period_start, period_end, metadata,
	account_version, created_at`

// Postgres is the durable ledger.Store.
type Postgres struct {
	DB *sql.DB
}

var _ ledger.Store = (*Postgres)(nil)

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	return &Postgres{DB: db}, nil
}

// Migrate creates the ledger tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.DB.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.DB.Close()
}

func (p *Postgres) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := p.DB.ExecContext(ctx, `
		INSERT INTO credit_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.TenantID, a.Balance, a.Limit, a.PeriodStart, a.PeriodEnd, a.ExternalAccountRef,
		a.ExternalMeterRef, a.PlanName, a.Version, a.LastResetVersion, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert account: %w", translateError(err))
	}
	return nil
}

func (p *Postgres) GetAccount(ctx context.Context, tenantID uuid.UUID) (model.Account, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE tenant_id = $1`, tenantID)
	acct, err := scanAccount(row)
	if err != nil {
		return model.Account{}, fmt.Errorf("get account %s: %w", tenantID, translateError(err))
	}
	return acct, nil
}

func (p *Postgres) GetAccountByExternalRef(ctx context.Context, ref string) (model.Account, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE external_account_ref = $1`, ref)
	acct, err := scanAccount(row)
	if err != nil {
		return model.Account{}, fmt.Errorf("get account by ref %s: %w", ref, translateError(err))
	}
	return acct, nil
}

func (p *Postgres) ListAccounts(ctx context.Context, page model.Page) ([]model.Account, error) {
	page = page.Normalize()
	rows, err := p.DB.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM credit_accounts
		ORDER BY created_at `+direction(page)+`, tenant_id `+direction(page)+`
		LIMIT $1 OFFSET $2`, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", translateError(err))
	}
	defer rows.Close()

	accounts := []model.Account{}
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// Apply commits the account compare-and-set and the log append in one
// transaction. Zero updated rows means another writer got there first.
func (p *Postgres) Apply(ctx context.Context, m ledger.Mutation) (err error) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", translateError(err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	a := m.Account
	res, err := tx.ExecContext(ctx, `
		UPDATE credit_accounts
		SET balance = $3, credit_limit = $4, period_start = $5, period_end = $6,
			external_account_ref = $7, external_meter_ref = $8, plan_name = $9,
			version = $10, last_reset_version = $11, updated_at = $12
		WHERE tenant_id = $1 AND version = $2`,
		a.TenantID, m.ExpectedVersion, a.Balance, a.Limit, a.PeriodStart, a.PeriodEnd,
		a.ExternalAccountRef, a.ExternalMeterRef, a.PlanName, a.Version, a.LastResetVersion, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update account: %w", translateError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: account %s moved past version %d", ledger.ErrConflict, a.TenantID, m.ExpectedVersion)
	}

	if u := m.Usage; u != nil {
		meta, err := encodeMetadata(u.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO credit_usage_entries (`+usageColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			u.ID, u.TenantID, u.ActorID, u.Amount, u.ActionType, u.Description, meta, u.AccountVersion, u.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert usage entry: %w", translateError(err))
		}
	}

	if g := m.Grant; g != nil {
		meta, err := encodeMetadata(g.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO credit_grant_entries (`+grantColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			g.ID, g.TenantID, g.Amount, string(g.Reason), g.ExternalEventRef, g.PeriodStart, g.PeriodEnd,
			meta, g.AccountVersion, g.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert grant entry: %w", translateError(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", translateError(err))
	}
	return nil
}

func (p *Postgres) FindGrantByEventRef(ctx context.Context, ref string) (model.GrantEntry, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM credit_grant_entries WHERE external_event_ref = $1`, ref)
	g, err := scanGrant(row)
	if err != nil {
		return model.GrantEntry{}, fmt.Errorf("find grant %s: %w", ref, translateError(err))
	}
	return g, nil
}

func (p *Postgres) ListUsage(ctx context.Context, tenantID uuid.UUID, page model.Page) ([]model.UsageEntry, error) {
	page = page.Normalize()
	rows, err := p.DB.QueryContext(ctx, `
		SELECT `+usageColumns+`
		FROM credit_usage_entries
		WHERE tenant_id = $1
		ORDER BY created_at `+direction(page)+`, id `+direction(page)+`
		LIMIT $2 OFFSET $3`, tenantID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", translateError(err))
	}
	defer rows.Close()

	entries := []model.UsageEntry{}
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, u)
	}
	return entries, rows.Err()
}

func (p *Postgres) ListGrants(ctx context.Context, tenantID uuid.UUID, page model.Page) ([]model.GrantEntry, error) {
	page = page.Normalize()
	rows, err := p.DB.QueryContext(ctx, `
		SELECT `+grantColumns+`
		FROM credit_grant_entries
		WHERE tenant_id = $1
		ORDER BY created_at `+direction(page)+`, id `+direction(page)+`
		LIMIT $2 OFFSET $3`, tenantID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", translateError(err))
	}
	defer rows.Close()

	entries := []model.GrantEntry{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, g)
	}
	return entries, rows.Err()
}

func (p *Postgres) LatestGrant(ctx context.Context, tenantID uuid.UUID, throughVersion int64) (model.GrantEntry, error) {
	row := p.DB.QueryRowContext(ctx, `
		SELECT `+grantColumns+`
		FROM credit_grant_entries
		WHERE tenant_id = $1 AND account_version <= $2
		ORDER BY account_version DESC
		LIMIT 1`, tenantID, throughVersion)
	g, err := scanGrant(row)
	if err != nil {
		return model.GrantEntry{}, fmt.Errorf("latest grant %s: %w", tenantID, translateError(err))
	}
	return g, nil
}

func (p *Postgres) SumUsage(ctx context.Context, tenantID uuid.UUID, afterVersion, throughVersion int64) (int64, error) {
	var total int64
	err := p.DB.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM credit_usage_entries
		WHERE tenant_id = $1 AND account_version > $2 AND account_version <= $3`,
		tenantID, afterVersion, throughVersion).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage %s: %w", tenantID, translateError(err))
	}
	return total, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (model.Account, error) {
	var a model.Account
	err := s.Scan(&a.TenantID, &a.Balance, &a.Limit, &a.PeriodStart, &a.PeriodEnd, &a.ExternalAccountRef,
		&a.ExternalMeterRef, &a.PlanName, &a.Version, &a.LastResetVersion, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func scanUsage(s scanner) (model.UsageEntry, error) {
	var (
		u    model.UsageEntry
		meta []byte
	)
	err := s.Scan(&u.ID, &u.TenantID, &u.ActorID, &u.Amount, &u.ActionType, &u.Description, &meta,
		&u.AccountVersion, &u.CreatedAt)
	if err != nil {
		return u, err
	}
	u.Metadata, err = decodeMetadata(meta)
	return u, err
}

func scanGrant(s scanner) (model.GrantEntry, error) {
	var (
		g      model.GrantEntry
		reason string
		meta   []byte
	)
	err := s.Scan(&g.ID, &g.TenantID, &g.Amount, &reason, &g.ExternalEventRef, &g.PeriodStart, &g.PeriodEnd,
		&meta, &g.AccountVersion, &g.CreatedAt)
	if err != nil {
		return g, err
	}
	g.Reason = model.GrantReason(reason)
	g.Metadata, err = decodeMetadata(meta)
	return g, err
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ledger.ErrInvalidArgument, err)
	}
	return b, nil
}

func decodeMetadata(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func direction(p model.Page) string {
	if p.Order == model.OrderAsc {
		return "ASC"
	}
	return "DESC"
}

// translateError maps driver errors onto ledger sentinels.
func translateError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505":
		if pqErr.Constraint == grantEventRefKey {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateGrant, pqErr.Detail)
		}
		return fmt.Errorf("%w: %s", ledger.ErrAlreadyExists, pqErr.Constraint)
	case "23503":
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, pqErr.Constraint)
	case "23514":
		return fmt.Errorf("%w: %s", ledger.ErrInvalidArgument, pqErr.Constraint)
	case "40001", "40P01":
		return fmt.Errorf("%w: %s", ledger.ErrConflict, pqErr.Message)
	}
	return err
}
