package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"credit-ledger/internal/ledger"
	"credit-ledger/internal/model"
)

// Memory is an in-process ledger.Store. Logs keep commit order, which stands
// in for (created_at, id) ordering.
type Memory struct {
	mu        sync.RWMutex
	accounts  map[uuid.UUID]model.Account
	order     []uuid.UUID
	byRef     map[string]uuid.UUID
	usage     map[uuid.UUID][]model.UsageEntry
	grants    map[uuid.UUID][]model.GrantEntry
	grantRefs map[string]model.GrantEntry
}

var _ ledger.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		accounts:  make(map[uuid.UUID]model.Account),
		byRef:     make(map[string]uuid.UUID),
		usage:     make(map[uuid.UUID][]model.UsageEntry),
		grants:    make(map[uuid.UUID][]model.GrantEntry),
		grantRefs: make(map[string]model.GrantEntry),
	}
}

func (m *Memory) CreateAccount(_ context.Context, acct *model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acct.TenantID]; ok {
		return fmt.Errorf("%w: account %s", ledger.ErrAlreadyExists, acct.TenantID)
	}
	if ref := acct.ExternalAccountRef; ref != nil {
		if _, ok := m.byRef[*ref]; ok {
			return fmt.Errorf("%w: external account ref %s", ledger.ErrAlreadyExists, *ref)
		}
		m.byRef[*ref] = acct.TenantID
	}
	m.accounts[acct.TenantID] = *acct
	m.order = append(m.order, acct.TenantID)
	return nil
}

func (m *Memory) GetAccount(_ context.Context, tenantID uuid.UUID) (model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[tenantID]
	if !ok {
		return model.Account{}, fmt.Errorf("%w: account %s", ledger.ErrNotFound, tenantID)
	}
	return acct, nil
}

func (m *Memory) GetAccountByExternalRef(_ context.Context, ref string) (model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[ref]
	if !ok {
		return model.Account{}, fmt.Errorf("%w: external account ref %s", ledger.ErrNotFound, ref)
	}
	return m.accounts[id], nil
}

func (m *Memory) ListAccounts(_ context.Context, page model.Page) ([]model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := window(m.order, page.Normalize())
	accounts := make([]model.Account, 0, len(ids))
	for _, id := range ids {
		accounts = append(accounts, m.accounts[id])
	}
	return accounts, nil
}

func (m *Memory) Apply(_ context.Context, mut ledger.Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := mut.Account
	cur, ok := m.accounts[next.TenantID]
	if !ok {
		return fmt.Errorf("%w: account %s", ledger.ErrNotFound, next.TenantID)
	}
	if cur.Version != mut.ExpectedVersion {
		return fmt.Errorf("%w: account %s at version %d, expected %d",
			ledger.ErrConflict, next.TenantID, cur.Version, mut.ExpectedVersion)
	}
	if next.Balance < 0 || next.Limit < 0 {
		return fmt.Errorf("%w: negative balance or limit", ledger.ErrInvalidArgument)
	}
	if ref := next.ExternalAccountRef; ref != nil {
		if owner, ok := m.byRef[*ref]; ok && owner != next.TenantID {
			return fmt.Errorf("%w: external account ref %s", ledger.ErrAlreadyExists, *ref)
		}
	}
	if g := mut.Grant; g != nil && g.ExternalEventRef != nil {
		if _, ok := m.grantRefs[*g.ExternalEventRef]; ok {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateGrant, *g.ExternalEventRef)
		}
	}

	if cur.ExternalAccountRef != nil {
		delete(m.byRef, *cur.ExternalAccountRef)
	}
	if next.ExternalAccountRef != nil {
		m.byRef[*next.ExternalAccountRef] = next.TenantID
	}
	next.CreatedAt = cur.CreatedAt
	m.accounts[next.TenantID] = next

	if u := mut.Usage; u != nil {
		m.usage[next.TenantID] = append(m.usage[next.TenantID], *u)
	}
	if g := mut.Grant; g != nil {
		m.grants[next.TenantID] = append(m.grants[next.TenantID], *g)
		if g.ExternalEventRef != nil {
			m.grantRefs[*g.ExternalEventRef] = *g
		}
	}
	return nil
}

func (m *Memory) FindGrantByEventRef(_ context.Context, ref string) (model.GrantEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.grantRefs[ref]
	if !ok {
		return model.GrantEntry{}, fmt.Errorf("%w: grant for event %s", ledger.ErrNotFound, ref)
	}
	return g, nil
}

func (m *Memory) ListUsage(_ context.Context, tenantID uuid.UUID, page model.Page) ([]model.UsageEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return window(m.usage[tenantID], page.Normalize()), nil
}

func (m *Memory) ListGrants(_ context.Context, tenantID uuid.UUID, page model.Page) ([]model.GrantEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return window(m.grants[tenantID], page.Normalize()), nil
}

func (m *Memory) LatestGrant(_ context.Context, tenantID uuid.UUID, throughVersion int64) (model.GrantEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	grants := m.grants[tenantID]
	for i := len(grants) - 1; i >= 0; i-- {
		if grants[i].AccountVersion <= throughVersion {
			return grants[i], nil
		}
	}
	return model.GrantEntry{}, fmt.Errorf("%w: no grant for %s", ledger.ErrNotFound, tenantID)
}

func (m *Memory) SumUsage(_ context.Context, tenantID uuid.UUID, afterVersion, throughVersion int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, u := range m.usage[tenantID] {
		if u.AccountVersion > afterVersion && u.AccountVersion <= throughVersion {
			total += u.Amount
		}
	}
	return total, nil
}

func (m *Memory) Migrate(context.Context) error { return nil }

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// window copies the requested page out of an ascending slice.
func window[T any](all []T, page model.Page) []T {
	items := slices.Clone(all)
	if page.Order == model.OrderDesc {
		slices.Reverse(items)
	}
	if page.Offset >= len(items) {
		return []T{}
	}
	items = items[page.Offset:]
	if len(items) > page.Limit {
		items = items[:page.Limit]
	}
	return items
}
