package ledger

import (
	"context"
	"sync"
	"time"

	"genstudio/internal/domain"
)

type refKey struct{ refType, refID string }

// MemoryStore is an in-process LedgerRepository with the same claim semantics
// as the Postgres store. It backs tests and local runs without a database.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
	entries  []domain.LedgerEntry
	refs     map[refKey]int
	// FailApply makes the next ApplyDelta calls fail with this error.
	FailApply error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: map[string]*domain.Account{}, refs: map[refKey]int{}}
}

func (m *MemoryStore) account(handle string) *domain.Account {
	acct, ok := m.accounts[handle]
	if !ok {
		now := time.Now().UTC()
		acct = &domain.Account{Handle: handle, Preferences: map[string]any{}, CreatedAt: now, UpdatedAt: now}
		m.accounts[handle] = acct
	}
	return acct
}

func (m *MemoryStore) EnsureAccount(_ context.Context, handle string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.account(handle)
	cp.Preferences = make(map[string]any, len(m.accounts[handle].Preferences))
	for k, v := range m.accounts[handle].Preferences {
		cp.Preferences[k] = v
	}
	return &cp, nil
}

func (m *MemoryStore) ClaimEntry(_ context.Context, entry domain.LedgerEntry) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := refKey{entry.RefType, entry.RefID}
	if _, ok := m.refs[key]; ok {
		return 0, false, nil
	}
	entry.ID = int64(len(m.entries) + 1)
	entry.Status = domain.EntryPending
	entry.CreatedAt = time.Now().UTC()
	m.entries = append(m.entries, entry)
	m.refs[key] = len(m.entries) - 1
	return entry.ID, true, nil
}

func (m *MemoryStore) FindEntry(_ context.Context, refType, refID string) (*domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.refs[refKey{refType, refID}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := m.entries[idx]
	return &cp, nil
}

func (m *MemoryStore) FinishEntry(_ context.Context, id int64, status string, before, after int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id <= 0 || int(id) > len(m.entries) {
		return domain.ErrNotFound
	}
	e := &m.entries[id-1]
	e.Status, e.BalanceBefore, e.BalanceAfter = status, before, after
	return nil
}

func (m *MemoryStore) AppendEntry(_ context.Context, entry domain.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.entries) + 1)
	entry.CreatedAt = time.Now().UTC()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryStore) ApplyDelta(_ context.Context, handle string, delta int64, expiryFloor *time.Time) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailApply != nil {
		return 0, 0, m.FailApply
	}
	acct, ok := m.accounts[handle]
	if !ok {
		return 0, 0, domain.ErrNotFound
	}
	before := acct.Balance
	acct.Balance = max(0, acct.Balance+delta)
	if expiryFloor != nil && (acct.ExpiresAt == nil || expiryFloor.After(*acct.ExpiresAt)) {
		t := *expiryFloor
		acct.ExpiresAt = &t
	}
	acct.UpdatedAt = time.Now().UTC()
	return before, acct.Balance, nil
}

func (m *MemoryStore) ClaimPreference(_ context.Context, handle, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[handle]
	if !ok {
		return false, nil
	}
	if cur, _ := acct.Preferences[key].(string); cur == value {
		return false, nil
	}
	acct.Preferences[key] = value
	return true, nil
}

func (m *MemoryStore) ReleasePreference(_ context.Context, handle, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[handle]
	if !ok {
		return nil
	}
	if cur, _ := acct.Preferences[key].(string); cur == value {
		delete(acct.Preferences, key)
	}
	return nil
}

func (m *MemoryStore) IncrementCounter(_ context.Context, handle, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[handle]
	if !ok {
		return 0, domain.ErrNotFound
	}
	n, _ := acct.Preferences[key].(int)
	n++
	acct.Preferences[key] = n
	return n, nil
}

// Entries returns a copy of the transaction log.
func (m *MemoryStore) Entries() []domain.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.LedgerEntry(nil), m.entries...)
}

var _ domain.LedgerRepository = (*MemoryStore)(nil)
