package accounts

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewMemoryStore(seed ...Account) *MemoryStore {
	m := &MemoryStore{accounts: map[string]Account{}}
	for _, a := range seed {
		m.accounts[a.ID] = clone(a)
	}
	return m
}

func clone(a Account) Account {
	if a.Extra != nil {
		extra := make(map[string]string, len(a.Extra))
		for k, v := range a.Extra {
			extra[k] = v
		}
		a.Extra = extra
	}
	return a
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return clone(a), nil
}

func (m *MemoryStore) ListActiveAccounts(ctx context.Context) ([]Account, error) {
	m.mu.RLock()
	out := make([]Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		if a.Active {
			out = append(out, clone(a))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) PutAccount(ctx context.Context, a Account) error {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.accounts[a.ID]; ok {
		a.CreatedAt = prev.CreatedAt
	} else if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	m.accounts[a.ID] = clone(a)
	return nil
}

func (m *MemoryStore) SetAccountActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.Active = active
	a.UpdatedAt = time.Now()
	m.accounts[id] = a
	return nil
}
