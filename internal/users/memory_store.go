package users

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Directory for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*User
	customers map[string]string // provider:customerID -> userID
}

// NewMemoryStore creates an empty directory.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*User),
		customers: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.users[u.ID]; ok {
		*u = *existing
		return nil
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.Email = normalizeEmail(u.Email)
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) LinkCustomer(_ context.Context, provider, customerID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	key := provider + ":" + customerID
	if owner, ok := m.customers[key]; ok && owner != userID {
		return ErrAlreadyLinked
	}
	m.customers[key] = userID
	return nil
}

func (m *MemoryStore) ResolveCustomer(_ context.Context, provider, customerID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id, ok := m.customers[provider+":"+customerID]; ok {
		return id, nil
	}
	return "", ErrNotFound
}
