package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/creditledger/internal/idgen"
	"github.com/mbd888/creditledger/internal/syncutil"
)

// MemoryStore is an in-memory ledger store for development and tests.
// Mutations for one user serialize on a keyed lock; other users proceed.
type MemoryStore struct {
	locks    *syncutil.KeyedMutex
	mu       sync.RWMutex
	balances map[string]*Balance
	entries  []*Entry
	applied  map[string]*Entry // idempotency key -> entry that consumed it
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    syncutil.NewKeyedMutex(),
		balances: make(map[string]*Balance),
		applied:  make(map[string]*Entry),
	}
}

func (m *MemoryStore) CreateAccount(_ context.Context, userID string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bal, ok := m.balances[userID]; ok {
		cp := *bal
		return &cp, nil
	}
	now := time.Now().UTC()
	bal := &Balance{UserID: userID, CreatedAt: now, UpdatedAt: now}
	m.balances[userID] = bal
	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) GetBalance(_ context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bal, ok := m.balances[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) Apply(ctx context.Context, mut *Mutation) (*Entry, error) {
	unlock, err := m.locks.Lock(ctx, mut.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m.mu.RLock()
	current, ok := m.balances[mut.UserID]
	var prior *Entry
	if mut.IdempotencyKey != "" {
		prior = m.applied[mut.IdempotencyKey]
	}
	m.mu.RUnlock()

	if !ok {
		return nil, ErrUserNotFound
	}
	if prior != nil {
		return cloneEntry(prior), ErrAlreadyApplied
	}

	next := *current
	now := time.Now().UTC()
	o := resolve(&next, mut)
	applyTo(&next, mut, o, now)
	entry := newEntry(idgen.Ordered("ent_"), &next, mut, o, now)

	m.mu.Lock()
	defer m.mu.Unlock()
	// Keys are global while the user lock is not: another user may have
	// consumed this key since the check above.
	if key := entry.IdempotencyKey; key != "" {
		if prior := m.applied[key]; prior != nil {
			return cloneEntry(prior), ErrAlreadyApplied
		}
		m.applied[key] = entry
	}
	m.balances[mut.UserID] = &next
	m.entries = append(m.entries, entry)

	return cloneEntry(entry), o.err
}

func (m *MemoryStore) FindApplied(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.applied[key]; ok {
		return cloneEntry(e), nil
	}
	return nil, nil
}

func (m *MemoryStore) FindEntries(_ context.Context, f EntryFilter) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := len(m.entries) - 1
	if f.After != "" {
		start = -1
		for i := len(m.entries) - 1; i >= 0; i-- {
			if m.entries[i].ID == f.After {
				start = i - 1
				break
			}
		}
	}

	var out []*Entry
	for i := start; i >= 0; i-- {
		e := m.entries[i]
		if !f.matches(e) {
			continue
		}
		out = append(out, cloneEntry(e))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	return m.FindEntries(ctx, EntryFilter{UserID: userID, Limit: limit})
}

func (m *MemoryStore) ListUserIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.balances))
	for id := range m.balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) SumSuccessful(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, e := range m.entries {
		if e.UserID == userID && e.Status == StatusSuccess {
			sum += e.AmountDelta
		}
	}
	return sum, nil
}

// BalanceWithSum reads the cached balance and the successful log sum under
// one lock, so no mutation can land between them.
func (m *MemoryStore) BalanceWithSum(_ context.Context, userID string) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bal, ok := m.balances[userID]
	if !ok {
		return 0, 0, ErrUserNotFound
	}
	var sum int64
	for _, e := range m.entries {
		if e.UserID == userID && e.Status == StatusSuccess {
			sum += e.AmountDelta
		}
	}
	return bal.Credits, sum, nil
}

func cloneEntry(e *Entry) *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Metadata = copyMeta(e.Metadata)
	return &cp
}
