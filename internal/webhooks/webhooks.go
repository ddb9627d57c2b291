// Package webhooks delivers balance notifications to user-registered URLs.
//
// Users subscribe a URL to some or all notification types. Each delivery is
// a JSON POST signed with HMAC-SHA256 under the subscription's secret.
// Subscriptions that keep failing are deactivated.
package webhooks

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("webhook subscription not found")

// MaxConsecutiveFailures deactivates a subscription after this many failed
// deliveries in a row.
const MaxConsecutiveFailures = 10

// Subscription is one user's webhook endpoint.
type Subscription struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	URL              string     `json:"url"`
	Secret           string     `json:"-"` // HMAC key
	Events           []string   `json:"events"`
	Active           bool       `json:"active"`
	ConsecutiveFails int        `json:"consecutiveFails"`
	LastSuccess      *time.Time `json:"lastSuccess,omitempty"`
	LastError        string     `json:"lastError,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// Wants reports whether the subscription receives eventType. An empty event
// list subscribes to everything.
func (s *Subscription) Wants(eventType string) bool {
	return len(s.Events) == 0 || slices.Contains(s.Events, eventType)
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	RecordResult(ctx context.Context, id string, deliveryErr error) error
	Delete(ctx context.Context, userID, id string) error
}

// MemoryStore is an in-memory implementation for tests and local runs.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) RecordResult(_ context.Context, id string, deliveryErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	if deliveryErr == nil {
		now := time.Now().UTC()
		sub.LastSuccess = &now
		sub.LastError = ""
		sub.ConsecutiveFails = 0
		return nil
	}
	sub.LastError = deliveryErr.Error()
	sub.ConsecutiveFails++
	if sub.ConsecutiveFails >= MaxConsecutiveFailures {
		sub.Active = false
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok || sub.UserID != userID {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
