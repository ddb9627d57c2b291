// Package users is the directory that maps application and payment-provider
// identities onto ledger user ids.
package users

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("user not found")
	ErrAlreadyLinked = errors.New("customer already linked to another user")
	ErrInvalidInput  = errors.New("invalid user input")
)

// User is an application account.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Directory resolves users. Lookups are pure reads.
type Directory interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	LinkCustomer(ctx context.Context, provider, customerID, userID string) error
	ResolveCustomer(ctx context.Context, provider, customerID string) (string, error)
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
