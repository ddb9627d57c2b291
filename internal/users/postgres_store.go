package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore implements Directory with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed directory.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts u, or loads the existing row when the id is taken.
func (p *PostgresStore) Create(ctx context.Context, u *User) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email) VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		RETURNING COALESCE(email, ''), created_at
	`, u.ID, normalizeEmail(u.Email)).Scan(&u.Email, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	u := &User{ID: id}
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(email, ''), created_at FROM users WHERE id = $1
	`, id).Scan(&u.Email, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (p *PostgresStore) LinkCustomer(ctx context.Context, provider, customerID, userID string) error {
	var owner string
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO user_customers (provider, customer_id, user_id)
		SELECT $1, $2, id FROM users WHERE id = $3
		ON CONFLICT (provider, customer_id) DO UPDATE SET provider = EXCLUDED.provider
		RETURNING user_id
	`, provider, customerID, userID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("link customer: %w", err)
	}
	if owner != userID {
		return ErrAlreadyLinked
	}
	return nil
}

func (p *PostgresStore) ResolveCustomer(ctx context.Context, provider, customerID string) (string, error) {
	var id string
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id FROM user_customers WHERE provider = $1 AND customer_id = $2
	`, provider, customerID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}
