package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/creditledger/internal/idgen"
	"github.com/mbd888/creditledger/internal/retry"
)

const idempotencyIndex = "idx_ledger_entries_idem"

const entryColumns = `id, user_id, amount_delta, balance_after, kind, status, event_type,
	reference, idempotency_key, description, metadata, created_at`

// PostgresStore implements Store with PostgreSQL. The user's balance row is
// the lock: every mutation runs inside one transaction that starts with
// SELECT ... FOR UPDATE on it.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateAccount(ctx context.Context, userID string) (*Balance, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_balances (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("create balance: %w", err)
	}
	return p.GetBalance(ctx, userID)
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT credits, disputed_funds, lifetime_deposited, lifetime_spent, created_at, updated_at
		FROM user_balances WHERE user_id = $1
	`, userID).Scan(&bal.Credits, &bal.DisputedFunds, &bal.LifetimeDeposited, &bal.LifetimeSpent,
		&bal.CreatedAt, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// Apply runs the mutation in a transaction, retrying serialization failures
// and deadlocks.
func (p *PostgresStore) Apply(ctx context.Context, m *Mutation) (*Entry, error) {
	var entry *Entry
	err := retry.Do(ctx, retry.Serialization, func() error {
		e, err := p.apply(ctx, m)
		entry = e
		if err != nil && !isTransient(err) {
			return retry.Permanent(err)
		}
		return err
	})
	return entry, err
}

func (p *PostgresStore) apply(ctx context.Context, m *Mutation) (*Entry, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	bal := &Balance{UserID: m.UserID}
	err = tx.QueryRowContext(ctx, `
		SELECT credits, disputed_funds, lifetime_deposited, lifetime_spent, created_at
		FROM user_balances WHERE user_id = $1
		FOR UPDATE
	`, m.UserID).Scan(&bal.Credits, &bal.DisputedFunds, &bal.LifetimeDeposited, &bal.LifetimeSpent, &bal.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock balance: %w", err)
	}

	if m.IdempotencyKey != "" {
		prior, err := scanEntry(tx.QueryRowContext(ctx, `
			SELECT `+entryColumns+` FROM ledger_entries
			WHERE idempotency_key = $1
		`, m.IdempotencyKey))
		if err == nil {
			return prior, ErrAlreadyApplied
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("idempotency check: %w", err)
		}
	}

	now := time.Now().UTC()
	o := resolve(bal, m)
	applyTo(bal, m, o, now)
	entry := newEntry(idgen.Ordered("ent_"), bal, m, o, now)

	if o.err == nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE user_balances SET
				credits = $2,
				disputed_funds = $3,
				lifetime_deposited = $4,
				lifetime_spent = $5,
				updated_at = $6
			WHERE user_id = $1
		`, m.UserID, bal.Credits, bal.DisputedFunds, bal.LifetimeDeposited, bal.LifetimeSpent, now)
		if err != nil {
			return nil, fmt.Errorf("update balance: %w", err)
		}
	}

	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, entry.ID, entry.UserID, entry.AmountDelta, entry.BalanceAfter, string(entry.Kind), string(entry.Status),
		entry.EventType, entry.Reference, nullString(entry.IdempotencyKey), entry.Description, meta, entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, idempotencyIndex) {
			// Same key, different user row: someone else committed first.
			prior, ferr := p.FindApplied(ctx, m.IdempotencyKey)
			if ferr != nil {
				return nil, ferr
			}
			return prior, ErrAlreadyApplied
		}
		return nil, fmt.Errorf("insert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return entry, o.err
}

func (p *PostgresStore) FindApplied(ctx context.Context, key string) (*Entry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE idempotency_key = $1
	`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (p *PostgresStore) FindEntries(ctx context.Context, f EntryFilter) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.UserID != "" {
		query += " AND user_id = " + arg(f.UserID)
	}
	if f.Kind != "" {
		query += " AND kind = " + arg(string(f.Kind))
	}
	if f.Status != "" {
		query += " AND status = " + arg(string(f.Status))
	}
	if f.MetaKey != "" {
		probe, err := json.Marshal(map[string]string{f.MetaKey: f.MetaValue})
		if err != nil {
			return nil, err
		}
		query += " AND metadata @> " + arg(string(probe)) + "::jsonb"
	}
	if f.After != "" {
		query += " AND seq < (SELECT seq FROM ledger_entries WHERE id = " + arg(f.After) + ")"
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	return p.FindEntries(ctx, EntryFilter{UserID: userID, Limit: limit})
}

func (p *PostgresStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT user_id FROM user_balances ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) SumSuccessful(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_delta), 0) FROM ledger_entries
		WHERE user_id = $1 AND status = 'success'
	`, userID).Scan(&sum)
	return sum, err
}

// BalanceWithSum reads the cached balance and the successful log sum in one
// statement, so both come from the same snapshot.
func (p *PostgresStore) BalanceWithSum(ctx context.Context, userID string) (int64, int64, error) {
	var credits, sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT b.credits, COALESCE((
			SELECT SUM(e.amount_delta) FROM ledger_entries e
			WHERE e.user_id = b.user_id AND e.status = 'success'
		), 0)
		FROM user_balances b WHERE b.user_id = $1
	`, userID).Scan(&credits, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrUserNotFound
	}
	if err != nil {
		return 0, 0, err
	}
	return credits, sum, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e    Entry
		kind string
		st   string
		key  sql.NullString
		meta []byte
	)
	err := row.Scan(&e.ID, &e.UserID, &e.AmountDelta, &e.BalanceAfter, &kind, &st, &e.EventType,
		&e.Reference, &key, &e.Description, &meta, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Status = Status(st)
	e.IdempotencyKey = key.String
	e.Metadata = map[string]string{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isTransient reports serialization failures and deadlocks, which are safe
// to retry from the top of the transaction.
func isTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && (constraint == "" || pqErr.Constraint == constraint)
	}
	return false
}
