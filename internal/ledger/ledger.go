// Package ledger owns user credit balances and the append-only entry log.
//
// Flow:
//  1. A payment event or an internal caller asks for a deposit or deduction
//  2. The idempotency guard checks the log for a prior application
//  3. The store locks the user's balance, mutates it and appends one entry
//  4. The user is notified, fire-and-forget
//
// The balance is never written any other way, so for every user
// credits == sum(AmountDelta of success entries).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/creditledger/internal/logging"
	"github.com/mbd888/creditledger/internal/notify"
	"github.com/mbd888/creditledger/internal/traces"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrStorageUnavailable = errors.New("ledger storage unavailable")
	// ErrAlreadyApplied is returned by stores when the idempotency key has
	// already been consumed. Ledger callers see it as Result.AlreadyProcessed.
	ErrAlreadyApplied = errors.New("already applied")
	ErrEntryNotFound  = errors.New("ledger entry not found")
)

// Metadata keys shared by everything that writes or searches entries.
const (
	MetaProvider      = "provider"
	MetaEventID       = "event_id"
	MetaPaymentID     = "payment_id"
	MetaOrderID       = "order_id"
	MetaRefundID      = "refund_id"
	MetaDisputeID     = "dispute_id"
	MetaPaymentAmount = "payment_amount"
	MetaCurrency      = "currency"
	MetaReason        = "reason"
	MetaJobID         = "job_id"
	MetaReservationID = "reservation_id"
)

// Kind classifies why a balance moved.
type Kind string

const (
	KindWalletDeposit    Kind = "wallet_deposit"
	KindGenerationSpend  Kind = "generation_spend"
	KindGenerationRefund Kind = "generation_refund"
	KindDisputeClawback  Kind = "dispute_clawback"
	KindCreditRefund     Kind = "credit_refund"
	KindOther            Kind = "other"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindWalletDeposit, KindGenerationSpend, KindGenerationRefund,
		KindDisputeClawback, KindCreditRefund, KindOther:
		return true
	}
	return false
}

// Status is the outcome recorded on an entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Balance is one user's spendable credits plus metering counters.
type Balance struct {
	UserID            string    `json:"userId"`
	Credits           int64     `json:"credits"`
	DisputedFunds     bool      `json:"disputedFunds"`
	LifetimeDeposited int64     `json:"lifetimeDeposited"`
	LifetimeSpent     int64     `json:"lifetimeSpent"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Entry is an immutable record of one mutation attempt.
type Entry struct {
	ID             string            `json:"id"`
	UserID         string            `json:"userId"`
	AmountDelta    int64             `json:"amountDelta"`
	BalanceAfter   int64             `json:"balanceAfter"`
	Kind           Kind              `json:"kind"`
	Status         Status            `json:"status"`
	EventType      string            `json:"eventType,omitempty"`
	Reference      string            `json:"reference,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Description    string            `json:"description,omitempty"`
	Metadata       map[string]string `json:"metadata"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// EntryFilter narrows FindEntries. Zero fields match everything.
type EntryFilter struct {
	UserID    string
	Kind      Kind
	Status    Status
	MetaKey   string
	MetaValue string
	// After skips entries up to and including this ID in newest-first order.
	After     string
	Limit     int
}

func (f EntryFilter) matches(e *Entry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.MetaKey != "" && e.Metadata[f.MetaKey] != f.MetaValue {
		return false
	}
	return true
}

// Store persists balances and entries.
//
// Apply is the only write path for credits. It must run the whole mutation
// (idempotency re-check, validation, balance write, entry append) while
// holding an exclusive per-user lock, and return ErrAlreadyApplied with the
// prior entry when the key is taken. When funds are short it appends a
// failed entry and returns it alongside ErrInsufficientFunds.
type Store interface {
	CreateAccount(ctx context.Context, userID string) (*Balance, error)
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	Apply(ctx context.Context, m *Mutation) (*Entry, error)
	FindApplied(ctx context.Context, idempotencyKey string) (*Entry, error)
	FindEntries(ctx context.Context, f EntryFilter) ([]*Entry, error)
	History(ctx context.Context, userID string, limit int) ([]*Entry, error)
	ListUserIDs(ctx context.Context) ([]string, error)
	SumSuccessful(ctx context.Context, userID string) (int64, error)
}

// GuardMode selects what the idempotency pre-check does when the log
// cannot be read.
type GuardMode int

const (
	// GuardFailOpen treats the event as unseen and lets the store decide.
	GuardFailOpen GuardMode = iota
	// GuardFailClosed rejects the mutation with ErrStorageUnavailable.
	GuardFailClosed
)

// Request describes a deposit or deduction.
type Request struct {
	UserID string
	Amount int64 // always positive; direction comes from the method
	Kind   Kind
	// Reference is the provider identifier the mutation is keyed on.
	// Empty means the mutation bypasses the idempotency guard.
	Reference   string
	EventType   string
	Floor       bool // deductions only: take min(Amount, credits)
	SetDisputed *bool
	Description string
	Metadata    map[string]string
}

// Audit describes a zero-amount entry.
type Audit struct {
	UserID      string
	Kind        Kind
	Status      Status
	EventType   string
	Reference   string
	SetDisputed *bool
	Description string
	Metadata    map[string]string
}

// Result reports the outcome of a mutation.
type Result struct {
	Success          bool   `json:"success"`
	NewBalance       int64  `json:"newBalance"`
	AlreadyProcessed bool   `json:"alreadyProcessed"`
	Entry            *Entry `json:"entry,omitempty"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
}

// Ledger is the only component allowed to move credits.
type Ledger struct {
	store     Store
	notifier  notify.Notifier
	logger    *slog.Logger
	guardMode GuardMode
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithNotifier sets the sink for balance notifications.
func WithNotifier(n notify.Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithLogger sets the ledger's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithGuardMode sets the idempotency pre-check failure mode.
func WithGuardMode(m GuardMode) Option {
	return func(l *Ledger) { l.guardMode = m }
}

// New creates a ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		notifier: notify.Nop{},
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store exposes the underlying store for read-only collaborators such as
// the reconciler.
func (l *Ledger) Store() Store { return l.store }

// Logger returns the ledger's logger.
func (l *Ledger) Logger() *slog.Logger { return l.logger }

// Open creates the user's balance with zero credits. Opening an existing
// account returns it unchanged.
func (l *Ledger) Open(ctx context.Context, userID string) (*Balance, error) {
	if userID == "" {
		return nil, ErrUserNotFound
	}
	bal, err := l.store.CreateAccount(ctx, userID)
	if err != nil {
		return nil, storageErr(err)
	}
	return bal, nil
}

// Balance returns a user's current balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (*Balance, error) {
	bal, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, storageErr(err)
	}
	return bal, nil
}

// History returns a user's entries, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	entries, err := l.store.History(ctx, userID, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	return entries, nil
}

// FindEntries searches the log, newest first.
func (l *Ledger) FindEntries(ctx context.Context, f EntryFilter) ([]*Entry, error) {
	entries, err := l.store.FindEntries(ctx, f)
	if err != nil {
		return nil, storageErr(err)
	}
	return entries, nil
}

// OriginalDeposit returns the successful wallet deposit made for a provider
// payment, or ErrEntryNotFound.
func (l *Ledger) OriginalDeposit(ctx context.Context, paymentID string) (*Entry, error) {
	if paymentID == "" {
		return nil, ErrEntryNotFound
	}
	entries, err := l.store.FindEntries(ctx, EntryFilter{
		Kind:      KindWalletDeposit,
		Status:    StatusSuccess,
		MetaKey:   MetaPaymentID,
		MetaValue: paymentID,
		Limit:     1,
	})
	if err != nil {
		return nil, storageErr(err)
	}
	if len(entries) == 0 {
		return nil, ErrEntryNotFound
	}
	return entries[0], nil
}

// Deposit credits the user. When req.Reference is set the deposit is
// applied at most once per (kind, reference).
func (l *Ledger) Deposit(ctx context.Context, req Request) (*Result, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.mutate(ctx, "deposit", req, req.Amount)
}

// Deduct debits the user. Without Floor a short balance fails with
// ErrInsufficientFunds and a failed audit entry; with Floor the balance is
// taken down to zero at most.
func (l *Ledger) Deduct(ctx context.Context, req Request) (*Result, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.mutate(ctx, "deduct", req, -req.Amount)
}

// RecordAudit appends a zero-amount entry, optionally toggling the
// disputed-funds flag in the same unit. With a Reference it is idempotent
// per (kind, event type, reference).
func (l *Ledger) RecordAudit(ctx context.Context, a Audit) (*Result, error) {
	if a.Kind == "" {
		a.Kind = KindOther
	}
	m := &Mutation{
		UserID:         a.UserID,
		Kind:           a.Kind,
		Status:         a.Status,
		SetDisputed:    a.SetDisputed,
		IdempotencyKey: AuditKey(a.Kind, a.EventType, a.Reference),
		EventType:      a.EventType,
		Reference:      a.Reference,
		Description:    a.Description,
		Metadata:       a.Metadata,
	}
	return l.apply(ctx, "audit", m)
}

// SetDisputed flips the disputed-funds flag and records why.
func (l *Ledger) SetDisputed(ctx context.Context, userID string, disputed bool, a Audit) (*Result, error) {
	a.UserID = userID
	a.SetDisputed = &disputed
	return l.RecordAudit(ctx, a)
}

func (l *Ledger) mutate(ctx context.Context, op string, req Request, signed int64) (*Result, error) {
	if req.Kind == "" {
		req.Kind = KindOther
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidAmount, req.Kind)
	}
	m := &Mutation{
		UserID:         req.UserID,
		Amount:         signed,
		Kind:           req.Kind,
		Floor:          req.Floor,
		SetDisputed:    req.SetDisputed,
		IdempotencyKey: IdempotencyKey(req.Kind, req.Reference),
		EventType:      req.EventType,
		Reference:      req.Reference,
		Description:    req.Description,
		Metadata:       req.Metadata,
	}
	return l.apply(ctx, op, m)
}

func (l *Ledger) apply(ctx context.Context, op string, m *Mutation) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "ledger."+op,
		traces.UserID(m.UserID),
		traces.Amount(m.Amount),
		traces.Reference(m.Reference),
	)
	defer span.End()
	done := observeOp(op)
	defer done()

	if m.UserID == "" {
		return nil, ErrUserNotFound
	}

	if m.IdempotencyKey != "" {
		prior, err := l.guard(ctx, m.IdempotencyKey)
		if err != nil {
			traces.Fail(span, err, "idempotency check failed")
			return nil, err
		}
		if prior != nil {
			return l.alreadyProcessed(ctx, m, prior)
		}
	}

	entry, err := l.store.Apply(ctx, m)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyApplied):
		guardChecks.WithLabelValues("race").Inc()
		return l.alreadyProcessed(ctx, m, entry)
	case errors.Is(err, ErrInsufficientFunds):
		opOutcomes.WithLabelValues(string(m.Kind), "insufficient_funds").Inc()
		l.logger.Warn("deduction rejected",
			"user_id", m.UserID, "kind", m.Kind, "amount", -m.Amount, "balance", balanceAfter(entry))
		return &Result{
			Success:      false,
			NewBalance:   balanceAfter(entry),
			Entry:        entry,
			ErrorMessage: ErrInsufficientFunds.Error(),
		}, ErrInsufficientFunds
	case errors.Is(err, ErrUserNotFound):
		opOutcomes.WithLabelValues(string(m.Kind), "user_not_found").Inc()
		return nil, err
	default:
		err = storageErr(err)
		opOutcomes.WithLabelValues(string(m.Kind), "storage_error").Inc()
		traces.Fail(span, err, "apply failed")
		l.logger.Error("ledger mutation failed",
			"user_id", m.UserID, "kind", m.Kind, "amount", m.Amount, "reference", m.Reference, "error", err)
		return nil, err
	}

	opOutcomes.WithLabelValues(string(m.Kind), "applied").Inc()
	l.logger.Info("ledger mutation applied",
		"user_id", m.UserID,
		"kind", entry.Kind,
		"status", entry.Status,
		"delta", entry.AmountDelta,
		"balance", entry.BalanceAfter,
		"reference", entry.Reference,
		"entry_id", entry.ID,
	)
	l.notify(ctx, m, entry)

	return &Result{Success: true, NewBalance: entry.BalanceAfter, Entry: entry}, nil
}

// guard consults the log before taking the user's lock. A read failure
// follows the configured GuardMode; the store re-checks under the lock
// either way.
func (l *Ledger) guard(ctx context.Context, key string) (*Entry, error) {
	prior, err := l.store.FindApplied(ctx, key)
	if err != nil {
		guardChecks.WithLabelValues("error").Inc()
		if l.guardMode == GuardFailClosed {
			return nil, storageErr(err)
		}
		l.logger.Warn("idempotency check failed, proceeding", "idempotency_key", key, "error", err)
		return nil, nil
	}
	if prior != nil {
		guardChecks.WithLabelValues("hit").Inc()
		return prior, nil
	}
	guardChecks.WithLabelValues("miss").Inc()
	return nil, nil
}

func (l *Ledger) alreadyProcessed(ctx context.Context, m *Mutation, prior *Entry) (*Result, error) {
	opOutcomes.WithLabelValues(string(m.Kind), "duplicate").Inc()
	l.logger.Info("mutation already applied",
		"user_id", m.UserID, "kind", m.Kind, "idempotency_key", m.IdempotencyKey)

	res := &Result{Success: true, AlreadyProcessed: true, Entry: prior}
	bal, err := l.store.GetBalance(ctx, m.UserID)
	switch {
	case err == nil:
		res.NewBalance = bal.Credits
	case prior != nil:
		res.NewBalance = prior.BalanceAfter
	default:
		return nil, storageErr(err)
	}
	return res, nil
}

func (l *Ledger) notify(ctx context.Context, m *Mutation, e *Entry) {
	typ := notificationType(m, e)
	if typ == "" {
		return
	}
	l.notifier.Notify(ctx, notify.Notification{
		Type:     typ,
		UserID:   e.UserID,
		Amount:   e.AmountDelta,
		Balance:  e.BalanceAfter,
		EntryID:  e.ID,
		Kind:     string(e.Kind),
		Metadata: e.Metadata,
		At:       e.CreatedAt,
	})
}

func notificationType(m *Mutation, e *Entry) string {
	if m.SetDisputed != nil && e.AmountDelta == 0 {
		if *m.SetDisputed {
			return notify.TypeDisputeOpened
		}
		return notify.TypeDisputeClosed
	}
	switch e.Kind {
	case KindWalletDeposit:
		if e.AmountDelta > 0 {
			return notify.TypeDeposited
		}
	case KindGenerationSpend:
		return notify.TypeDeducted
	case KindGenerationRefund:
		return notify.TypeRefunded
	case KindDisputeClawback:
		return notify.TypeClawedBack
	case KindCreditRefund:
		return notify.TypeCreditRefunded
	}
	return ""
}

func balanceAfter(e *Entry) int64 {
	if e == nil {
		return 0
	}
	return e.BalanceAfter
}

// storageErr leaves domain errors alone and marks everything else as a
// storage failure, so callers fail closed.
func storageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrAlreadyApplied),
		errors.Is(err, ErrEntryNotFound),
		errors.Is(err, ErrStorageUnavailable):
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}
