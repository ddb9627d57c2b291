package ledger

import (
	"fmt"
	"time"
)

// Mutation is the single atomic unit a Store applies under the user's lock.
//
// Amount is signed: positive credits the user, negative debits, zero records
// an audit entry with Status. A debit larger than the balance either fails
// (a failed zero-delta entry is still written) or, with Floor set, takes
// whatever is left.
type Mutation struct {
	UserID         string
	Amount         int64
	Kind           Kind
	Status         Status // audit entries only; defaults to success
	Floor          bool
	SetDisputed    *bool
	IdempotencyKey string
	EventType      string
	Reference      string
	Description    string
	Metadata       map[string]string
}

// IdempotencyKey builds the key under which an externally sourced mutation
// is recorded. Both confirmation channels of one purchase map to the same
// (kind, reference), so whichever lands first wins.
func IdempotencyKey(kind Kind, reference string) string {
	if reference == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", kind, reference)
}

// AuditKey keys zero-amount audit entries, which are idempotent per event type.
func AuditKey(kind Kind, eventType, reference string) string {
	if reference == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s:%s", kind, eventType, reference)
}

// outcome is what applying a mutation to a balance produces.
type outcome struct {
	delta  int64
	status Status
	err    error
}

// resolve decides the delta and entry status for m against the current
// balance. It never mutates.
func resolve(b *Balance, m *Mutation) outcome {
	switch {
	case m.Amount > 0:
		return outcome{delta: m.Amount, status: StatusSuccess}
	case m.Amount < 0:
		need := -m.Amount
		if b.Credits >= need {
			return outcome{delta: m.Amount, status: StatusSuccess}
		}
		if m.Floor {
			return outcome{delta: -b.Credits, status: StatusSuccess}
		}
		return outcome{delta: 0, status: StatusFailed, err: ErrInsufficientFunds}
	default:
		status := m.Status
		if status == "" {
			status = StatusSuccess
		}
		return outcome{delta: 0, status: status}
	}
}

// applyTo moves b forward by an applied outcome.
func applyTo(b *Balance, m *Mutation, o outcome, now time.Time) {
	if o.err != nil {
		return
	}
	b.Credits += o.delta
	switch m.Kind {
	case KindWalletDeposit:
		b.LifetimeDeposited += o.delta
	case KindGenerationSpend, KindGenerationRefund:
		b.LifetimeSpent -= o.delta
	}
	if m.SetDisputed != nil {
		b.DisputedFunds = *m.SetDisputed
	}
	b.UpdatedAt = now
}

// newEntry builds the log entry for o. A rejected deduction does not consume
// its idempotency key, so a later retry can still apply; every other entry,
// including failed audit records, does.
func newEntry(id string, b *Balance, m *Mutation, o outcome, now time.Time) *Entry {
	key := m.IdempotencyKey
	if o.err != nil {
		key = ""
	}
	return &Entry{
		ID:             id,
		UserID:         m.UserID,
		AmountDelta:    o.delta,
		BalanceAfter:   b.Credits,
		Kind:           m.Kind,
		Status:         o.status,
		EventType:      m.EventType,
		Reference:      m.Reference,
		IdempotencyKey: key,
		Description:    m.Description,
		Metadata:       copyMeta(m.Metadata),
		CreatedAt:      now,
	}
}

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
