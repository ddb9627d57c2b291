// Package disputes drives the disputed-funds flag and clawbacks.
//
// A dispute moves none -> open -> won|lost. Won and lost are terminal; the
// state is derived from the ledger entries tagged with the dispute id, so
// redelivered or late events can be recognised without a separate table.
package disputes

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mbd888/creditledger/internal/ledger"
)

// State of one dispute.
type State string

const (
	StateNone State = "none"
	StateOpen State = "open"
	StateWon  State = "won"
	StateLost State = "lost"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateWon || s == StateLost }

// MetaState tags entries with the state they moved a dispute into.
const MetaState = "dispute_state"

// Canonical event names recorded on dispute entries, independent of provider.
const (
	EventOpened = "dispute.created"
	EventWon    = "dispute.won"
	EventLost   = "dispute.lost"
)

// Case identifies a dispute and the user it belongs to.
type Case struct {
	DisputeID string
	PaymentID string
	UserID    string
	Amount    int64 // currency at risk, minor units
	Currency  string
	Reason    string
	Provider  string
	EventID   string
}

// Machine applies dispute transitions through the ledger.
type Machine struct {
	ledger *ledger.Ledger
	logger *slog.Logger
}

// New creates a dispute state machine.
func New(l *ledger.Ledger, logger *slog.Logger) *Machine {
	return &Machine{ledger: l, logger: logger}
}

// State derives a dispute's current state from the log.
func (m *Machine) State(ctx context.Context, disputeID string) (State, error) {
	entries, err := m.ledger.FindEntries(ctx, ledger.EntryFilter{MetaKey: ledger.MetaDisputeID, MetaValue: disputeID})
	if err != nil {
		return StateNone, err
	}
	return fold(entries), nil
}

func fold(entries []*ledger.Entry) State {
	state := StateNone
	for _, e := range entries {
		if e.Status == ledger.StatusFailed {
			continue
		}
		switch State(e.Metadata[MetaState]) {
		case StateWon:
			return StateWon
		case StateLost:
			return StateLost
		case StateOpen:
			state = StateOpen
		}
	}
	return state
}

// Open flags the user's funds as disputed and records the amount at risk.
// No credits move.
func (m *Machine) Open(ctx context.Context, c Case) (*ledger.Result, error) {
	state, err := m.State(ctx, c.DisputeID)
	if err != nil {
		return nil, err
	}
	if state.Terminal() {
		m.logger.Info("dispute already closed, ignoring open", "dispute_id", c.DisputeID, "state", state)
		return &ledger.Result{Success: true, AlreadyProcessed: true}, nil
	}

	return m.ledger.SetDisputed(ctx, c.UserID, true, ledger.Audit{
		Kind:        ledger.KindOther,
		Status:      ledger.StatusPending,
		EventType:   EventOpened,
		Reference:   c.DisputeID,
		Description: fmt.Sprintf("Dispute opened on payment %s (%d %s at risk)", c.PaymentID, c.Amount, c.Currency),
		Metadata:    c.metadata(StateOpen),
	})
}

// Win clears the flag and records the outcome with a zero-amount entry.
func (m *Machine) Win(ctx context.Context, c Case) (*ledger.Result, error) {
	state, err := m.State(ctx, c.DisputeID)
	if err != nil {
		return nil, err
	}
	if state.Terminal() {
		return &ledger.Result{Success: true, AlreadyProcessed: true}, nil
	}

	clear, err := m.clearFlag(ctx, c)
	if err != nil {
		return nil, err
	}
	return m.ledger.RecordAudit(ctx, ledger.Audit{
		UserID:      c.UserID,
		Kind:        ledger.KindOther,
		Status:      ledger.StatusSuccess,
		EventType:   EventWon,
		Reference:   c.DisputeID,
		SetDisputed: clear,
		Description: fmt.Sprintf("Dispute won on payment %s", c.PaymentID),
		Metadata:    c.metadata(StateWon),
	})
}

// Lose claws back the credits granted by the disputed payment, floored at
// the user's current balance, and clears the flag. The clawback is keyed on
// the payment, so a payment is clawed back at most once.
func (m *Machine) Lose(ctx context.Context, c Case, deposit *ledger.Entry) (*ledger.Result, error) {
	state, err := m.State(ctx, c.DisputeID)
	if err != nil {
		return nil, err
	}
	if state.Terminal() {
		return &ledger.Result{Success: true, AlreadyProcessed: true}, nil
	}

	clear, err := m.clearFlag(ctx, c)
	if err != nil {
		return nil, err
	}
	md := c.metadata(StateLost)
	md[ledger.MetaOrderID] = deposit.Metadata[ledger.MetaOrderID]
	md["deposit_entry_id"] = deposit.ID

	res, err := m.ledger.Deduct(ctx, ledger.Request{
		UserID:      c.UserID,
		Amount:      deposit.AmountDelta,
		Kind:        ledger.KindDisputeClawback,
		Reference:   c.PaymentID,
		EventType:   EventLost,
		Floor:       true,
		SetDisputed: clear,
		Description: fmt.Sprintf("Dispute lost on payment %s, clawing back %d credits", c.PaymentID, deposit.AmountDelta),
		Metadata:    md,
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		// The payment was already clawed back, possibly under another
		// dispute. Still close this one so its flag does not linger.
		closed, err := m.ledger.RecordAudit(ctx, ledger.Audit{
			UserID:      c.UserID,
			Kind:        ledger.KindOther,
			Status:      ledger.StatusSuccess,
			EventType:   EventLost,
			Reference:   c.DisputeID,
			SetDisputed: clear,
			Description: fmt.Sprintf("Dispute lost on payment %s, already clawed back", c.PaymentID),
			Metadata:    c.metadata(StateLost),
		})
		if err != nil {
			return nil, err
		}
		closed.AlreadyProcessed = true
		return closed, nil
	}
	if res.Entry != nil && res.Entry.AmountDelta > -deposit.AmountDelta {
		m.logger.Warn("clawback floored at zero",
			"user_id", c.UserID, "payment_id", c.PaymentID,
			"owed", deposit.AmountDelta, "taken", -res.Entry.AmountDelta)
	}
	return res, nil
}

// clearFlag returns the flag value to write when c closes: false unless
// another dispute of the same user is still open, in which case the flag
// is left alone.
func (m *Machine) clearFlag(ctx context.Context, c Case) (*bool, error) {
	opened, err := m.ledger.FindEntries(ctx, ledger.EntryFilter{
		UserID:    c.UserID,
		MetaKey:   MetaState,
		MetaValue: string(StateOpen),
	})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{c.DisputeID: true}
	for _, e := range opened {
		id := e.Metadata[ledger.MetaDisputeID]
		if seen[id] {
			continue
		}
		seen[id] = true
		st, err := m.State(ctx, id)
		if err != nil {
			return nil, err
		}
		if st == StateOpen {
			m.logger.Info("keeping disputed flag, another dispute is open",
				"user_id", c.UserID, "dispute_id", c.DisputeID, "open_dispute_id", id)
			return nil, nil
		}
	}
	f := false
	return &f, nil
}

func (c Case) metadata(state State) map[string]string {
	return map[string]string{
		ledger.MetaDisputeID: c.DisputeID,
		ledger.MetaPaymentID: c.PaymentID,
		ledger.MetaProvider:  c.Provider,
		ledger.MetaEventID:   c.EventID,
		ledger.MetaReason:    c.Reason,
		ledger.MetaCurrency:  c.Currency,
		MetaState:            string(state),
		"amount_at_risk":     strconv.FormatInt(c.Amount, 10),
	}
}
