package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mbd888/creditledger/internal/disputes"
	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/traces"
	"github.com/mbd888/creditledger/internal/users"
)

// Outcome summarises what dispatching an event did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRecorded  Outcome = "recorded" // audit entry only
	OutcomeIgnored   Outcome = "ignored"  // unrecognized event type
	OutcomeDropped   Outcome = "dropped"  // unusable event, acknowledged
	OutcomeFailed    Outcome = "failed"   // retryable failure
)

// IsRetryable reports whether the provider should redeliver. Only transient
// storage failures qualify; everything else is acknowledged.
func IsRetryable(err error) bool {
	return errors.Is(err, ledger.ErrStorageUnavailable)
}

// Router dispatches payment events to their handlers.
type Router struct {
	ledger   *ledger.Ledger
	dir      users.Directory
	disputes *disputes.Machine
	logger   *slog.Logger
}

// NewRouter creates a router.
func NewRouter(l *ledger.Ledger, dir users.Directory, dm *disputes.Machine, logger *slog.Logger) *Router {
	return &Router{ledger: l, dir: dir, disputes: dm, logger: logger}
}

// Dispatch applies ev. The returned error is non-nil only when the event was
// not applied; IsRetryable tells the caller whether to ask for redelivery.
func (r *Router) Dispatch(ctx context.Context, ev Event) (Outcome, error) {
	src := SourceOf(ev)
	ctx, span := traces.StartSpan(ctx, "payments.dispatch",
		traces.Provider(src.Provider), traces.EventType(src.Type))
	defer span.End()

	outcome, err := r.dispatch(ctx, ev)
	if err != nil {
		if IsRetryable(err) {
			outcome = OutcomeFailed
			traces.Fail(span, err, "dispatch failed")
			r.logger.Error("payment event failed, provider will retry",
				"provider", src.Provider, "event_type", src.Type, "event_id", src.EventID, "error", err)
		} else {
			outcome = OutcomeDropped
			r.logger.Warn("payment event dropped",
				"provider", src.Provider, "event_type", src.Type, "event_id", src.EventID, "error", err)
		}
	}
	webhookEvents.WithLabelValues(src.Provider, src.Type, string(outcome)).Inc()
	return outcome, err
}

func (r *Router) dispatch(ctx context.Context, ev Event) (Outcome, error) {
	switch e := ev.(type) {
	case *PaymentCaptured:
		return r.deposit(ctx, e.Source, e.Purchase)
	case *OrderSettled:
		return r.deposit(ctx, e.Source, e.Purchase)
	case *PaymentFailed:
		return r.paymentFailed(ctx, e)
	case *RefundCreated:
		return r.refundAudit(ctx, e.Source, e.Refund, ledger.StatusPending, "Refund initiated")
	case *RefundProcessed:
		return r.refundProcessed(ctx, e)
	case *RefundFailed:
		return r.refundAudit(ctx, e.Source, e.Refund, ledger.StatusFailed, "Refund failed")
	case *DisputeCreated:
		return r.dispute(ctx, e.Source, e.Dispute, disputes.StateOpen)
	case *DisputeWon:
		return r.dispute(ctx, e.Source, e.Dispute, disputes.StateWon)
	case *DisputeLost:
		return r.dispute(ctx, e.Source, e.Dispute, disputes.StateLost)
	case *Unrecognized:
		r.logger.Warn("ignoring unrecognized payment event",
			"provider", e.Provider, "event_type", e.Type, "event_id", e.EventID)
		return OutcomeIgnored, nil
	}
	return OutcomeIgnored, fmt.Errorf("%w: %T", ErrUnrecognizedEvent, ev)
}

func (r *Router) deposit(ctx context.Context, src Source, p Purchase) (Outcome, error) {
	credits, ok := depositCredits(src.Notes)
	if !ok {
		return OutcomeDropped, fmt.Errorf("%w: missing or invalid %s", ErrInvalidPayload, NoteDepositCredits)
	}
	userID, err := r.resolveUser(ctx, src, "")
	if err != nil {
		return OutcomeDropped, err
	}
	r.linkCustomer(ctx, src, userID)

	res, err := r.ledger.Deposit(ctx, ledger.Request{
		UserID:      userID,
		Amount:      credits,
		Kind:        ledger.KindWalletDeposit,
		Reference:   p.Reference(),
		EventType:   src.Type,
		Description: fmt.Sprintf("Wallet top-up via %s", src.Provider),
		Metadata: map[string]string{
			ledger.MetaProvider:      src.Provider,
			ledger.MetaEventID:       src.EventID,
			ledger.MetaPaymentID:     p.PaymentID,
			ledger.MetaOrderID:       p.OrderID,
			ledger.MetaPaymentAmount: strconv.FormatInt(p.Amount, 10),
			ledger.MetaCurrency:      p.Currency,
		},
	})
	if err != nil {
		return OutcomeFailed, err
	}
	if res.AlreadyProcessed {
		return OutcomeDuplicate, nil
	}
	return OutcomeApplied, nil
}

func (r *Router) paymentFailed(ctx context.Context, e *PaymentFailed) (Outcome, error) {
	userID, err := r.resolveUser(ctx, e.Source, "")
	if err != nil {
		return OutcomeDropped, err
	}
	res, err := r.ledger.RecordAudit(ctx, ledger.Audit{
		UserID:      userID,
		Kind:        ledger.KindOther,
		Status:      ledger.StatusFailed,
		EventType:   e.Type,
		Reference:   e.PaymentID,
		Description: "Payment failed: " + e.Reason,
		Metadata: map[string]string{
			ledger.MetaProvider:      e.Provider,
			ledger.MetaEventID:       e.EventID,
			ledger.MetaPaymentID:     e.PaymentID,
			ledger.MetaOrderID:       e.OrderID,
			ledger.MetaPaymentAmount: strconv.FormatInt(e.Amount, 10),
			ledger.MetaReason:        e.Reason,
		},
	})
	return auditOutcome(res, err)
}

func (r *Router) refundAudit(ctx context.Context, src Source, rf Refund, status ledger.Status, what string) (Outcome, error) {
	userID, err := r.resolveUser(ctx, src, rf.PaymentID)
	if err != nil {
		return OutcomeDropped, err
	}
	res, err := r.ledger.RecordAudit(ctx, ledger.Audit{
		UserID:      userID,
		Kind:        ledger.KindCreditRefund,
		Status:      status,
		EventType:   src.Type,
		Reference:   rf.RefundID,
		Description: fmt.Sprintf("%s for payment %s", what, rf.PaymentID),
		Metadata:    refundMetadata(src, rf),
	})
	return auditOutcome(res, err)
}

func (r *Router) refundProcessed(ctx context.Context, e *RefundProcessed) (Outcome, error) {
	if e.Amount <= 0 {
		return OutcomeDropped, fmt.Errorf("%w: refund %s has no amount", ErrInvalidPayload, e.RefundID)
	}
	orig, err := r.originalDeposit(ctx, e.PaymentID)
	if err != nil {
		return OutcomeDropped, err
	}

	paymentAmount, _ := strconv.ParseInt(orig.Metadata[ledger.MetaPaymentAmount], 10, 64)
	credits := Prorate(orig.AmountDelta, e.Amount, paymentAmount)

	md := refundMetadata(e.Source, e.Refund)
	md[ledger.MetaPaymentAmount] = strconv.FormatInt(paymentAmount, 10)
	md["deposit_entry_id"] = orig.ID

	res, err := r.ledger.Deduct(ctx, ledger.Request{
		UserID:      orig.UserID,
		Amount:      credits,
		Kind:        ledger.KindCreditRefund,
		Reference:   e.RefundID,
		EventType:   e.Type,
		Floor:       true,
		Description: fmt.Sprintf("Refund of %d %s on payment %s", e.Amount, e.Currency, e.PaymentID),
		Metadata:    md,
	})
	if err != nil {
		return OutcomeFailed, err
	}
	if res.AlreadyProcessed {
		return OutcomeDuplicate, nil
	}
	return OutcomeApplied, nil
}

func (r *Router) dispute(ctx context.Context, src Source, d Dispute, to disputes.State) (Outcome, error) {
	orig, err := r.originalDeposit(ctx, d.PaymentID)
	if err != nil {
		return OutcomeDropped, err
	}
	c := disputes.Case{
		DisputeID: d.DisputeID,
		PaymentID: d.PaymentID,
		UserID:    orig.UserID,
		Amount:    d.Amount,
		Currency:  d.Currency,
		Reason:    d.Reason,
		Provider:  src.Provider,
		EventID:   src.EventID,
	}

	var res *ledger.Result
	switch to {
	case disputes.StateOpen:
		res, err = r.disputes.Open(ctx, c)
	case disputes.StateWon:
		res, err = r.disputes.Win(ctx, c)
	default:
		res, err = r.disputes.Lose(ctx, c, orig)
	}
	if err != nil {
		return OutcomeFailed, err
	}
	if res.AlreadyProcessed {
		return OutcomeDuplicate, nil
	}
	if to == disputes.StateLost {
		return OutcomeApplied, nil
	}
	return OutcomeRecorded, nil
}

func (r *Router) originalDeposit(ctx context.Context, paymentID string) (*ledger.Entry, error) {
	orig, err := r.ledger.OriginalDeposit(ctx, paymentID)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		return nil, fmt.Errorf("%w: payment %q", ErrOriginalDepositNotFound, paymentID)
	}
	return orig, err
}

// resolveUser finds the ledger user for an event: the userId note first,
// then the owner of the original deposit, then the provider customer.
func (r *Router) resolveUser(ctx context.Context, src Source, paymentID string) (string, error) {
	if id := src.UserID(); id != "" {
		_, err := r.dir.Get(ctx, id)
		switch {
		case err == nil:
			return id, nil
		case errors.Is(err, users.ErrNotFound):
			return "", fmt.Errorf("%w: %q", ledger.ErrUserNotFound, id)
		default:
			return "", fmt.Errorf("%w: user directory: %w", ledger.ErrStorageUnavailable, err)
		}
	}

	if paymentID != "" {
		orig, err := r.ledger.OriginalDeposit(ctx, paymentID)
		if err == nil {
			return orig.UserID, nil
		}
		if !errors.Is(err, ledger.ErrEntryNotFound) {
			return "", err
		}
	}

	if src.CustomerID != "" {
		id, err := r.dir.ResolveCustomer(ctx, src.Provider, src.CustomerID)
		switch {
		case err == nil:
			return id, nil
		case !errors.Is(err, users.ErrNotFound):
			return "", fmt.Errorf("%w: user directory: %w", ledger.ErrStorageUnavailable, err)
		}
	}
	return "", ledger.ErrUserNotFound
}

// linkCustomer remembers the provider customer for later events that carry
// no notes. Best effort.
func (r *Router) linkCustomer(ctx context.Context, src Source, userID string) {
	if src.CustomerID == "" || src.UserID() == "" {
		return
	}
	if err := r.dir.LinkCustomer(ctx, src.Provider, src.CustomerID, userID); err != nil {
		r.logger.Warn("could not link provider customer",
			"provider", src.Provider, "customer_id", src.CustomerID, "user_id", userID, "error", err)
	}
}

func refundMetadata(src Source, rf Refund) map[string]string {
	return map[string]string{
		ledger.MetaProvider:  src.Provider,
		ledger.MetaEventID:   src.EventID,
		ledger.MetaRefundID:  rf.RefundID,
		ledger.MetaPaymentID: rf.PaymentID,
		ledger.MetaCurrency:  rf.Currency,
		ledger.MetaReason:    rf.Reason,
		"refund_amount":      strconv.FormatInt(rf.Amount, 10),
	}
}

func auditOutcome(res *ledger.Result, err error) (Outcome, error) {
	if err != nil {
		return OutcomeFailed, err
	}
	if res.AlreadyProcessed {
		return OutcomeDuplicate, nil
	}
	return OutcomeRecorded, nil
}
