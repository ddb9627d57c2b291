// Package payments turns payment-provider webhooks into ledger mutations.
//
// Each provider decoder maps its wire format onto the closed Event union;
// the Router dispatches every member of that union to exactly one handler.
package payments

import (
	"errors"
	"strconv"
	"strings"
)

var (
	ErrInvalidSignature        = errors.New("invalid webhook signature")
	ErrInvalidPayload          = errors.New("invalid webhook payload")
	ErrUnrecognizedEvent       = errors.New("unrecognized event")
	ErrOriginalDepositNotFound = errors.New("original deposit not found")
)

// Provider names.
const (
	ProviderRazorpay = "razorpay"
	ProviderStripe   = "stripe"
)

// Notes keys the checkout flow embeds when it creates an order.
const (
	NoteUserID         = "userId"
	NoteDepositCredits = "depositCredits"
)

// Source identifies the delivery an event came from.
type Source struct {
	Provider   string
	Type       string // provider's own event name
	EventID    string
	CustomerID string
	Notes      map[string]string
}

// UserID returns the application user id the checkout flow embedded, if any.
func (s Source) UserID() string {
	return strings.TrimSpace(s.Notes[NoteUserID])
}

// Event is the closed set of inbound payment events.
type Event interface {
	source() Source
}

// Purchase is a confirmed top-up.
type Purchase struct {
	PaymentID string
	OrderID   string
	Amount    int64 // minor currency units
	Currency  string
}

// Reference is the identifier both confirmation channels of one purchase
// share: the order when there is one, otherwise the payment.
func (p Purchase) Reference() string {
	if p.OrderID != "" {
		return p.OrderID
	}
	return p.PaymentID
}

// Refund is a provider refund against an earlier payment.
type Refund struct {
	RefundID  string
	PaymentID string
	Amount    int64
	Currency  string
	Reason    string
}

// Dispute is a chargeback against an earlier payment.
type Dispute struct {
	DisputeID string
	PaymentID string
	Amount    int64
	Currency  string
	Reason    string
}

type (
	PaymentCaptured struct {
		Source
		Purchase
	}
	OrderSettled struct {
		Source
		Purchase
	}
	PaymentFailed struct {
		Source
		Purchase
		Reason string
	}
	RefundCreated struct {
		Source
		Refund
	}
	RefundProcessed struct {
		Source
		Refund
	}
	RefundFailed struct {
		Source
		Refund
	}
	DisputeCreated struct {
		Source
		Dispute
	}
	DisputeWon struct {
		Source
		Dispute
	}
	DisputeLost struct {
		Source
		Dispute
	}
	// Unrecognized is any event type outside the union. It is acknowledged
	// and dropped.
	Unrecognized struct {
		Source
	}
)

func (e *PaymentCaptured) source() Source { return e.Source }
func (e *OrderSettled) source() Source    { return e.Source }
func (e *PaymentFailed) source() Source   { return e.Source }
func (e *RefundCreated) source() Source   { return e.Source }
func (e *RefundProcessed) source() Source { return e.Source }
func (e *RefundFailed) source() Source    { return e.Source }
func (e *DisputeCreated) source() Source  { return e.Source }
func (e *DisputeWon) source() Source      { return e.Source }
func (e *DisputeLost) source() Source     { return e.Source }
func (e *Unrecognized) source() Source    { return e.Source }

// SourceOf returns the delivery details of any event.
func SourceOf(e Event) Source { return e.source() }

// depositCredits reads the credit amount the checkout flow embedded.
func depositCredits(notes map[string]string) (int64, bool) {
	raw := strings.TrimSpace(notes[NoteDepositCredits])
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
