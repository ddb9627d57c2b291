// Package notify fans ledger notifications out to user-facing sinks.
//
// Delivery is fire-and-forget: a slow or failing sink never blocks or fails
// the balance mutation that produced the notification.
package notify

import (
	"context"
	"time"
)

// Notification types.
const (
	TypeDeposited      = "credits.deposited"
	TypeDeducted       = "credits.deducted"
	TypeRefunded       = "credits.refunded"
	TypeClawedBack     = "credits.clawed_back"
	TypeCreditRefunded = "credits.refund_applied"
	TypeDisputeOpened  = "dispute.opened"
	TypeDisputeClosed  = "dispute.closed"
)

// Notification describes one applied change to a user's balance.
type Notification struct {
	Type     string            `json:"type"`
	UserID   string            `json:"userId"`
	Amount   int64             `json:"amount"`
	Balance  int64             `json:"balance"`
	EntryID  string            `json:"entryId,omitempty"`
	Kind     string            `json:"kind,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	At       time.Time         `json:"at"`
}

// Notifier accepts notifications without reporting delivery outcome.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Sink delivers a notification to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}
