package payments

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditledger/internal/disputes"
	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/logging"
	"github.com/mbd888/creditledger/internal/users"
)

type fixture struct {
	ledger *ledger.Ledger
	dir    *users.MemoryStore
	router *Router
}

func newFixture(t *testing.T, userIDs ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	dir := users.NewMemoryStore()
	for _, id := range userIDs {
		require.NoError(t, dir.Create(ctx, &users.User{ID: id}))
		_, err := l.Open(ctx, id)
		require.NoError(t, err)
	}
	logger := logging.Discard()
	return &fixture{
		ledger: l,
		dir:    dir,
		router: NewRouter(l, dir, disputes.New(l, logger), logger),
	}
}

func (f *fixture) credits(t *testing.T, user string) int64 {
	t.Helper()
	bal, err := f.ledger.Balance(context.Background(), user)
	require.NoError(t, err)
	return bal.Credits
}

func (f *fixture) balance(t *testing.T, user string) *ledger.Balance {
	t.Helper()
	bal, err := f.ledger.Balance(context.Background(), user)
	require.NoError(t, err)
	return bal
}

func (f *fixture) assertInvariant(t *testing.T, user string) {
	t.Helper()
	sum, err := f.ledger.Store().SumSuccessful(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, f.credits(t, user), sum)
}

func (f *fixture) dispatch(t *testing.T, ev Event) Outcome {
	t.Helper()
	out, err := f.router.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	return out
}

func src(typ, user string, credits string) Source {
	notes := map[string]string{}
	if user != "" {
		notes[NoteUserID] = user
	}
	if credits != "" {
		notes[NoteDepositCredits] = credits
	}
	return Source{Provider: ProviderRazorpay, Type: typ, EventID: "evt_" + typ, Notes: notes}
}

func purchase() Purchase {
	return Purchase{PaymentID: "pay_1", OrderID: "order_1", Amount: 1000, Currency: "INR"}
}

func captured(user string) *PaymentCaptured {
	return &PaymentCaptured{Source: src("payment.captured", user, "100"), Purchase: purchase()}
}

func settled(user string) *OrderSettled {
	return &OrderSettled{Source: src("order.paid", user, "100"), Purchase: purchase()}
}

func TestDeposit_AppliesOnce(t *testing.T) {
	f := newFixture(t, "u1")

	assert.Equal(t, OutcomeApplied, f.dispatch(t, captured("u1")))
	assert.Equal(t, OutcomeDuplicate, f.dispatch(t, captured("u1")))

	assert.Equal(t, int64(100), f.credits(t, "u1"))
	f.assertInvariant(t, "u1")

	orig, err := f.ledger.OriginalDeposit(context.Background(), "pay_1")
	require.NoError(t, err)
	assert.Equal(t, "1000", orig.Metadata[ledger.MetaPaymentAmount])
	assert.Equal(t, "order_1", orig.Metadata[ledger.MetaOrderID])
}

func TestDeposit_EitherChannelFirst(t *testing.T) {
	for name, order := range map[string][]Event{
		"captured first": {captured("u1"), settled("u1")},
		"settled first":  {settled("u1"), captured("u1")},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, "u1")
			assert.Equal(t, OutcomeApplied, f.dispatch(t, order[0]))
			assert.Equal(t, OutcomeDuplicate, f.dispatch(t, order[1]))
			assert.Equal(t, int64(100), f.credits(t, "u1"))
		})
	}
}

func TestDeposit_ResolvesUserByLinkedCustomer(t *testing.T) {
	f := newFixture(t, "u1")
	ev := captured("u1")
	ev.CustomerID = "cust_9"
	f.dispatch(t, ev)

	id, err := f.dir.ResolveCustomer(context.Background(), ProviderRazorpay, "cust_9")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	next := &PaymentCaptured{Source: src("payment.captured", "", "40"),
		Purchase: Purchase{PaymentID: "pay_2", Amount: 400}}
	next.CustomerID = "cust_9"
	assert.Equal(t, OutcomeApplied, f.dispatch(t, next))
	assert.Equal(t, int64(140), f.credits(t, "u1"))
}

func TestDeposit_DroppedWhenUnusable(t *testing.T) {
	f := newFixture(t, "u1")

	tests := []struct {
		name string
		ev   Event
	}{
		{"unknown user", captured("ghost")},
		{"no user", &PaymentCaptured{Source: src("payment.captured", "", "100"), Purchase: purchase()}},
		{"no credits", &PaymentCaptured{Source: src("payment.captured", "u1", ""), Purchase: purchase()}},
		{"bad credits", &PaymentCaptured{Source: src("payment.captured", "u1", "-5"), Purchase: purchase()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := f.router.Dispatch(context.Background(), tt.ev)
			require.Error(t, err)
			assert.False(t, IsRetryable(err))
			assert.Equal(t, OutcomeDropped, out)
		})
	}
	assert.Equal(t, int64(0), f.credits(t, "u1"))
}

func TestPaymentFailed_RecordsAuditOnce(t *testing.T) {
	f := newFixture(t, "u1")
	ev := &PaymentFailed{Source: src("payment.failed", "u1", "100"), Purchase: purchase(), Reason: "card declined"}

	assert.Equal(t, OutcomeRecorded, f.dispatch(t, ev))
	assert.Equal(t, OutcomeDuplicate, f.dispatch(t, ev))

	entries, err := f.ledger.History(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.StatusFailed, entries[0].Status)
	assert.Equal(t, int64(0), entries[0].AmountDelta)
	assert.Equal(t, int64(0), f.credits(t, "u1"))
}

func TestRefund_ProratedAgainstPaymentAmount(t *testing.T) {
	f := newFixture(t, "u1")
	f.dispatch(t, captured("u1"))

	created := &RefundCreated{Source: src("refund.created", "", ""),
		Refund: Refund{RefundID: "rfnd_1", PaymentID: "pay_1", Amount: 250}}
	assert.Equal(t, OutcomeRecorded, f.dispatch(t, created))
	assert.Equal(t, int64(100), f.credits(t, "u1"), "initiated refunds move nothing")

	processed := &RefundProcessed{Source: src("refund.processed", "", ""),
		Refund: Refund{RefundID: "rfnd_1", PaymentID: "pay_1", Amount: 250, Currency: "INR"}}
	assert.Equal(t, OutcomeApplied, f.dispatch(t, processed))
	assert.Equal(t, OutcomeDuplicate, f.dispatch(t, processed))

	assert.Equal(t, int64(75), f.credits(t, "u1"))
	f.assertInvariant(t, "u1")
}

func TestRefund_FlooredWhenCreditsSpent(t *testing.T) {
	f := newFixture(t, "u1")
	f.dispatch(t, captured("u1"))
	_, err := f.ledger.Deduct(context.Background(), ledger.Request{UserID: "u1", Amount: 90, Kind: ledger.KindGenerationSpend})
	require.NoError(t, err)

	full := &RefundProcessed{Source: src("refund.processed", "", ""),
		Refund: Refund{RefundID: "rfnd_1", PaymentID: "pay_1", Amount: 1000}}
	assert.Equal(t, OutcomeApplied, f.dispatch(t, full))
	assert.Equal(t, int64(0), f.credits(t, "u1"))
	f.assertInvariant(t, "u1")
}

func TestRefund_WithoutOriginalDepositIsDropped(t *testing.T) {
	f := newFixture(t, "u1")
	ev := &RefundProcessed{Source: src("refund.processed", "u1", ""),
		Refund: Refund{RefundID: "rfnd_1", PaymentID: "pay_missing", Amount: 100}}

	out, err := f.router.Dispatch(context.Background(), ev)
	require.ErrorIs(t, err, ErrOriginalDepositNotFound)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, OutcomeDropped, out)
}

func TestRefundFailed_RecordsAudit(t *testing.T) {
	f := newFixture(t, "u1")
	f.dispatch(t, captured("u1"))
	ev := &RefundFailed{Source: src("refund.failed", "", ""),
		Refund: Refund{RefundID: "rfnd_1", PaymentID: "pay_1", Amount: 100}}

	assert.Equal(t, OutcomeRecorded, f.dispatch(t, ev))
	assert.Equal(t, OutcomeDuplicate, f.dispatch(t, ev))
	assert.Equal(t, OutcomeDuplicate, f.dispatch(t, ev))
	assert.Equal(t, int64(100), f.credits(t, "u1"))

	failed, err := f.ledger.FindEntries(context.Background(), ledger.EntryFilter{UserID: "u1", Status: ledger.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "rfnd_1", failed[0].Metadata[ledger.MetaRefundID])
	f.assertInvariant(t, "u1")
}

func dispute() Dispute {
	return Dispute{DisputeID: "disp_1", PaymentID: "pay_1", Amount: 1000, Currency: "INR", Reason: "fraudulent"}
}

func TestDispute_LostAfterSpendingClawsBackToZero(t *testing.T) {
	f := newFixture(t, "u1")
	f.dispatch(t, captured("u1"))
	_, err := f.ledger.Deduct(context.Background(), ledger.Request{UserID: "u1", Amount: 70, Kind: ledger.KindGenerationSpend})
	require.NoError(t, err)

	assert.Equal(t, OutcomeRecorded, f.dispatch(t, &DisputeCreated{Source: src("payment.dispute.created", "", ""), Dispute: dispute()}))
	assert.True(t, f.balance(t, "u1").DisputedFunds)
	assert.Equal(t, int64(30), f.credits(t, "u1"))

	assert.Equal(t, OutcomeApplied, f.dispatch(t, &DisputeLost{Source: src("payment.dispute.lost", "", ""), Dispute: dispute()}))
	bal := f.balance(t, "u1")
	assert.Equal(t, int64(0), bal.Credits)
	assert.False(t, bal.DisputedFunds)
	f.assertInvariant(t, "u1")

	// Redelivery of a closed dispute changes nothing.
	assert.Equal(t, OutcomeDuplicate, f.dispatch(t, &DisputeLost{Source: src("payment.dispute.lost", "", ""), Dispute: dispute()}))
	assert.Equal(t, OutcomeDuplicate, f.dispatch(t, &DisputeCreated{Source: src("payment.dispute.created", "", ""), Dispute: dispute()}))
	assert.False(t, f.balance(t, "u1").DisputedFunds)
}

func TestDispute_WonKeepsCredits(t *testing.T) {
	f := newFixture(t, "u1")
	f.dispatch(t, captured("u1"))

	f.dispatch(t, &DisputeCreated{Source: src("payment.dispute.created", "", ""), Dispute: dispute()})
	assert.Equal(t, OutcomeRecorded, f.dispatch(t, &DisputeWon{Source: src("payment.dispute.won", "", ""), Dispute: dispute()}))

	bal := f.balance(t, "u1")
	assert.Equal(t, int64(100), bal.Credits)
	assert.False(t, bal.DisputedFunds)

	// A late loss for a won dispute is ignored.
	assert.Equal(t, OutcomeDuplicate, f.dispatch(t, &DisputeLost{Source: src("payment.dispute.lost", "", ""), Dispute: dispute()}))
	assert.Equal(t, int64(100), f.credits(t, "u1"))
}

func TestUnrecognized_Ignored(t *testing.T) {
	f := newFixture(t, "u1")
	out := f.dispatch(t, &Unrecognized{Source: src("subscription.charged", "u1", "100")})
	assert.Equal(t, OutcomeIgnored, out)
	assert.Equal(t, int64(0), f.credits(t, "u1"))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ledger.ErrStorageUnavailable))
	assert.False(t, IsRetryable(ledger.ErrUserNotFound))
	assert.False(t, IsRetryable(ErrOriginalDepositNotFound))
}

func TestProrate(t *testing.T) {
	tests := []struct {
		name                     string
		granted, refund, payment int64
		want                     int64
	}{
		{"quarter", 100, 250, 1000, 25},
		{"rounds up", 100, 1, 1000, 1},
		{"full", 100, 1000, 1000, 100},
		{"over refund capped", 100, 5000, 1000, 100},
		{"unknown payment amount", 100, 10, 0, 100},
		{"nothing granted", 0, 10, 100, 0},
		{"no refund", 100, 0, 100, 0},
		{"large values", 1 << 62, 1 << 40, 1 << 41, 1 << 61},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Prorate(tt.granted, tt.refund, tt.payment))
		})
	}
}
