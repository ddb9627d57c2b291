package disputes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/logging"
)

func setup(t *testing.T) (*Machine, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	_, err := l.Open(context.Background(), "u1")
	require.NoError(t, err)
	return New(l, logging.Discard()), l
}

func depositFor(t *testing.T, l *ledger.Ledger, paymentID string, credits int64) *ledger.Entry {
	t.Helper()
	res, err := l.Deposit(context.Background(), ledger.Request{
		UserID: "u1", Amount: credits, Kind: ledger.KindWalletDeposit, Reference: paymentID,
		Metadata: map[string]string{ledger.MetaPaymentID: paymentID},
	})
	require.NoError(t, err)
	return res.Entry
}

func newCase(id, paymentID string) Case {
	return Case{DisputeID: id, PaymentID: paymentID, UserID: "u1", Amount: 500, Currency: "INR", Provider: "razorpay"}
}

func disputed(t *testing.T, l *ledger.Ledger) bool {
	t.Helper()
	bal, err := l.Balance(context.Background(), "u1")
	require.NoError(t, err)
	return bal.DisputedFunds
}

func TestStateTransitions(t *testing.T) {
	ctx := context.Background()
	m, l := setup(t)
	dep := depositFor(t, l, "pay_1", 50)
	c := newCase("disp_1", "pay_1")

	st, err := m.State(ctx, "disp_1")
	require.NoError(t, err)
	assert.Equal(t, StateNone, st)

	res, err := m.Open(ctx, c)
	require.NoError(t, err)
	assert.False(t, res.AlreadyProcessed)
	assert.True(t, disputed(t, l))

	res, err = m.Open(ctx, c)
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed, "redelivered open")

	st, _ = m.State(ctx, "disp_1")
	assert.Equal(t, StateOpen, st)

	_, err = m.Lose(ctx, c, dep)
	require.NoError(t, err)
	st, _ = m.State(ctx, "disp_1")
	assert.Equal(t, StateLost, st)
	assert.True(t, st.Terminal())
	assert.False(t, disputed(t, l))

	bal, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Credits)
}

func TestOpenAfterTerminalIsIgnored(t *testing.T) {
	ctx := context.Background()
	m, l := setup(t)
	depositFor(t, l, "pay_1", 50)
	c := newCase("disp_1", "pay_1")

	_, err := m.Win(ctx, c)
	require.NoError(t, err)

	res, err := m.Open(ctx, c)
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
	assert.False(t, disputed(t, l))
}

func TestFlagKeptWhileAnotherDisputeOpen(t *testing.T) {
	ctx := context.Background()
	m, l := setup(t)
	depositFor(t, l, "pay_1", 50)
	depositFor(t, l, "pay_2", 30)
	a, b := newCase("disp_a", "pay_1"), newCase("disp_b", "pay_2")

	_, err := m.Open(ctx, a)
	require.NoError(t, err)
	_, err = m.Open(ctx, b)
	require.NoError(t, err)

	_, err = m.Win(ctx, a)
	require.NoError(t, err)
	assert.True(t, disputed(t, l), "disp_b is still open")

	_, err = m.Win(ctx, b)
	require.NoError(t, err)
	assert.False(t, disputed(t, l))
}

func TestLose_PaymentAlreadyClawedBack(t *testing.T) {
	ctx := context.Background()
	m, l := setup(t)
	dep := depositFor(t, l, "pay_1", 50)

	// Two disputes against one payment; only the first claws back.
	first, second := newCase("disp_a", "pay_1"), newCase("disp_b", "pay_1")
	_, err := m.Open(ctx, first)
	require.NoError(t, err)
	_, err = m.Open(ctx, second)
	require.NoError(t, err)

	res, err := m.Lose(ctx, first, dep)
	require.NoError(t, err)
	require.NotNil(t, res.Entry)
	assert.Equal(t, int64(-50), res.Entry.AmountDelta)
	assert.True(t, disputed(t, l))

	res, err = m.Lose(ctx, second, dep)
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
	assert.False(t, disputed(t, l))

	st, _ := m.State(ctx, "disp_b")
	assert.Equal(t, StateLost, st)

	sum, err := l.Store().SumSuccessful(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum)
}

func TestLose_FlooredAtZero(t *testing.T) {
	ctx := context.Background()
	m, l := setup(t)
	dep := depositFor(t, l, "pay_1", 50)
	_, err := l.Deduct(ctx, ledger.Request{UserID: "u1", Amount: 45, Kind: ledger.KindGenerationSpend})
	require.NoError(t, err)

	res, err := m.Lose(ctx, newCase("disp_1", "pay_1"), dep)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), res.Entry.AmountDelta)
	assert.Equal(t, int64(0), res.NewBalance)
}
