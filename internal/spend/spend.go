// Package spend implements the reserve/settle protocol for paid work.
//
// Credits are deducted before the work starts. A reservation then ends
// exactly once: Commit keeps the credits spent, Release puts them back with
// a generation_refund entry. Run wraps both so every exit path, including
// panics and cancellation, settles the reservation.
package spend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mbd888/creditledger/internal/idgen"
	"github.com/mbd888/creditledger/internal/ledger"
)

var (
	// ErrSettled is returned when a reservation has already been committed
	// or released.
	ErrSettled = errors.New("reservation already settled")
)

// Request describes the work being paid for.
type Request struct {
	UserID      string
	Cost        int64
	Description string
	Metadata    map[string]string
}

type state int

const (
	stateHeld state = iota
	stateCommitted
	stateReleased
)

// Reservation is a successful deduction awaiting the outcome of its work.
type Reservation struct {
	ID     string
	UserID string
	Cost   int64
	Entry  *ledger.Entry

	ledger   *ledger.Ledger
	metadata map[string]string
	desc     string

	mu    sync.Mutex
	state state
}

// Reserve deducts req.Cost as generation_spend. Insufficient funds surface
// as ledger.ErrInsufficientFunds with nothing held.
func Reserve(ctx context.Context, l *ledger.Ledger, req Request) (*Reservation, error) {
	if req.Cost <= 0 {
		return nil, fmt.Errorf("%w: cost must be positive", ledger.ErrInvalidAmount)
	}
	id := idgen.WithPrefix("rsv_")
	md := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		md[k] = v
	}
	md[ledger.MetaReservationID] = id

	res, err := l.Deduct(ctx, ledger.Request{
		UserID:      req.UserID,
		Amount:      req.Cost,
		Kind:        ledger.KindGenerationSpend,
		Description: req.Description,
		Metadata:    md,
	})
	if err != nil {
		return nil, err
	}
	reservationsTotal.WithLabelValues("held").Inc()
	return &Reservation{
		ID:       id,
		UserID:   req.UserID,
		Cost:     req.Cost,
		Entry:    res.Entry,
		ledger:   l,
		metadata: md,
		desc:     req.Description,
	}, nil
}

// Resume rebuilds a held reservation in another process, such as a job
// worker settling work that was reserved at submission time.
func Resume(l *ledger.Ledger, id, userID string, cost int64, description string, metadata map[string]string) *Reservation {
	md := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	md[ledger.MetaReservationID] = id
	return &Reservation{ID: id, UserID: userID, Cost: cost, ledger: l, metadata: md, desc: description}
}

// Released reports whether a refund has already been written for the
// reservation. Workers that may run more than once check it before Release.
func Released(ctx context.Context, l *ledger.Ledger, userID, reservationID string) (bool, error) {
	entries, err := l.FindEntries(ctx, ledger.EntryFilter{
		UserID:    userID,
		Kind:      ledger.KindGenerationRefund,
		Status:    ledger.StatusSuccess,
		MetaKey:   ledger.MetaReservationID,
		MetaValue: reservationID,
		Limit:     1,
	})
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// Commit marks the work as delivered. The credits stay spent.
func (r *Reservation) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateHeld {
		return ErrSettled
	}
	r.state = stateCommitted
	reservationsTotal.WithLabelValues("committed").Inc()
	return nil
}

// Release refunds the reserved credits. It runs at most once; a failed
// refund leaves the reservation held so the caller may retry.
func (r *Reservation) Release(ctx context.Context, reason string) (*ledger.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateHeld {
		return nil, ErrSettled
	}

	md := make(map[string]string, len(r.metadata)+1)
	for k, v := range r.metadata {
		md[k] = v
	}
	md[ledger.MetaReason] = reason

	// Keyed on the reservation so concurrent releasers write one refund.
	res, err := r.ledger.Deposit(ctx, ledger.Request{
		UserID:      r.UserID,
		Amount:      r.Cost,
		Kind:        ledger.KindGenerationRefund,
		Reference:   r.ID,
		Description: "Refund: " + r.desc,
		Metadata:    md,
	})
	if err != nil {
		return nil, err
	}
	r.state = stateReleased
	reservationsTotal.WithLabelValues("released").Inc()
	return res, nil
}

// Settled reports whether Commit or Release has completed.
func (r *Reservation) Settled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != stateHeld
}

// Run reserves req.Cost, runs fn and settles: commit when fn returns nil,
// release when it returns an error or panics. fn is expected to return
// ctx.Err() when cancelled. The refund runs on a context detached from ctx
// so cancellation cannot skip it. Panics are re-raised after the refund.
func Run(ctx context.Context, l *ledger.Ledger, req Request, fn func(ctx context.Context) error) (err error) {
	rsv, err := Reserve(ctx, l, req)
	if err != nil {
		return err
	}

	defer func() {
		p := recover()
		switch {
		case p != nil:
			rsv.releaseDetached(ctx, fmt.Sprintf("panic: %v", p))
			panic(p)
		case err != nil:
			rsv.releaseDetached(ctx, err.Error())
		default:
			err = rsv.Commit()
		}
	}()

	return fn(ctx)
}

func (r *Reservation) releaseDetached(ctx context.Context, reason string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if _, err := r.Release(rctx, reason); err != nil && !errors.Is(err, ErrSettled) {
		releaseFailures.Inc()
		r.ledger.Logger().Error("refund of reserved credits failed",
			"user_id", r.UserID, "reservation_id", r.ID, "cost", r.Cost, "reason", reason, "error", err)
	}
}
