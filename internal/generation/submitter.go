package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/spend"
)

// Enqueuer inserts jobs. *river.Client implements it.
type Enqueuer interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Submission is the accepted job.
type Submission struct {
	JobID         int64  `json:"jobId"`
	ReservationID string `json:"reservationId"`
	Cost          int64  `json:"cost"`
	Balance       int64  `json:"balance"`
}

// Submitter prices, reserves and enqueues generation jobs.
type Submitter struct {
	ledger      *ledger.Ledger
	queue       Enqueuer
	maxAttempts int
	logger      *slog.Logger
}

// NewSubmitter creates a submitter.
func NewSubmitter(l *ledger.Ledger, q Enqueuer, maxAttempts int, logger *slog.Logger) *Submitter {
	return &Submitter{ledger: l, queue: q, maxAttempts: maxAttempts, logger: logger}
}

// Submit reserves the job's cost and enqueues it. Insufficient funds reject
// the job with nothing enqueued; an enqueue failure releases the credits.
func (s *Submitter) Submit(ctx context.Context, userID string, p Params) (*Submission, error) {
	cost, err := Cost(p)
	if err != nil {
		return nil, err
	}

	rsv, err := spend.Reserve(ctx, s.ledger, spend.Request{
		UserID:      userID,
		Cost:        cost,
		Description: describe(p),
		Metadata:    map[string]string{"generation_kind": string(p.Kind)},
	})
	if err != nil {
		return nil, err
	}

	res, err := s.queue.Insert(ctx, JobArgs{
		ReservationID: rsv.ID,
		UserID:        userID,
		Cost:          cost,
		Params:        p,
	}, &river.InsertOpts{Queue: QueueName, MaxAttempts: s.maxAttempts})
	if err != nil {
		rctx := context.WithoutCancel(ctx)
		if _, rerr := rsv.Release(rctx, "enqueue failed"); rerr != nil {
			s.logger.Error("release after enqueue failure failed",
				"user_id", userID, "reservation_id", rsv.ID, "cost", cost, "error", rerr)
			return nil, errors.Join(fmt.Errorf("enqueue generation: %w", err), rerr)
		}
		return nil, fmt.Errorf("enqueue generation: %w", err)
	}

	jobsTotal.WithLabelValues(string(p.Kind), "submitted").Inc()
	return &Submission{
		JobID:         res.Job.ID,
		ReservationID: rsv.ID,
		Cost:          cost,
		Balance:       rsv.Entry.BalanceAfter,
	}, nil
}
