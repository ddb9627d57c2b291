package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/mbd888/creditledger/internal/ledger"
)

const sweepPageSize = 100

// JobLister lists river jobs. *river.Client satisfies it.
type JobLister interface {
	JobList(ctx context.Context, params *river.JobListParams) (*river.JobListResult, error)
}

// Sweeper refunds reservations whose job was finalised without the worker
// settling it: cancelled before it ran, or discarded by the rescuer after
// the process running it died.
type Sweeper struct {
	jobs   JobLister
	ledger *ledger.Ledger
	logger *slog.Logger
}

// NewSweeper creates a sweeper over jobs.
func NewSweeper(jobs JobLister, l *ledger.Ledger, logger *slog.Logger) *Sweeper {
	return &Sweeper{jobs: jobs, ledger: l, logger: logger}
}

// Sweep walks cancelled and discarded generation jobs and refunds every
// reservation that has no refund yet. It returns how many it refunded.
// Jobs that cannot be settled are logged and retried on the next sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	params := river.NewJobListParams().
		Kinds(JobArgs{}.Kind()).
		States(rivertype.JobStateCancelled, rivertype.JobStateDiscarded).
		First(sweepPageSize)

	refunded := 0
	for {
		res, err := s.jobs.JobList(ctx, params)
		if err != nil {
			return refunded, fmt.Errorf("list finalised jobs: %w", err)
		}
		for _, row := range res.Jobs {
			if err := ctx.Err(); err != nil {
				return refunded, err
			}
			wrote, err := s.settle(ctx, row)
			if err != nil {
				s.logger.Error("sweep could not refund reservation", "job_id", row.ID, "state", row.State, "error", err)
				continue
			}
			if wrote {
				refunded++
			}
		}
		if len(res.Jobs) < sweepPageSize || res.LastCursor == nil {
			break
		}
		params = params.After(res.LastCursor)
	}

	if refunded > 0 {
		s.logger.Warn("refunded reservations of finalised jobs", "count", refunded)
	}
	return refunded, nil
}

func (s *Sweeper) settle(ctx context.Context, row *rivertype.JobRow) (bool, error) {
	var a JobArgs
	if err := json.Unmarshal(row.EncodedArgs, &a); err != nil {
		return false, fmt.Errorf("decode job args: %w", err)
	}
	if a.ReservationID == "" {
		return false, nil
	}
	wrote, err := refund(ctx, s.ledger, row, a, "job "+string(row.State))
	if wrote {
		jobsTotal.WithLabelValues(string(a.Params.Kind), "swept").Inc()
	}
	return wrote, err
}
