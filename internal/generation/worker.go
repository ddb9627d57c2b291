package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/spend"
	"github.com/mbd888/creditledger/internal/traces"
)

// QueueName is the river queue generation jobs run on.
const QueueName = "generation"

// refundRetryDelay is how long a job is snoozed when its refund could not
// be written.
const refundRetryDelay = 30 * time.Second

// JobArgs is the river payload of a generation job. The reservation was made
// at submission time; the worker only settles it.
type JobArgs struct {
	ReservationID string `json:"reservationId"`
	UserID        string `json:"userId"`
	Cost          int64  `json:"cost"`
	Params        Params `json:"params"`
}

func (JobArgs) Kind() string { return "generation" }

// Worker executes generation jobs.
type Worker struct {
	river.WorkerDefaults[JobArgs]
	ledger  *ledger.Ledger
	compute Compute
	timeout time.Duration
	logger  *slog.Logger
}

// NewWorker creates a worker. timeout bounds one compute attempt.
func NewWorker(l *ledger.Ledger, c Compute, timeout time.Duration, logger *slog.Logger) *Worker {
	return &Worker{ledger: l, compute: c, timeout: timeout, logger: logger}
}

// Timeout bounds each attempt.
func (w *Worker) Timeout(*river.Job[JobArgs]) time.Duration { return w.timeout }

// Work runs one attempt. A terminal failure (rejected by the backend, or
// the last attempt) refunds the reservation before the job is finalised.
func (w *Worker) Work(ctx context.Context, job *river.Job[JobArgs]) (err error) {
	ctx, span := traces.StartSpan(ctx, "generation.work",
		traces.JobID(job.ID), traces.UserID(job.Args.UserID), traces.Amount(job.Args.Cost))
	defer span.End()
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("generation worker panic: %v", p)
			err = w.settleFailure(ctx, job, err)
		}
		if err != nil {
			traces.Fail(span, err, "generation failed")
		}
	}()

	out, cerr := w.compute.Generate(ctx, Task{JobID: job.ID, UserID: job.Args.UserID, Params: job.Args.Params})
	if cerr == nil {
		jobsTotal.WithLabelValues(string(job.Args.Params.Kind), "succeeded").Inc()
		jobDuration.WithLabelValues(string(job.Args.Params.Kind)).Observe(time.Since(start).Seconds())
		w.logger.Info("generation completed",
			"job_id", job.ID, "user_id", job.Args.UserID, "cost", job.Args.Cost, "asset_url", out.AssetURL)
		return nil
	}
	return w.settleFailure(ctx, job, cerr)
}

func (w *Worker) settleFailure(ctx context.Context, job *river.Job[JobArgs], cause error) error {
	rejected := errors.Is(cause, ErrRejected)
	// A remote cancel finalises the job whatever this attempt returns.
	cancelled := errors.Is(context.Cause(ctx), river.ErrJobCancelledRemotely)
	if !rejected && !cancelled && job.Attempt < job.MaxAttempts {
		jobsTotal.WithLabelValues(string(job.Args.Params.Kind), "retrying").Inc()
		w.logger.Warn("generation attempt failed, will retry",
			"job_id", job.ID, "attempt", job.Attempt, "max_attempts", job.MaxAttempts, "error", cause)
		return cause
	}

	reason := cause.Error()
	if cancelled {
		reason = "job cancelled"
	}
	if _, err := refund(ctx, w.ledger, job.JobRow, job.Args, reason); err != nil {
		if cancelled {
			w.logger.Error("refund for cancelled generation not written, left to sweep",
				"job_id", job.ID, "user_id", job.Args.UserID, "reservation_id", job.Args.ReservationID, "error", err)
			return cause
		}
		w.logger.Error("refund for failed generation not written, snoozing job",
			"job_id", job.ID, "user_id", job.Args.UserID, "reservation_id", job.Args.ReservationID, "error", err)
		return river.JobSnooze(refundRetryDelay)
	}
	jobsTotal.WithLabelValues(string(job.Args.Params.Kind), "refunded").Inc()
	w.logger.Warn("generation failed, credits refunded",
		"job_id", job.ID, "user_id", job.Args.UserID, "cost", job.Args.Cost, "error", cause)
	return river.JobCancel(cause)
}

// refund releases the reservation held for a job unless an earlier run
// already did. It reports whether this call wrote the refund.
func refund(ctx context.Context, l *ledger.Ledger, row *rivertype.JobRow, a JobArgs, reason string) (bool, error) {
	// The job context may be the one that timed out.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundRetryDelay)
	defer cancel()

	done, err := spend.Released(ctx, l, a.UserID, a.ReservationID)
	if err != nil || done {
		return false, err
	}
	rsv := spend.Resume(l, a.ReservationID, a.UserID, a.Cost, describe(a.Params), map[string]string{
		ledger.MetaJobID: strconv.FormatInt(row.ID, 10),
		"attempt":        strconv.Itoa(row.Attempt),
	})
	res, err := rsv.Release(ctx, reason)
	if err != nil {
		return false, err
	}
	return !res.AlreadyProcessed, nil
}

func describe(p Params) string {
	switch p.Kind {
	case KindImage:
		n := p.Count
		if n == 0 {
			n = 1
		}
		return fmt.Sprintf("%d image(s) %s", n, p.Resolution)
	case KindVoice:
		return fmt.Sprintf("voice %ds", p.DurationSeconds)
	default:
		return fmt.Sprintf("%s %s %ds", p.Kind, p.Resolution, p.DurationSeconds)
	}
}
