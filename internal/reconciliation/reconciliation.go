// Package reconciliation checks each user's cached balance against the sum
// of their successful ledger entries.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/creditledger/internal/ledger"
)

// Source is the subset of ledger.Store the checker reads.
type Source interface {
	ListUserIDs(ctx context.Context) ([]string, error)
	GetBalance(ctx context.Context, userID string) (*ledger.Balance, error)
	SumSuccessful(ctx context.Context, userID string) (int64, error)
}

// snapshotter is implemented by stores that can read a balance and its log
// sum from one consistent view.
type snapshotter interface {
	BalanceWithSum(ctx context.Context, userID string) (credits, sum int64, err error)
}

// Mismatch is one user whose balance disagrees with the log.
type Mismatch struct {
	UserID  string `json:"userId"`
	Credits int64  `json:"credits"`
	LogSum  int64  `json:"logSum"`
	Diff    int64  `json:"diff"` // credits - logSum
}

// Report is the outcome of one full pass.
type Report struct {
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"durationNs"`
	Users      int           `json:"users"`
	Errors     int           `json:"errors"`
	Mismatches []Mismatch    `json:"mismatches"`
}

// Clean reports whether the pass found nothing wrong.
func (r *Report) Clean() bool {
	return len(r.Mismatches) == 0 && r.Errors == 0
}

// Runner walks every user and records the last report.
type Runner struct {
	src    Source
	logger *slog.Logger

	mu   sync.RWMutex
	last *Report
}

// NewRunner creates a reconciliation runner.
func NewRunner(src Source, logger *slog.Logger) *Runner {
	return &Runner{src: src, logger: logger}
}

// RunAll checks every user. Per-user read failures are counted and logged;
// only a failure to list users aborts the run.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	ids, err := r.src.ListUserIDs(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list users: %w", err)
	}

	report := &Report{StartedAt: start.UTC(), Users: len(ids), Mismatches: []Mismatch{}}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := r.check(ctx, id)
		if err != nil {
			if errors.Is(err, ledger.ErrUserNotFound) {
				continue
			}
			report.Errors++
			reconcileErrors.Inc()
			r.logger.Warn("reconciliation check failed", "user_id", id, "error", err)
			continue
		}
		if m != nil {
			report.Mismatches = append(report.Mismatches, *m)
			r.logger.Error("balance does not match ledger entries",
				"user_id", m.UserID, "credits", m.Credits, "log_sum", m.LogSum, "diff", m.Diff)
		}
	}
	report.Duration = time.Since(start)

	reconcileLedgerMismatches.Set(float64(len(report.Mismatches)))
	reconcileLastRun.SetToCurrentTime()

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	r.logger.Info("reconciliation complete",
		"users", report.Users, "mismatches", len(report.Mismatches), "errors", report.Errors,
		"duration", report.Duration)
	return report, nil
}

// Check compares a single user.
func (r *Runner) Check(ctx context.Context, userID string) (*Mismatch, error) {
	return r.check(ctx, userID)
}

func (r *Runner) check(ctx context.Context, userID string) (*Mismatch, error) {
	credits, sum, err := r.read(ctx, userID)
	if err != nil {
		return nil, err
	}
	if credits == sum {
		return nil, nil
	}
	if _, ok := r.src.(snapshotter); !ok {
		// Two separate reads can straddle a mutation; only a gap that
		// survives a second look is reported.
		credits, sum, err = r.read(ctx, userID)
		if err != nil {
			return nil, err
		}
		if credits == sum {
			return nil, nil
		}
	}
	return &Mismatch{UserID: userID, Credits: credits, LogSum: sum, Diff: credits - sum}, nil
}

func (r *Runner) read(ctx context.Context, userID string) (int64, int64, error) {
	if s, ok := r.src.(snapshotter); ok {
		return s.BalanceWithSum(ctx, userID)
	}
	bal, err := r.src.GetBalance(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	sum, err := r.src.SumSuccessful(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	return bal.Credits, sum, nil
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}
