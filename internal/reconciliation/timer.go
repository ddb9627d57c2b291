package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/creditledger/internal/health"
)

// Sweep is a repair pass run after each reconciliation, returning how many
// records it fixed.
type Sweep func(ctx context.Context) (int, error)

type namedSweep struct {
	name string
	fn   Sweep
}

// tick is what one pass of the loop left behind for the health check.
type tick struct {
	at         time.Time
	mismatches int
	err        error
}

// Timer runs reconciliation and its sweeps on an interval, starting with
// an immediate pass.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	sweeps   []namedSweep

	mu     sync.Mutex
	cancel context.CancelFunc // non-nil while the loop runs
	last   *tick
}

// NewTimer creates a timer. A non-positive interval means five minutes.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{runner: runner, interval: interval, logger: logger}
}

// AddSweep registers fn to run after every reconciliation. Call before Start.
func (t *Timer) AddSweep(name string, fn Sweep) {
	t.sweeps = append(t.sweeps, namedSweep{name: name, fn: fn})
}

// Start runs the loop until ctx is done or Stop is called. A second
// concurrent Start returns at once.
func (t *Timer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return
	}
	t.cancel = cancel
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.cancel = nil
		t.mu.Unlock()
	}()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		res := t.pass(ctx)
		if ctx.Err() != nil {
			return
		}
		t.mu.Lock()
		t.last = &res
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop ends a running loop.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

func (t *Timer) pass(ctx context.Context) (res tick) {
	res.at = time.Now()
	defer func() {
		if p := recover(); p != nil {
			res.err = fmt.Errorf("panic: %v", p)
			t.logger.Error("panic in reconciliation pass", "panic", fmt.Sprint(p))
		}
	}()

	report, err := t.runner.RunAll(ctx)
	if err != nil {
		res.err = err
		t.logger.Warn("reconciliation run failed", "error", err)
	} else {
		res.mismatches = len(report.Mismatches)
	}

	for _, s := range t.sweeps {
		n, err := s.fn(ctx)
		if err != nil {
			if res.err == nil {
				res.err = fmt.Errorf("%s: %w", s.name, err)
			}
			t.logger.Warn("sweep failed", "sweep", s.name, "error", err)
			continue
		}
		if n > 0 {
			t.logger.Info("sweep repaired records", "sweep", s.name, "count", n)
		}
	}
	return res
}

// Checker reports the loop's own view: unhealthy when it is not running,
// when its last pass failed or found mismatches, or when that pass is more
// than three intervals old.
func (t *Timer) Checker() health.Checker {
	return func(context.Context) health.Status {
		t.mu.Lock()
		running, last := t.cancel != nil, t.last
		t.mu.Unlock()

		st := health.Status{Name: "reconciler", Healthy: false}
		switch {
		case !running:
			st.Detail = "timer not running"
		case last == nil:
			st.Healthy, st.Detail = true, "no run yet"
		case last.err != nil:
			st.Detail = "last run failed: " + last.err.Error()
		case time.Since(last.at) > 3*t.interval:
			st.Detail = "last run at " + last.at.UTC().Format(time.RFC3339)
		case last.mismatches > 0:
			st.Detail = fmt.Sprintf("%d balance mismatches", last.mismatches)
		default:
			st.Healthy = true
		}
		return st
	}
}
