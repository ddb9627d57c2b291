package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout bounds a single sink delivery.
const DefaultTimeout = 10 * time.Second

// Async delivers each notification to every sink on its own goroutine.
// Sink errors and panics are logged and counted, never returned.
type Async struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewAsync creates an Async notifier. A zero timeout uses DefaultTimeout.
func NewAsync(logger *slog.Logger, timeout time.Duration, sinks ...Sink) *Async {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Async{sinks: sinks, timeout: timeout, logger: logger}
}

// Notify implements Notifier.
func (a *Async) Notify(ctx context.Context, n Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	// Deliveries outlive the request that triggered them.
	base := context.WithoutCancel(ctx)
	for _, s := range a.sinks {
		a.wg.Add(1)
		go a.deliver(base, s, n)
	}
}

func (a *Async) deliver(ctx context.Context, s Sink, n Notification) {
	defer a.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			deliveriesTotal.WithLabelValues(s.Name(), "panic").Inc()
			a.logger.Error("notification sink panicked",
				"sink", s.Name(), "type", n.Type, "user_id", n.UserID, "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	err := s.Deliver(ctx, n)
	deliveryDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		deliveriesTotal.WithLabelValues(s.Name(), "error").Inc()
		a.logger.Warn("notification delivery failed",
			"sink", s.Name(), "type", n.Type, "user_id", n.UserID, "error", err)
		return
	}
	deliveriesTotal.WithLabelValues(s.Name(), "ok").Inc()
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (a *Async) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
