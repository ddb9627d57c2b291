package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/creditledger/internal/idgen"
	"github.com/mbd888/creditledger/internal/metrics"
	"github.com/mbd888/creditledger/internal/notify"
	"github.com/mbd888/creditledger/internal/retry"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Credits-Event"
	HeaderDelivery  = "X-Credits-Delivery"
	HeaderTimestamp = "X-Credits-Timestamp"
	HeaderSignature = "X-Credits-Signature"
)

var deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: metrics.Namespace,
	Subsystem: "webhook",
	Name:      "deliveries_total",
	Help:      "Outbound webhook deliveries by event type and result.",
}, []string{"event_type", "result"})

func init() {
	prometheus.MustRegister(deliveriesTotal)
}

// Payload is the JSON body of a delivery.
type Payload struct {
	ID        string              `json:"id"`
	Type      string              `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Data      notify.Notification `json:"data"`
}

// Dispatcher delivers notifications to the user's active subscriptions. It
// is a notify.Sink.
type Dispatcher struct {
	store  Store
	client *http.Client
	policy retry.Policy
	logger *slog.Logger
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: retry.Delivery,
		logger: logger,
	}
}

// WithRetryPolicy overrides the per-subscription retry policy.
func (d *Dispatcher) WithRetryPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

func (d *Dispatcher) Name() string { return "webhooks" }

// Deliver sends n to every interested subscription of n.UserID in parallel
// and returns the joined delivery errors.
func (d *Dispatcher) Deliver(ctx context.Context, n notify.Notification) error {
	subs, err := d.store.ListByUser(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	payload, err := json.Marshal(Payload{
		ID:        idgen.WithPrefix("whd_"),
		Type:      n.Type,
		Timestamp: time.Now().UTC(),
		Data:      n,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, sub := range subs {
		if !sub.Active || !sub.Wants(n.Type) {
			continue
		}
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			if err := d.send(ctx, sub, n.Type, payload); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", sub.ID, err))
				mu.Unlock()
			}
		}(sub)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, eventType string, payload []byte) error {
	deliveryID := idgen.WithPrefix("dlv_")
	err := retry.Do(ctx, d.policy, func() error {
		return d.post(ctx, sub, eventType, deliveryID, payload)
	})

	result := "success"
	if err != nil {
		result = "failure"
		d.logger.Warn("webhook delivery failed",
			"subscription_id", sub.ID, "user_id", sub.UserID, "event_type", eventType, "error", err)
	}
	deliveriesTotal.WithLabelValues(eventType, result).Inc()

	if rerr := d.store.RecordResult(context.WithoutCancel(ctx), sub.ID, err); rerr != nil {
		d.logger.Warn("failed to record webhook result", "subscription_id", sub.ID, "error", rerr)
	}
	return err
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, eventType, deliveryID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, eventType)
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(sub.Secret, ts, payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<payload>" under secret.
// Receivers recompute it to authenticate a delivery.
func Sign(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
