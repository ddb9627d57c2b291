package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/creditledger/internal/circuitbreaker"
)

const maxComputeResponse = 1 << 20

// Consecutive transient failures before compute calls short-circuit.
const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
	breakerKey       = "compute"
)

// Task is what the compute backend is asked to produce.
type Task struct {
	JobID  int64  `json:"jobId"`
	UserID string `json:"userId"`
	Params Params `json:"params"`
}

// Output is the compute backend's answer.
type Output struct {
	AssetURL string `json:"assetUrl"`
}

// Compute runs generation work. Errors wrapping ErrRejected are not retried.
type Compute interface {
	Generate(ctx context.Context, t Task) (*Output, error)
}

// HTTPCompute posts tasks to a compute service. While the service keeps
// failing, calls fail fast with circuitbreaker.ErrOpen so river backs off
// instead of holding workers on timeouts.
type HTTPCompute struct {
	url     string
	token   string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewHTTPCompute creates a client for the compute service at url.
func NewHTTPCompute(url, token string, timeout time.Duration) *HTTPCompute {
	return &HTTPCompute{
		url:     url,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(breakerThreshold, breakerCooldown),
	}
}

func (c *HTTPCompute) Generate(ctx context.Context, t Task) (*Output, error) {
	var out *Output
	err := c.breaker.Do(breakerKey, func() error {
		o, err := c.generate(ctx, t)
		out = o
		return err
	}, func(err error) bool {
		return !errors.Is(err, ErrRejected)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("compute unavailable: %w", err)
	}
	return out, err
}

func (c *HTTPCompute) generate(ctx context.Context, t Task) (*Output, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("job-%d", t.JobID))
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("compute request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxComputeResponse))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("compute returned HTTP %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, truncate(raw, 200))
	}

	var out Output
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: invalid response body", ErrRejected)
	}
	return &out, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
