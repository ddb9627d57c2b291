package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditledger/internal/auth"
	"github.com/mbd888/creditledger/internal/config"
	"github.com/mbd888/creditledger/internal/logging"
	"github.com/mbd888/creditledger/internal/payments"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testServiceToken = "svc-token"
	testAdminSecret  = "admin-secret"
	testRazorpay     = "rzp-secret"
)

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		LogFormat:             "json",
		ServiceToken:          testServiceToken,
		AdminSecret:           testAdminSecret,
		RazorpayWebhookSecret: testRazorpay,
		IdempotencyFailMode:   config.FailOpen,
		NotifyTimeout:         time.Second,
		GenerationMaxAttempts: 3,
		GenerationWorkers:     1,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(logging.Discard()), WithDrainDelay(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func call(s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if raw, ok := body.([]byte); ok {
		buf.Write(raw)
	} else if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

var service = map[string]string{auth.HeaderServiceToken: testServiceToken}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := call(s, "GET", "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "dev", resp.Version)
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, call(s, "GET", "/health/live", nil, nil).Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)
	// Run has not been called.
	assert.Equal(t, http.StatusServiceUnavailable, call(s, "GET", "/health/ready", nil, nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := call(s, "GET", "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "creditledger_")
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	want := map[string]bool{
		"POST:/webhooks/razorpay":                                      false,
		"POST:/v1/users":                                               false,
		"GET:/v1/users/:id/balance":                                    false,
		"GET:/v1/users/:id/entries":                                    false,
		"POST:/v1/users/:id/deductions":                                false,
		"POST:/v1/users/:id/refunds":                                   false,
		"POST:/v1/users/:id/webhooks":                                  false,
		"DELETE:/v1/users/:id/webhooks/:webhookId":                     false,
		"GET:/v1/users/:id/stream":                                     false,
		"GET:/v1/admin/reconcile":                                      false,
		"GET:/v1/admin/disputes/:disputeId":                            false,
		"POST:/v1/admin/users/:id/reservations/:reservationId/release": false,
	}
	for _, route := range s.router.Routes() {
		key := route.Method + ":" + route.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		assert.True(t, found, "route %s not registered", route)
	}

	for _, route := range s.router.Routes() {
		assert.NotEqual(t, "/webhooks/stripe", route.Path, "stripe has no secret configured")
		assert.NotEqual(t, "/v1/generations", route.Path, "generation needs a database")
	}
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

func TestAPIRequiresServiceToken(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, call(s, "GET", "/v1/users/u1/balance", nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		call(s, "GET", "/v1/users/u1/balance", nil, map[string]string{auth.HeaderServiceToken: "wrong"}).Code)
	assert.Equal(t, http.StatusNotFound, call(s, "GET", "/v1/users/u1/balance", nil, service).Code)
}

func TestAdminRoutesRejectServiceToken(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, call(s, "GET", "/v1/admin/reconcile", nil, service).Code)
	w := call(s, "GET", "/v1/admin/reconcile", nil, map[string]string{auth.HeaderAdminSecret: testAdminSecret})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"clean":true`)
}

func TestInvalidUserIDRejected(t *testing.T) {
	s := newTestServer(t)
	w := call(s, "GET", "/v1/users/bad%20id/balance", nil, service)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ---------------------------------------------------------------------------
// End to end: signup, payment webhook, spend, reconcile
// ---------------------------------------------------------------------------

func TestPaymentToSpendFlow(t *testing.T) {
	s := newTestServer(t)

	w := call(s, "POST", "/v1/users", map[string]string{"id": "u1"}, service)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := []byte(`{
	  "event": "payment.captured",
	  "payload": {"payment": {"entity": {
	    "id": "pay_1", "amount": 1000, "currency": "INR", "order_id": "order_1",
	    "notes": {"userId": "u1", "depositCredits": 100}
	  }}}
	}`)
	rzp := payments.NewRazorpayDecoder(testRazorpay)
	hooks := map[string]string{
		payments.RazorpaySignatureHeader: rzp.Sign(body),
		payments.RazorpayEventIDHeader:   "evt_1",
	}

	w = call(s, "POST", "/webhooks/razorpay", body, hooks)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"outcome":"applied"`)

	// Redelivery is acknowledged without a second deposit.
	w = call(s, "POST", "/webhooks/razorpay", body, hooks)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"duplicate"`)

	w = call(s, "POST", "/webhooks/razorpay", body, map[string]string{payments.RazorpaySignatureHeader: "bad"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = call(s, "POST", "/v1/users/u1/deductions", map[string]any{"amount": 30, "description": "image"}, service)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(s, "POST", "/v1/users/u1/deductions", map[string]any{"amount": 500}, service)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = call(s, "GET", "/v1/users/u1/balance", nil, service)
	require.Equal(t, http.StatusOK, w.Code)
	var bal struct {
		Balance struct {
			Credits           int64 `json:"credits"`
			LifetimeDeposited int64 `json:"lifetimeDeposited"`
			LifetimeSpent     int64 `json:"lifetimeSpent"`
		} `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.Equal(t, int64(70), bal.Balance.Credits)
	assert.Equal(t, int64(100), bal.Balance.LifetimeDeposited)
	assert.Equal(t, int64(30), bal.Balance.LifetimeSpent)

	w = call(s, "GET", "/v1/admin/reconcile", nil, map[string]string{auth.HeaderAdminSecret: testAdminSecret})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"clean":true`)
	assert.Contains(t, w.Body.String(), `"users":1`)
}

func TestRequestIDPropagated(t *testing.T) {
	s := newTestServer(t)

	w := call(s, "GET", "/health/live", nil, map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = call(s, "GET", "/health/live", nil, nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://user:secret@db:5432/credits")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "user:")
	assert.Equal(t, "***", maskDSN("://bad"))
}
