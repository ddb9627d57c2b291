package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/logging"
)

type stubDispatcher struct {
	outcome Outcome
	err     error
	calls   int
}

func (s *stubDispatcher) Dispatch(_ context.Context, _ Event) (Outcome, error) {
	s.calls++
	return s.outcome, s.err
}

func post(r http.Handler, path string, body []byte, h http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range h {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_RazorpayEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t, "u1")
	d := NewRazorpayDecoder("rzp_secret")

	r := gin.New()
	NewHandler(f.router, logging.Discard(), d).RegisterRoutes(r.Group(""))

	body := []byte(razorpayCaptured)
	w := post(r, "/webhooks/razorpay", body, razorpayHeader(d, body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Outcome Outcome `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, OutcomeApplied, resp.Outcome)

	w = post(r, "/webhooks/razorpay", body, razorpayHeader(d, body))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, OutcomeDuplicate, resp.Outcome)

	assert.Equal(t, int64(100), f.credits(t, "u1"))
}

func TestHandler_StatusCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	d := NewRazorpayDecoder("rzp_secret")
	body := []byte(razorpayCaptured)

	tests := []struct {
		name   string
		stub   *stubDispatcher
		body   []byte
		header http.Header
		want   int
		calls  int
	}{
		{"bad signature", &stubDispatcher{}, body, http.Header{}, http.StatusUnauthorized, 0},
		{"bad payload", &stubDispatcher{}, []byte(`{}`), razorpayHeader(d, []byte(`{}`)), http.StatusBadRequest, 0},
		{"storage down", &stubDispatcher{outcome: OutcomeFailed, err: fmt.Errorf("%w: db", ledger.ErrStorageUnavailable)},
			body, razorpayHeader(d, body), http.StatusServiceUnavailable, 1},
		{"dropped is acknowledged", &stubDispatcher{outcome: OutcomeDropped, err: ledger.ErrUserNotFound},
			body, razorpayHeader(d, body), http.StatusOK, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			NewHandler(tt.stub, logging.Discard(), d).RegisterRoutes(r.Group(""))
			w := post(r, "/webhooks/razorpay", tt.body, tt.header)
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.calls, tt.stub.calls)
		})
	}
}

func TestHandler_BodyTooLarge(t *testing.T) {
	gin.SetMode(gin.TestMode)
	stub := &stubDispatcher{}
	r := gin.New()
	NewHandler(stub, logging.Discard(), NewRazorpayDecoder("s")).RegisterRoutes(r.Group(""))

	w := post(r, "/webhooks/razorpay", bytes.Repeat([]byte("a"), MaxWebhookBody+1), http.Header{})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Zero(t, stub.calls)
}

func TestHandler_OnlyConfiguredProvidersRouted(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(&stubDispatcher{}, logging.Discard(), NewRazorpayDecoder("s")).RegisterRoutes(r.Group(""))

	w := post(r, "/webhooks/stripe", []byte(`{}`), http.Header{})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
