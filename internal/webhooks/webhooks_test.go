package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditledger/internal/logging"
	"github.com/mbd888/creditledger/internal/notify"
	"github.com/mbd888/creditledger/internal/retry"
	"github.com/mbd888/creditledger/internal/testutil"
)

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func newTestDispatcher(store Store) *Dispatcher {
	return NewDispatcher(store, logging.Discard()).WithRetryPolicy(fastRetry)
}

func deposited(user string) notify.Notification {
	return notify.Notification{Type: notify.TypeDeposited, UserID: user, Amount: 50, Balance: 50, At: time.Now()}
}

// ---------------------------------------------------------------------------
// Store tests
// ---------------------------------------------------------------------------

func storeContract(t *testing.T, store Store) {
	ctx := context.Background()
	sub := &Subscription{
		ID:        "wh_test1",
		UserID:    "usr_1",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []string{notify.TypeDeposited},
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "wh_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != sub.URL || got.Secret != sub.Secret || len(got.Events) != 1 {
		t.Errorf("Get returned %+v", got)
	}

	list, err := store.ListByUser(ctx, "usr_1")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListByUser = %d, %v", len(list), err)
	}
	if list, _ := store.ListByUser(ctx, "usr_2"); len(list) != 0 {
		t.Errorf("expected no subscriptions for usr_2, got %d", len(list))
	}

	for i := 0; i < MaxConsecutiveFailures; i++ {
		if err := store.RecordResult(ctx, "wh_test1", errors.New("status 500")); err != nil {
			t.Fatalf("RecordResult failed: %v", err)
		}
	}
	got, _ = store.Get(ctx, "wh_test1")
	if got.Active {
		t.Error("expected subscription deactivated after repeated failures")
	}
	if got.LastError != "status 500" {
		t.Errorf("LastError = %q", got.LastError)
	}

	if err := store.RecordResult(ctx, "wh_test1", nil); err != nil {
		t.Fatalf("RecordResult success failed: %v", err)
	}
	got, _ = store.Get(ctx, "wh_test1")
	if got.ConsecutiveFails != 0 || got.LastSuccess == nil || got.LastError != "" {
		t.Errorf("success not recorded: %+v", got)
	}

	if err := store.Delete(ctx, "usr_2", "wh_test1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete by another user = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "usr_1", "wh_test1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "wh_test1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestPostgresStore(t *testing.T) {
	storeContract(t, NewPostgresStore(testutil.PGTest(t)))
}

// ---------------------------------------------------------------------------
// Dispatcher tests
// ---------------------------------------------------------------------------

func TestDispatcher_SignsAndDelivers(t *testing.T) {
	var got atomic.Pointer[http.Request]
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body.Store(b)
		got.Store(r)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", UserID: "usr_1", URL: srv.URL, Secret: "s3cret", Active: true})

	if err := newTestDispatcher(store).Deliver(ctx, deposited("usr_1")); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	req := got.Load()
	if req == nil {
		t.Fatal("expected a delivery")
	}
	payload := body.Load().([]byte)
	want := Sign("s3cret", req.Header.Get(HeaderTimestamp), payload)
	if req.Header.Get(HeaderSignature) != want {
		t.Errorf("signature mismatch: got %s want %s", req.Header.Get(HeaderSignature), want)
	}
	if req.Header.Get(HeaderEvent) != notify.TypeDeposited {
		t.Errorf("event header = %q", req.Header.Get(HeaderEvent))
	}

	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if p.Data.Amount != 50 || p.Data.UserID != "usr_1" {
		t.Errorf("payload data = %+v", p.Data)
	}

	sub, _ := store.Get(ctx, "wh1")
	if sub.LastSuccess == nil {
		t.Error("expected LastSuccess to be recorded")
	}
}

func TestDispatcher_FiltersByUserEventAndActive(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "all", UserID: "usr_1", URL: srv.URL, Active: true})
	_ = store.Create(ctx, &Subscription{ID: "deducted", UserID: "usr_1", URL: srv.URL, Active: true, Events: []string{notify.TypeDeducted}})
	_ = store.Create(ctx, &Subscription{ID: "off", UserID: "usr_1", URL: srv.URL, Active: false})
	_ = store.Create(ctx, &Subscription{ID: "other", UserID: "usr_2", URL: srv.URL, Active: true})

	if err := newTestDispatcher(store).Deliver(ctx, deposited("usr_1")); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 delivery, got %d", hits.Load())
	}
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", UserID: "usr_1", URL: srv.URL, Active: true})

	if err := newTestDispatcher(store).Deliver(ctx, deposited("usr_1")); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestDispatcher_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", UserID: "usr_1", URL: srv.URL, Active: true})

	if err := newTestDispatcher(store).Deliver(ctx, deposited("usr_1")); err == nil {
		t.Fatal("expected delivery error")
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", hits.Load())
	}
	sub, _ := store.Get(ctx, "wh1")
	if sub.ConsecutiveFails != 1 {
		t.Errorf("ConsecutiveFails = %d", sub.ConsecutiveFails)
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestHandler_Lifecycle(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	r := gin.New()
	NewHandler(store, false, logging.Discard()).RegisterRoutes(r.Group("/v1"))

	do := func(method, path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			_ = json.NewEncoder(&buf).Encode(body)
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do("POST", "/v1/users/usr_1/webhooks", CreateWebhookRequest{URL: "http://insecure.example/hook"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("http URL: expected 400, got %d", w.Code)
	}

	w = do("POST", "/v1/users/usr_1/webhooks", CreateWebhookRequest{URL: "https://10.0.0.5/hook"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("private address: expected 400, got %d", w.Code)
	}

	w = do("POST", "/v1/users/usr_1/webhooks", CreateWebhookRequest{URL: "https://93.184.216.34/hook", Events: []string{notify.TypeDeposited}})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	if created.Secret == "" || created.Webhook.ID == "" {
		t.Fatalf("create response missing fields: %s", w.Body.String())
	}

	w = do("GET", "/v1/users/usr_1/webhooks", nil)
	if w.Code != http.StatusOK || bytes.Contains(w.Body.Bytes(), []byte(created.Secret)) {
		t.Errorf("list must succeed without exposing the secret: %d %s", w.Code, w.Body.String())
	}

	w = do("DELETE", "/v1/users/usr_2/webhooks/"+created.Webhook.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("delete by other user: expected 404, got %d", w.Code)
	}
	w = do("DELETE", "/v1/users/usr_1/webhooks/"+created.Webhook.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("delete: expected 200, got %d", w.Code)
	}
}
