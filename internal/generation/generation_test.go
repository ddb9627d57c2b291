package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditledger/internal/circuitbreaker"
	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/logging"
)

func TestCost(t *testing.T) {
	tests := []struct {
		name string
		p    Params
		want int64
		err  bool
	}{
		{"image default", Params{Kind: KindImage}, 4, false},
		{"image 4k x2", Params{Kind: KindImage, Resolution: "4k", Count: 2}, 24, false},
		{"video 720p 2s", Params{Kind: KindVideo, Resolution: "720p", DurationSeconds: 2}, 12, false},
		{"video 1080p 10s", Params{Kind: KindVideo, Resolution: "1080p", DurationSeconds: 10}, 90, false},
		{"voice rounds up", Params{Kind: KindVoice, DurationSeconds: 16}, 2, false},
		{"voice exact", Params{Kind: KindVoice, DurationSeconds: 15}, 1, false},
		{"video no duration", Params{Kind: KindVideo, Resolution: "480p"}, 0, true},
		{"unknown tier", Params{Kind: KindVideo, Resolution: "8k", DurationSeconds: 1}, 0, true},
		{"too many images", Params{Kind: KindImage, Count: 9}, 0, true},
		{"unknown kind", Params{Kind: "hologram"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Cost(tt.p)
			if tt.err {
				assert.ErrorIs(t, err, ErrInvalidParams)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeCompute struct {
	err   error
	panic bool
	calls atomic.Int32
}

func (f *fakeCompute) Generate(context.Context, Task) (*Output, error) {
	f.calls.Add(1)
	if f.panic {
		panic("gpu on fire")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Output{AssetURL: "https://cdn.example/a.mp4"}, nil
}

type fakeQueue struct {
	err  error
	args []JobArgs
}

func (q *fakeQueue) Insert(_ context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	if q.err != nil {
		return nil, q.err
	}
	a := args.(JobArgs)
	q.args = append(q.args, a)
	return &rivertype.JobInsertResult{Job: &rivertype.JobRow{ID: int64(len(q.args)), MaxAttempts: opts.MaxAttempts}}, nil
}

func setup(t *testing.T, credits int64) *ledger.Ledger {
	t.Helper()
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	_, err := l.Open(ctx, "u1")
	require.NoError(t, err)
	_, err = l.Deposit(ctx, ledger.Request{UserID: "u1", Amount: credits, Kind: ledger.KindWalletDeposit, Reference: "pay_seed"})
	require.NoError(t, err)
	return l
}

func credits(t *testing.T, l *ledger.Ledger) int64 {
	t.Helper()
	bal, err := l.Balance(context.Background(), "u1")
	require.NoError(t, err)
	return bal.Credits
}

var video12 = Params{Kind: KindVideo, Resolution: "720p", DurationSeconds: 2, Prompt: "a cat"}

func submit(t *testing.T, l *ledger.Ledger) (*Submission, JobArgs) {
	t.Helper()
	q := &fakeQueue{}
	sub, err := NewSubmitter(l, q, 3, logging.Discard()).Submit(context.Background(), "u1", video12)
	require.NoError(t, err)
	require.Len(t, q.args, 1)
	return sub, q.args[0]
}

func job(args JobArgs, attempt, max int) *river.Job[JobArgs] {
	return &river.Job[JobArgs]{JobRow: &rivertype.JobRow{ID: 1, Attempt: attempt, MaxAttempts: max}, Args: args}
}

func refunds(t *testing.T, l *ledger.Ledger) []*ledger.Entry {
	t.Helper()
	e, err := l.FindEntries(context.Background(), ledger.EntryFilter{UserID: "u1", Kind: ledger.KindGenerationRefund})
	require.NoError(t, err)
	return e
}

func TestSubmit_ReservesCost(t *testing.T) {
	l := setup(t, 50)
	sub, args := submit(t, l)

	assert.Equal(t, int64(12), sub.Cost)
	assert.Equal(t, int64(38), sub.Balance)
	assert.Equal(t, int64(38), credits(t, l))
	assert.Equal(t, sub.ReservationID, args.ReservationID)
}

func TestSubmit_InsufficientFundsEnqueuesNothing(t *testing.T) {
	l := setup(t, 5)
	q := &fakeQueue{}
	_, err := NewSubmitter(l, q, 3, logging.Discard()).Submit(context.Background(), "u1", video12)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Empty(t, q.args)
	assert.Equal(t, int64(5), credits(t, l))
}

func TestSubmit_EnqueueFailureReleases(t *testing.T) {
	l := setup(t, 50)
	q := &fakeQueue{err: errors.New("queue down")}
	_, err := NewSubmitter(l, q, 3, logging.Discard()).Submit(context.Background(), "u1", video12)
	assert.Error(t, err)
	assert.Equal(t, int64(50), credits(t, l))
	assert.Len(t, refunds(t, l), 1)
}

func TestWorker_SuccessKeepsCreditsSpent(t *testing.T) {
	l := setup(t, 50)
	_, args := submit(t, l)
	w := NewWorker(l, &fakeCompute{}, time.Minute, logging.Discard())

	require.NoError(t, w.Work(context.Background(), job(args, 1, 3)))
	assert.Equal(t, int64(38), credits(t, l))
	assert.Empty(t, refunds(t, l))
}

func TestWorker_RetryableFailureBeforeLastAttemptDoesNotRefund(t *testing.T) {
	l := setup(t, 50)
	_, args := submit(t, l)
	w := NewWorker(l, &fakeCompute{err: errors.New("503")}, time.Minute, logging.Discard())

	err := w.Work(context.Background(), job(args, 1, 3))
	require.Error(t, err)
	assert.Equal(t, int64(38), credits(t, l))
	assert.Empty(t, refunds(t, l))
}

func TestWorker_LastAttemptRefundsOnce(t *testing.T) {
	l := setup(t, 50)
	_, args := submit(t, l)
	w := NewWorker(l, &fakeCompute{err: errors.New("503")}, time.Minute, logging.Discard())

	require.Error(t, w.Work(context.Background(), job(args, 3, 3)))
	assert.Equal(t, int64(50), credits(t, l))

	// A redelivered final attempt finds the refund already written.
	require.Error(t, w.Work(context.Background(), job(args, 3, 3)))
	assert.Equal(t, int64(50), credits(t, l))
	r := refunds(t, l)
	require.Len(t, r, 1)
	assert.Equal(t, "1", r[0].Metadata[ledger.MetaJobID])
}

func TestWorker_RejectedRefundsImmediately(t *testing.T) {
	l := setup(t, 50)
	_, args := submit(t, l)
	w := NewWorker(l, &fakeCompute{err: ErrRejected}, time.Minute, logging.Discard())

	err := w.Work(context.Background(), job(args, 1, 3))
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int64(50), credits(t, l))
	assert.Len(t, refunds(t, l), 1)
}

func TestWorker_PanicOnLastAttemptRefunds(t *testing.T) {
	l := setup(t, 50)
	_, args := submit(t, l)
	w := NewWorker(l, &fakeCompute{panic: true}, time.Minute, logging.Discard())

	assert.Error(t, w.Work(context.Background(), job(args, 3, 3)))
	assert.Equal(t, int64(50), credits(t, l))
}

func TestWorker_RemoteCancelRefundsBeforeLastAttempt(t *testing.T) {
	l := setup(t, 50)
	_, args := submit(t, l)
	w := NewWorker(l, &fakeCompute{err: context.Canceled}, time.Minute, logging.Discard())
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(river.ErrJobCancelledRemotely)

	require.Error(t, w.Work(ctx, job(args, 1, 3)))
	assert.Equal(t, int64(50), credits(t, l))
	r := refunds(t, l)
	require.Len(t, r, 1)
	assert.Equal(t, "job cancelled", r[0].Metadata[ledger.MetaReason])
}

// fakeJobs serves a fixed set of finalised jobs in pages.
type fakeJobs struct {
	rows  []*rivertype.JobRow
	err   error
	calls int
}

func (f *fakeJobs) JobList(context.Context, *river.JobListParams) (*river.JobListResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	start := f.calls * sweepPageSize
	f.calls++
	if start >= len(f.rows) {
		return &river.JobListResult{}, nil
	}
	end := min(start+sweepPageSize, len(f.rows))
	page := f.rows[start:end]
	return &river.JobListResult{Jobs: page, LastCursor: river.JobListCursorFromJob(page[len(page)-1])}, nil
}

func finalised(t *testing.T, id int64, state rivertype.JobState, args JobArgs) *rivertype.JobRow {
	t.Helper()
	b, err := json.Marshal(args)
	require.NoError(t, err)
	return &rivertype.JobRow{ID: id, Kind: args.Kind(), State: state, Attempt: 1, MaxAttempts: 3, EncodedArgs: b}
}

func TestSweeper_RefundsUnsettledReservations(t *testing.T) {
	l := setup(t, 50)
	_, cancelled := submit(t, l)
	_, discarded := submit(t, l)
	_, settled := submit(t, l)
	require.Equal(t, int64(14), credits(t, l))

	// The worker already refunded this one.
	w := NewWorker(l, &fakeCompute{err: ErrRejected}, time.Minute, logging.Discard())
	require.Error(t, w.Work(context.Background(), job(settled, 1, 3)))
	require.Equal(t, int64(26), credits(t, l))

	jobs := &fakeJobs{rows: []*rivertype.JobRow{
		finalised(t, 1, rivertype.JobStateCancelled, cancelled),
		finalised(t, 2, rivertype.JobStateDiscarded, discarded),
		finalised(t, 3, rivertype.JobStateCancelled, settled),
		{ID: 4, Kind: "generation", State: rivertype.JobStateDiscarded, EncodedArgs: []byte("{")},
	}}
	s := NewSweeper(jobs, l, logging.Discard())

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(50), credits(t, l))

	reasons := map[string]string{}
	for _, e := range refunds(t, l) {
		reasons[e.Metadata[ledger.MetaReservationID]] = e.Metadata[ledger.MetaReason]
	}
	assert.Equal(t, "job cancelled", reasons[cancelled.ReservationID])
	assert.Equal(t, "job discarded", reasons[discarded.ReservationID])

	// A second sweep over the same jobs finds nothing left to refund.
	jobs.calls = 0
	n, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, refunds(t, l), 3)
}

func TestSweeper_Pages(t *testing.T) {
	l := setup(t, 10)
	rows := make([]*rivertype.JobRow, 0, sweepPageSize+1)
	for i := range sweepPageSize + 1 {
		rows = append(rows, finalised(t, int64(i+1), rivertype.JobStateCancelled, JobArgs{UserID: "u1", Params: video12}))
	}
	jobs := &fakeJobs{rows: rows}

	n, err := NewSweeper(jobs, l, logging.Discard()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "jobs without a reservation are skipped")
	assert.Equal(t, 2, jobs.calls)
}

func TestSweeper_ListError(t *testing.T) {
	l := setup(t, 10)
	_, err := NewSweeper(&fakeJobs{err: errors.New("pool closed")}, l, logging.Discard()).Sweep(context.Background())
	assert.ErrorContains(t, err, "pool closed")
}

func TestHTTPCompute_StatusMapping(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "job-9", r.Header.Get("Idempotency-Key"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"assetUrl":"https://cdn.example/x.png"}`))
	}))
	defer srv.Close()
	c := NewHTTPCompute(srv.URL, "tok", 5*time.Second)
	task := Task{JobID: 9, UserID: "u1", Params: video12}

	out, err := c.Generate(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/x.png", out.AssetURL)

	status = http.StatusUnprocessableEntity
	_, err = c.Generate(context.Background(), task)
	assert.ErrorIs(t, err, ErrRejected)

	status = http.StatusBadGateway
	_, err = c.Generate(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestHTTPCompute_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := NewHTTPCompute(srv.URL, "", 5*time.Second)
	task := Task{JobID: 1, UserID: "u1", Params: video12}

	for range breakerThreshold {
		_, err := c.Generate(context.Background(), task)
		require.Error(t, err)
	}
	_, err := c.Generate(context.Background(), task)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.NotErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(breakerThreshold), calls.Load())
}

func TestHandler_Submit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := setup(t, 10)
	r := gin.New()
	NewHandler(NewSubmitter(l, &fakeQueue{}, 3, logging.Discard()), logging.Discard()).RegisterRoutes(r.Group("/v1"))

	do := func(body any) *httptest.ResponseRecorder {
		b, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/v1/generations", bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(SubmitRequest{UserID: "u1", Params: Params{Kind: KindImage, Prompt: "a dog"}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = do(SubmitRequest{UserID: "u1", Params: video12})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = do(SubmitRequest{UserID: "u1", Params: Params{Kind: KindVideo, Resolution: "8k", DurationSeconds: 1, Prompt: "x"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(map[string]any{"userId": "u1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
