package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-manager/internal/manager"
	"github.com/vnmchuo/llm-manager/internal/provider"
)

type fakeSubmitter struct {
	block chan struct{}
}

func (f *fakeSubmitter) SubmitAsync(ctx context.Context, req *provider.Request) <-chan manager.Result {
	ch := make(chan manager.Result, 1)
	go func() {
		defer close(ch)
		if f.block != nil {
			<-f.block
		}
		if req.Prompt == "fail" {
			ch <- manager.Result{Err: errors.New("boom")}
			return
		}
		ch <- manager.Result{Response: &provider.Response{Content: req.Prompt, RequestID: req.ID}}
	}()
	return ch
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func waitFor(t *testing.T, q *Queue, id string, want JobStatus) AsyncJob {
	t.Helper()
	var job AsyncJob
	require.Eventually(t, func() bool {
		var err error
		job, err = q.Get(id)
		return err == nil && job.Status == want
	}, time.Second, 5*time.Millisecond)
	return job
}

func TestQueue_RunsJobs(t *testing.T) {
	q := NewQueue(&fakeSubmitter{}, Config{Workers: 2}, quiet())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Process(ctx)

	ok, err := q.Enqueue(ctx, provider.NewRequest("hello"), "")
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, ok.Status)
	assert.NotEmpty(t, ok.ID)

	bad, err := q.Enqueue(ctx, provider.NewRequest("fail"), "")
	require.NoError(t, err)

	done := waitFor(t, q, ok.ID, JobStatusDone)
	require.NotNil(t, done.Response)
	assert.Equal(t, "hello", done.Response.Content)
	assert.Equal(t, ok.ID, done.Response.RequestID)
	assert.False(t, done.FinishedAt.IsZero())

	failed := waitFor(t, q, bad.ID, JobStatusFailed)
	assert.Equal(t, "boom", failed.Error)
}

func TestQueue_RejectsInvalidRequest(t *testing.T) {
	q := NewQueue(&fakeSubmitter{}, Config{}, quiet())
	_, err := q.Enqueue(context.Background(), provider.NewRequest(""), "")
	require.Error(t, err)
	assert.True(t, provider.IsInvalidRequest(err))
}

func TestQueue_Full(t *testing.T) {
	q := NewQueue(&fakeSubmitter{}, Config{QueueSize: 1}, quiet())
	_, err := q.Enqueue(context.Background(), provider.NewRequest("one"), "")
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), provider.NewRequest("two"), "")
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestQueue_GetUnknown(t *testing.T) {
	q := NewQueue(&fakeSubmitter{}, Config{}, quiet())
	_, err := q.Get("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestQueue_Callback(t *testing.T) {
	got := make(chan AsyncJob, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var job AsyncJob
		_ = json.NewDecoder(r.Body).Decode(&job)
		got <- job
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	q := NewQueue(&fakeSubmitter{}, Config{Workers: 1}, quiet())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Process(ctx)

	job, err := q.Enqueue(ctx, provider.NewRequest("hello"), srv.URL)
	require.NoError(t, err)

	select {
	case cb := <-got:
		assert.Equal(t, job.ID, cb.ID)
		assert.Equal(t, JobStatusDone, cb.Status)
		assert.Equal(t, "hello", cb.Response.Content)
	case <-time.After(time.Second):
		t.Fatal("callback not delivered")
	}
}

func TestQueue_EnqueueReturnsPendingCopy(t *testing.T) {
	q := NewQueue(&fakeSubmitter{}, Config{Workers: 4, QueueSize: 64}, quiet())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Process(ctx)

	ids := make([]string, 0, 32)
	for range 32 {
		job, err := q.Enqueue(ctx, provider.NewRequest("hello"), "")
		require.NoError(t, err)
		assert.Equal(t, JobStatusPending, job.Status)
		assert.True(t, job.FinishedAt.IsZero())
		assert.Nil(t, job.Response)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		waitFor(t, q, id, JobStatusDone)
	}
}

func TestQueue_ShutdownFailsQueuedJobs(t *testing.T) {
	sub := &fakeSubmitter{block: make(chan struct{})}
	defer close(sub.block)

	q := NewQueue(sub, Config{Workers: 1}, quiet())
	ctx, cancel := context.WithCancel(context.Background())

	queued, err := q.Enqueue(context.Background(), provider.NewRequest("queued"), "")
	require.NoError(t, err)

	cancel()
	require.NoError(t, q.Process(ctx))

	job, err := q.Get(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, context.Canceled.Error(), job.Error)
}

func TestQueue_SweepsExpiredJobs(t *testing.T) {
	q := NewQueue(&fakeSubmitter{}, Config{Retention: time.Minute}, quiet())
	q.jobs["old"] = &AsyncJob{ID: "old", Status: JobStatusDone, FinishedAt: time.Now().Add(-2 * time.Minute)}
	q.jobs["new"] = &AsyncJob{ID: "new", Status: JobStatusDone, FinishedAt: time.Now()}
	q.jobs["running"] = &AsyncJob{ID: "running", Status: JobStatusRunning}

	q.sweep(time.Now())

	_, err := q.Get("old")
	assert.ErrorIs(t, err, ErrJobNotFound)
	for _, id := range []string{"new", "running"} {
		_, err := q.Get(id)
		assert.NoError(t, err)
	}
}
