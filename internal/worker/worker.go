// Package worker runs completion requests as background jobs.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/llm-manager/internal/manager"
	"github.com/vnmchuo/llm-manager/internal/provider"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

var (
	ErrQueueFull   = errors.New("job queue is full")
	ErrJobNotFound = errors.New("job not found")
)

type AsyncJob struct {
	ID          string             `json:"id"`
	Request     *provider.Request  `json:"-"`
	CallbackURL string             `json:"callback_url,omitempty"`
	Status      JobStatus          `json:"status"`
	Response    *provider.Response `json:"response,omitempty"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	FinishedAt  time.Time          `json:"finished_at,omitzero"`
}

// Submitter is the part of the manager the queue drives.
type Submitter interface {
	SubmitAsync(ctx context.Context, req *provider.Request) <-chan manager.Result
}

type Config struct {
	Workers   int
	QueueSize int
	// Retention is how long finished jobs stay queryable.
	Retention time.Duration
}

type Queue struct {
	sub    Submitter
	cfg    Config
	client *http.Client
	logger *slog.Logger

	pending chan string

	mu   sync.RWMutex
	jobs map[string]*AsyncJob
}

func NewQueue(sub Submitter, cfg Config, logger *slog.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		sub:     sub,
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		pending: make(chan string, cfg.QueueSize),
		jobs:    make(map[string]*AsyncJob),
	}
}

// Enqueue validates req and queues it. The returned job is a copy.
func (q *Queue) Enqueue(ctx context.Context, req *provider.Request, callbackURL string) (AsyncJob, error) {
	r := *req
	r.ApplyDefaults()
	if err := r.Validate(); err != nil {
		return AsyncJob{}, err
	}

	job := &AsyncJob{
		ID:          uuid.NewString(),
		Request:     &r,
		CallbackURL: callbackURL,
		Status:      JobStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	r.ID = job.ID

	q.mu.Lock()
	q.jobs[job.ID] = job
	queued := *job
	q.mu.Unlock()

	// A worker may pick the job up as soon as the ID is sent; only the
	// copy taken under the lock is safe to return.
	select {
	case q.pending <- job.ID:
		return queued, nil
	case <-ctx.Done():
		q.remove(job.ID)
		return AsyncJob{}, ctx.Err()
	default:
		q.remove(job.ID)
		return AsyncJob{}, ErrQueueFull
	}
}

// Get returns a copy of the job.
func (q *Queue) Get(id string) (AsyncJob, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[id]
	if !ok {
		return AsyncJob{}, ErrJobNotFound
	}
	return *job, nil
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	delete(q.jobs, id)
	q.mu.Unlock()
}

// Process runs the workers until ctx is done. Jobs still queued at that
// point are marked failed.
func (q *Queue) Process(ctx context.Context) error {
	var wg sync.WaitGroup
	for range q.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-q.pending:
					q.run(ctx, id)
				}
			}
		}()
	}

	sweep := time.NewTicker(q.cfg.Retention / 2)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			q.drain(ctx.Err())
			return nil
		case <-sweep.C:
			q.sweep(time.Now())
		}
	}
}

func (q *Queue) run(ctx context.Context, id string) {
	if err := ctx.Err(); err != nil {
		q.fail(id, err)
		return
	}

	q.mu.Lock()
	job, ok := q.jobs[id]
	if ok {
		job.Status = JobStatusRunning
	}
	q.mu.Unlock()
	if !ok {
		return
	}

	res := <-q.sub.SubmitAsync(ctx, job.Request)

	q.mu.Lock()
	job.FinishedAt = time.Now().UTC()
	if res.Err != nil {
		job.Status = JobStatusFailed
		job.Error = res.Err.Error()
	} else {
		job.Status = JobStatusDone
		job.Response = res.Response
	}
	done := *job
	q.mu.Unlock()

	q.logger.Info("job finished", "job_id", id, "status", done.Status)
	if done.CallbackURL != "" {
		q.notify(context.WithoutCancel(ctx), done)
	}
}

func (q *Queue) notify(ctx context.Context, job AsyncJob) {
	body, err := json.Marshal(job)
	if err != nil {
		q.logger.Error("marshal job callback", "job_id", job.ID, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		q.logger.Warn("job callback rejected", "job_id", job.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := q.client.Do(req)
	if err != nil {
		q.logger.Warn("job callback failed", "job_id", job.ID, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		q.logger.Warn("job callback failed", "job_id", job.ID, "status", resp.StatusCode)
	}
}

func (q *Queue) drain(cause error) {
	for {
		select {
		case id := <-q.pending:
			q.fail(id, cause)
		default:
			return
		}
	}
}

func (q *Queue) fail(id string, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.jobs[id]; ok {
		job.Status = JobStatusFailed
		job.Error = cause.Error()
		job.FinishedAt = time.Now().UTC()
	}
}

func (q *Queue) sweep(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, job := range q.jobs {
		if !job.FinishedAt.IsZero() && now.Sub(job.FinishedAt) > q.cfg.Retention {
			delete(q.jobs, id)
		}
	}
}
