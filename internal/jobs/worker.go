// Package jobs runs background work from the SQLite job queue: FAQ
// reindexing and gap clustering, enqueued on demand or on a schedule.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/deflect/internal/metrics"
	"github.com/kalambet/deflect/internal/storage"
)

const (
	TypeFAQReindex = "faq_reindex"
	TypeGapCluster = "gap_cluster"
)

// Store is the job queue.
type Store interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	HasActiveJob(ctx context.Context, jobType string) (bool, error)
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	RequeueStaleJobs(ctx context.Context, before time.Time) (int, error)
}

// Handler processes one claimed job. A returned error schedules a retry.
type Handler func(ctx context.Context, job *storage.Job) error

type Worker struct {
	store      Store
	handlers   map[string]Handler
	types      []string
	poll       time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store Store, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:      store,
		handlers:   make(map[string]Handler),
		poll:       pollInterval,
		staleAfter: 15 * time.Minute,
		logger:     logger,
	}
}

// Handle registers h for jobType. Call before Run.
func (w *Worker) Handle(jobType string, h Handler) {
	if _, ok := w.handlers[jobType]; !ok {
		w.types = append(w.types, jobType)
	}
	w.handlers[jobType] = h
}

// Enqueue adds a job of jobType unless one is already pending or running.
// It returns the new job ID, or "" when an active job made it redundant.
func (w *Worker) Enqueue(ctx context.Context, jobType string, payload any) (string, error) {
	if _, ok := w.handlers[jobType]; !ok {
		return "", fmt.Errorf("no handler for job type %q", jobType)
	}
	active, err := w.store.HasActiveJob(ctx, jobType)
	if err != nil {
		return "", fmt.Errorf("checking active %s jobs: %w", jobType, err)
	}
	if active {
		w.logger.Debug("job already queued", "type", jobType)
		return "", nil
	}

	raw := []byte("{}")
	if payload != nil {
		if raw, err = json.Marshal(payload); err != nil {
			return "", fmt.Errorf("encoding %s payload: %w", jobType, err)
		}
	}
	job := storage.Job{ID: uuid.NewString(), Type: jobType, PayloadJSON: string(raw)}
	if err := w.store.EnqueueJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueueing %s job: %w", jobType, err)
	}
	w.logger.Info("job enqueued", "type", jobType, "job_id", job.ID)
	return job.ID, nil
}

// Run polls for jobs until ctx is cancelled. Jobs left running by a crashed
// process are requeued first.
func (w *Worker) Run(ctx context.Context) {
	w.Sweep(ctx)
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// Sweep requeues running jobs that have not been touched for staleAfter.
func (w *Worker) Sweep(ctx context.Context) {
	n, err := w.store.RequeueStaleJobs(ctx, time.Now().Add(-w.staleAfter))
	if err != nil {
		w.logger.Error("requeueing stale jobs failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Warn("requeued stale jobs", "count", n)
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, w.types)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	log := w.logger.With("job_id", job.ID, "type", job.Type)
	if err := w.handlers[job.Type](ctx, job); err != nil {
		log.Warn("job failed", "attempt", job.Attempts+1, "error", err)
		metrics.ObserveJob(job.Type, "failed")
		if failErr := w.store.FailJob(context.WithoutCancel(ctx), job.ID, err.Error()); failErr != nil {
			log.Error("failed to mark job as failed", "error", failErr)
		}
		return true, nil
	}

	metrics.ObserveJob(job.Type, "completed")
	if err := w.store.CompleteJob(context.WithoutCancel(ctx), job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	log.Debug("job completed")
	return true, nil
}
