package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler enqueues jobs on cron schedules. The worker does the work.
type Scheduler struct {
	cron   *cron.Cron
	worker *Worker
	logger *slog.Logger
}

func NewScheduler(worker *Worker, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		worker: worker,
		logger: logger,
	}
}

// Every enqueues jobType on schedule, a standard cron expression or a descriptor
// such as "@every 6h". An empty schedule disables the job.
func (s *Scheduler) Every(schedule, jobType string) error {
	if schedule == "" {
		return nil
	}
	_, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.worker.Enqueue(context.Background(), jobType, nil); err != nil {
			s.logger.Error("scheduled enqueue failed", "type", jobType, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling %s on %q: %w", jobType, schedule, err)
	}
	s.logger.Info("job scheduled", "type", jobType, "schedule", schedule)
	return nil
}

// SweepEvery requeues stale running jobs on schedule.
func (s *Scheduler) SweepEvery(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, func() { s.worker.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("scheduling job sweep on %q: %w", schedule, err)
	}
	return nil
}

// Start runs the schedule in its own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running enqueue to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
