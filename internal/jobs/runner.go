package jobs

import (
	"context"
	"log/slog"
	"time"

	"heygem/internal/config"
	"heygem/internal/metrics"
)

// Runner is the dispatcher loop. It is the only consumer of the admission
// queue, so slots are granted strictly in submission order.
type Runner struct {
	cfg      *config.Config
	queue    *Queue
	registry *Registry
	pool     *Pool
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner wires a dispatcher over the given queue, registry and pool.
func NewRunner(cfg *config.Config, q *Queue, reg *Registry, pool *Pool, rec Recorder, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		queue:    q,
		registry: reg,
		pool:     pool,
		recorder: rec,
		logger:   logger,
		now:      time.Now,
	}
}

// Start runs the dispatcher loop in the current goroutine until ctx is
// cancelled. Callers typically run it in its own goroutine.
func (r *Runner) Start(ctx context.Context) {
	pollInterval := time.Duration(r.cfg.Worker.PollIntervalMs) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastCleanup time.Time
	cleanupInterval := time.Duration(r.cfg.Retention.CleanupIntervalMinutes) * time.Minute
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}

	for {
		// Drain everything that is queued before sleeping again; Ready
		// signals coalesce.
		for {
			job, ok := r.queue.Pop()
			if !ok {
				break
			}
			if !r.dispatch(ctx, job) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-r.queue.Ready():
		case <-ticker.C:
			if r.cfg.Retention.Enabled {
				now := r.now().UTC()
				if lastCleanup.IsZero() || now.Sub(lastCleanup) >= cleanupInterval {
					stats := CleanupExpired(ctx, r.cfg, r.registry, r.recorder)
					if stats.EntriesExpired > 0 || stats.HistoryDeleted > 0 {
						r.logger.Info("retention_cleanup",
							"entries_expired", stats.EntriesExpired,
							"history_deleted", stats.HistoryDeleted,
						)
					}
					lastCleanup = now
				}
			}
		}
	}
}

// dispatch waits for a slot and hands job to the pool. It returns false if
// ctx ended while waiting; the job's reservation is released in that case.
func (r *Runner) dispatch(ctx context.Context, job Job) bool {
	if err := r.pool.Acquire(ctx); err != nil {
		r.registry.Unreserve(job.Code, job.RunID, nil)
		r.logger.Warn("job_dropped", "code", job.Code, "run_id", job.RunID.String(), "reason", "shutdown")
		return false
	}

	if !r.registry.Start(job, r.now()) {
		r.pool.Release()
		r.logger.Warn("job_reservation_lost", "code", job.Code, "run_id", job.RunID.String())
		return true
	}

	metrics.RecordJobStarted(r.now().Sub(job.SubmittedAt).Milliseconds())
	r.logger.Info("job_started",
		"code", job.Code,
		"run_id", job.RunID.String(),
		"in_flight", r.pool.InFlight(),
		"max_concurrent", r.pool.MaxConcurrent(),
		"queue_length", r.queue.Len(),
	)

	r.pool.Run(job)
	return true
}
