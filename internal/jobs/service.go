package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"heygem/internal/config"
	"heygem/internal/metrics"
)

// Stats is a point-in-time view of the service, reported by /health.
type Stats struct {
	QueueLength   int `json:"queue_size"`
	InFlight      int `json:"current_tasks"`
	MaxConcurrent int `json:"max_concurrent"`
	Registered    int `json:"registered"`
	Reserved      int `json:"reserved"`
}

// Service is the submission gate and query service in front of the
// admission queue, dispatcher and execution pool.
type Service struct {
	cfg      *config.Config
	registry *Registry
	queue    *Queue
	pool     *Pool
	runner   *Runner
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewService builds the job subsystem. rec may be nil.
func NewService(cfg *config.Config, body Body, rec Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	reg := NewRegistry()
	q := NewQueue(cfg.Worker.QueueCapacity)
	pool := NewPool(cfg.Worker.MaxConcurrentJobs, reg, body, rec, logger)

	return &Service{
		cfg:      cfg,
		registry: reg,
		queue:    q,
		pool:     pool,
		runner:   NewRunner(cfg, q, reg, pool, rec, logger),
		logger:   logger,
		now:      time.Now,
	}
}

// Start launches the dispatcher loop. Calling it more than once is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.runner.Start(ctx)
	}()

	s.logger.Info("dispatcher_started",
		"max_concurrent", s.pool.MaxConcurrent(),
		"queue_capacity", s.cfg.Worker.QueueCapacity,
	)
}

// Stop halts the dispatcher, drops jobs still waiting in the queue and
// waits for running bodies. If ctx expires first the bodies are cancelled.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	// Close the queue first so nothing is admitted behind the dispatcher.
	for _, job := range s.queue.Close() {
		s.registry.Unreserve(job.Code, job.RunID, nil)
		s.logger.Warn("job_dropped", "code", job.Code, "run_id", job.RunID.String(), "reason", "shutdown")
	}

	if cancel != nil {
		cancel()
		<-done
	}

	return s.pool.Wait(ctx)
}

// Submit validates and admits a job. It returns as soon as the job is
// queued; it never waits for an execution slot.
func (s *Service) Submit(code string, params Params) (Job, error) {
	code = strings.TrimSpace(code)
	if err := validate(code, params); err != nil {
		metrics.RecordSubmission("invalid")
		return Job{}, err
	}

	job := Job{
		Code:        code,
		RunID:       newRunID(),
		Params:      params,
		SubmittedAt: s.now(),
	}

	stale, err := s.registry.Reserve(code, job.RunID)
	if err != nil {
		metrics.RecordSubmission("duplicate")
		s.logger.Info("job_rejected_duplicate", "code", code, "error", err)
		return Job{}, err
	}

	if err := s.queue.Push(job); err != nil {
		s.registry.Unreserve(code, job.RunID, stale)
		if errors.Is(err, ErrQueueFull) {
			metrics.RecordSubmission("busy")
		}
		return Job{}, err
	}

	metrics.RecordSubmission("accepted")
	s.logger.Info("job_submitted",
		"code", code,
		"run_id", job.RunID.String(),
		"replaced_stale", stale != nil,
		"queue_length", s.queue.Len(),
	)
	return job, nil
}

// Query returns the entry for code. A queued, unknown or already delivered
// code reports false. Terminal entries are purged by the read that returns
// them.
func (s *Service) Query(code string) (Entry, bool) {
	entry, ok := s.registry.Take(strings.TrimSpace(code))
	if ok && entry.Status.Terminal() {
		metrics.RecordDelivery(string(entry.Status))
		s.logger.Info("job_delivered", "code", entry.Code, "run_id", entry.RunID.String(), "status", entry.Status)
	}
	return entry, ok
}

// Stats reports queue and pool occupancy.
func (s *Service) Stats() Stats {
	entries, reserved := s.registry.Counts()
	return Stats{
		QueueLength:   s.queue.Len(),
		InFlight:      s.pool.InFlight(),
		MaxConcurrent: s.pool.MaxConcurrent(),
		Registered:    entries,
		Reserved:      reserved,
	}
}

// maxCodeLen bounds caller-supplied codes; they end up in logs and history.
const maxCodeLen = 128

// validate reports the first problem in the order audio_url, video_url,
// code.
func validate(code string, p Params) error {
	switch {
	case strings.TrimSpace(p.AudioURL) == "":
		return &ValidationError{Field: "audio_url"}
	case strings.TrimSpace(p.VideoURL) == "":
		return &ValidationError{Field: "video_url"}
	case code == "":
		return &ValidationError{Field: "code"}
	}
	return validateCode(code)
}

// validateCode allows letters, digits, '-', '_' and '.', and rejects the
// relative path names "." and "..".
func validateCode(code string) error {
	if len(code) > maxCodeLen {
		return &ValidationError{Field: "code", Reason: "too long"}
	}
	if code == "." || code == ".." {
		return &ValidationError{Field: "code", Reason: "reserved name"}
	}
	for _, r := range code {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return &ValidationError{Field: "code", Reason: fmt.Sprintf("unsupported character %q", r)}
		}
	}
	return nil
}
