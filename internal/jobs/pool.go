package jobs

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"heygem/internal/metrics"
)

// failureMessage is what callers see when a body fails or panics; the
// error, panic value and stack only go to the log.
const failureMessage = "task execution failed"

const recordTimeout = 5 * time.Second

// Pool runs job bodies with at most cap(sem) in flight. The dispatcher
// acquires a permit before calling Run; the goroutine started by Run
// releases it once the outcome is in the registry, before the history
// write, and in any case when it exits.
type Pool struct {
	sem      chan struct{}
	registry *Registry
	body     Body
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// NewPool creates a pool with maxConcurrent execution slots.
func NewPool(maxConcurrent int, registry *Registry, body Body, recorder Recorder, logger *slog.Logger) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:       make(chan struct{}, maxConcurrent),
		registry:  registry,
		body:      body,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
		runCtx:    ctx,
		cancelRun: cancel,
	}
}

// Acquire blocks until an execution slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release gives back a slot obtained with Acquire.
func (p *Pool) Release() {
	<-p.sem
}

// InFlight returns the number of occupied slots.
func (p *Pool) InFlight() int { return len(p.sem) }

// MaxConcurrent returns the slot count.
func (p *Pool) MaxConcurrent() int { return cap(p.sem) }

// Run executes job in a new goroutine. The caller must hold a slot and
// must already have marked the job running in the registry.
func (p *Pool) Run(job Job) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		release := sync.OnceFunc(p.Release)
		defer release()
		p.execute(job, release)
	}()
}

func (p *Pool) execute(job Job, release func()) {
	start := p.now()
	outcome := p.invoke(job)

	if s, ok := outcome.(Succeeded); ok && s.Metrics.Cost == 0 {
		s.Metrics.Cost = p.now().Sub(start).Seconds()
		outcome = s
	}

	entry, ok := p.registry.Finish(job.Code, job.RunID, outcome, p.now())
	release()
	if !ok {
		p.logger.Warn("job_finish_dropped", "code", job.Code, "run_id", job.RunID.String())
		return
	}

	elapsed := entry.FinishedAt.Sub(start)
	metrics.RecordJobFinished(string(entry.Status), elapsed.Milliseconds())
	p.logger.Info("job_finished",
		"code", job.Code,
		"run_id", job.RunID.String(),
		"status", entry.Status,
		"elapsed_ms", elapsed.Milliseconds(),
		"in_flight", p.InFlight(),
	)

	if p.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := p.recorder.RecordOutcome(ctx, job, entry); err != nil {
			p.logger.Error("job_history_write_failed", "code", job.Code, "error", err)
		}
	}
}

// invoke runs the body and converts whatever happens into an Outcome.
func (p *Pool) invoke(job Job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job_panicked",
				"code", job.Code,
				"run_id", job.RunID.String(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			out = Failed{Message: failureMessage}
		}
	}()

	report := func(progress int, message string) {
		p.registry.Progress(job.Code, job.RunID, progress, message)
	}

	res, err := p.body.Run(p.runCtx, job, report)
	if err != nil {
		p.logger.Error("job_failed", "code", job.Code, "run_id", job.RunID.String(), "error", err)
		return Failed{Message: failureMessage}
	}
	return Succeeded{ResultRef: res.ResultRef, Metrics: res.Metrics}
}

// Wait blocks until every running body has returned. If ctx ends first the
// bodies' context is cancelled and Wait keeps waiting for them to unwind.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("pool shutdown timed out, cancelling running jobs", "in_flight", p.InFlight())
		p.cancelRun()
		<-done
		return ctx.Err()
	}
}
