package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const queuedState = "queued"

// Registry is the single source of truth for job state. It holds entries
// for started jobs plus the reservations of accepted jobs that are still
// waiting in the admission queue. One mutex guards both so that checks and
// transitions on a code are atomic.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	reserved map[string]uuid.UUID
}

func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[string]*Entry),
		reserved: make(map[string]uuid.UUID),
	}
}

// Reserve claims code for a new run. A code that is queued or running is
// rejected with a *DuplicateError. A terminal entry under the same code is
// removed and returned so the caller can restore it if admission fails.
func (r *Registry) Reserve(code string, runID uuid.UUID) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reserved[code]; ok {
		return nil, &DuplicateError{Code: code, State: queuedState}
	}

	var stale *Entry
	if e, ok := r.entries[code]; ok {
		if !e.Status.Terminal() {
			return nil, &DuplicateError{Code: code, State: string(e.Status)}
		}
		stale = e
		delete(r.entries, code)
	}

	r.reserved[code] = runID
	return stale, nil
}

// Unreserve drops a reservation held by runID and, when stale is non-nil,
// puts the entry it displaced back.
func (r *Registry) Unreserve(code string, runID uuid.UUID, stale *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.reserved[code]; !ok || id != runID {
		return
	}
	delete(r.reserved, code)
	if stale != nil {
		if _, ok := r.entries[code]; !ok {
			r.entries[code] = stale
		}
	}
}

// Start turns the reservation of job into a running entry. It reports
// false when the reservation is no longer held by this run.
func (r *Registry) Start(job Job, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.reserved[job.Code]; !ok || id != job.RunID {
		return false
	}
	delete(r.reserved, job.Code)

	r.entries[job.Code] = &Entry{
		Code:      job.Code,
		RunID:     job.RunID,
		Status:    StatusRunning,
		StartedAt: now,
	}
	return true
}

// Progress updates a running entry. Updates for other runs or for entries
// that already reached a terminal state are ignored.
func (r *Registry) Progress(code string, runID uuid.UUID, progress int, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[code]
	if !ok || e.RunID != runID || e.Status != StatusRunning {
		return false
	}
	e.Progress = clampProgress(progress)
	if message != "" {
		e.Message = message
	}
	return true
}

// Finish records the terminal outcome of a run exactly once and returns a
// copy of the resulting entry.
func (r *Registry) Finish(code string, runID uuid.UUID, outcome Outcome, now time.Time) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[code]
	if !ok || e.RunID != runID || e.Status != StatusRunning {
		return Entry{}, false
	}

	e.Status = outcome.status()
	e.Outcome = outcome
	e.FinishedAt = now
	switch o := outcome.(type) {
	case Succeeded:
		e.Progress = 100
		e.Message = "success"
	case Failed:
		e.Message = o.Message
	}
	return *e, true
}

// Take returns the entry for code. Terminal entries are removed in the same
// critical section, so their payload is handed out at most once.
func (r *Registry) Take(code string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[code]
	if !ok {
		return Entry{}, false
	}
	out := *e
	if e.Status.Terminal() {
		delete(r.entries, code)
	}
	return out, true
}

// Expire removes terminal entries that finished before cutoff and returns
// how many were dropped.
func (r *Registry) Expire(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for code, e := range r.entries {
		if e.Status.Terminal() && e.FinishedAt.Before(cutoff) {
			delete(r.entries, code)
			n++
		}
	}
	return n
}

// Counts returns the number of entries and reservations.
func (r *Registry) Counts() (entries, reserved int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries), len(r.reserved)
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
