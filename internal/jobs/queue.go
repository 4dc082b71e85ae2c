package jobs

import "sync"

// Queue is the FIFO admission queue. Push never blocks; the dispatcher
// waits on Ready instead of spinning.
type Queue struct {
	mu       sync.Mutex
	items    []Job
	capacity int
	closed   bool
	ready    chan struct{}
}

// NewQueue creates a queue. A capacity of zero or less means unbounded.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// Push appends job to the tail.
func (q *Queue) Push(job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, job)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes and returns the head of the queue.
func (q *Queue) Pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Job{}, false
	}
	job := q.items[0]
	q.items[0] = Job{}
	q.items = q.items[1:]
	return job, true
}

// Ready is signalled after every Push. Signals coalesce, so a receiver must
// drain with Pop until it reports empty.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes and returns whatever was still queued.
func (q *Queue) Close() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	rest := q.items
	q.items = nil
	return rest
}
