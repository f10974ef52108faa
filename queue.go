package lookuppool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobQueue is an unbounded FIFO of pending jobs. It is safe for concurrent use
// by many producers; Dequeue is meant for a single consumer.
type JobQueue struct {
	logger   *slog.Logger
	mu       sync.Mutex
	jobs     []*Job
	active   *Job // dequeued and not yet marked done
	nextSeq  uint64
	notifyCh chan struct{} // buffered (1); signalled on enqueue
	closed   bool
	closeCh  chan struct{} // closed when the queue is closed
}

// NewJobQueue creates an empty queue.
func NewJobQueue(logger *slog.Logger) *JobQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobQueue{
		logger:   logger,
		notifyCh: make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
}

// Enqueue appends a job to the tail and returns its 1-based position at
// insertion time. Missing ID and CreatedAt are filled in; Seq is always
// assigned by the queue.
func (q *JobQueue) Enqueue(job *Job) (int, error) {
	if job == nil {
		q.logger.Debug("Enqueue: error - job is nil")
		return 0, fmt.Errorf("job is nil")
	}
	if job.Requester == "" {
		q.logger.Debug("Enqueue: error - requester is empty")
		return 0, fmt.Errorf("requester is empty")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrQueueClosed
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	q.nextSeq++
	job.Seq = q.nextSeq
	q.jobs = append(q.jobs, job)
	position := len(q.jobs)
	q.mu.Unlock()

	q.logger.Debug("Enqueue", "jobID", job.ID, "requester", job.Requester, "seq", job.Seq, "position", position)

	// Non-blocking: a pending notification already covers this job.
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
	return position, nil
}

// Dequeue blocks until a job is available and returns the head of the queue.
// It returns ErrQueueClosed once the queue is closed, or the context error.
func (q *JobQueue) Dequeue(ctx context.Context) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs[0] = nil
			q.jobs = q.jobs[1:]
			q.active = job
			remaining := len(q.jobs)
			q.mu.Unlock()
			q.logger.Debug("Dequeue", "jobID", job.ID, "requester", job.Requester, "remaining", remaining)
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closeCh:
			return nil, ErrQueueClosed
		case <-q.notifyCh:
		}
	}
}

// FindPosition returns the 1-based position of the requester's earliest queued job.
func (q *JobQueue) FindPosition(requester RequesterID) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, job := range q.jobs {
		if job.Requester == requester {
			return i + 1, true
		}
	}
	return 0, false
}

// RemoveByRequester deletes the requester's earliest queued job without
// dequeuing it. It returns the removed job and its former position.
func (q *JobQueue) RemoveByRequester(requester RequesterID) (*Job, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(requester)
}

// cancelRequester removes the requester's earliest queued job and, when a job
// of the requester is dequeued and not done, calls flag. Both happen under the
// queue lock, so a job enqueued or dequeued concurrently is either flagged
// while active or not touched at all.
func (q *JobQueue) cancelRequester(requester RequesterID, flag func()) (removed *Job, position int, active bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed, position, _ = q.removeLocked(requester)
	active = q.active != nil && q.active.Requester == requester
	if active {
		flag()
	}
	return removed, position, active
}

func (q *JobQueue) removeLocked(requester RequesterID) (*Job, int, bool) {
	for i, job := range q.jobs {
		if job.Requester != requester {
			continue
		}
		copy(q.jobs[i:], q.jobs[i+1:])
		q.jobs[len(q.jobs)-1] = nil
		q.jobs = q.jobs[:len(q.jobs)-1]
		q.logger.Debug("RemoveByRequester", "jobID", job.ID, "requester", requester, "position", i+1)
		return job, i + 1, true
	}
	return nil, 0, false
}

// Done marks a dequeued job as fully handled.
func (q *JobQueue) Done(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == job {
		q.active = nil
	}
}

// Active reports whether the requester's job has been dequeued and is not done yet.
func (q *JobQueue) Active(requester RequesterID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active != nil && q.active.Requester == requester
}

// Len returns the number of queued jobs.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Snapshot returns a copy of the queued jobs in FIFO order.
func (q *JobQueue) Snapshot() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.jobs))
	for i, job := range q.jobs {
		out[i] = *job
	}
	return out
}

// Close wakes any blocked Dequeue and rejects further operations. Queued jobs
// are dropped. Close is idempotent.
func (q *JobQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	dropped := len(q.jobs)
	q.jobs = nil
	close(q.closeCh)
	q.logger.Debug("Close", "droppedJobs", dropped)
	return nil
}
