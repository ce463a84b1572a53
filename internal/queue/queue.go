// Package queue holds queued probe jobs in priority order with retry
// timestamps. Enqueue is idempotent by job id; dequeue blocks until a ready
// job exists or the context is cancelled.
package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/marcus-qen/vigil/internal/probe"
)

// Job statuses. Transitions: queued → running → completed | failed |
// cancelled. A failed job with retries remaining re-enters the queue with
// next_retry_at set.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrQueueFull is returned when enqueue would exceed the configured depth cap.
var ErrQueueFull = errors.New("queue depth exceeded")

// Job is the scheduling record for one probe attempt.
type Job struct {
	ID            string       `json:"id"`
	Kind          probe.Kind   `json:"kind"`
	TargetName    string       `json:"target_name"`
	QueryName     string       `json:"query_name,omitempty"`
	Priority      int          `json:"priority"` // 1..10, lower runs sooner
	ScheduledAt   time.Time    `json:"scheduled_at"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	Status        string       `json:"status"`
	RetryCount    int          `json:"retry_count"`
	MaxRetries    int          `json:"max_retries"`
	NextRetryAt   *time.Time   `json:"next_retry_at,omitempty"`
	ResultStatus  probe.Status `json:"result_status,omitempty"`
	ResultMessage string       `json:"result_message,omitempty"`
}

// BackoffPolicy computes retry delays: min(max, base*2^(attempt-1)) with ±20%
// jitter.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the backoff before the attempt-th retry (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.Max > 0 && delay >= p.Max {
			delay = p.Max
			break
		}
	}
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// Queue is a priority-ordered, FIFO-within-priority job queue. Internally
// serialized with a single mutex; enqueue comes from the scheduler, dequeue
// from the worker loop.
type Queue struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	wake     chan struct{}
	maxDepth int
	now      func() time.Time
}

// New creates a queue. maxDepth <= 0 means unbounded.
func New(maxDepth int) *Queue {
	return &Queue{
		jobs:     make(map[string]*Job),
		wake:     make(chan struct{}, 1),
		maxDepth: maxDepth,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the queue's time source. Test hook.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Depth returns the number of jobs currently queued.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Full reports whether the queue is at or above its depth cap.
func (q *Queue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxDepth > 0 && len(q.jobs) >= q.maxDepth
}

// Enqueue adds a job. Idempotent: enqueueing an id already present leaves the
// existing job untouched and reports success.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[job.ID]; ok {
		return nil
	}
	if q.maxDepth > 0 && len(q.jobs) >= q.maxDepth {
		return ErrQueueFull
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}
	q.jobs[job.ID] = job
	q.signal()
	return nil
}

// DequeueReady blocks until a job is ready (scheduled_at and next_retry_at
// both at or before now), marks it running, and returns it. Ties on priority
// break on older scheduled_at, then lexicographic id.
func (q *Queue) DequeueReady(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		now := q.now()
		best := q.pickReadyLocked(now)
		if best != nil {
			delete(q.jobs, best.ID)
			started := now
			best.Status = StatusRunning
			best.StartedAt = &started
			q.mu.Unlock()
			return best, nil
		}
		wait := q.earliestWaitLocked(now)
		q.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-q.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Cancel transitions a queued job to cancelled. Returns false when the job is
// not queued (already running, finished, or unknown); cancelling twice is not
// an error.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return false
	}
	job.Status = StatusCancelled
	now := q.now()
	job.CompletedAt = &now
	delete(q.jobs, id)
	return true
}

// DrainQueued removes and returns every queued job, marking each cancelled.
// Used during shutdown.
func (q *Queue) DrainQueued() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, 0, len(q.jobs))
	now := q.now()
	for id, job := range q.jobs {
		job.Status = StatusCancelled
		job.CompletedAt = &now
		out = append(out, job)
		delete(q.jobs, id)
	}
	return out
}

// RequeueWithBackoff re-enters a failed job with next_retry_at pushed out by
// the policy's delay for the given attempt.
func (q *Queue) RequeueWithBackoff(job *Job, attempt int, policy BackoffPolicy) {
	q.mu.Lock()
	defer q.mu.Unlock()

	retryAt := q.now().Add(policy.Delay(attempt))
	job.Status = StatusQueued
	job.NextRetryAt = &retryAt
	job.StartedAt = nil
	job.CompletedAt = nil
	q.jobs[job.ID] = job
	q.signal()
}

func (q *Queue) pickReadyLocked(now time.Time) *Job {
	var best *Job
	for _, job := range q.jobs {
		if job.ScheduledAt.After(now) {
			continue
		}
		if job.NextRetryAt != nil && job.NextRetryAt.After(now) {
			continue
		}
		if best == nil || readyBefore(job, best) {
			best = job
		}
	}
	return best
}

// earliestWaitLocked returns how long until the next job could become ready,
// or 0 when there is nothing to wait on (block on wake alone).
func (q *Queue) earliestWaitLocked(now time.Time) time.Duration {
	var earliest time.Time
	for _, job := range q.jobs {
		at := job.ScheduledAt
		if job.NextRetryAt != nil && job.NextRetryAt.After(at) {
			at = *job.NextRetryAt
		}
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	if earliest.IsZero() {
		return 0
	}
	wait := earliest.Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func readyBefore(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.ID < b.ID
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
