// Package queue provides the in-process priority queue that orders pending
// jobs for the scheduler.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/voiceforge/voice-service/internal/job"
)

const (
	// DefaultMaxSize bounds the pending backlog.
	DefaultMaxSize = 100
	// DefaultRetention is how long terminal jobs are kept before the
	// reaper drops them.
	DefaultRetention = 24 * time.Hour
	// DefaultAvgProcessing feeds the wait-time estimate.
	DefaultAvgProcessing = 60 * time.Second

	reapInterval = 30 * time.Minute
)

var (
	// ErrQueueFull is returned when the pending backlog is at capacity.
	ErrQueueFull = errors.New("processing queue is full")
	// ErrDuplicateJob is returned when a job identifier already exists.
	ErrDuplicateJob = errors.New("job already exists")
	// ErrJobNotFound is returned for operations on an absent job.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotQueued is returned when a wait estimate is requested for a job
	// that is no longer queued.
	ErrNotQueued = errors.New("job is not queued")
	// ErrJobTerminal is returned when cancelling a job already in a
	// terminal state.
	ErrJobTerminal = errors.New("job already in a terminal state")
)

// entry is one pending-queue element. Cancelled entries stay in the heap and
// are dropped lazily by the next pop scan.
type entry struct {
	id         string
	priority   job.Priority
	enqueuedAt time.Time
}

// pending orders entries by priority ascending, ties broken by enqueue time.
type pending []*entry

func (p pending) Len() int { return len(p) }

func (p pending) Less(i, j int) bool {
	if p[i].priority != p[j].priority {
		return p[i].priority < p[j].priority
	}

	return p[i].enqueuedAt.Before(p[j].enqueuedAt)
}

func (p pending) Swap(i, j int) { p[i], p[j] = p[j], p[i] }

func (p *pending) Push(x any) { *p = append(*p, x.(*entry)) }

func (p *pending) Pop() any {
	old := *p
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*p = old[:n-1]

	return e
}

// Stats is a point-in-time summary of the queue.
type Stats struct {
	QueueSize    int            `json:"queue_size"`
	TotalJobs    int            `json:"total_jobs"`
	Workers      int            `json:"workers"`
	StatusCounts map[string]int `json:"status_counts"`
}

// Queue is the authoritative in-memory view of pending jobs. All methods are
// safe for concurrent use.
type Queue struct {
	mu            sync.Mutex
	pending       pending
	jobs          map[string]*job.Job
	maxSize       int
	workers       int
	retention     time.Duration
	avgProcessing time.Duration
	log           *logger.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxSize overrides the pending backlog bound.
func WithMaxSize(n int) Option {
	return func(q *Queue) { q.maxSize = n }
}

// WithRetention overrides how long terminal jobs are retained.
func WithRetention(d time.Duration) Option {
	return func(q *Queue) { q.retention = d }
}

// WithAvgProcessing overrides the average processing time used by wait
// estimates.
func WithAvgProcessing(d time.Duration) Option {
	return func(q *Queue) { q.avgProcessing = d }
}

// New creates an empty queue sized for the given worker concurrency.
func New(workers int, log *logger.Logger, opts ...Option) *Queue {
	q := &Queue{
		pending:       pending{},
		jobs:          make(map[string]*job.Job),
		maxSize:       DefaultMaxSize,
		workers:       workers,
		retention:     DefaultRetention,
		avgProcessing: DefaultAvgProcessing,
		log:           log,
	}

	for _, opt := range opts {
		opt(q)
	}

	heap.Init(&q.pending)

	return q
}

// Add admits a job into the pending queue. It fails with ErrQueueFull when
// the backlog is at capacity and ErrDuplicateJob when the identifier is
// already known.
func (q *Queue) Add(id string, kind job.Kind, priority job.Priority, params job.Params) (*job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending.Len() >= q.maxSize {
		return nil, ErrQueueFull
	}

	if _, ok := q.jobs[id]; ok {
		return nil, ErrDuplicateJob
	}

	j := job.New(id, kind, priority, params)
	q.jobs[id] = j
	heap.Push(&q.pending, &entry{id: id, priority: priority, enqueuedAt: j.CreatedAt})

	q.log.Info("Added job %s to queue with priority %s", id, priority)

	return j.Clone(), nil
}

// Next pops the highest-priority eligible job and marks it processing.
// Entries cancelled while still queued are discarded during the scan. It
// returns nil when no eligible job exists; callers must back off before
// retrying.
func (q *Queue) Next() *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pending.Len() > 0 {
		e := heap.Pop(&q.pending).(*entry)

		j, ok := q.jobs[e.id]
		if !ok || j.Status != job.StatusQueued {
			continue
		}

		j.Status = job.StatusProcessing
		j.StartedAt = time.Now()
		j.Message = "Processing started"

		return j.Clone()
	}

	return nil
}

// AttachSession records the owning session on a known job.
func (q *Queue) AttachSession(id, sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if j, ok := q.jobs[id]; ok {
		j.SessionID = sessionID
	}
}

// Get returns a copy of the job, or ErrJobNotFound.
func (q *Queue) Get(id string) (*job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}

	return j.Clone(), nil
}

// Cancel marks a job cancelled. It fails for absent jobs and for jobs already
// in a terminal state. A cancelled entry still in the heap is dropped lazily
// by the next pop scan.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	if j.Status.Terminal() {
		return ErrJobTerminal
	}

	j.Status = job.StatusCancelled
	j.Message = "Job cancelled by user"
	j.CompletedAt = time.Now()

	q.log.Info("Cancelled job %s", id)

	return nil
}

// UpdateProgress records progress for an in-flight job. It is a no-op for
// absent or terminal jobs, and progress never decreases.
func (q *Queue) UpdateProgress(id string, progress float64, message string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok || j.Status.Terminal() {
		return
	}

	if progress > j.Progress {
		j.Progress = progress
	}

	if message != "" {
		j.Message = message
	}
}

// Complete marks a job completed. Terminal jobs are left untouched.
func (q *Queue) Complete(id string, message string, resultPath string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok || !job.CanTransition(j.Status, job.StatusCompleted) {
		return
	}

	j.Status = job.StatusCompleted
	j.Progress = 100.0
	j.Message = message
	j.ResultPath = resultPath
	j.CompletedAt = time.Now()

	q.log.Info("Completed job %s", id)
}

// Fail marks a job failed with the given error detail. Terminal jobs are left
// untouched.
func (q *Queue) Fail(id string, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok || !job.CanTransition(j.Status, job.StatusFailed) {
		return
	}

	j.Status = job.StatusFailed
	j.Error = errMsg
	j.Message = "Job failed: " + errMsg
	j.CompletedAt = time.Now()

	q.log.Error("Failed job %s: %s", id, errMsg)
}

// EstimateWait estimates how long a still-queued job will wait, based on the
// number of queued jobs at equal or higher priority ahead of it and the
// configured worker concurrency. ErrNotQueued is returned for jobs that are
// absent or no longer queued.
func (q *Queue) EstimateWait(id string) (time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok || j.Status != job.StatusQueued {
		return 0, ErrNotQueued
	}

	ahead := 0

	for _, e := range q.pending {
		if e.id == id {
			continue
		}

		other, ok := q.jobs[e.id]
		if !ok || other.Status != job.StatusQueued {
			continue
		}

		if e.priority < j.Priority ||
			(e.priority == j.Priority && e.enqueuedAt.Before(j.CreatedAt)) {
			ahead++
		}
	}

	wait := time.Duration(float64(ahead) / float64(q.workers) * float64(q.avgProcessing))

	return wait, nil
}

// Position returns the number of eligible queued jobs ahead of the given job.
func (q *Queue) Position(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok || j.Status != job.StatusQueued {
		return 0
	}

	ahead := 0

	for _, e := range q.pending {
		if e.id == id {
			continue
		}

		other, ok := q.jobs[e.id]
		if !ok || other.Status != job.StatusQueued {
			continue
		}

		if e.priority < j.Priority ||
			(e.priority == j.Priority && e.enqueuedAt.Before(j.CreatedAt)) {
			ahead++
		}
	}

	return ahead
}

// Size returns the number of entries in the pending structure, including
// lazily retained cancelled entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.pending.Len()
}

// Stats summarises the queue by job status.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[string]int)
	for _, j := range q.jobs {
		counts[string(j.Status)]++
	}

	return Stats{
		QueueSize:    q.pending.Len(),
		TotalJobs:    len(q.jobs),
		Workers:      q.workers,
		StatusCounts: counts,
	}
}

// Snapshot returns copies of all queued jobs in serving order.
func (q *Queue) Snapshot() []*job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ordered := make(pending, len(q.pending))
	copy(ordered, q.pending)

	tmp := make(pending, 0, len(ordered))
	tmp = append(tmp, ordered...)
	heap.Init(&tmp)

	out := make([]*job.Job, 0, tmp.Len())

	for tmp.Len() > 0 {
		e := heap.Pop(&tmp).(*entry)

		j, ok := q.jobs[e.id]
		if !ok || j.Status != job.StatusQueued {
			continue
		}

		out = append(out, j.Clone())
	}

	return out
}

// Reap removes terminal jobs whose completion timestamp is older than the
// given age, returning how many were dropped.
func (q *Queue) Reap(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for id, j := range q.jobs {
		if j.Status.Terminal() && !j.CompletedAt.IsZero() && j.CompletedAt.Before(cutoff) {
			delete(q.jobs, id)

			removed++
		}
	}

	if removed > 0 {
		q.log.Info("Reaped %d expired jobs from queue", removed)
	}

	return removed
}

// RunReaper periodically reaps terminal jobs older than the retention window
// until the context is cancelled.
func (q *Queue) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Reap(q.retention)
		}
	}
}
