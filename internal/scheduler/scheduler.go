// Package scheduler drives queued jobs through the worker pool: admission,
// the poller loops, status propagation and the terminal-job reaper.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/voiceforge/voice-service/internal/audio"
	"github.com/voiceforge/voice-service/internal/job"
	"github.com/voiceforge/voice-service/internal/pool"
	"github.com/voiceforge/voice-service/internal/queue"
	"github.com/voiceforge/voice-service/internal/store"
)

const (
	// DefaultBackoff is how long an idle poller sleeps before re-polling.
	DefaultBackoff = time.Second

	reaperInterval = 30 * time.Minute
	reaperLockName = "job_reaper"
	reaperLockTTL  = 5 * time.Minute

	// poolRetryDelay paces submission retries while the pool drains for a
	// rescale.
	poolRetryDelay  = 250 * time.Millisecond
	poolRetryLimit  = 120
	progressMessage = "Processing audio"
)

// AudioProcessor is the opaque audio-task boundary the scheduler drives.
type AudioProcessor interface {
	Execute(ctx context.Context, req audio.Request) (audio.Result, error)
}

// Notifier receives job-state events for fan-out to clients.
type Notifier interface {
	NotifyJobUpdate(jobID string, fields map[string]any)
}

// Config tunes the scheduler.
type Config struct {
	Workers   int
	Backoff   time.Duration
	Retention time.Duration
	OutputDir string
}

// Scheduler owns the poller loops and the job admission path. Construct with
// New and drive with Run.
type Scheduler struct {
	queue     *queue.Queue
	pool      *pool.Pool
	store     *store.Store
	notifier  Notifier
	processor AudioProcessor
	log       *logger.Logger

	workers   int
	backoff   time.Duration
	retention time.Duration
	outputDir string
}

// New wires a scheduler from its collaborators.
func New(
	q *queue.Queue,
	p *pool.Pool,
	s *store.Store,
	notifier Notifier,
	processor AudioProcessor,
	log *logger.Logger,
	cfg Config,
) *Scheduler {
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	retention := cfg.Retention
	if retention <= 0 {
		retention = queue.DefaultRetention
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	return &Scheduler{
		queue:     q,
		pool:      p,
		store:     s,
		notifier:  notifier,
		processor: processor,
		log:       log,
		workers:   workers,
		backoff:   backoff,
		retention: retention,
		outputDir: cfg.OutputDir,
	}
}

// SetNotifier installs the notification sink. The scheduler and the manager
// reference each other, so one side is wired after construction. Must be
// called before Run.
func (s *Scheduler) SetNotifier(notifier Notifier) {
	s.notifier = notifier
}

// Submit validates and admits a new job, persisting it to the store and the
// in-process queue, and attaching it to the submitting session. It returns
// the job plus its queue position and wait estimate.
func (s *Scheduler) Submit(
	ctx context.Context,
	kind job.Kind,
	priority job.Priority,
	params job.Params,
	sessionID string,
) (*job.Job, int, time.Duration, error) {
	if err := params.Validate(kind); err != nil {
		return nil, 0, 0, err
	}

	id := uuid.NewString()

	if params.OutputPath == "" {
		params.OutputPath = filepath.Join(s.outputDir, fmt.Sprintf("%s_%s.wav", kind, id))
	}

	admitted, err := s.queue.Add(id, kind, priority, params)
	if err != nil {
		return nil, 0, 0, err
	}

	if sessionID != "" {
		s.queue.AttachSession(id, sessionID)
		admitted.SessionID = sessionID
	}

	if err := s.store.SaveJob(ctx, admitted); err != nil {
		// The in-memory queue remains authoritative; a store failure
		// degrades visibility, not admission.
		s.log.Warn("Failed to persist job %s to store: %v", id, err)
	}

	if sessionID != "" {
		if err := s.store.AddJobToSession(ctx, sessionID, id); err != nil {
			s.log.Warn("Failed to attach job %s to session %s: %v", id, sessionID, err)
		}
	}

	position := s.queue.Position(id)

	wait, err := s.queue.EstimateWait(id)
	if err != nil {
		wait = 0
	}

	return admitted, position, wait, nil
}

// Cancel marks a job cancelled in the queue and the store. Cancellation is
// cooperative: an in-flight task runs to completion, and its terminal write
// is suppressed afterwards.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if err := s.queue.Cancel(id); err != nil {
		return err
	}

	err := s.store.UpdateJob(ctx, id, func(j *job.Job) {
		j.Status = job.StatusCancelled
		j.Message = "Job cancelled by user"
	})
	if err != nil && !errors.Is(err, store.ErrJobNotFound) {
		s.log.Warn("Failed to persist cancellation of job %s: %v", id, err)
	}

	return nil
}

// Status returns the current job state, preferring the in-process queue and
// falling back to the store for jobs admitted by other processes.
func (s *Scheduler) Status(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.queue.Get(id)
	if err == nil {
		return j, nil
	}

	j, storeErr := s.store.GetJob(ctx, id)
	if storeErr != nil {
		return nil, fmt.Errorf("job %s: %w", id, queue.ErrJobNotFound)
	}

	return j, nil
}

// EstimateWait exposes the queue's wait estimate.
func (s *Scheduler) EstimateWait(id string) (time.Duration, error) {
	wait, err := s.queue.EstimateWait(id)
	if err != nil {
		return 0, fmt.Errorf("wait estimate for job %s: %w", id, err)
	}

	return wait, nil
}

// QueueSnapshot returns the queued jobs in serving order.
func (s *Scheduler) QueueSnapshot() []*job.Job {
	return s.queue.Snapshot()
}

// ScalePool rescales the worker pool, returning the effective size.
func (s *Scheduler) ScalePool(workers int) (int, error) {
	if err := s.pool.Scale(workers); err != nil {
		return s.pool.Size(), err
	}

	return s.pool.Size(), nil
}

// SystemStatus implements the notify.StatusSource health snapshot.
func (s *Scheduler) SystemStatus(ctx context.Context) map[string]any {
	status := map[string]any{
		"queue":   s.queue.Stats(),
		"workers": s.pool.Stats(),
	}

	storeStats, err := s.store.SystemStats(ctx)
	if err != nil {
		s.log.Warn("Failed to read store stats: %v", err)
	} else {
		status["store"] = storeStats
	}

	return status
}

// Run starts the poller loops, the status-event relay and the reaper, and
// blocks until the context is cancelled and all pollers have drained.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i := range s.workers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			s.runPoller(ctx, fmt.Sprintf("poller-%d", i))
		}()
	}

	wg.Add(2)

	go func() {
		defer wg.Done()
		s.runEventRelay(ctx)
	}()

	go func() {
		defer wg.Done()
		s.runReaper(ctx)
	}()

	wg.Wait()
}

// runPoller repeatedly pops the next eligible job and drives it through
// processing, backing off when the queue is empty.
func (s *Scheduler) runPoller(ctx context.Context, name string) {
	s.log.Info("Poller %s started", name)

	for {
		if ctx.Err() != nil {
			s.log.Info("Poller %s stopped", name)

			return
		}

		next := s.queue.Next()
		if next == nil {
			select {
			case <-ctx.Done():
			case <-time.After(s.backoff):
			}

			continue
		}

		s.process(ctx, next, name)
	}
}

// process drives one job to a terminal state. Failures are converted into a
// failed job status; they never abort the poller.
func (s *Scheduler) process(ctx context.Context, j *job.Job, poller string) {
	s.log.Info("Poller %s processing job %s (%s)", poller, j.ID, j.Kind)

	s.persist(ctx, j.ID, func(record *job.Job) {
		record.Status = job.StatusProcessing
		record.StartedAt = j.StartedAt
		record.Message = "Processing started"
	})

	onProgress := func(progress float64, message string) {
		s.queue.UpdateProgress(j.ID, progress, message)
		s.persist(ctx, j.ID, func(record *job.Job) {
			if progress > record.Progress {
				record.Progress = progress
			}

			record.Message = message
		})
	}

	result, err := s.runTask(ctx, j, onProgress)

	// Cooperative cancellation: if the job was cancelled while the task
	// was in flight, the cancelled status stands and the task's outcome
	// is discarded.
	if current, getErr := s.queue.Get(j.ID); getErr == nil &&
		current.Status == job.StatusCancelled {
		s.log.Info("Job %s was cancelled during processing, result discarded", j.ID)

		return
	}

	switch {
	case err != nil:
		s.fail(ctx, j.ID, err.Error())
	case !result.Success:
		s.fail(ctx, j.ID, result.Error)
	default:
		s.queue.Complete(j.ID, "Job completed", result.OutputPath)
		s.persist(ctx, j.ID, func(record *job.Job) {
			record.Status = job.StatusCompleted
			record.Progress = 100.0
			record.Message = "Job completed"
			record.ResultPath = result.OutputPath
		})
		s.log.Info("Job %s completed", j.ID)
	}
}

// runTask submits the audio task to the CPU pool, retrying while the pool
// drains for a rescale.
func (s *Scheduler) runTask(
	ctx context.Context,
	j *job.Job,
	onProgress func(float64, string),
) (audio.Result, error) {
	task := func(taskCtx context.Context) (any, error) {
		return s.processor.Execute(taskCtx, audio.Request{
			Kind:       j.Kind,
			InputPath:  j.Params.InputPath,
			OutputPath: j.Params.OutputPath,
			Params:     j.Params,
			OnProgress: onProgress,
		})
	}

	for attempt := 0; attempt < poolRetryLimit; attempt++ {
		data, err := s.pool.SubmitCPU(ctx, task)
		if errors.Is(err, pool.ErrNotRunning) {
			select {
			case <-ctx.Done():
				return audio.Result{}, fmt.Errorf("task abandoned: %w", ctx.Err())
			case <-time.After(poolRetryDelay):
			}

			continue
		}

		if err != nil {
			return audio.Result{}, err
		}

		result, ok := data.(audio.Result)
		if !ok {
			return audio.Result{}, fmt.Errorf("unexpected task result type %T", data)
		}

		return result, nil
	}

	return audio.Result{}, pool.ErrNotRunning
}

func (s *Scheduler) fail(ctx context.Context, id, errMsg string) {
	s.queue.Fail(id, errMsg)
	s.persist(ctx, id, func(record *job.Job) {
		record.Status = job.StatusFailed
		record.Error = errMsg
		record.Message = "Job failed: " + errMsg
	})
}

// persist applies a mutation to the stored record, which also publishes the
// status event that feeds the notification relay.
func (s *Scheduler) persist(ctx context.Context, id string, mutate func(*job.Job)) {
	err := s.store.UpdateJob(ctx, id, mutate)
	if err != nil && !errors.Is(err, store.ErrJobNotFound) {
		s.log.Warn("Failed to persist update for job %s: %v", id, err)
	}
}

// runEventRelay forwards store status events to the notification manager, so
// subscribers see updates regardless of which process produced them.
func (s *Scheduler) runEventRelay(ctx context.Context) {
	events, err := s.store.SubscribeJobEvents(ctx)
	if err != nil {
		s.log.Error("Status event relay unavailable: %v", err)

		return
	}

	for event := range events {
		if s.notifier == nil {
			continue
		}

		fields := map[string]any{
			"status":   event.Status,
			"progress": event.Progress,
		}

		if event.Message != "" {
			fields["message"] = event.Message
		}

		if event.Error != "" {
			fields["error"] = event.Error
		}

		s.notifier.NotifyJobUpdate(event.JobID, fields)
	}
}

// runReaper periodically sweeps terminal jobs past the retention window from
// the queue and the store. The distributed lock keeps one reaper per
// deployment; the deletes themselves are idempotent.
func (s *Scheduler) runReaper(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapOnce(ctx)
		}
	}
}

func (s *Scheduler) reapOnce(ctx context.Context) {
	if !s.store.AcquireLock(ctx, reaperLockName, reaperLockTTL) {
		return
	}
	defer s.store.ReleaseLock(ctx, reaperLockName)

	s.queue.Reap(s.retention)

	if _, err := s.store.ReapExpired(ctx, s.retention); err != nil {
		s.log.Warn("Store reap failed: %v", err)
	}
}
