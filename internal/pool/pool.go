// Package pool executes CPU-bound audio tasks on a bounded set of isolated
// execution slots, with a lighter-weight set of slots for I/O-bound work.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	// MinWorkers and MaxWorkers bound the admissible pool size.
	MinWorkers = 1
	MaxWorkers = 16

	// ioMultiplier sizes the I/O slots relative to the CPU slots.
	ioMultiplier = 2

	// memoryPerWorkerGB is the assumed peak memory of one audio task.
	memoryPerWorkerGB = 2

	// autoSizeCap bounds the automatically detected worker count.
	autoSizeCap = 8

	monitorInterval = 30 * time.Second

	gigabyte = 1 << 30
)

var (
	// ErrNotRunning is returned when a task is submitted outside the
	// running state, including during a rescale drain.
	ErrNotRunning = errors.New("worker pool is not running")
	// ErrAlreadyRunning is returned when starting a pool twice.
	ErrAlreadyRunning = errors.New("worker pool already running")
	// ErrInvalidWorkerCount is returned when a rescale target is outside
	// [MinWorkers, MaxWorkers].
	ErrInvalidWorkerCount = fmt.Errorf(
		"worker count must be between %d and %d", MinWorkers, MaxWorkers)
)

// State is the pool lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateDraining
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Task is one unit of work. It must not share mutable state with the caller
// beyond its inputs and returned result.
type Task func(ctx context.Context) (any, error)

type request struct {
	ctx   context.Context
	task  Task
	reply chan outcome
}

type outcome struct {
	data any
	err  error
}

// slot tracks one execution context for health reporting.
type slot struct {
	id            string
	busy          atomic.Bool
	jobsProcessed atomic.Int64
	lastActive    atomic.Int64 // unix nanos
}

// SlotStats is the externally visible state of one slot.
type SlotStats struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	JobsProcessed int64     `json:"jobs_processed"`
	LastActive    time.Time `json:"last_active"`
}

// Stats is a point-in-time health snapshot of the pool.
type Stats struct {
	State         string      `json:"state"`
	CPUWorkers    int         `json:"cpu_workers"`
	IOWorkers     int         `json:"io_workers"`
	CPUPercent    float64     `json:"cpu_percent"`
	MemoryPercent float64     `json:"memory_percent"`
	UptimeSeconds float64     `json:"uptime_seconds"`
	Slots         []SlotStats `json:"slots"`
}

// Pool manages the execution slots. All methods are safe for concurrent use.
type Pool struct {
	mu         sync.Mutex
	state      State
	cpuWorkers int

	cpuTasks chan *request
	ioTasks  chan *request
	quit     chan struct{}

	submitWG sync.WaitGroup // Submit calls in flight
	workerWG sync.WaitGroup // worker goroutines

	cpuSlots []*slot
	ioSlots  []*slot

	startedAt     time.Time
	monitorCancel context.CancelFunc

	statsMu    sync.RWMutex
	cpuPercent float64
	memPercent float64

	log *logger.Logger
}

// DetectWorkers calculates the worker count for the given resources: one core
// is left for the control plane and each worker is assumed to need 2GB, capped
// at 8 and never below 1.
func DetectWorkers(cpuCount int, totalMemBytes uint64) int {
	byCPU := cpuCount - 1
	if byCPU < MinWorkers {
		byCPU = MinWorkers
	}

	byMemory := int(totalMemBytes / (memoryPerWorkerGB * gigabyte))
	if byMemory < MinWorkers {
		byMemory = MinWorkers
	}

	workers := byCPU
	if byMemory < workers {
		workers = byMemory
	}

	if workers > autoSizeCap {
		workers = autoSizeCap
	}

	return workers
}

// New creates a stopped pool. A worker count of zero selects the detected
// size for the host.
func New(workers int, log *logger.Logger) (*Pool, error) {
	if workers == 0 {
		totalMem := uint64(0)

		vm, err := mem.VirtualMemory()
		if err == nil {
			totalMem = vm.Total
		} else {
			log.Warn("Failed to read total memory, sizing by CPU only: %v", err)
		}

		workers = DetectWorkers(runtime.NumCPU(), totalMem)
		log.Info("Detected worker count: %d (cpus: %d)", workers, runtime.NumCPU())
	}

	if workers < MinWorkers || workers > MaxWorkers {
		return nil, ErrInvalidWorkerCount
	}

	return &Pool{
		state:      StateStopped,
		cpuWorkers: workers,
		log:        log,
	}, nil
}

// Start brings the pool into the running state and begins self-monitoring.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateStopped {
		return ErrAlreadyRunning
	}

	p.state = StateStarting
	p.startedAt = time.Now()
	p.spawnLocked()

	monitorCtx, cancel := context.WithCancel(context.Background())
	p.monitorCancel = cancel

	go p.monitor(monitorCtx)

	p.state = StateRunning
	p.log.Info("Worker pool started with %d cpu and %d io slots",
		p.cpuWorkers, p.cpuWorkers*ioMultiplier)

	return nil
}

// spawnLocked creates channels, slots and worker goroutines for the current
// size. Callers must hold p.mu.
func (p *Pool) spawnLocked() {
	p.cpuTasks = make(chan *request)
	p.ioTasks = make(chan *request)
	p.quit = make(chan struct{})

	p.cpuSlots = make([]*slot, p.cpuWorkers)
	for i := range p.cpuSlots {
		p.cpuSlots[i] = &slot{id: fmt.Sprintf("cpu-%d", i)}
		p.workerWG.Add(1)

		go p.runWorker(p.cpuSlots[i], p.cpuTasks, p.quit)
	}

	ioWorkers := p.cpuWorkers * ioMultiplier

	p.ioSlots = make([]*slot, ioWorkers)
	for i := range p.ioSlots {
		p.ioSlots[i] = &slot{id: fmt.Sprintf("io-%d", i)}
		p.workerWG.Add(1)

		go p.runWorker(p.ioSlots[i], p.ioTasks, p.quit)
	}
}

func (p *Pool) runWorker(s *slot, tasks <-chan *request, quit <-chan struct{}) {
	defer p.workerWG.Done()

	for {
		select {
		case req := <-tasks:
			s.busy.Store(true)
			res := p.execute(req)
			s.busy.Store(false)
			s.jobsProcessed.Add(1)
			s.lastActive.Store(time.Now().UnixNano())
			req.reply <- res
		case <-quit:
			return
		}
	}
}

// execute runs one task, converting a panic into a task error so a crashing
// task cannot take its slot down with it.
func (p *Pool) execute(req *request) (result outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Task panicked: %v", r)

			result = outcome{data: nil, err: fmt.Errorf("task panicked: %v", r)}
		}
	}()

	data, err := req.task(req.ctx)

	return outcome{data: data, err: err}
}

// SubmitCPU dispatches a CPU-bound task to an isolated slot and blocks the
// calling goroutine until the result is available. It fails with ErrNotRunning
// outside the running state.
func (p *Pool) SubmitCPU(ctx context.Context, task Task) (any, error) {
	return p.submit(ctx, task, true)
}

// SubmitIO dispatches an I/O-bound task to the lighter-weight slot set.
func (p *Pool) SubmitIO(ctx context.Context, task Task) (any, error) {
	return p.submit(ctx, task, false)
}

func (p *Pool) submit(ctx context.Context, task Task, isCPU bool) (any, error) {
	p.mu.Lock()

	if p.state != StateRunning {
		p.mu.Unlock()

		return nil, ErrNotRunning
	}

	tasks := p.cpuTasks
	if !isCPU {
		tasks = p.ioTasks
	}

	p.submitWG.Add(1)
	p.mu.Unlock()

	defer p.submitWG.Done()

	req := &request{ctx: ctx, task: task, reply: make(chan outcome, 1)}

	select {
	case tasks <- req:
	case <-ctx.Done():
		return nil, fmt.Errorf("task not accepted: %w", ctx.Err())
	}

	// The task is now on a slot; its result is always delivered, even while
	// the pool drains for a rescale.
	res := <-req.reply
	if res.err != nil {
		return nil, res.err
	}

	return res.data, nil
}

// drain waits for in-flight submissions to finish and stops all workers.
// The pool must already be in the draining state so no new work is admitted.
func (p *Pool) drain() {
	p.submitWG.Wait()
	close(p.quit)
	p.workerWG.Wait()
}

// Scale resizes the pool to the given CPU worker count. The current pool is
// drained gracefully and recreated; submissions during the drain window fail
// with ErrNotRunning and must be retried by the caller.
func (p *Pool) Scale(workers int) error {
	if workers < MinWorkers || workers > MaxWorkers {
		return ErrInvalidWorkerCount
	}

	p.mu.Lock()

	if p.state != StateRunning {
		p.mu.Unlock()

		return ErrNotRunning
	}

	if workers == p.cpuWorkers {
		p.mu.Unlock()

		return nil
	}

	previous := p.cpuWorkers
	p.state = StateDraining
	p.mu.Unlock()

	p.log.Info("Scaling worker pool from %d to %d workers", previous, workers)
	p.drain()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.cpuWorkers = workers
	p.spawnLocked()
	p.state = StateRunning

	return nil
}

// Stop drains the pool and returns it to the stopped state. It is a no-op on
// a stopped pool.
func (p *Pool) Stop() {
	p.mu.Lock()

	if p.state != StateRunning {
		p.mu.Unlock()

		return
	}

	p.state = StateDraining
	p.mu.Unlock()

	p.drain()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.monitorCancel != nil {
		p.monitorCancel()
		p.monitorCancel = nil
	}

	p.state = StateStopped
	p.log.Info("Worker pool stopped")
}

// Size returns the current CPU worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cpuWorkers
}

// CurrentState returns the current lifecycle state.
func (p *Pool) CurrentState() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// Stats returns the pool health snapshot, including the most recent
// self-monitoring sample.
func (p *Pool) Stats() Stats {
	p.mu.Lock()

	stats := Stats{
		State:         p.state.String(),
		CPUWorkers:    p.cpuWorkers,
		IOWorkers:     p.cpuWorkers * ioMultiplier,
		UptimeSeconds: time.Since(p.startedAt).Seconds(),
		Slots:         make([]SlotStats, 0, len(p.cpuSlots)+len(p.ioSlots)),
	}

	if p.startedAt.IsZero() {
		stats.UptimeSeconds = 0
	}

	for _, s := range append(append([]*slot{}, p.cpuSlots...), p.ioSlots...) {
		status := "idle"
		if s.busy.Load() {
			status = "busy"
		}

		stats.Slots = append(stats.Slots, SlotStats{
			ID:            s.id,
			Status:        status,
			JobsProcessed: s.jobsProcessed.Load(),
			LastActive:    time.Unix(0, s.lastActive.Load()),
		})
	}

	p.mu.Unlock()

	p.statsMu.RLock()
	stats.CPUPercent = p.cpuPercent
	stats.MemoryPercent = p.memPercent
	p.statsMu.RUnlock()

	return stats
}

// monitor periodically samples process-wide CPU and memory usage.
func (p *Pool) monitor(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sample(ctx)
		}
	}
}

func (p *Pool) sample(ctx context.Context) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		p.log.Warn("Failed to sample cpu usage: %v", err)

		return
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		p.log.Warn("Failed to sample memory usage: %v", err)

		return
	}

	p.statsMu.Lock()
	if len(cpuPercents) > 0 {
		p.cpuPercent = cpuPercents[0]
	}

	p.memPercent = vm.UsedPercent
	p.statsMu.Unlock()
}
