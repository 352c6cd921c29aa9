// Package task implements the processing orchestrator: a bounded worker
// pool with a per-file lock set, a live task table, and one monitor
// goroutine per in-flight job.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"doctracker/internal/common"
	"doctracker/internal/extract"
)

type outcome struct {
	res extract.Result
	err error
}

// errSkipped wakes a monitor whose task reached a terminal state while
// the job was still queued; commit discards it against the task table.
var errSkipped = errors.New("task finished before dispatch")

type job struct {
	id   uuid.UUID
	done chan outcome // buffered(1); the worker never blocks on delivery
}

type Option func(*Orchestrator)

func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

func WithTaskTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Orchestrator owns the task table and the lock set. One mutex guards
// both; it is never held across the wait for a job's outcome.
type Orchestrator struct {
	proc      extract.Processor
	logger    *slog.Logger
	workers   int
	queueSize int
	timeout   time.Duration

	mu      sync.Mutex
	tasks   map[uuid.UUID]*Task
	locked  map[string]struct{}
	started bool
	closed  bool

	ch       chan job
	quit     chan struct{}
	wg       sync.WaitGroup // workers
	monitors sync.WaitGroup
}

func New(proc extract.Processor, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		proc:      proc,
		logger:    logger,
		workers:   defaultWorkers(),
		queueSize: 256,
		timeout:   time.Hour,
		tasks:     map[uuid.UUID]*Task{},
		locked:    map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func defaultWorkers() int {
	if n := runtime.NumCPU(); n < 4 {
		return n
	}
	return 4
}

// Start launches the worker pool. Safe to call more than once; Submit
// starts the pool lazily if needed.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startLocked()
}

func (o *Orchestrator) startLocked() {
	if o.started || o.closed {
		return
	}
	o.started = true
	o.ch = make(chan job, o.queueSize)
	o.quit = make(chan struct{})
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker(i + 1)
	}
	o.logger.Info("orchestrator started", "workers", o.workers, "queue_size", o.queueSize)
}

// Stop waits for running jobs to drain, cancels jobs still queued, and
// releases the pool. The context bounds how long the drain may take.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	if !o.started || o.closed {
		o.closed = true
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()
	close(o.quit)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		// Workers are gone; fail over anything still sitting in the
		// queue so its monitor can finish.
		for {
			select {
			case j := <-o.ch:
				j.done <- outcome{err: common.ErrShuttingDown}
			default:
				o.monitors.Wait()
				close(done)
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		o.logger.Warn("orchestrator shutdown interrupted by context")
	case <-done:
		o.logger.Info("orchestrator drained, shutdown complete")
	}
}

// Submit accepts a job for path and returns its task ID immediately; the
// job runs asynchronously. A path already in the lock set is rejected
// with common.ErrFileLocked; the lock set is the only admission control
// and duplicates are never queued.
func (o *Orchestrator) Submit(path, fileType string) (uuid.UUID, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return uuid.Nil, common.ErrShuttingDown
	}
	if _, locked := o.locked[path]; locked {
		o.mu.Unlock()
		return uuid.Nil, fmt.Errorf("%w: %s", common.ErrFileLocked, path)
	}
	o.startLocked()

	t := &Task{
		ID:       uuid.New(),
		FilePath: path,
		FileType: fileType,
		Status:   StatusPending,
		Message:  "waiting for worker",
	}
	o.tasks[t.ID] = t
	o.locked[path] = struct{}{}

	j := job{id: t.ID, done: make(chan outcome, 1)}
	o.monitors.Add(1)
	o.mu.Unlock()

	go o.monitor(j)

	o.logger.Info("task submitted", "task_id", t.ID, "path", path, "file_type", fileType)
	return t.ID, nil
}

// monitor enqueues the job and awaits its outcome. The hard timeout is
// the only mechanism that reclaims a lock for a worker that never
// reports back.
func (o *Orchestrator) monitor(j job) {
	defer o.monitors.Done()

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case o.ch <- j:
	case <-o.quit:
		o.commit(j.id, outcome{err: common.ErrShuttingDown})
		return
	case <-timer.C:
		o.failTimeout(j.id)
		return
	}

	// The job is queued or running; quit alone must not abandon it. A
	// worker finishing its current job still delivers here, and Stop
	// fails over anything left in the queue.
	select {
	case out := <-j.done:
		o.commit(j.id, out)
	case <-timer.C:
		o.failTimeout(j.id)
	}
}

func (o *Orchestrator) worker(workerID int) {
	defer o.wg.Done()
	o.logger.Info("worker started", "worker_id", workerID)

	for {
		// Once quit is closed no further jobs are picked up; Stop fails
		// over whatever is left in the queue.
		select {
		case <-o.quit:
			o.logger.Info("worker stopped", "worker_id", workerID)
			return
		default:
		}

		var j job
		select {
		case j = <-o.ch:
		case <-o.quit:
			o.logger.Info("worker stopped", "worker_id", workerID)
			return
		}

		o.mu.Lock()
		t, ok := o.tasks[j.id]
		if !ok || t.Status != StatusPending {
			// Cancelled or timed out while queued. The monitor is still
			// waiting on done; wake it so it does not sit out the full
			// task timeout and stall the Stop drain.
			o.mu.Unlock()
			j.done <- outcome{err: errSkipped}
			continue
		}
		t.Status = StatusRunning
		t.StartTime = time.Now()
		t.Message = "processing"
		path, fileType := t.FilePath, t.FileType
		o.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		res, err := o.proc.Process(ctx, path, fileType)
		cancel()

		j.done <- outcome{res: res, err: err}
	}
}

// commit writes the final state for a delivered outcome. Outcomes for
// tasks already in a terminal state (cancelled, timed out) are discarded;
// the table is authoritative for callers.
func (o *Orchestrator) commit(id uuid.UUID, out outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[id]
	if !ok || t.Status.Terminal() {
		o.logger.Warn("discarding result for finished task", "task_id", id)
		return
	}

	switch {
	case errors.Is(out.err, common.ErrShuttingDown):
		t.Status = StatusCancelled
		t.Message = "orchestrator stopped before completion"
		o.logger.Warn("task cancelled by shutdown", "task_id", id, "path", t.FilePath)
	case out.err != nil:
		t.Status = StatusFailed
		t.Err = out.err.Error()
		t.Message = "processing failed"
		o.logger.Error("task failed", "task_id", id, "path", t.FilePath, "error", out.err)
	case !out.res.Success:
		t.Status = StatusFailed
		t.Err = out.res.Message
		t.Message = "processing failed"
		o.logger.Error("task failed", "task_id", id, "path", t.FilePath, "error", out.res.Message)
	default:
		t.Status = StatusCompleted
		t.Progress = 1.0
		t.Message = firstNonEmpty(out.res.Message, "processing complete")
		res := out.res
		t.Result = &res
		o.logger.Info("task completed", "task_id", id, "path", t.FilePath)
	}
	t.EndTime = time.Now()
	delete(o.locked, t.FilePath)
}

func (o *Orchestrator) failTimeout(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[id]
	if !ok || t.Status.Terminal() {
		return
	}
	t.Status = StatusFailed
	t.Err = fmt.Sprintf("no result within %s", o.timeout)
	t.Message = "processing timed out"
	t.EndTime = time.Now()
	delete(o.locked, t.FilePath)
	o.logger.Error("task timed out", "task_id", id, "path", t.FilePath, "timeout", o.timeout)
}

// Cancel marks a pending or running task cancelled and releases its lock.
// A job already dispatched to a worker keeps running; its eventual result
// is discarded by commit.
func (o *Orchestrator) Cancel(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[id]
	if !ok || t.Status.Terminal() {
		return false
	}
	t.Status = StatusCancelled
	t.Message = "cancelled"
	t.EndTime = time.Now()
	delete(o.locked, t.FilePath)
	o.logger.Info("task cancelled", "task_id", id, "path", t.FilePath)
	return true
}

// GetStatus returns a copy of the task row for id.
func (o *Orchestrator) GetStatus(id uuid.UUID) (Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// ListAll returns copies of every tracked task.
func (o *Orchestrator) ListAll() []Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		out = append(out, *t)
	}
	return out
}

// ListRunning returns copies of the tasks currently running.
func (o *Orchestrator) ListRunning() []Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Task
	for _, t := range o.tasks {
		if t.Status == StatusRunning {
			out = append(out, *t)
		}
	}
	return out
}

// IsFileProcessing reports whether path is in the lock set. Callers
// should re-check this before resubmitting a rejected path.
func (o *Orchestrator) IsFileProcessing(path string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.locked[path]
	return ok
}

// Statistics scans the task table under the lock and returns a snapshot.
func (o *Orchestrator) Statistics() Statistics {
	o.mu.Lock()
	defer o.mu.Unlock()

	stats := Statistics{
		Total:       len(o.tasks),
		LockedFiles: len(o.locked),
	}
	for _, t := range o.tasks {
		switch t.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// Cleanup removes terminal tasks whose end time is older than maxAge and
// reports how many were swept. Pending and running tasks are never
// touched.
func (o *Orchestrator) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0
	for id, t := range o.tasks {
		if t.Status.Terminal() && !t.EndTime.IsZero() && t.EndTime.Before(cutoff) {
			delete(o.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		o.logger.Info("swept finished tasks", "removed", removed)
	}
	return removed
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
