package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"doctracker/internal/common"
	"doctracker/internal/extract"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubProcessor struct {
	fn func(ctx context.Context, path, fileType string) (extract.Result, error)
}

func (s *stubProcessor) Process(ctx context.Context, path, fileType string) (extract.Result, error) {
	return s.fn(ctx, path, fileType)
}

func succeeding() *stubProcessor {
	return &stubProcessor{fn: func(_ context.Context, path, _ string) (extract.Result, error) {
		return extract.Result{Success: true, FilePath: path, Message: "done"}, nil
	}}
}

// blocking returns a processor that holds every job until release is
// closed.
func blocking(release <-chan struct{}) *stubProcessor {
	return &stubProcessor{fn: func(ctx context.Context, path, _ string) (extract.Result, error) {
		select {
		case <-release:
			return extract.Result{Success: true, FilePath: path}, nil
		case <-ctx.Done():
			return extract.Result{}, ctx.Err()
		}
	}}
}

func waitStatus(t *testing.T, o *Orchestrator, id uuid.UUID, want Status) Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if tk, ok := o.GetStatus(id); ok && tk.Status == want {
			return tk
		}
		time.Sleep(5 * time.Millisecond)
	}
	tk, _ := o.GetStatus(id)
	t.Fatalf("task %s never reached %s (last seen %s)", id, want, tk.Status)
	return Task{}
}

func stopped(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	o.Stop(ctx)
}

func TestSubmitRunsToCompletion(t *testing.T) {
	o := New(succeeding(), quietLogger())
	defer stopped(t, o)

	id, err := o.Submit("/docs/a.pdf", "pdf")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	tk := waitStatus(t, o, id, StatusCompleted)
	if tk.Progress != 1.0 {
		t.Fatalf("progress = %v, want 1.0", tk.Progress)
	}
	if tk.Result == nil || !tk.Result.Success {
		t.Fatalf("result missing on completed task: %+v", tk)
	}
	if tk.EndTime.IsZero() {
		t.Fatal("end time not stamped")
	}
	if o.IsFileProcessing("/docs/a.pdf") {
		t.Fatal("lock not released after completion")
	}
}

func TestDuplicateSubmissionRejected(t *testing.T) {
	release := make(chan struct{})
	o := New(blocking(release), quietLogger())
	defer stopped(t, o)

	id, err := o.Submit("/docs/a.pdf", "pdf")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStatus(t, o, id, StatusRunning)

	if _, err := o.Submit("/docs/a.pdf", "pdf"); !errors.Is(err, common.ErrFileLocked) {
		t.Fatalf("duplicate submit = %v, want ErrFileLocked", err)
	}
	// A different path is admitted while the first is held.
	if _, err := o.Submit("/docs/b.pdf", "pdf"); err != nil {
		t.Fatalf("distinct path rejected: %v", err)
	}

	close(release)
	waitStatus(t, o, id, StatusCompleted)

	// Lock is gone; the same path is admissible again.
	if _, err := o.Submit("/docs/a.pdf", "pdf"); err != nil {
		t.Fatalf("resubmit after completion: %v", err)
	}
}

func TestProcessorErrorFailsTask(t *testing.T) {
	proc := &stubProcessor{fn: func(context.Context, string, string) (extract.Result, error) {
		return extract.Result{}, errors.New("connection refused")
	}}
	o := New(proc, quietLogger())
	defer stopped(t, o)

	id, err := o.Submit("/docs/a.pdf", "pdf")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	tk := waitStatus(t, o, id, StatusFailed)
	if tk.Err != "connection refused" {
		t.Fatalf("err = %q", tk.Err)
	}
	if o.IsFileProcessing("/docs/a.pdf") {
		t.Fatal("lock not released after failure")
	}
}

func TestReportedFailureFailsTask(t *testing.T) {
	proc := &stubProcessor{fn: func(_ context.Context, path, _ string) (extract.Result, error) {
		return extract.Result{Success: false, FilePath: path, Message: "unreadable scan"}, nil
	}}
	o := New(proc, quietLogger())
	defer stopped(t, o)

	id, err := o.Submit("/docs/a.pdf", "pdf")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	tk := waitStatus(t, o, id, StatusFailed)
	if tk.Err != "unreadable scan" {
		t.Fatalf("err = %q", tk.Err)
	}
}

func TestTimeoutFailsAndUnlocks(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	o := New(blocking(release), quietLogger(), WithTaskTimeout(50*time.Millisecond))
	defer stopped(t, o)

	id, err := o.Submit("/docs/a.pdf", "pdf")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStatus(t, o, id, StatusFailed)

	deadline := time.Now().Add(time.Second)
	for o.IsFileProcessing("/docs/a.pdf") {
		if time.Now().After(deadline) {
			t.Fatal("lock not released after timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := o.Submit("/docs/a.pdf", "pdf"); err != nil {
		t.Fatalf("resubmit after timeout: %v", err)
	}
}

func TestCancelDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	o := New(blocking(release), quietLogger())
	defer stopped(t, o)

	id, err := o.Submit("/docs/a.pdf", "pdf")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStatus(t, o, id, StatusRunning)

	if !o.Cancel(id) {
		t.Fatal("cancel on a running task must succeed")
	}
	if o.IsFileProcessing("/docs/a.pdf") {
		t.Fatal("lock not released on cancel")
	}
	if o.Cancel(id) {
		t.Fatal("cancel on a terminal task must report false")
	}

	// Let the worker finish; its result must not resurrect the task.
	close(release)
	time.Sleep(50 * time.Millisecond)
	tk, _ := o.GetStatus(id)
	if tk.Status != StatusCancelled {
		t.Fatalf("status = %s after late result, want cancelled", tk.Status)
	}
	if tk.Result != nil {
		t.Fatal("late result must be discarded")
	}
}

func TestCancelUnknownTask(t *testing.T) {
	o := New(succeeding(), quietLogger())
	defer stopped(t, o)
	if o.Cancel(uuid.New()) {
		t.Fatal("cancel of unknown id must report false")
	}
}

func TestStatistics(t *testing.T) {
	failing := &stubProcessor{fn: func(context.Context, string, string) (extract.Result, error) {
		return extract.Result{}, errors.New("boom")
	}}
	o := New(failing, quietLogger())
	defer stopped(t, o)

	id, err := o.Submit("/docs/a.pdf", "pdf")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStatus(t, o, id, StatusFailed)

	stats := o.Statistics()
	if stats.Total != 1 || stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.LockedFiles != 0 {
		t.Fatalf("locked files = %d, want 0", stats.LockedFiles)
	}
}

func TestCleanupSweepsTerminalTasks(t *testing.T) {
	o := New(succeeding(), quietLogger())
	defer stopped(t, o)

	id, err := o.Submit("/docs/a.pdf", "pdf")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStatus(t, o, id, StatusCompleted)

	if n := o.Cleanup(time.Hour); n != 0 {
		t.Fatalf("fresh task swept: removed %d", n)
	}

	time.Sleep(20 * time.Millisecond)
	if n := o.Cleanup(10 * time.Millisecond); n != 1 {
		t.Fatalf("expected 1 swept task, got %d", n)
	}
	if _, ok := o.GetStatus(id); ok {
		t.Fatal("swept task still present")
	}
}

func TestStopCancelsQueuedJobs(t *testing.T) {
	release := make(chan struct{})
	o := New(blocking(release), quietLogger(), WithWorkers(1))

	running, err := o.Submit("/docs/a.pdf", "pdf")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStatus(t, o, running, StatusRunning)

	queued, err := o.Submit("/docs/b.pdf", "pdf")
	if err != nil {
		t.Fatalf("submit queued: %v", err)
	}

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		o.Stop(ctx)
		close(done)
	}()

	// Wait until shutdown has begun before releasing the worker, so the
	// queued job is failed over rather than picked up.
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := o.Submit("/docs/probe.pdf", "pdf"); errors.Is(err, common.ErrShuttingDown) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("orchestrator never entered shutdown")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	// The in-flight job drains to completion; the queued one is failed
	// over to cancelled.
	close(release)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not finish")
	}

	if tk, _ := o.GetStatus(running); tk.Status != StatusCompleted {
		t.Fatalf("running task = %s after stop, want completed", tk.Status)
	}
	if tk, _ := o.GetStatus(queued); tk.Status != StatusCancelled {
		t.Fatalf("queued task = %s after stop, want cancelled", tk.Status)
	}

	if _, err := o.Submit("/docs/c.pdf", "pdf"); !errors.Is(err, common.ErrShuttingDown) {
		t.Fatalf("submit after stop = %v, want ErrShuttingDown", err)
	}
}

func TestCancelWhileQueuedDoesNotStallStop(t *testing.T) {
	release := make(chan struct{})
	o := New(blocking(release), quietLogger(), WithWorkers(1))

	running, err := o.Submit("/docs/a.pdf", "pdf")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStatus(t, o, running, StatusRunning)

	queued, err := o.Submit("/docs/b.pdf", "pdf")
	if err != nil {
		t.Fatalf("submit queued: %v", err)
	}
	if !o.Cancel(queued) {
		t.Fatal("cancel on a queued task must succeed")
	}
	if o.IsFileProcessing("/docs/b.pdf") {
		t.Fatal("lock not released on queued cancel")
	}

	// The worker dequeues the cancelled job after finishing the running
	// one and must wake its monitor; Stop then drains without waiting
	// out the task timeout.
	close(release)
	waitStatus(t, o, running, StatusCompleted)

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.Stop(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop stalled on the cancelled queued task's monitor")
	}

	if tk, _ := o.GetStatus(queued); tk.Status != StatusCancelled {
		t.Fatalf("queued task = %s after stop, want cancelled", tk.Status)
	}
}

func TestDefaultOptionsClamp(t *testing.T) {
	o := New(succeeding(), quietLogger(), WithWorkers(0), WithQueueSize(-1), WithTaskTimeout(0))
	if o.workers <= 0 {
		t.Fatalf("workers = %d", o.workers)
	}
	if o.queueSize != 256 {
		t.Fatalf("queue size = %d, want default 256", o.queueSize)
	}
	if o.timeout != time.Hour {
		t.Fatalf("timeout = %s, want default 1h", o.timeout)
	}
}
