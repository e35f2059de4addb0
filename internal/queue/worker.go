package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vampirenirmal/chronicle/internal/orchestrator"
)

// Runner is the subset of *orchestrator.Orchestrator the Worker needs —
// an interface so tests can substitute a stub orchestrator.
type Runner interface {
	RunJob(ctx context.Context, jobID string, input orchestrator.JobInput, progress orchestrator.ProgressFunc) (*orchestrator.Manuscript, error)
}

// Worker consumes jobs from a Queue with bounded concurrency
// (WORKER_CONCURRENCY, default 1 per spec.md §5) and drives each
// through the Orchestrator, updating the JobStore as it goes.
type Worker struct {
	queue       Queue
	store       *JobStore
	runner      Runner
	concurrency int
	wallClock   map[orchestrator.Mode]time.Duration
	logger      *slog.Logger
	locks       *jobLock
}

type Option func(*Worker)

func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

func WithWallClockCeiling(mode orchestrator.Mode, d time.Duration) Option {
	return func(w *Worker) { w.wallClock[mode] = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

func NewWorker(queue Queue, store *JobStore, runner Runner, opts ...Option) *Worker {
	w := &Worker{
		queue:       queue,
		store:       store,
		runner:      runner,
		concurrency: 1,
		wallClock: map[orchestrator.Mode]time.Duration{
			orchestrator.ModeDraft:    30 * time.Minute,
			orchestrator.ModePolished: 2 * time.Hour,
		},
		logger: slog.Default(),
		locks:  newJobLock(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run starts concurrency worker loops and blocks until ctx is
// cancelled or a loop returns a non-cancellation error.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i
		g.Go(func() error {
			return w.loop(ctx, workerID)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (w *Worker) loop(ctx context.Context, workerID int) error {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("worker %d dequeue: %w", workerID, err)
		}
		w.process(ctx, workerID, job)
	}
}

func (w *Worker) process(ctx context.Context, workerID int, job QueuedJob) {
	if !w.locks.tryAcquire(job.ID) {
		w.logger.Warn("job already locked by another worker, skipping", "job_id", job.ID, "worker_id", workerID)
		return
	}
	defer w.locks.release(job.ID)

	ceiling, ok := w.wallClock[job.Input.Mode]
	if !ok {
		ceiling = w.wallClock[orchestrator.ModePolished]
	}
	jobCtx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	if err := w.store.MarkRunning(ctx, job.ID); err != nil {
		w.logger.Error("failed to mark job running", "job_id", job.ID, "error", err)
		return
	}

	progress := func(percent int, message string) {
		if err := w.store.Progress(ctx, job.ID, percent, message); err != nil {
			w.logger.Warn("dropped progress update", "job_id", job.ID, "error", err)
		}
	}

	_, err := w.runner.RunJob(jobCtx, job.ID, job.Input, progress)
	if err != nil {
		classification, message := classifyJobFailure(err)
		w.logger.Error("job failed", "job_id", job.ID, "classification", classification, "error", err)
		if storeErr := w.store.Fail(ctx, job.ID, classification, message); storeErr != nil {
			w.logger.Error("failed to persist job failure", "job_id", job.ID, "error", storeErr)
		}
		return
	}

	if err := w.store.Succeed(ctx, job.ID); err != nil {
		w.logger.Error("failed to persist job success", "job_id", job.ID, "error", err)
	}
}

// classifyJobFailure maps an Orchestrator error to the job-fatal
// classification tag exposed on JobRecord.error (spec.md §7): no
// internal stack traces, a short diagnostic plus a tag.
func classifyJobFailure(err error) (classification, message string) {
	var cancelled orchestrator.CancelledError
	if errors.As(err, &cancelled) {
		return "cancelled", "job cancelled"
	}
	var noProgress orchestrator.NoForwardProgressError
	if errors.As(err, &noProgress) {
		return "no_forward_progress", err.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "wall_clock_exceeded", "job exceeded its wall-clock ceiling"
	}
	return "job_fatal", err.Error()
}
