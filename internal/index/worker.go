package index

import (
	"context"
	"log/slog"
	"sync"
	"time"

	idxerrors "github.com/notedex/notedex/internal/errors"
	"github.com/notedex/notedex/internal/queue"
)

// WorkerStatus is a snapshot of the background worker.
type WorkerStatus struct {
	Running      bool   `json:"running"`
	State        string `json:"status"`
	PendingTasks int    `json:"pending_tasks"`
	Processed    int64  `json:"processed"`
	Failed       int64  `json:"failed"`
}

// Worker drains the task queue with a single goroutine. One worker per
// process: the indexer's delete-then-write discipline relies on tasks
// for the same document never running concurrently.
type Worker struct {
	queue    *queue.TaskQueue
	indexer  *Indexer
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	running   bool
	state     string
	stopCh    chan struct{}
	doneCh    chan struct{}
	processed int64
	failed    int64
}

// NewWorker creates a stopped worker polling at interval when idle.
func NewWorker(q *queue.TaskQueue, indexer *Indexer, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:    q,
		indexer:  indexer,
		interval: interval,
		logger:   logger,
		state:    "stopped",
	}
}

// Start launches the drain loop. Returns false if already running.
func (w *Worker) Start(ctx context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return false
	}
	w.running = true
	w.state = "idle"
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go w.run(ctx, w.stopCh, w.doneCh)
	w.logger.Info("index worker started", "poll_interval", w.interval)
	return true
}

// Stop signals the loop to exit and waits for the in-flight task to
// finish. Safe to call when not running.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)
	<-doneCh

	w.mu.Lock()
	w.running = false
	w.state = "stopped"
	w.mu.Unlock()
	w.logger.Info("index worker stopped")
}

// Status reports the worker and queue state.
func (w *Worker) Status(ctx context.Context) WorkerStatus {
	w.mu.Lock()
	status := WorkerStatus{
		Running:   w.running,
		State:     w.state,
		Processed: w.processed,
		Failed:    w.failed,
	}
	w.mu.Unlock()

	if pending, err := w.queue.CountPending(ctx); err == nil {
		status.PendingTasks = pending
	}
	return status
}

func (w *Worker) setState(s string) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	// Tasks left processing by a crashed run are re-pended before any
	// new work is claimed
	if recovered, err := w.queue.RecoverStale(ctx); err != nil {
		w.logger.Error("failed to recover stale tasks", "error", err)
	} else if recovered > 0 {
		w.logger.Warn("recovered stale tasks", "count", recovered)
	}

	backoff := w.interval
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			// Store trouble: back off instead of spinning
			w.setState("backoff")
			w.logger.Error("dequeue failed", "error", err)
			if !w.sleep(ctx, stopCh, backoff) {
				return
			}
			backoff = minDuration(backoff*2, 30*time.Second)
			continue
		}
		backoff = w.interval

		if task == nil {
			w.setState("idle")
			if !w.sleep(ctx, stopCh, w.interval) {
				return
			}
			continue
		}

		w.setState("processing")
		start := time.Now()
		err = w.indexer.ProcessTask(ctx, task)

		w.mu.Lock()
		if err == nil {
			w.processed++
		} else {
			w.failed++
		}
		w.mu.Unlock()

		if err != nil {
			// A single document's failure never stops the loop
			w.logger.Warn("task processing failed",
				"task_id", task.ID,
				"document_id", task.DocumentID,
				"task_type", string(task.TaskType),
				"error", err)
			if failErr := w.queue.Fail(ctx, task.ID, err); failErr != nil {
				if idxerrors.CodeOf(failErr) != idxerrors.ErrCodeTaskNotFound {
					w.logger.Error("failed to record task failure", "task_id", task.ID, "error", failErr)
				}
			}
			continue
		}

		if ackErr := w.queue.Complete(ctx, task.ID); ackErr != nil {
			// Vanished task id means a concurrent rebuild already
			// superseded it; anything else is store trouble
			if idxerrors.CodeOf(ackErr) != idxerrors.ErrCodeTaskNotFound {
				w.logger.Error("failed to complete task", "task_id", task.ID, "error", ackErr)
			}
			continue
		}

		w.logger.Debug("task completed",
			"task_id", task.ID,
			"document_id", task.DocumentID,
			"task_type", string(task.TaskType),
			"duration", time.Since(start))
	}
}

// sleep waits for d unless stopped or cancelled first.
func (w *Worker) sleep(ctx context.Context, stopCh chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
