// Package queue implements the durable indexing task queue on top of the
// metadata database. Tasks survive restarts and are drained by a single
// background worker.
package queue

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"

	idxerrors "github.com/notedex/notedex/internal/errors"
	"github.com/notedex/notedex/internal/store"
)

// TaskQueue persists index tasks in the index_tasks table.
// All writes go through the metadata store's single connection, so queue
// operations serialize with document writes.
type TaskQueue struct {
	db         *sql.DB
	maxRetries int
	logger     *slog.Logger
}

// Options configures queue behavior.
type Options struct {
	// MaxRetries bounds per-task retry attempts before a task is
	// marked failed. Zero uses the default of 3.
	MaxRetries int
	Logger     *slog.Logger
}

// New creates a TaskQueue backed by the metadata store's database.
func New(metadata *store.SQLiteStore, opts Options) *TaskQueue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &TaskQueue{
		db:         metadata.DB(),
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
	}
}

// Enqueue records indexing work for a document. It is idempotent per
// (document, task type): if a pending task already exists it is refreshed
// in place, taking the higher of the two priorities, instead of creating
// a duplicate. Completed and failed tasks for the same document are
// superseded and removed.
func (q *TaskQueue) Enqueue(ctx context.Context, documentID, documentPath string, taskType store.TaskType, priority int) (string, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to begin enqueue transaction")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	var existingID string
	var existingPriority int
	err = tx.QueryRowContext(ctx, `
		SELECT id, priority FROM index_tasks
		WHERE document_id = ? AND task_type = ? AND status = ?`,
		documentID, taskType, store.TaskStatusPending,
	).Scan(&existingID, &existingPriority)

	switch {
	case err == nil:
		if priority < existingPriority {
			priority = existingPriority
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE index_tasks
			SET priority = ?, document_path = ?, updated_at = ?
			WHERE id = ?`,
			priority, documentPath, now, existingID)
		if err != nil {
			return "", idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to refresh pending task")
		}
		if err := tx.Commit(); err != nil {
			return "", idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to commit enqueue")
		}
		return existingID, nil

	case err != sql.ErrNoRows:
		return "", idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to check for pending task")
	}

	// A new task supersedes old terminal records for the same work
	_, err = tx.ExecContext(ctx, `
		DELETE FROM index_tasks
		WHERE document_id = ? AND task_type = ? AND status IN (?, ?)`,
		documentID, taskType, store.TaskStatusCompleted, store.TaskStatusFailed)
	if err != nil {
		return "", idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to clear superseded tasks")
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO index_tasks
		(id, document_id, document_path, task_type, status, priority, retry_count, max_retries, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, '', ?, ?)`,
		id, documentID, documentPath, taskType, store.TaskStatusPending, priority, q.maxRetries, now, now)
	if err != nil {
		return "", idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to insert task")
	}

	if err := tx.Commit(); err != nil {
		return "", idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to commit enqueue")
	}

	q.logger.Debug("task enqueued",
		"task_id", id,
		"document_id", documentID,
		"task_type", taskType,
		"priority", priority)
	return id, nil
}

// Dequeue claims the next pending task, preferring higher priority and
// breaking ties by age (oldest first). Returns nil when the queue is empty.
// The claimed task moves to processing atomically.
func (q *TaskQueue) Dequeue(ctx context.Context) (*store.IndexTask, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to begin dequeue transaction")
	}
	defer func() { _ = tx.Rollback() }()

	task, err := scanTask(tx.QueryRowContext(ctx, `
		SELECT id, document_id, document_path, task_type, status, priority,
		       retry_count, max_retries, error_message, created_at, updated_at, processed_at
		FROM index_tasks
		WHERE status = ?
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`,
		store.TaskStatusPending))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to select pending task")
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE index_tasks SET status = ?, updated_at = ? WHERE id = ?`,
		store.TaskStatusProcessing, now, task.ID)
	if err != nil {
		return nil, idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to claim task")
	}

	if err := tx.Commit(); err != nil {
		return nil, idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to commit dequeue")
	}

	task.Status = store.TaskStatusProcessing
	task.UpdatedAt = now
	return task, nil
}

// Complete marks a processing task as completed.
func (q *TaskQueue) Complete(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE index_tasks SET status = ?, updated_at = ?, processed_at = ? WHERE id = ?`,
		store.TaskStatusCompleted, now, now, taskID)
	if err != nil {
		return idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to complete task")
	}
	return q.requireAffected(res, taskID)
}

// Fail records a task failure. If retries remain, the task returns to
// pending with its priority demoted by the retry count (floored at zero)
// so persistently failing work sinks behind fresh work. Once retries are
// exhausted the task is marked failed and keeps the final error message.
func (q *TaskQueue) Fail(ctx context.Context, taskID string, taskErr error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to begin fail transaction")
	}
	defer func() { _ = tx.Rollback() }()

	task, err := scanTask(tx.QueryRowContext(ctx, `
		SELECT id, document_id, document_path, task_type, status, priority,
		       retry_count, max_retries, error_message, created_at, updated_at, processed_at
		FROM index_tasks WHERE id = ?`,
		taskID))
	if err == sql.ErrNoRows {
		return idxerrors.New(idxerrors.ErrCodeTaskNotFound, "task not found", nil).WithDetail("task_id", taskID)
	}
	if err != nil {
		return idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to load task")
	}

	msg := ""
	if taskErr != nil {
		msg = taskErr.Error()
	}
	now := time.Now().UTC()
	retryCount := task.RetryCount + 1

	if retryCount < task.MaxRetries {
		priority := task.Priority - retryCount
		if priority < 0 {
			priority = 0
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE index_tasks
			SET status = ?, retry_count = ?, priority = ?, error_message = ?, updated_at = ?
			WHERE id = ?`,
			store.TaskStatusPending, retryCount, priority, msg, now, taskID)
		if err != nil {
			return idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to requeue task")
		}
		q.logger.Warn("task failed, retrying",
			"task_id", taskID,
			"document_id", task.DocumentID,
			"retry_count", retryCount,
			"max_retries", task.MaxRetries,
			"error", msg)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE index_tasks
			SET status = ?, retry_count = ?, error_message = ?, updated_at = ?, processed_at = ?
			WHERE id = ?`,
			store.TaskStatusFailed, retryCount, msg, now, now, taskID)
		if err != nil {
			return idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to mark task failed")
		}
		q.logger.Error("task failed permanently",
			"task_id", taskID,
			"document_id", task.DocumentID,
			"retry_count", retryCount,
			"error", msg)
	}

	if err := tx.Commit(); err != nil {
		return idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to commit fail")
	}
	return nil
}

// Get returns a task by ID.
func (q *TaskQueue) Get(ctx context.Context, taskID string) (*store.IndexTask, error) {
	task, err := scanTask(q.db.QueryRowContext(ctx, `
		SELECT id, document_id, document_path, task_type, status, priority,
		       retry_count, max_retries, error_message, created_at, updated_at, processed_at
		FROM index_tasks WHERE id = ?`,
		taskID))
	if err == sql.ErrNoRows {
		return nil, idxerrors.New(idxerrors.ErrCodeTaskNotFound, "task not found", nil).WithDetail("task_id", taskID)
	}
	if err != nil {
		return nil, idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to load task")
	}
	return task, nil
}

// CountPending returns the number of pending tasks.
func (q *TaskQueue) CountPending(ctx context.Context) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM index_tasks WHERE status = ?", store.TaskStatusPending,
	).Scan(&count)
	if err != nil {
		return 0, idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to count pending tasks")
	}
	return count, nil
}

// Counts returns a per-status breakdown of the queue.
func (q *TaskQueue) Counts(ctx context.Context) (store.TaskCounts, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM index_tasks GROUP BY status")
	if err != nil {
		return store.TaskCounts{}, idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to count tasks")
	}
	defer rows.Close()

	var counts store.TaskCounts
	for rows.Next() {
		var status store.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return store.TaskCounts{}, idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to scan task count")
		}
		switch status {
		case store.TaskStatusPending:
			counts.Pending = n
		case store.TaskStatusProcessing:
			counts.Processing = n
		case store.TaskStatusCompleted:
			counts.Completed = n
		case store.TaskStatusFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// ListFailed returns permanently failed tasks, newest first.
func (q *TaskQueue) ListFailed(ctx context.Context, limit int) ([]*store.IndexTask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, document_id, document_path, task_type, status, priority,
		       retry_count, max_retries, error_message, created_at, updated_at, processed_at
		FROM index_tasks
		WHERE status = ?
		ORDER BY updated_at DESC
		LIMIT ?`,
		store.TaskStatusFailed, limit)
	if err != nil {
		return nil, idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to list failed tasks")
	}
	defer rows.Close()

	var tasks []*store.IndexTask
	for rows.Next() {
		task, err := scanTaskRows(rows)
		if err != nil {
			return nil, idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to scan task")
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// RecoverStale returns tasks stuck in processing (left behind by a crash)
// to pending. Called once at startup before the worker begins draining.
func (q *TaskQueue) RecoverStale(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE index_tasks SET status = ?, updated_at = ? WHERE status = ?`,
		store.TaskStatusPending, time.Now().UTC(), store.TaskStatusProcessing)
	if err != nil {
		return 0, idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to recover stale tasks")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Info("recovered stale tasks", "count", n)
	}
	return int(n), nil
}

// DeleteCompletedBefore garbage-collects completed tasks older than cutoff.
func (q *TaskQueue) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM index_tasks WHERE status = ? AND processed_at < ?`,
		store.TaskStatusCompleted, cutoff.UTC())
	if err != nil {
		return 0, idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to delete completed tasks")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *TaskQueue) requireAffected(res sql.Result, taskID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "failed to check affected rows")
	}
	if n == 0 {
		return idxerrors.New(idxerrors.ErrCodeTaskNotFound, "task not found", nil).WithDetail("task_id", taskID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*store.IndexTask, error) {
	var task store.IndexTask
	var processedAt sql.NullTime
	err := row.Scan(
		&task.ID, &task.DocumentID, &task.DocumentPath, &task.TaskType,
		&task.Status, &task.Priority, &task.RetryCount, &task.MaxRetries,
		&task.ErrorMessage, &task.CreatedAt, &task.UpdatedAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}
	if processedAt.Valid {
		task.ProcessedAt = &processedAt.Time
	}
	return &task, nil
}

func scanTaskRows(rows *sql.Rows) (*store.IndexTask, error) {
	return scanTask(rows)
}
