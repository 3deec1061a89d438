package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idxerrors "github.com/notedex/notedex/internal/errors"
	"github.com/notedex/notedex/internal/store"
)

func newTestQueue(t *testing.T) *TaskQueue {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, Options{MaxRetries: 3})
}

func TestEnqueueDequeueOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i, priority := range []int{3, 1, 2} {
		path := fmt.Sprintf("notes/p%d.md", i)
		_, err := q.Enqueue(ctx, store.DocumentID(path), path, store.TaskTypeFullTextIndex, priority)
		require.NoError(t, err)
	}

	var got []int
	for {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		if task == nil {
			break
		}
		got = append(got, task.Priority)
		require.NoError(t, q.Complete(ctx, task.ID))
	}
	assert.Equal(t, []int{3, 2, 1}, got)
}

func TestDequeueTiebreakOldestFirst(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "doc-a", "notes/a.md", store.TaskTypeFullTextIndex, 1)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = q.Enqueue(ctx, "doc-b", "notes/b.md", store.TaskTypeFullTextIndex, 1)
	require.NoError(t, err)

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, first, task.ID)
}

func TestEnqueueIdempotentPerDocumentAndType(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, "doc-a", "notes/a.md", store.TaskTypeVectorIndex, 1)
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, "doc-a", "notes/a.md", store.TaskTypeVectorIndex, 5)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// Different task types do not collide
	id3, err := q.Enqueue(ctx, "doc-a", "notes/a.md", store.TaskTypeFullTextIndex, 1)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)

	pending, err := q.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	// Refresh keeps the higher priority
	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1, task.ID)
	assert.Equal(t, 5, task.Priority)
}

func TestEnqueueSupersedesTerminalTasks(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, "doc-a", "notes/a.md", store.TaskTypeVectorIndex, 1)
	require.NoError(t, err)
	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, task.ID))

	id2, err := q.Enqueue(ctx, "doc-a", "notes/a.md", store.TaskTypeVectorIndex, 1)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending)
	assert.Equal(t, 0, counts.Completed)
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	q := newTestQueue(t)

	task, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestDequeueClaimsAtomically(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "doc-a", "notes/a.md", store.TaskTypeVectorIndex, 1)
	require.NoError(t, err)

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, store.TaskStatusProcessing, task.Status)

	// Already claimed; nothing left to hand out
	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestFailRetriesWithDemotedPriority(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "doc-a", "notes/a.md", store.TaskTypeVectorIndex, 5)
	require.NoError(t, err)

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, task.ID, errors.New("model unavailable")))

	retried, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, task.ID, retried.ID)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, 4, retried.Priority)
	assert.Equal(t, "model unavailable", retried.ErrorMessage)
}

func TestFailPriorityFlooredAtZero(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "doc-a", "notes/a.md", store.TaskTypeVectorIndex, 0)
	require.NoError(t, err)

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, task.ID, errors.New("boom")))

	retried, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, 0, retried.Priority)
}

func TestFailExhaustsRetries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "doc-a", "notes/a.md", store.TaskTypeVectorIndex, 1)
	require.NoError(t, err)

	// Initial attempt plus two retries, each failing
	var lastID string
	for i := 0; i < 3; i++ {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, task, "attempt %d", i)
		lastID = task.ID
		require.NoError(t, q.Fail(ctx, task.ID, fmt.Errorf("attempt %d failed", i)))
	}

	// Retries exhausted; nothing pending
	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, task)

	failed, err := q.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, lastID, failed[0].ID)
	assert.LessOrEqual(t, failed[0].RetryCount, failed[0].MaxRetries)
	assert.Equal(t, failed[0].MaxRetries, failed[0].RetryCount)
	assert.Contains(t, failed[0].ErrorMessage, "attempt 2 failed")
}

func TestCompleteUnknownTask(t *testing.T) {
	q := newTestQueue(t)

	err := q.Complete(context.Background(), "no-such-task")
	assert.Equal(t, idxerrors.ErrCodeTaskNotFound, idxerrors.CodeOf(err))
}

func TestFailUnknownTask(t *testing.T) {
	q := newTestQueue(t)

	err := q.Fail(context.Background(), "no-such-task", errors.New("x"))
	assert.Equal(t, idxerrors.ErrCodeTaskNotFound, idxerrors.CodeOf(err))
}

func TestCounts(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		path := fmt.Sprintf("notes/c%d.md", i)
		_, err := q.Enqueue(ctx, store.DocumentID(path), path, store.TaskTypeVectorIndex, 0)
		require.NoError(t, err)
	}

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, task.ID))

	task, err = q.Dequeue(ctx)
	require.NoError(t, err)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending)
	assert.Equal(t, 1, counts.Processing)
	assert.Equal(t, 1, counts.Completed)
	assert.Equal(t, 0, counts.Failed)
	_ = task
}

func TestRecoverStale(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "doc-a", "notes/a.md", store.TaskTypeVectorIndex, 1)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	n, err := q.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
}

func TestDeleteCompletedBefore(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "doc-a", "notes/a.md", store.TaskTypeVectorIndex, 1)
	require.NoError(t, err)
	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, task.ID))

	n, err := q.DeleteCompletedBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Completed)
}
