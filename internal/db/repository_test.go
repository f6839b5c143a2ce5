// Package db provides unit tests for CRUD repository operations.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/uuid"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	database, err := Open(t.TempDir())
	require.NoError(t, err)
	repo := NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})
	return repo
}

// ack builds an acknowledgement of task's current version.
func ack(task *models.Task, serverID string, at int64) models.SyncAck {
	return models.SyncAck{
		RecordID:   string(task.ID),
		ServerID:   serverID,
		At:         at,
		Version:    task.UpdatedAt,
		MaxRetries: 3,
	}
}

// enqueue inserts a sync_queue row for id.
func enqueue(t *testing.T, repo *Repository, itemID, recordID string, retries int) {
	t.Helper()
	_, err := repo.db.Exec(`
	INSERT INTO sync_queue (id, record_id, operation, data, created_at, retry_count)
	VALUES (?, ?, 'update', '{}', 1, ?)`, itemID, recordID, retries)
	require.NoError(t, err)
}

func TestRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	task := &models.Task{Title: "Buy milk", Description: "2 litres"}
	require.NoError(t, repo.CreateTask(ctx, task))

	assert.True(t, uuid.IsValid(string(task.ID)))
	assert.Equal(t, models.SyncStatusPending, task.SyncStatus)
	assert.NotZero(t, task.UpdatedAt)

	got, err := repo.GetTask(ctx, string(task.ID))
	require.NoError(t, err)
	assert.Equal(t, "Buy milk", got.Title)
	assert.Equal(t, "2 litres", got.Description)
	assert.Equal(t, models.SyncStatusPending, got.SyncStatus)
	assert.Empty(t, got.ServerID)
	assert.Nil(t, got.LastSyncedAt)
}

func TestRepository_CreateKeepsClientID(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	id := uuid.New()
	require.NoError(t, repo.CreateTask(ctx, &models.Task{ID: models.UUID(id), Title: "x"}))

	got, err := repo.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.UUID(id), got.ID)
}

func TestRepository_CreateValidation(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	err := repo.CreateTask(ctx, &models.Task{Title: "   "})
	assert.True(t, errors.Is(err, errors.ErrTaskInvalid))

	err = repo.CreateTask(ctx, &models.Task{ID: "not-a-uuid", Title: "x"})
	assert.True(t, errors.Is(err, errors.ErrTaskInvalid))
}

func TestRepository_GetMissing(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetTask(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, errors.ErrTaskNotFound))
}

func TestRepository_UpdateMarksPending(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	task := &models.Task{Title: "draft"}
	require.NoError(t, repo.CreateTask(ctx, task))
	_, err := repo.MarkSynced(ctx, ack(task, "srv-1", 100))
	require.NoError(t, err)

	task.Title = "final"
	task.Completed = true
	require.NoError(t, repo.UpdateTask(ctx, task))

	got, err := repo.GetTask(ctx, string(task.ID))
	require.NoError(t, err)
	assert.Equal(t, "final", got.Title)
	assert.True(t, got.Completed)
	assert.Equal(t, models.SyncStatusPending, got.SyncStatus)
	assert.Equal(t, "srv-1", got.ServerID, "server id survives local edits")
}

func TestRepository_SoftDelete(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	keep := &models.Task{Title: "keep"}
	gone := &models.Task{Title: "gone"}
	require.NoError(t, repo.CreateTask(ctx, keep))
	require.NoError(t, repo.CreateTask(ctx, gone))

	deleted, err := repo.DeleteTask(ctx, string(gone.ID))
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.Equal(t, models.SyncStatusPending, deleted.SyncStatus)

	live, err := repo.ListTasks(ctx, false)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, keep.ID, live[0].ID)

	all, err := repo.ListTasks(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// The record is still readable, never physically removed
	got, err := repo.GetTask(ctx, string(gone.ID))
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)

	_, err = repo.DeleteTask(ctx, string(gone.ID))
	assert.True(t, errors.Is(err, errors.ErrTaskNotFound), "deleting twice reports not found")

	err = repo.UpdateTask(ctx, got)
	assert.True(t, errors.Is(err, errors.ErrTaskNotFound), "deleted tasks cannot be edited")
}

func TestRepository_SyncBookkeeping(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	task := &models.Task{Title: "sync me"}
	require.NoError(t, repo.CreateTask(ctx, task))
	id := string(task.ID)

	require.NoError(t, repo.MarkSyncError(ctx, id))
	got, _ := repo.GetTask(ctx, id)
	assert.Equal(t, models.SyncStatusError, got.SyncStatus)

	synced, err := repo.MarkSynced(ctx, ack(task, "srv-9", 1234))
	require.NoError(t, err)
	assert.True(t, synced)
	got, _ = repo.GetTask(ctx, id)
	assert.Equal(t, models.SyncStatusSynced, got.SyncStatus)
	assert.Equal(t, "srv-9", got.ServerID)
	require.NotNil(t, got.LastSyncedAt)
	assert.EqualValues(t, 1234, *got.LastSyncedAt)

	// An empty server id keeps the existing one
	_, err = repo.MarkSynced(ctx, ack(task, "", 2000))
	require.NoError(t, err)
	got, _ = repo.GetTask(ctx, id)
	assert.Equal(t, "srv-9", got.ServerID)

	_, err = repo.MarkSynced(ctx, models.SyncAck{RecordID: uuid.New(), ServerID: "x", At: 1})
	assert.True(t, errors.Is(err, errors.ErrTaskNotFound))
	assert.True(t, errors.Is(repo.MarkSyncError(ctx, uuid.New()), errors.ErrTaskNotFound))
}

func TestRepository_MarkSyncedKeepsNewerEditPending(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	task := &models.Task{Title: "v1"}
	require.NoError(t, repo.CreateTask(ctx, task))
	accepted := ack(task, "srv-1", 500)

	// Edited again after the accepted snapshot was queued
	edited := *task
	edited.Title = "v2"
	require.NoError(t, repo.UpdateTask(ctx, &edited))
	_, err := repo.db.Exec(`UPDATE tasks SET updated_at = ? WHERE id = ?`, task.UpdatedAt+10, task.ID)
	require.NoError(t, err)

	synced, err := repo.MarkSynced(ctx, accepted)
	require.NoError(t, err)
	assert.False(t, synced)

	got, err := repo.GetTask(ctx, string(task.ID))
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Title)
	assert.Equal(t, models.SyncStatusPending, got.SyncStatus)
	assert.Equal(t, "srv-1", got.ServerID, "bookkeeping is still recorded")
	require.NotNil(t, got.LastSyncedAt)
	assert.EqualValues(t, 500, *got.LastSyncedAt)
}

func TestRepository_MarkSyncedWithLaterQueueItem(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	task := &models.Task{Title: "queued twice"}
	require.NoError(t, repo.CreateTask(ctx, task))
	id := string(task.ID)

	accepted := ack(task, "srv-1", 100)
	accepted.QueueItemID = uuid.New()
	enqueue(t, repo, accepted.QueueItemID, id, 0)
	later := uuid.New()
	enqueue(t, repo, later, id, 0)

	synced, err := repo.MarkSynced(ctx, accepted)
	require.NoError(t, err)
	assert.False(t, synced)
	got, _ := repo.GetTask(ctx, id)
	assert.Equal(t, models.SyncStatusPending, got.SyncStatus)

	// A dead-lettered sibling no longer holds the task back
	_, err = repo.db.Exec(`UPDATE sync_queue SET retry_count = 3 WHERE id = ?`, later)
	require.NoError(t, err)
	synced, err = repo.MarkSynced(ctx, accepted)
	require.NoError(t, err)
	assert.True(t, synced)
	got, _ = repo.GetTask(ctx, id)
	assert.Equal(t, models.SyncStatusSynced, got.SyncStatus)
}

func TestRepository_ApplyResolved(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	task := &models.Task{Title: "local"}
	require.NoError(t, repo.CreateTask(ctx, task))

	winner := &models.Task{ID: task.ID, Title: "remote", Completed: true, UpdatedAt: task.UpdatedAt + 42}
	synced, err := repo.ApplyResolved(ctx, winner, ack(task, "srv-2", 99))
	require.NoError(t, err)
	assert.True(t, synced)

	got, err := repo.GetTask(ctx, string(task.ID))
	require.NoError(t, err)
	assert.Equal(t, "remote", got.Title)
	assert.True(t, got.Completed)
	assert.Equal(t, winner.UpdatedAt, got.UpdatedAt)
	assert.Equal(t, models.SyncStatusSynced, got.SyncStatus)
	assert.Equal(t, "srv-2", got.ServerID)

	_, err = repo.ApplyResolved(ctx, winner, models.SyncAck{RecordID: uuid.New()})
	assert.True(t, errors.Is(err, errors.ErrTaskNotFound))
}

func TestRepository_ApplyResolvedKeepsNewerLocalEdit(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	task := &models.Task{Title: "user v2"}
	require.NoError(t, repo.CreateTask(ctx, task))

	// The remote beat an older snapshot but not the current row
	winner := &models.Task{ID: task.ID, Title: "other device", UpdatedAt: task.UpdatedAt - 1}
	synced, err := repo.ApplyResolved(ctx, winner, ack(task, "srv-3", 77))
	require.NoError(t, err)
	assert.False(t, synced)

	got, err := repo.GetTask(ctx, string(task.ID))
	require.NoError(t, err)
	assert.Equal(t, "user v2", got.Title)
	assert.Equal(t, task.UpdatedAt, got.UpdatedAt)
	assert.Equal(t, models.SyncStatusPending, got.SyncStatus)
	assert.Equal(t, "srv-3", got.ServerID)
}

func TestRepository_InTx(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	rollback := stderrors.New("abort")
	var created *models.Task
	err := repo.InTx(ctx, func(tx *sql.Tx, txRepo *Repository) error {
		created = &models.Task{Title: "never committed"}
		require.NoError(t, txRepo.CreateTask(ctx, created))
		got, err := txRepo.GetTask(ctx, string(created.ID))
		require.NoError(t, err)
		assert.Equal(t, "never committed", got.Title)
		return rollback
	})
	require.ErrorIs(t, err, rollback)
	_, err = repo.GetTask(ctx, string(created.ID))
	assert.True(t, errors.Is(err, errors.ErrTaskNotFound))

	err = repo.InTx(ctx, func(tx *sql.Tx, txRepo *Repository) error {
		created = &models.Task{Title: "committed"}
		return txRepo.CreateTask(ctx, created)
	})
	require.NoError(t, err)
	got, err := repo.GetTask(ctx, string(created.ID))
	require.NoError(t, err)
	assert.Equal(t, "committed", got.Title)
}

func TestRepository_LastSyncAt(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	last, err := repo.LastSyncAt(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	first := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, repo.SetLastSyncAt(ctx, first))
	second := first.Add(time.Minute)
	require.NoError(t, repo.SetLastSyncAt(ctx, second))

	last, err = repo.LastSyncAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, second.Equal(*last))
}

func TestRepository_CountByStatus(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	a := &models.Task{Title: "a"}
	b := &models.Task{Title: "b"}
	c := &models.Task{Title: "c"}
	for _, task := range []*models.Task{a, b, c} {
		require.NoError(t, repo.CreateTask(ctx, task))
	}
	_, err := repo.MarkSynced(ctx, ack(a, "s", 1))
	require.NoError(t, err)
	require.NoError(t, repo.MarkSyncError(ctx, string(b.ID)))

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.SyncStatusSynced])
	assert.Equal(t, 1, counts[models.SyncStatusError])
	assert.Equal(t, 1, counts[models.SyncStatusPending])
}

func TestRepository_ConflictLog(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	entry := &models.ConflictLog{
		RecordID:        models.UUID(uuid.New()),
		Operation:       string(models.OperationUpdate),
		LocalTimestamp:  200,
		RemoteTimestamp: 100,
		Resolution:      models.ResolutionLocalWins,
	}
	require.NoError(t, repo.CreateConflictLog(ctx, entry))
	assert.NotEmpty(t, entry.ID)
	assert.NotZero(t, entry.DetectedAt)

	logs, err := repo.ListConflictLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ResolutionLocalWins, logs[0].Resolution)
	assert.EqualValues(t, 200, logs[0].LocalTimestamp)
}
