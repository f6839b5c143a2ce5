// Package db provides CRUD repository operations for tasksync data models.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/uuid"
)

// Repository provides CRUD operations for tasks and the sync bookkeeping
// the sync engine writes back onto them.
type Repository struct {
	db *sql.DB
	// tx is set on a repository bound by InTx.
	tx *sql.Tx

	// Prepared statement cache for frequently used queries
	stmtCache *sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, stmtCache: &sync.Map{}}
}

// dbtx is the query surface shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (r *Repository) conn() dbtx {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

// InTx runs fn on a repository bound to a new transaction. The transaction
// commits when fn returns nil and rolls back otherwise. On a repository
// that is already bound, fn joins the existing transaction.
func (r *Repository) InTx(ctx context.Context, fn func(tx *sql.Tx, repo *Repository) error) error {
	if r.tx != nil {
		return fn(r.tx, r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx, &Repository{db: r.db, tx: tx, stmtCache: r.stmtCache}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit transaction", err)
	}
	return nil
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine already prepared this, close our duplicate
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func storageErr(op string, err error) error {
	return errors.Wrap(errors.ErrStorage, op, err)
}

func taskNotFound(id string) error {
	return errors.Newf(errors.ErrTaskNotFound, "task %s not found", id)
}

// =====================================================
// Task Operations
// =====================================================

const taskColumns = `id, title, description, completed, created_at, updated_at,
	is_deleted, sync_status, server_id, last_synced_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var serverID sql.NullString
	var lastSynced sql.NullInt64
	var status string
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Completed, &t.CreatedAt,
		&t.UpdatedAt, &t.IsDeleted, &status, &serverID, &lastSynced)
	if err != nil {
		return nil, err
	}
	t.SyncStatus = models.SyncStatus(status)
	if serverID.Valid {
		t.ServerID = serverID.String
	}
	if lastSynced.Valid {
		v := lastSynced.Int64
		t.LastSyncedAt = &v
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func validateTask(task *models.Task) error {
	if strings.TrimSpace(task.Title) == "" {
		return errors.New(errors.ErrTaskInvalid, "title is required")
	}
	return nil
}

// CreateTask inserts a new task in pending state. A client-supplied ID is
// kept when valid; otherwise a new one is generated.
func (r *Repository) CreateTask(ctx context.Context, task *models.Task) error {
	if err := validateTask(task); err != nil {
		return err
	}
	if task.ID == "" {
		task.ID = models.UUID(uuid.New())
	} else if err := uuid.Validate(string(task.ID)); err != nil {
		return errors.Wrap(errors.ErrTaskInvalid, "invalid task id", err)
	}

	now := models.NowMillis()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.IsDeleted = false
	task.SyncStatus = models.SyncStatusPending
	task.ServerID = ""
	task.LastSyncedAt = nil

	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.conn().ExecContext(ctx, query, task.ID, task.Title, task.Description, task.Completed,
		task.CreatedAt, task.UpdatedAt, task.IsDeleted, task.SyncStatus, nil, nil)
	if err != nil {
		return storageErr("failed to create task", err)
	}
	return nil
}

// GetTask retrieves a task by ID, including soft-deleted tasks.
func (r *Repository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	const query = `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	var row *sql.Row
	if r.tx != nil {
		row = r.tx.QueryRowContext(ctx, query, id)
	} else {
		stmt, err := r.PrepareStmt(ctx, query)
		if err != nil {
			return nil, storageErr("failed to get task", err)
		}
		row = stmt.QueryRowContext(ctx, id)
	}

	task, err := scanTask(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, taskNotFound(id)
	}
	if err != nil {
		return nil, storageErr("failed to get task", err)
	}
	return task, nil
}

// ListTasks returns tasks ordered by creation time, newest first.
func (r *Repository) ListTasks(ctx context.Context, includeDeleted bool) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if !includeDeleted {
		query += ` WHERE is_deleted = 0`
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("failed to list tasks", err)
	}
	defer rows.Close()

	tasks := make([]*models.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, storageErr("failed to scan task", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to list tasks", err)
	}
	return tasks, nil
}

// UpdateTask persists the application-owned fields of task, bumps
// updated_at and marks the task pending.
func (r *Repository) UpdateTask(ctx context.Context, task *models.Task) error {
	if err := validateTask(task); err != nil {
		return err
	}
	task.Touch()

	res, err := r.conn().ExecContext(ctx, `
	UPDATE tasks SET title = ?, description = ?, completed = ?, updated_at = ?, sync_status = ?
	WHERE id = ? AND is_deleted = 0`,
		task.Title, task.Description, task.Completed, task.UpdatedAt, task.SyncStatus, task.ID)
	if err != nil {
		return storageErr("failed to update task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return taskNotFound(string(task.ID))
	}
	return nil
}

// DeleteTask soft deletes a task and returns its new state. The row is
// never physically removed.
func (r *Repository) DeleteTask(ctx context.Context, id string) (*models.Task, error) {
	now := models.NowMillis()
	res, err := r.conn().ExecContext(ctx, `
	UPDATE tasks SET is_deleted = 1, updated_at = ?, sync_status = ?
	WHERE id = ? AND is_deleted = 0`, now, models.SyncStatusPending, id)
	if err != nil {
		return nil, storageErr("failed to delete task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, taskNotFound(id)
	}
	return r.GetTask(ctx, id)
}

// =====================================================
// Sync bookkeeping
// =====================================================

// MarkSynced records that the remote accepted a queued mutation. The task
// becomes synced only while the accepted snapshot is still its latest
// version; otherwise it stays pending and only the bookkeeping is written.
// It reports whether the task is now synced.
func (r *Repository) MarkSynced(ctx context.Context, ack models.SyncAck) (bool, error) {
	if err := r.recordAck(ctx, ack); err != nil {
		return false, err
	}
	return r.settle(ctx, ack, ack.Version)
}

// MarkSyncError flags a task whose pending mutation failed to sync.
func (r *Repository) MarkSyncError(ctx context.Context, id string) error {
	res, err := r.conn().ExecContext(ctx, `UPDATE tasks SET sync_status = ? WHERE id = ?`,
		models.SyncStatusError, id)
	if err != nil {
		return storageErr("failed to mark task sync error", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return taskNotFound(id)
	}
	return nil
}

// ApplyResolved writes the winning version of a conflict back onto the
// task. A task edited locally after the winner's updated_at keeps its
// newer fields. It reports whether the task is now synced.
func (r *Repository) ApplyResolved(ctx context.Context, winner *models.Task, ack models.SyncAck) (bool, error) {
	res, err := r.conn().ExecContext(ctx, `
	UPDATE tasks SET title = ?, description = ?, completed = ?, is_deleted = ?, updated_at = ?,
		server_id = COALESCE(?, server_id), last_synced_at = ?
	WHERE id = ? AND updated_at <= ?`,
		winner.Title, winner.Description, winner.Completed, winner.IsDeleted, winner.UpdatedAt,
		nullString(ack.ServerID), ack.At, ack.RecordID, winner.UpdatedAt)
	if err != nil {
		return false, storageErr("failed to apply resolved task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := r.recordAck(ctx, ack); err != nil {
			return false, err
		}
		return false, nil
	}
	return r.settle(ctx, ack, winner.UpdatedAt)
}

func (r *Repository) recordAck(ctx context.Context, ack models.SyncAck) error {
	res, err := r.conn().ExecContext(ctx, `
	UPDATE tasks SET server_id = COALESCE(?, server_id), last_synced_at = ?
	WHERE id = ?`, nullString(ack.ServerID), ack.At, ack.RecordID)
	if err != nil {
		return storageErr("failed to record sync acknowledgement", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return taskNotFound(ack.RecordID)
	}
	return nil
}

// settle marks a task synced when version is still its latest state and no
// other queue item below the retry limit carries a later mutation of it.
func (r *Repository) settle(ctx context.Context, ack models.SyncAck, version int64) (bool, error) {
	maxRetries := ack.MaxRetries
	if maxRetries <= 0 {
		maxRetries = math.MaxInt32
	}
	res, err := r.conn().ExecContext(ctx, `
	UPDATE tasks SET sync_status = ?
	WHERE id = ? AND updated_at <= ? AND NOT EXISTS (
		SELECT 1 FROM sync_queue
		WHERE sync_queue.record_id = tasks.id AND sync_queue.id <> ? AND sync_queue.retry_count < ?)`,
		models.SyncStatusSynced, ack.RecordID, version, ack.QueueItemID, maxRetries)
	if err != nil {
		return false, storageErr("failed to mark task synced", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountByStatus returns the number of live tasks in each sync status.
func (r *Repository) CountByStatus(ctx context.Context) (map[models.SyncStatus]int, error) {
	rows, err := r.conn().QueryContext(ctx,
		`SELECT sync_status, COUNT(*) FROM tasks WHERE is_deleted = 0 GROUP BY sync_status`)
	if err != nil {
		return nil, storageErr("failed to count tasks", err)
	}
	defer rows.Close()

	counts := map[models.SyncStatus]int{
		models.SyncStatusPending: 0,
		models.SyncStatusSynced:  0,
		models.SyncStatusError:   0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("failed to count tasks", err)
		}
		counts[models.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

// =====================================================
// Sync state
// =====================================================

const lastSyncKey = "last_sync_at"

// LastSyncAt returns the completion time of the last sync round, or nil
// if no round has finished yet.
func (r *Repository) LastSyncAt(ctx context.Context) (*time.Time, error) {
	var ms int64
	err := r.conn().QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, lastSyncKey).Scan(&ms)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("failed to read last sync time", err)
	}
	at := models.MillisTime(ms)
	return &at, nil
}

// SetLastSyncAt records the completion time of a sync round.
func (r *Repository) SetLastSyncAt(ctx context.Context, at time.Time) error {
	_, err := r.conn().ExecContext(ctx, `
	INSERT INTO sync_state (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, lastSyncKey, at.UnixMilli())
	if err != nil {
		return storageErr("failed to record last sync time", err)
	}
	return nil
}

// =====================================================
// ConflictLog Operations
// =====================================================

// CreateConflictLog creates a new conflict log entry.
func (r *Repository) CreateConflictLog(ctx context.Context, entry *models.ConflictLog) error {
	if entry.ID == "" {
		entry.ID = models.UUID(uuid.New())
	}
	if entry.DetectedAt == 0 {
		entry.DetectedAt = models.NowMillis()
	}
	_, err := r.conn().ExecContext(ctx, `
	INSERT INTO conflict_log (id, record_id, operation, local_timestamp, remote_timestamp, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RecordID, entry.Operation, entry.LocalTimestamp, entry.RemoteTimestamp,
		entry.Resolution, entry.DetectedAt)
	if err != nil {
		return storageErr("failed to create conflict log", err)
	}
	return nil
}

// ListConflictLogs returns the most recent conflict log entries.
func (r *Repository) ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.conn().QueryContext(ctx, `
	SELECT id, record_id, operation, local_timestamp, remote_timestamp, resolution, detected_at
	FROM conflict_log ORDER BY detected_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("failed to list conflict logs", err)
	}
	defer rows.Close()

	logs := make([]*models.ConflictLog, 0)
	for rows.Next() {
		var c models.ConflictLog
		if err := rows.Scan(&c.ID, &c.RecordID, &c.Operation, &c.LocalTimestamp,
			&c.RemoteTimestamp, &c.Resolution, &c.DetectedAt); err != nil {
			return nil, storageErr("failed to scan conflict log", err)
		}
		logs = append(logs, &c)
	}
	return logs, rows.Err()
}
