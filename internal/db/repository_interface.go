// Package db provides repository interfaces for tasksync data models.
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/kimhsiao/tasksync/internal/models"
)

// TaskRepository defines CRUD operations for task persistence.
type TaskRepository interface {
	// CreateTask creates a new task in pending state.
	CreateTask(ctx context.Context, task *models.Task) error

	// GetTask retrieves a task by ID, including soft-deleted tasks.
	GetTask(ctx context.Context, id string) (*models.Task, error)

	// ListTasks returns tasks, optionally including soft-deleted ones.
	ListTasks(ctx context.Context, includeDeleted bool) ([]*models.Task, error)

	// UpdateTask updates an existing task.
	UpdateTask(ctx context.Context, task *models.Task) error

	// DeleteTask soft deletes a task.
	DeleteTask(ctx context.Context, id string) (*models.Task, error)
}

// TxTaskRepository is a TaskRepository whose mutations can share a
// transaction with other writes to the same database.
type TxTaskRepository interface {
	TaskRepository

	// InTx runs fn on a repository bound to one transaction.
	InTx(ctx context.Context, fn func(tx *sql.Tx, repo *Repository) error) error
}

// SyncStatusRepository defines the sync bookkeeping written onto tasks.
type SyncStatusRepository interface {
	MarkSynced(ctx context.Context, ack models.SyncAck) (bool, error)
	MarkSyncError(ctx context.Context, id string) error
	ApplyResolved(ctx context.Context, winner *models.Task, ack models.SyncAck) (bool, error)
}

// SyncStateRepository persists engine state that outlives a process.
type SyncStateRepository interface {
	LastSyncAt(ctx context.Context) (*time.Time, error)
	SetLastSyncAt(ctx context.Context, at time.Time) error
}

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	CreateConflictLog(ctx context.Context, entry *models.ConflictLog) error
	ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error)
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ TaskRepository        = (*Repository)(nil)
	_ TxTaskRepository      = (*Repository)(nil)
	_ SyncStatusRepository  = (*Repository)(nil)
	_ SyncStateRepository   = (*Repository)(nil)
	_ ConflictLogRepository = (*Repository)(nil)
)
