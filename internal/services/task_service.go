// Package services couples local task mutations with the sync queue.
// Every create, update and delete is persisted and enqueued as a full
// snapshot in one transaction before the call returns.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/kimhsiao/tasksync/internal/db"
	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/models"
)

// Enqueuer is the part of the operation queue the service writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, recordID string, op models.Operation, snapshot json.RawMessage) (string, error)
}

// TxEnqueuer is implemented by queues kept in the task database. Their
// insert joins the transaction of the mutation it records.
type TxEnqueuer interface {
	EnqueueTx(ctx context.Context, tx *sql.Tx, recordID string, op models.Operation, snapshot json.RawMessage) (string, error)
}

// remover lets a queue outside the database drop an item whose mutation
// failed to commit.
type remover interface {
	Remove(ctx context.Context, id string) error
}

// CreateTaskInput holds the fields a caller may set on a new task.
type CreateTaskInput struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

// UpdateTaskInput is a partial update; nil fields are left unchanged.
type UpdateTaskInput struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (in UpdateTaskInput) IsEmpty() bool {
	return in.Title == nil && in.Description == nil && in.Completed == nil
}

// MutationResult is a persisted task plus the queue item that carries it.
type MutationResult struct {
	Task        *models.Task `json:"task" yaml:"task"`
	QueueItemID string       `json:"queue_item_id" yaml:"queue_item_id"`
}

// TaskService provides task CRUD backed by the sync queue.
type TaskService struct {
	repo  db.TxTaskRepository
	queue Enqueuer
}

// NewTaskService creates a new TaskService.
func NewTaskService(repo db.TxTaskRepository, queue Enqueuer) *TaskService {
	return &TaskService{repo: repo, queue: queue}
}

// Create inserts a task and enqueues its creation.
func (s *TaskService) Create(ctx context.Context, in CreateTaskInput) (*MutationResult, error) {
	task := &models.Task{
		ID:          models.UUID(strings.TrimSpace(in.ID)),
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Completed:   in.Completed,
	}
	return s.mutate(ctx, models.OperationCreate, func(repo *db.Repository) (*models.Task, error) {
		if err := repo.CreateTask(ctx, task); err != nil {
			return nil, err
		}
		return task, nil
	})
}

// Update applies a partial update and enqueues the new state.
func (s *TaskService) Update(ctx context.Context, id string, in UpdateTaskInput) (*MutationResult, error) {
	if in.IsEmpty() {
		return nil, errors.New(errors.ErrInvalid, "no fields to update")
	}
	return s.mutate(ctx, models.OperationUpdate, func(repo *db.Repository) (*models.Task, error) {
		task, err := repo.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.IsDeleted {
			return nil, errors.Newf(errors.ErrTaskNotFound, "task %s is deleted", id)
		}

		if in.Title != nil {
			task.Title = strings.TrimSpace(*in.Title)
		}
		if in.Description != nil {
			task.Description = *in.Description
		}
		if in.Completed != nil {
			task.Completed = *in.Completed
		}
		if err := repo.UpdateTask(ctx, task); err != nil {
			return nil, err
		}
		return task, nil
	})
}

// Delete soft deletes a task and enqueues the deletion.
func (s *TaskService) Delete(ctx context.Context, id string) (*MutationResult, error) {
	return s.mutate(ctx, models.OperationDelete, func(repo *db.Repository) (*models.Task, error) {
		return repo.DeleteTask(ctx, id)
	})
}

// mutate runs fn and the enqueue of its result in one transaction. When
// the enqueue fails the task change is rolled back.
func (s *TaskService) mutate(ctx context.Context, op models.Operation, fn func(repo *db.Repository) (*models.Task, error)) (*MutationResult, error) {
	var result *MutationResult
	err := s.repo.InTx(ctx, func(tx *sql.Tx, repo *db.Repository) error {
		task, err := fn(repo)
		if err != nil {
			return err
		}
		result, err = s.enqueue(ctx, tx, task, op)
		return err
	})
	if err != nil {
		if result != nil {
			s.discard(ctx, result.QueueItemID)
		}
		return nil, err
	}
	return result, nil
}

// discard removes an item queued outside the transaction that then failed
// to commit.
func (s *TaskService) discard(ctx context.Context, itemID string) {
	if _, joined := s.queue.(TxEnqueuer); joined {
		return
	}
	r, ok := s.queue.(remover)
	if !ok {
		return
	}
	if err := r.Remove(context.WithoutCancel(ctx), itemID); err != nil {
		logging.Error("Failed to discard orphaned queue item", err, map[string]interface{}{
			"queue_item_id": itemID,
		})
	}
}

// Get returns a task by id, including soft-deleted tasks.
func (s *TaskService) Get(ctx context.Context, id string) (*models.Task, error) {
	return s.repo.GetTask(ctx, id)
}

// List returns tasks, newest first.
func (s *TaskService) List(ctx context.Context, includeDeleted bool) ([]*models.Task, error) {
	return s.repo.ListTasks(ctx, includeDeleted)
}

func (s *TaskService) enqueue(ctx context.Context, tx *sql.Tx, task *models.Task, op models.Operation) (*MutationResult, error) {
	snapshot, err := task.Snapshot()
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to snapshot task", err)
	}

	var itemID string
	if txq, ok := s.queue.(TxEnqueuer); ok {
		itemID, err = txq.EnqueueTx(ctx, tx, string(task.ID), op, snapshot)
	} else {
		itemID, err = s.queue.Enqueue(ctx, string(task.ID), op, snapshot)
	}
	if err != nil {
		logging.Error("Failed to enqueue task mutation", err, map[string]interface{}{
			"task_id":   string(task.ID),
			"operation": string(op),
		})
		return nil, errors.Wrap(errors.CodeOf(err), "failed to enqueue "+string(op), err)
	}

	logging.Debug("Task mutation enqueued", map[string]interface{}{
		"task_id":       string(task.ID),
		"operation":     string(op),
		"queue_item_id": itemID,
	})
	return &MutationResult{Task: task, QueueItemID: itemID}, nil
}
