// Package queue provides the durable, ordered log of pending task mutations
// consumed by the sync engine.
package queue

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/models"
)

// DefaultMaxRetries is the retry ceiling after which an item is dead-lettered.
const DefaultMaxRetries = 3

// ErrNotFound is returned when a queue item no longer exists.
var ErrNotFound = errors.New(errors.ErrNotFound, "queue item not found")

// Item is one queued mutation against a task.
type Item struct {
	ID           string
	Seq          int64
	RecordID     string
	Operation    models.Operation
	Data         json.RawMessage // full task snapshot at enqueue time
	CreatedAt    int64           // unix milliseconds, defines processing order
	RetryCount   int
	ErrorMessage string
}

// IsDeadLettered reports whether the item has exhausted its retry budget.
func (i *Item) IsDeadLettered(maxRetries int) bool {
	return i.RetryCount >= maxRetries
}

// Task decodes the item's snapshot.
func (i *Item) Task() (*models.Task, error) {
	return models.TaskFromSnapshot(i.Data)
}

func (i *Item) clone() *Item {
	c := *i
	c.Data = append(json.RawMessage(nil), i.Data...)
	return &c
}

// Summary describes an item without its snapshot, for listings.
type Summary struct {
	ID           string           `json:"id" yaml:"id"`
	RecordID     string           `json:"record_id" yaml:"record_id"`
	Operation    models.Operation `json:"operation" yaml:"operation"`
	CreatedAt    int64            `json:"created_at" yaml:"created_at"`
	RetryCount   int              `json:"retry_count" yaml:"retry_count"`
	ErrorMessage string           `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// Summary returns the item's listing view.
func (i *Item) Summary() Summary {
	return Summary{
		ID:           i.ID,
		RecordID:     i.RecordID,
		Operation:    i.Operation,
		CreatedAt:    i.CreatedAt,
		RetryCount:   i.RetryCount,
		ErrorMessage: i.ErrorMessage,
	}
}

// Summaries maps items to their listing views.
func Summaries(items []*Item) []Summary {
	out := make([]Summary, 0, len(items))
	for _, item := range items {
		out = append(out, item.Summary())
	}
	return out
}

// ToModel converts an Item to a SyncQueue model for database storage.
func (i *Item) ToModel() *models.SyncQueue {
	m := &models.SyncQueue{
		ID:         models.UUID(i.ID),
		Seq:        i.Seq,
		RecordID:   models.UUID(i.RecordID),
		Operation:  string(i.Operation),
		Data:       i.Data,
		CreatedAt:  i.CreatedAt,
		RetryCount: i.RetryCount,
	}
	if i.ErrorMessage != "" {
		msg := i.ErrorMessage
		m.ErrorMessage = &msg
	}
	return m
}

// FromModel creates an Item from a SyncQueue model.
func FromModel(m *models.SyncQueue) (*Item, error) {
	op, err := models.ParseOperation(m.Operation)
	if err != nil {
		return nil, err
	}
	item := &Item{
		ID:         string(m.ID),
		Seq:        m.Seq,
		RecordID:   string(m.RecordID),
		Operation:  op,
		Data:       m.Data,
		CreatedAt:  m.CreatedAt,
		RetryCount: m.RetryCount,
	}
	if m.ErrorMessage != nil {
		item.ErrorMessage = *m.ErrorMessage
	}
	return item, nil
}

// Queue is the operation log contract used by the sync engine.
//
// Items for the same record are always listed in creation order. All
// methods propagate storage failures to the caller.
type Queue interface {
	// Enqueue appends a mutation with retry_count 0 and returns its id.
	Enqueue(ctx context.Context, recordID string, op models.Operation, snapshot json.RawMessage) (string, error)

	// ListPending lazily yields items with retry_count < maxRetries in
	// ascending created_at order. Each iteration re-reads current state.
	ListPending(ctx context.Context, maxRetries int) iter.Seq2[*Item, error]

	// Remove deletes an item. Removing a missing item is not an error.
	Remove(ctx context.Context, id string) error

	// IncrementRetry atomically bumps retry_count and records msg. It
	// returns ErrNotFound if the item was removed concurrently.
	IncrementRetry(ctx context.Context, id, msg string) (*Item, error)

	// Get returns a single item.
	Get(ctx context.Context, id string) (*Item, error)

	// Count returns the number of items still eligible for dispatch.
	Count(ctx context.Context, maxRetries int) (int, error)

	// ListDeadLettered returns items whose retry_count reached maxRetries.
	ListDeadLettered(ctx context.Context, maxRetries int) ([]*Item, error)

	// Requeue resets a dead-lettered item so it is dispatched again. It is
	// an operator action and is never called by the engine itself.
	Requeue(ctx context.Context, id string) (*Item, error)
}

func validateEnqueue(recordID string, op models.Operation, snapshot json.RawMessage) error {
	if recordID == "" {
		return errors.New(errors.ErrInvalid, "record id is required")
	}
	if _, err := models.ParseOperation(string(op)); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid operation", err)
	}
	if !json.Valid(snapshot) {
		return errors.New(errors.ErrInvalid, "snapshot must be valid JSON")
	}
	return nil
}
