package queue

import (
	"context"
	"encoding/json"
	"iter"
	"sort"
	"sync"

	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/uuid"
)

// MemoryStore is a non-durable Queue kept in process memory. It backs
// ephemeral mode and unit tests.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Item
	seq   int64
	now   func() int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*Item),
		now:   models.NowMillis,
	}
}

// WithClock overrides the timestamp source used for created_at.
func (q *MemoryStore) WithClock(now func() int64) *MemoryStore {
	q.now = now
	return q
}

// Enqueue adds an operation to the queue.
func (q *MemoryStore) Enqueue(_ context.Context, recordID string, op models.Operation, snapshot json.RawMessage) (string, error) {
	if err := validateEnqueue(recordID, op, snapshot); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	item := &Item{
		ID:        uuid.New(),
		Seq:       q.seq,
		RecordID:  recordID,
		Operation: op,
		Data:      append(json.RawMessage(nil), snapshot...),
		CreatedAt: q.now(),
	}
	q.items[item.ID] = item

	logging.Debug("Enqueued sync operation", map[string]interface{}{
		"item_id":   item.ID,
		"record_id": recordID,
		"operation": op,
	})

	return item.ID, nil
}

// sorted returns copies of the items matching keep, in processing order.
func (q *MemoryStore) sorted(keep func(*Item) bool) []*Item {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*Item, 0, len(q.items))
	for _, item := range q.items {
		if keep(item) {
			out = append(out, item.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// ListPending yields items below the retry ceiling, oldest first.
func (q *MemoryStore) ListPending(ctx context.Context, maxRetries int) iter.Seq2[*Item, error] {
	return func(yield func(*Item, error) bool) {
		pending := q.sorted(func(i *Item) bool { return i.RetryCount < maxRetries })
		for _, item := range pending {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Remove removes a specific item from the queue.
func (q *MemoryStore) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.items, id)
	return nil
}

// IncrementRetry records a failed attempt.
func (q *MemoryStore) IncrementRetry(_ context.Context, id, msg string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	item.RetryCount++
	item.ErrorMessage = msg
	return item.clone(), nil
}

// Get returns the status of a specific item.
func (q *MemoryStore) Get(_ context.Context, id string) (*Item, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	item, ok := q.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return item.clone(), nil
}

// Count returns the number of dispatchable items.
func (q *MemoryStore) Count(_ context.Context, maxRetries int) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	n := 0
	for _, item := range q.items {
		if item.RetryCount < maxRetries {
			n++
		}
	}
	return n, nil
}

// ListDeadLettered returns items that exhausted their retries.
func (q *MemoryStore) ListDeadLettered(_ context.Context, maxRetries int) ([]*Item, error) {
	return q.sorted(func(i *Item) bool { return i.IsDeadLettered(maxRetries) }), nil
}

// Requeue resets a failed item for another attempt.
func (q *MemoryStore) Requeue(_ context.Context, id string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	item.RetryCount = 0
	item.ErrorMessage = ""

	logging.Info("Requeued dead-lettered item", map[string]interface{}{
		"item_id":   id,
		"record_id": item.RecordID,
	})
	return item.clone(), nil
}

// Size returns the number of items in the queue, dead-lettered included.
func (q *MemoryStore) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

var _ Queue = (*MemoryStore)(nil)
