package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"iter"
	"math"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/uuid"
)

// defaultPageSize bounds how many rows ListPending reads per query, so no
// result set stays open while the caller mutates the queue.
const defaultPageSize = 100

const itemColumns = `id, seq, record_id, operation, data, created_at, retry_count, error_message`

// SQLStore is the durable Queue backed by the sync_queue table.
type SQLStore struct {
	db       *sql.DB
	now      func() int64
	pageSize int
}

// NewSQLStore creates a SQLStore over an opened, migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{
		db:       db,
		now:      models.NowMillis,
		pageSize: defaultPageSize,
	}
}

// WithClock overrides the timestamp source used for created_at.
func (s *SQLStore) WithClock(now func() int64) *SQLStore {
	s.now = now
	return s
}

// WithPageSize overrides the ListPending page size.
func (s *SQLStore) WithPageSize(n int) *SQLStore {
	if n > 0 {
		s.pageSize = n
	}
	return s
}

func storageErr(op string, err error) error {
	return errors.Wrap(errors.ErrStorage, op, err)
}

func scanItem(row interface{ Scan(...interface{}) error }) (*Item, error) {
	var m models.SyncQueue
	var data string
	var msg sql.NullString
	if err := row.Scan(&m.ID, &m.Seq, &m.RecordID, &m.Operation, &data, &m.CreatedAt, &m.RetryCount, &msg); err != nil {
		return nil, err
	}
	m.Data = json.RawMessage(data)
	if msg.Valid {
		m.ErrorMessage = &msg.String
	}
	return FromModel(&m)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Enqueue appends a mutation to the durable queue.
func (s *SQLStore) Enqueue(ctx context.Context, recordID string, op models.Operation, snapshot json.RawMessage) (string, error) {
	return s.enqueue(ctx, s.db, recordID, op, snapshot)
}

// EnqueueTx appends a mutation inside tx, so the item commits or rolls back
// together with the record change it carries.
func (s *SQLStore) EnqueueTx(ctx context.Context, tx *sql.Tx, recordID string, op models.Operation, snapshot json.RawMessage) (string, error) {
	return s.enqueue(ctx, tx, recordID, op, snapshot)
}

func (s *SQLStore) enqueue(ctx context.Context, conn execer, recordID string, op models.Operation, snapshot json.RawMessage) (string, error) {
	if err := validateEnqueue(recordID, op, snapshot); err != nil {
		return "", err
	}

	id := uuid.New()
	_, err := conn.ExecContext(ctx, `
	INSERT INTO sync_queue (id, record_id, operation, data, created_at, retry_count)
	VALUES (?, ?, ?, ?, ?, 0)`, id, recordID, string(op), string(snapshot), s.now())
	if err != nil {
		return "", storageErr("failed to enqueue sync operation", err)
	}

	logging.Debug("Enqueued sync operation", map[string]interface{}{
		"item_id":   id,
		"record_id": recordID,
		"operation": op,
	})
	return id, nil
}

// pendingPage reads one page of dispatchable items after the given cursor.
func (s *SQLStore) pendingPage(ctx context.Context, maxRetries int, afterCreated, afterSeq int64) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+itemColumns+` FROM sync_queue
	WHERE retry_count < ? AND (created_at > ? OR (created_at = ? AND seq > ?))
	ORDER BY created_at ASC, seq ASC
	LIMIT ?`, maxRetries, afterCreated, afterCreated, afterSeq, s.pageSize)
	if err != nil {
		return nil, storageErr("failed to list pending items", err)
	}
	defer rows.Close()

	page := make([]*Item, 0, s.pageSize)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, storageErr("failed to scan queue item", err)
		}
		page = append(page, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to list pending items", err)
	}
	return page, nil
}

// ListPending lazily pages through dispatchable items, oldest first.
func (s *SQLStore) ListPending(ctx context.Context, maxRetries int) iter.Seq2[*Item, error] {
	return func(yield func(*Item, error) bool) {
		afterCreated, afterSeq := int64(math.MinInt64), int64(0)
		for {
			page, err := s.pendingPage(ctx, maxRetries, afterCreated, afterSeq)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, item := range page {
				if !yield(item, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1]
			afterCreated, afterSeq = last.CreatedAt, last.Seq
		}
	}
}

// Remove deletes an item; a missing item is not an error.
func (s *SQLStore) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return storageErr("failed to remove queue item", err)
	}
	return nil
}

// IncrementRetry bumps retry_count in a single UPDATE ... RETURNING
// statement, so it cannot interleave with a concurrent Remove.
func (s *SQLStore) IncrementRetry(ctx context.Context, id, msg string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
	UPDATE sync_queue SET retry_count = retry_count + 1, error_message = ?
	WHERE id = ?
	RETURNING `+itemColumns, msg, id)

	item, err := scanItem(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("failed to increment retry count", err)
	}
	return item, nil
}

// Get returns a single queue item.
func (s *SQLStore) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanItem(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("failed to get queue item", err)
	}
	return item, nil
}

// Count returns the number of dispatchable items.
func (s *SQLStore) Count(ctx context.Context, maxRetries int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE retry_count < ?`, maxRetries).Scan(&n)
	if err != nil {
		return 0, storageErr("failed to count queue items", err)
	}
	return n, nil
}

// ListDeadLettered returns items that exhausted their retries.
func (s *SQLStore) ListDeadLettered(ctx context.Context, maxRetries int) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+itemColumns+` FROM sync_queue
	WHERE retry_count >= ?
	ORDER BY created_at ASC, seq ASC`, maxRetries)
	if err != nil {
		return nil, storageErr("failed to list dead-lettered items", err)
	}
	defer rows.Close()

	items := make([]*Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, storageErr("failed to scan queue item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to list dead-lettered items", err)
	}
	return items, nil
}

// Requeue resets a failed item for another attempt.
func (s *SQLStore) Requeue(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
	UPDATE sync_queue SET retry_count = 0, error_message = NULL
	WHERE id = ?
	RETURNING `+itemColumns, id)

	item, err := scanItem(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("failed to requeue item", err)
	}

	logging.Info("Requeued dead-lettered item", map[string]interface{}{
		"item_id":   id,
		"record_id": item.RecordID,
	})
	return item, nil
}

var _ Queue = (*SQLStore)(nil)
