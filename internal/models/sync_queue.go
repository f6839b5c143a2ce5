package models

import (
	"encoding/json"
	"fmt"
)

// Operation is the kind of local mutation recorded in the sync queue.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// SyncQueue represents a pending sync operation row.
type SyncQueue struct {
	ID           UUID            `db:"id" json:"id"`
	Seq          int64           `db:"seq" json:"seq"`
	RecordID     UUID            `db:"record_id" json:"record_id"`
	Operation    string          `db:"operation" json:"operation"` // create, update, delete
	Data         json.RawMessage `db:"data" json:"data"`
	CreatedAt    int64           `db:"created_at" json:"created_at"`
	RetryCount   int             `db:"retry_count" json:"retry_count"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
}

// TableName returns the table name for SyncQueue.
func (SyncQueue) TableName() string {
	return "sync_queue"
}

// SyncAck describes a queued mutation the remote authority accepted.
type SyncAck struct {
	RecordID    string
	QueueItemID string
	ServerID    string
	// At is the reconciliation time in unix milliseconds.
	At int64
	// Version is the updated_at of the accepted snapshot.
	Version int64
	// MaxRetries bounds which other queue items of the record still count
	// as unacknowledged.
	MaxRetries int
}
