package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncStatus describes whether a task's local state is acknowledged by the
// remote authority.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
)

// Valid reports whether s is a known sync status.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusPending, SyncStatusSynced, SyncStatusError:
		return true
	}
	return false
}

// Task is the record type managed offline and reconciled by the sync engine.
type Task struct {
	ID           UUID       `db:"id" json:"id" yaml:"id"`
	Title        string     `db:"title" json:"title" yaml:"title"`
	Description  string     `db:"description" json:"description" yaml:"description"`
	Completed    bool       `db:"completed" json:"completed" yaml:"completed"`
	CreatedAt    int64      `db:"created_at" json:"created_at" yaml:"created_at"`
	UpdatedAt    int64      `db:"updated_at" json:"updated_at" yaml:"updated_at"`
	IsDeleted    bool       `db:"is_deleted" json:"is_deleted" yaml:"is_deleted"`
	SyncStatus   SyncStatus `db:"sync_status" json:"sync_status" yaml:"sync_status"`
	ServerID     string     `db:"server_id" json:"server_id,omitempty" yaml:"server_id,omitempty"`
	LastSyncedAt *int64     `db:"last_synced_at" json:"last_synced_at,omitempty" yaml:"last_synced_at,omitempty"`
}

// TableName returns the table name for Task.
func (Task) TableName() string {
	return "tasks"
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (t *Task) UpdatedAtTime() time.Time {
	return MillisTime(t.UpdatedAt)
}

// Touch marks the task as locally modified.
func (t *Task) Touch() {
	t.UpdatedAt = NowMillis()
	t.SyncStatus = SyncStatusPending
}

// Snapshot serializes the full task as stored in a queue item.
func (t *Task) Snapshot() (json.RawMessage, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot task %s: %w", t.ID, err)
	}
	return data, nil
}

// TaskFromSnapshot decodes a queue item snapshot back into a Task.
func TaskFromSnapshot(data json.RawMessage) (*Task, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty task snapshot")
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode task snapshot: %w", err)
	}
	return &t, nil
}

// ApplyFields copies the application-owned fields of src onto t, leaving
// identity and sync bookkeeping untouched.
func (t *Task) ApplyFields(src *Task) {
	t.Title = src.Title
	t.Description = src.Description
	t.Completed = src.Completed
	t.IsDeleted = src.IsDeleted
	t.UpdatedAt = src.UpdatedAt
}
