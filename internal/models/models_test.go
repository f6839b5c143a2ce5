// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"testing"
	"time"
)

// =====================================================
// UUID Type Tests
// =====================================================

// TestUUID_Value verifies the Value() method returns correct string.
func TestUUID_Value(t *testing.T) {
	uuid := UUID("123e4567-e89b-42d3-a456-426614174000")

	val, err := uuid.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	if val != "123e4567-e89b-42d3-a456-426614174000" {
		t.Errorf("Value() = %v", val)
	}
}

// TestUUID_Scan verifies supported and unsupported source types.
func TestUUID_Scan(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		want    UUID
		wantErr bool
	}{
		{"nil", nil, "", false},
		{"bytes", []byte("abc"), "abc", false},
		{"string", "def", "def", false},
		{"int", 12345, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var u UUID
			err := u.Scan(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Scan() error = %v, wantErr %v", err, tt.wantErr)
			}
			if u != tt.want {
				t.Errorf("Scan() = %q, want %q", u, tt.want)
			}
		})
	}
}

// =====================================================
// Task Tests
// =====================================================

// TestTask_TableName verifies table name.
func TestTask_TableName(t *testing.T) {
	if (Task{}).TableName() != "tasks" {
		t.Errorf("TableName() = %q, want 'tasks'", (Task{}).TableName())
	}
}

// TestTask_UpdatedAtTime verifies millisecond conversion.
func TestTask_UpdatedAtTime(t *testing.T) {
	task := Task{UpdatedAt: 1609459200123}
	want := time.Unix(1609459200, 123*int64(time.Millisecond))
	if got := task.UpdatedAtTime(); !got.Equal(want) {
		t.Errorf("UpdatedAtTime() = %v, want %v", got, want)
	}
}

// TestTask_Touch verifies Touch() bumps the timestamp and marks pending.
func TestTask_Touch(t *testing.T) {
	task := Task{UpdatedAt: 1, SyncStatus: SyncStatusSynced}
	task.Touch()

	if task.UpdatedAt <= 1 {
		t.Errorf("UpdatedAt not advanced: %d", task.UpdatedAt)
	}
	if task.SyncStatus != SyncStatusPending {
		t.Errorf("SyncStatus = %s, want pending", task.SyncStatus)
	}
}

// TestTask_SnapshotRoundTrip verifies a snapshot carries every field.
func TestTask_SnapshotRoundTrip(t *testing.T) {
	synced := int64(42)
	task := &Task{
		ID:           "t-1",
		Title:        "Write report",
		Description:  "quarterly",
		Completed:    true,
		CreatedAt:    10,
		UpdatedAt:    20,
		SyncStatus:   SyncStatusError,
		ServerID:     "srv-1",
		LastSyncedAt: &synced,
	}

	data, err := task.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	got, err := TaskFromSnapshot(data)
	if err != nil {
		t.Fatalf("TaskFromSnapshot() error = %v", err)
	}
	if got.Title != task.Title || got.UpdatedAt != task.UpdatedAt || !got.Completed {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.LastSyncedAt == nil || *got.LastSyncedAt != 42 {
		t.Errorf("LastSyncedAt = %v, want 42", got.LastSyncedAt)
	}
}

// TestTaskFromSnapshot_invalid verifies malformed snapshots are rejected.
func TestTaskFromSnapshot_invalid(t *testing.T) {
	if _, err := TaskFromSnapshot(nil); err == nil {
		t.Error("expected error for empty snapshot")
	}
	if _, err := TaskFromSnapshot(json.RawMessage(`{not json`)); err == nil {
		t.Error("expected error for malformed snapshot")
	}
}

// TestTask_ApplyFields verifies identity and sync fields are preserved.
func TestTask_ApplyFields(t *testing.T) {
	dst := &Task{ID: "local", Title: "old", ServerID: "srv-1", SyncStatus: SyncStatusPending}
	src := &Task{ID: "remote", Title: "new", Completed: true, UpdatedAt: 99}

	dst.ApplyFields(src)

	if dst.ID != "local" || dst.ServerID != "srv-1" {
		t.Errorf("identity changed: %+v", dst)
	}
	if dst.Title != "new" || !dst.Completed || dst.UpdatedAt != 99 {
		t.Errorf("fields not applied: %+v", dst)
	}
}

// TestSyncStatus_Valid verifies status validation.
func TestSyncStatus_Valid(t *testing.T) {
	for _, s := range []SyncStatus{SyncStatusPending, SyncStatusSynced, SyncStatusError} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if SyncStatus("unknown").Valid() {
		t.Error("unknown status should be invalid")
	}
}

// =====================================================
// SyncQueue Tests
// =====================================================

// TestParseOperation verifies operation parsing.
func TestParseOperation(t *testing.T) {
	for _, name := range []string{"create", "update", "delete"} {
		op, err := ParseOperation(name)
		if err != nil || string(op) != name {
			t.Errorf("ParseOperation(%q) = %q, %v", name, op, err)
		}
	}
	if _, err := ParseOperation("upsert"); err == nil {
		t.Error("ParseOperation(upsert) should fail")
	}
}

// TestTableNames verifies persistence table names.
func TestTableNames(t *testing.T) {
	if (SyncQueue{}).TableName() != "sync_queue" {
		t.Error("SyncQueue table name mismatch")
	}
	if (ConflictLog{}).TableName() != "conflict_log" {
		t.Error("ConflictLog table name mismatch")
	}
}
