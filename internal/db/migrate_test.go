// Package db tests for database migration management.
package db

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/kimhsiao/tasksync/internal/errors"

	_ "modernc.org/sqlite"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestMigrator(t *testing.T, db *sql.DB, fsys fstest.MapFS) *Migrator {
	t.Helper()
	m := NewMigrator(db, fsys)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	return m
}

func twoTables() fstest.MapFS {
	return fstest.MapFS{
		"V1__widgets.up.sql":   {Data: []byte("CREATE TABLE widgets (id INTEGER PRIMARY KEY);")},
		"V1__widgets.down.sql": {Data: []byte("DROP TABLE widgets;")},
		"V2__gadgets.up.sql":   {Data: []byte("CREATE TABLE gadgets (id INTEGER PRIMARY KEY);")},
		"V2__gadgets.down.sql": {Data: []byte("DROP TABLE gadgets;")},
		"README.md":            {Data: []byte("ignored")},
		"Vx__bad.up.sql":       {Data: []byte("ignored")},
		"V3.up.sql":            {Data: []byte("ignored")},
	}
}

// TestMigrator_UpDown verifies apply, version tracking and rollback.
func TestMigrator_UpDown(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	m := newTestMigrator(t, db, twoTables())

	if err := m.Up(ctx); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	version, err := m.CurrentVersion(ctx)
	if err != nil || version != 2 {
		t.Fatalf("CurrentVersion() = %d, %v; want 2", version, err)
	}

	applied, err := m.Applied(ctx)
	if err != nil {
		t.Fatalf("Applied() failed: %v", err)
	}
	if len(applied) != 2 || applied[0].Description != "widgets" || len(applied[1].Checksum) != 64 {
		t.Errorf("unexpected applied migrations: %+v", applied)
	}

	// Up is idempotent
	if err := m.Up(ctx); err != nil {
		t.Fatalf("second Up() failed: %v", err)
	}

	if err := m.Down(ctx); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	version, _ = m.CurrentVersion(ctx)
	if version != 1 {
		t.Errorf("CurrentVersion() after Down = %d, want 1", version)
	}
	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE name='gadgets'").Scan(&name)
	if err != sql.ErrNoRows {
		t.Errorf("gadgets table should be dropped, err = %v", err)
	}
}

// TestMigrator_DownEmpty verifies rollback without applied migrations fails.
func TestMigrator_DownEmpty(t *testing.T) {
	m := newTestMigrator(t, openMemory(t), fstest.MapFS{})
	err := m.Down(context.Background())
	if !errors.Is(err, errors.ErrMigration) || !strings.Contains(err.Error(), "no migrations") {
		t.Errorf("Down() error = %v, want no migrations", err)
	}
}

// TestMigrator_DownWithoutScript verifies a version without a down file cannot be rolled back.
func TestMigrator_DownWithoutScript(t *testing.T) {
	ctx := context.Background()
	m := newTestMigrator(t, openMemory(t), fstest.MapFS{
		"V1__forward_only.up.sql": {Data: []byte("CREATE TABLE f (id INTEGER);")},
	})
	if err := m.Up(ctx); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Down(ctx); err == nil || !strings.Contains(err.Error(), "no rollback script") {
		t.Errorf("Down() error = %v, want no rollback script", err)
	}
}

// TestMigrator_BadSQL verifies a failing migration is not recorded.
func TestMigrator_BadSQL(t *testing.T) {
	ctx := context.Background()
	m := newTestMigrator(t, openMemory(t), fstest.MapFS{
		"V1__broken.up.sql": {Data: []byte("CREATE TABLE (;")},
	})
	if err := m.Up(ctx); !errors.Is(err, errors.ErrMigration) {
		t.Fatalf("Up() error = %v, want %s", err, errors.ErrMigration)
	}
	version, _ := m.CurrentVersion(ctx)
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestMigrator_ChangedScript verifies an edited, already-applied script is refused.
func TestMigrator_ChangedScript(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	fsys := twoTables()
	if err := newTestMigrator(t, db, fsys).Up(ctx); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	fsys["V1__widgets.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE widgets (id TEXT PRIMARY KEY);")}
	err := newTestMigrator(t, db, fsys).Up(ctx)
	if err == nil || !strings.Contains(err.Error(), "V1__widgets changed after it was applied") {
		t.Errorf("Up() error = %v, want changed script", err)
	}
}

// TestMigrator_MissingUp verifies a down file without its up file is rejected.
func TestMigrator_MissingUp(t *testing.T) {
	m := newTestMigrator(t, openMemory(t), fstest.MapFS{
		"V1__orphan.down.sql": {Data: []byte("DROP TABLE orphan;")},
	})
	if err := m.Up(context.Background()); err == nil || !strings.Contains(err.Error(), "no up script") {
		t.Errorf("Up() error = %v, want no up script", err)
	}
}

// TestParseScriptName covers the V<n>__<description> naming scheme.
func TestParseScriptName(t *testing.T) {
	tests := []struct {
		base        string
		version     int
		description string
		ok          bool
	}{
		{"V1__initial_schema", 1, "initial_schema", true},
		{"V12__add_index", 12, "add_index", true},
		{"V0__zero", 0, "", false},
		{"Vx__bad", 0, "", false},
		{"1__no_prefix", 0, "", false},
		{"V2__", 0, "", false},
		{"V3", 0, "", false},
	}
	for _, tt := range tests {
		version, description, ok := parseScriptName(tt.base)
		if version != tt.version || description != tt.description || ok != tt.ok {
			t.Errorf("parseScriptName(%q) = %d, %q, %v; want %d, %q, %v",
				tt.base, version, description, ok, tt.version, tt.description, tt.ok)
		}
	}
}

// TestEmbeddedMigrations verifies the shipped schema applies and rolls back cleanly.
func TestEmbeddedMigrations(t *testing.T) {
	ctx := context.Background()
	m := NewMigrator(openMemory(t), Migrations)
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(ctx); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	version, err := m.CurrentVersion(ctx)
	if err != nil || version != 2 {
		t.Fatalf("CurrentVersion() = %d, %v; want 2", version, err)
	}
	for v := version; v > 0; v-- {
		if err := m.Down(ctx); err != nil {
			t.Fatalf("Down() from V%d failed: %v", v, err)
		}
	}
	if version, _ := m.CurrentVersion(ctx); version != 0 {
		t.Errorf("CurrentVersion() after full rollback = %d, want 0", version)
	}
}
