// Package db provides database schema migration management.
package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations is the schema migration set compiled into the binary.
var Migrations = mustSub(embedded, "migrations")

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(fmt.Sprintf("invalid embedded migrations dir %q: %v", dir, err))
	}
	return sub
}

// Migration is a row of schema_migrations.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// script is one version found in the migration set. Down may be empty.
type script struct {
	version     int
	description string
	up          string
	down        string
}

func (s *script) checksum() string {
	sum := sha256.Sum256([]byte(s.up))
	return hex.EncodeToString(sum[:])
}

// Migrator applies V<n>__<description>.up.sql / .down.sql scripts from an fs.FS
// and records them in schema_migrations.
type Migrator struct {
	db   *sql.DB
	fsys fs.FS
	now  func() time.Time
}

// NewMigrator creates a Migrator reading scripts from fsys.
func NewMigrator(db *sql.DB, fsys fs.FS) *Migrator {
	return &Migrator{db: db, fsys: fsys, now: time.Now}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`)
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to create schema_migrations", err)
	}
	return nil
}

// CurrentVersion returns the highest applied version, or 0.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, errors.Wrap(errors.ErrMigration, "failed to read schema version", err)
	}
	return version, nil
}

// Applied returns the applied migrations in version order.
func (m *Migrator) Applied(ctx context.Context) ([]Migration, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, errors.Wrap(errors.ErrMigration, "failed to list applied migrations", err)
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, errors.Wrap(errors.ErrMigration, "failed to scan migration", err)
		}
		mig.AppliedAt = time.UnixMilli(appliedAt)
		applied = append(applied, mig)
	}
	return applied, rows.Err()
}

// scripts reads the migration set, pairing up and down files by version.
// Files that do not follow the naming scheme are ignored.
func (m *Migrator) scripts() ([]*script, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, errors.Wrap(errors.ErrMigration, "failed to read migrations", err)
	}

	byVersion := make(map[int]*script)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var direction string
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			direction = "up"
		case strings.HasSuffix(name, ".down.sql"):
			direction = "down"
		default:
			continue
		}

		version, description, ok := parseScriptName(strings.TrimSuffix(name, "."+direction+".sql"))
		if !ok {
			continue
		}
		body, err := fs.ReadFile(m.fsys, name)
		if err != nil {
			return nil, errors.Wrap(errors.ErrMigration, "failed to read "+name, err)
		}

		s, exists := byVersion[version]
		if !exists {
			s = &script{version: version, description: description}
			byVersion[version] = s
		}
		if direction == "up" {
			s.up = string(body)
		} else {
			s.down = string(body)
		}
	}

	out := make([]*script, 0, len(byVersion))
	for _, s := range byVersion {
		if s.up == "" {
			return nil, errors.Newf(errors.ErrMigration, "migration V%d has no up script", s.version)
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *script) int { return a.version - b.version })
	return out, nil
}

// parseScriptName splits "V3__add_index" into 3 and "add_index".
func parseScriptName(base string) (int, string, bool) {
	prefix, description, ok := strings.Cut(base, "__")
	if !ok || description == "" || !strings.HasPrefix(prefix, "V") {
		return 0, "", false
	}
	version, err := strconv.Atoi(strings.TrimPrefix(prefix, "V"))
	if err != nil || version <= 0 {
		return 0, "", false
	}
	return version, description, true
}

// pending returns the scripts not yet applied. An applied script whose
// up file has changed since is reported as an error.
func (m *Migrator) pending(ctx context.Context) ([]*script, error) {
	applied, err := m.Applied(ctx)
	if err != nil {
		return nil, err
	}
	all, err := m.scripts()
	if err != nil {
		return nil, err
	}

	recorded := make(map[int]string, len(applied))
	for _, mig := range applied {
		recorded[mig.Version] = mig.Checksum
	}

	var pending []*script
	for _, s := range all {
		sum, ok := recorded[s.version]
		if !ok {
			pending = append(pending, s)
			continue
		}
		if sum != s.checksum() {
			return nil, errors.Newf(errors.ErrMigration,
				"migration V%d__%s changed after it was applied", s.version, s.description)
		}
	}
	return pending, nil
}

// Up applies every pending migration, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	pending, err := m.pending(ctx)
	if err != nil {
		return err
	}
	for _, s := range pending {
		if err := m.apply(ctx, s); err != nil {
			return errors.Wrap(errors.ErrMigration, fmt.Sprintf("failed to apply migration V%d", s.version), err)
		}
		logging.Debug("Applied migration", map[string]interface{}{
			"version":     s.version,
			"description": s.description,
		})
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, s *script) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.up); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)`,
		s.version, m.now().UnixMilli(), s.description, s.checksum()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		return errors.New(errors.ErrMigration, "no migrations to roll back")
	}

	all, err := m.scripts()
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(all, func(s *script) bool { return s.version == current })
	if idx < 0 || all[idx].down == "" {
		return errors.Newf(errors.ErrMigration, "no rollback script for version %d", current)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to begin rollback", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, all[idx].down); err != nil {
		return errors.Wrap(errors.ErrMigration, fmt.Sprintf("failed to roll back V%d", current), err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to remove migration record", err)
	}
	return tx.Commit()
}
