package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

// Migration is one schema step. Each backend gets its own DDL since
// SQLite and PostgreSQL disagree on identity columns and timestamps.
type Migration struct {
	Version    int
	Name       string
	SQLite     string
	PostgreSQL string
}

func (m Migration) ddl(t BackendType) string {
	if t == BackendPostgreSQL {
		return m.PostgreSQL
	}
	return m.SQLite
}

// CurrentVersion returns the highest applied migration version.
func (b *Backend) CurrentVersion(ctx context.Context) (int, error) {
	if err := b.ensureVersionTable(ctx); err != nil {
		return 0, err
	}
	var version int
	err := b.DB.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (b *Backend) ensureVersionTable(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`
	if b.Type == BackendPostgreSQL {
		ddl = `CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)`
	}
	if _, err := b.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}
	return nil
}

// Migrate applies every migration newer than the current version, each in
// its own transaction.
func (b *Backend) Migrate(ctx context.Context, migrations []Migration) error {
	current, err := b.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for _, m := range sorted {
		if m.Version <= current {
			continue
		}
		if err := b.apply(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		b.logger.Info("migration applied", "version", m.Version, "name", m.Name)
	}
	return nil
}

func (b *Backend) apply(ctx context.Context, m Migration) error {
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.ddl(b.Type)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		b.Rebind("INSERT INTO schema_version (version, name) VALUES (?, ?)"), m.Version, m.Name); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}
