package storage

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/jackc/pgx/v5"
)

// MigrationRecord tracks applied migrations.
type MigrationRecord struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

type migration struct {
	version int
	name    string
	sql     string
}

var migrationFuncs = template.FuncMap{
	"ident": Ident,
	"idx":   indexName,
}

// Migrate runs all pending database migrations. Table names in the
// migration files are taken from tables.
func (db *DB) Migrate(ctx context.Context, tables Tables) error {
	if err := db.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := db.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	pending, err := pendingMigrations(applied, tables)
	if err != nil {
		return fmt.Errorf("get pending migrations: %w", err)
	}

	for _, mig := range pending {
		if err := db.applyMigration(ctx, mig); err != nil {
			return fmt.Errorf("apply migration %s: %w", mig.name, err)
		}
		db.logger.Info("migration applied", "version", mig.version, "name", mig.name)
	}

	return nil
}

// MigrateDown rolls back the last steps applied migrations, newest first.
func (db *DB) MigrateDown(ctx context.Context, tables Tables, steps int) error {
	if steps < 1 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}

	applied, err := db.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	rollbacks, err := rollbackMigrations(applied, tables, steps)
	if err != nil {
		return err
	}

	for _, mig := range rollbacks {
		err := db.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.sql); err != nil {
				return fmt.Errorf("execute rollback: %w", err)
			}
			_, err := tx.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, mig.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("rollback migration %s: %w", mig.name, err)
		}
		db.logger.Info("migration rolled back", "version", mig.version, "name", mig.name)
	}

	return nil
}

// rollbackMigrations renders the down migrations of the newest steps
// applied versions, newest first.
func rollbackMigrations(applied []MigrationRecord, tables Tables, steps int) ([]migration, error) {
	sorted := append([]MigrationRecord(nil), applied...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version > sorted[j].Version
	})
	if steps > len(sorted) {
		steps = len(sorted)
	}

	out := make([]migration, 0, steps)
	for _, rec := range sorted[:steps] {
		sql, err := renderMigration(fmt.Sprintf("migrations/%s.down.sql", rec.Name), tables)
		if err != nil {
			return nil, fmt.Errorf("read down migration %s: %w", rec.Name, err)
		}
		out = append(out, migration{version: rec.Version, name: rec.Name, sql: sql})
	}
	return out, nil
}

func (db *DB) ensureMigrationsTable(ctx context.Context) error {
	_, err := db.Execute(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (db *DB) getAppliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	return Collect(ctx, db, func(row pgx.CollectableRow) (MigrationRecord, error) {
		var r MigrationRecord
		err := row.Scan(&r.Version, &r.Name, &r.AppliedAt)
		return r, err
	}, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
}

func (db *DB) applyMigration(ctx context.Context, mig migration) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, mig.sql); err != nil {
			return fmt.Errorf("execute sql: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mig.version, mig.name); err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
		return nil
	})
}

func pendingMigrations(applied []MigrationRecord, tables Tables) ([]migration, error) {
	appliedSet := make(map[int]bool, len(applied))
	for _, a := range applied {
		appliedSet[a.Version] = true
	}

	var migrations []migration
	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".up.sql") {
			return nil
		}

		// e.g. "001_create_bridge_tables.up.sql"
		base := filepath.Base(path)
		parts := strings.SplitN(base, "_", 2)
		if len(parts) < 2 {
			return nil
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			return nil
		}
		if appliedSet[version] {
			return nil
		}

		sql, err := renderMigration(path, tables)
		if err != nil {
			return err
		}
		migrations = append(migrations, migration{
			version: version,
			name:    strings.TrimSuffix(base, ".up.sql"),
			sql:     sql,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})
	return migrations, nil
}

func renderMigration(path string, tables Tables) (string, error) {
	content, err := fs.ReadFile(migrationsFS, path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	tmpl, err := template.New(filepath.Base(path)).Funcs(migrationFuncs).Parse(string(content))
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, tables); err != nil {
		return "", fmt.Errorf("render %s: %w", path, err)
	}
	return buf.String(), nil
}
