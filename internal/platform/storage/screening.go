package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/marko911/sitb-ckg/internal/ckg"
)

// UpsertResult reports the row written by ScreeningRepository.Upsert.
type UpsertResult struct {
	ID       int64
	Inserted bool
}

// ScreeningRepository writes screening rows keyed by the CKG correlation id.
type ScreeningRepository struct {
	db        *DB
	table     string
	processed string
}

// NewScreeningRepository creates a new ScreeningRepository.
func NewScreeningRepository(db *DB, tables Tables) *ScreeningRepository {
	return &ScreeningRepository{
		db:        db,
		table:     Ident(tables.Skrining),
		processed: Ident(tables.Processed),
	}
}

// FindByCorrelationID returns the id of the screening row for ckgID.
func (r *ScreeningRepository) FindByCorrelationID(ctx context.Context, ckgID string) (int64, bool, error) {
	var id int64
	sql := `SELECT id FROM ` + r.table + ` WHERE ckg_id = $1 ORDER BY id LIMIT 1`
	err := r.db.QueryRow(ctx, sql, []any{ckgID}, &id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find screening %s: %w", ckgID, err)
	}
	return id, true, nil
}

// Upsert writes s in a single transaction. An existing row is locked and
// updated in place, keeping its created_at. A new row is inserted and
// recorded in the processed table.
func (r *ScreeningRepository) Upsert(ctx context.Context, s ckg.SkriningCKG) (UpsertResult, error) {
	ckgID := s.CorrelationID()
	if ckgID == "" {
		return UpsertResult{}, ckg.ErrMissingCorrelationID
	}
	cols := s.Columns()

	var res UpsertResult
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		res = UpsertResult{}

		var id int64
		lockSQL := `SELECT id FROM ` + r.table + ` WHERE ckg_id = $1 ORDER BY id LIMIT 1 FOR UPDATE`
		err := tx.QueryRow(ctx, lockSQL, ckgID).Scan(&id)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			sql, args := insertStatement(r.table, cols)
			if err := tx.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
				return fmt.Errorf("insert screening: %w", err)
			}
			processedSQL := `
				INSERT INTO ` + r.processed + ` (id, ckg_id, processed_at)
				VALUES ($1, $2, NOW())
				ON CONFLICT (ckg_id) DO UPDATE SET
					id = EXCLUDED.id,
					processed_at = EXCLUDED.processed_at
			`
			if _, err := tx.Exec(ctx, processedSQL, id, ckgID); err != nil {
				return fmt.Errorf("record processed: %w", err)
			}
			res = UpsertResult{ID: id, Inserted: true}
			return nil

		case err != nil:
			return fmt.Errorf("lock screening: %w", err)

		default:
			sql, args := updateStatement(r.table, cols, id)
			if _, err := tx.Exec(ctx, sql, args...); err != nil {
				return fmt.Errorf("update screening: %w", err)
			}
			res = UpsertResult{ID: id}
			return nil
		}
	})
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert screening %s: %w", ckgID, err)
	}
	return res, nil
}

func insertStatement(table string, cols []ckg.Column) (string, []any) {
	names := make([]string, 0, len(cols)+2)
	params := make([]string, 0, len(cols)+2)
	args := make([]any, 0, len(cols))
	for i, c := range cols {
		names = append(names, pgx.Identifier{c.Name}.Sanitize())
		params = append(params, fmt.Sprintf("$%d", i+1))
		args = append(args, c.Value)
	}
	names = append(names, "created_at", "updated_at")
	params = append(params, "NOW()", "NOW()")

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		table, strings.Join(names, ", "), strings.Join(params, ", "))
	return sql, args
}

func updateStatement(table string, cols []ckg.Column, id int64) (string, []any) {
	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", pgx.Identifier{c.Name}.Sanitize(), i+1))
		args = append(args, c.Value)
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, id)

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d",
		table, strings.Join(sets, ", "), len(args))
	return sql, args
}
