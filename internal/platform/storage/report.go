package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/marko911/sitb-ckg/internal/ckg"
)

// ReportRow is a changed row of a TB-03 report.
type ReportRow struct {
	Kind      ckg.ReportKind
	ChangedAt time.Time
	Values    map[string]any
}

// Status maps the row onto the wire format.
func (r ReportRow) Status() ckg.StatusPasien {
	return ckg.StatusFromReport(r.Values, r.Kind)
}

// ReportRepository reads changed rows from the SO and RO reports.
type ReportRepository struct {
	db     *DB
	tables map[ckg.ReportKind]string
}

// NewReportRepository creates a new ReportRepository.
func NewReportRepository(db *DB, tables Tables) *ReportRepository {
	return &ReportRepository{
		db: db,
		tables: map[ckg.ReportKind]string{
			ckg.ReportSO: Ident(tables.LaporanSO),
			ckg.ReportRO: Ident(tables.LaporanRO),
		},
	}
}

// Changed returns at most limit rows of kind whose update_at lies in
// (start, end], oldest first. A limit of zero or less returns every row.
func (r *ReportRepository) Changed(ctx context.Context, kind ckg.ReportKind, start, end time.Time, limit int) ([]ReportRow, error) {
	table, ok := r.tables[kind]
	if !ok {
		return nil, fmt.Errorf("changed reports: unknown kind %d", kind)
	}

	var bound any
	if limit > 0 {
		bound = limit
	}

	// LIMIT NULL is no limit.
	sql := `SELECT * FROM ` + table + ` WHERE update_at > $1 AND update_at <= $2 ORDER BY update_at, id LIMIT $3`
	rows, err := Collect(ctx, r.db, func(row pgx.CollectableRow) (ReportRow, error) {
		values, err := pgx.RowToMap(row)
		if err != nil {
			return ReportRow{}, err
		}
		changedAt, _ := values["update_at"].(time.Time)
		return ReportRow{Kind: kind, ChangedAt: changedAt, Values: values}, nil
	}, sql, start, end, bound)
	if err != nil {
		return nil, fmt.Errorf("changed %s reports: %w", kind, err)
	}
	return rows, nil
}
