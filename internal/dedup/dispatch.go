package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/marko911/sitb-ckg/internal/ckg"
	"github.com/marko911/sitb-ckg/internal/platform/storage"
)

// Dispatch is a patient status that reached CKG.
type Dispatch struct {
	CorrelationID string
	Kind          ckg.ReportKind

	// ChangedAt is the report row's change time that was sent.
	ChangedAt time.Time
}

// DispatchLog records dispatched statuses in the outgoing table. Its
// per-kind maximum change time is the outbound watermark.
type DispatchLog struct {
	db    *storage.DB
	table string
}

// NewDispatchLog creates a log on the outgoing table named in tables.
func NewDispatchLog(db *storage.DB, tables storage.Tables) *DispatchLog {
	return &DispatchLog{db: db, table: storage.Ident(tables.Outgoing)}
}

// Watermark returns the latest change time dispatched for kind. ok is false
// when nothing of that kind has been dispatched.
func (l *DispatchLog) Watermark(ctx context.Context, kind ckg.ReportKind) (time.Time, bool, error) {
	var max *time.Time
	sql := `SELECT MAX(source_changed_at) FROM ` + l.table + ` WHERE kind = $1`
	if err := l.db.QueryRow(ctx, sql, []any{kind.String()}, &max); err != nil {
		return time.Time{}, false, fmt.Errorf("watermark %s: %w", kind, err)
	}
	if max == nil {
		return time.Time{}, false, nil
	}
	return *max, true, nil
}

// RecordDispatched upserts every dispatch by correlation id and kind in one
// transaction. A row's change time never moves backwards.
func (l *DispatchLog) RecordDispatched(ctx context.Context, dispatched []Dispatch) error {
	if len(dispatched) == 0 {
		return nil
	}

	sql := `
		INSERT INTO ` + l.table + ` AS o (terduga_id, kind, source_changed_at, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (terduga_id, kind) DO UPDATE SET
			source_changed_at = GREATEST(o.source_changed_at, EXCLUDED.source_changed_at),
			updated_at = NOW()
	`

	err := l.db.WithTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, d := range dispatched {
			batch.Queue(sql, d.CorrelationID, d.Kind.String(), d.ChangedAt)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("record dispatched: %w", err)
	}
	return nil
}

// PurgeOlderThan removes entries last dispatched before cutoff. The newest
// entry of each kind is kept so the watermark survives the sweep.
func (l *DispatchLog) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	sql := `
		DELETE FROM ` + l.table + ` AS o
		WHERE o.updated_at < $1
		  AND o.source_changed_at < (
			SELECT MAX(source_changed_at) FROM ` + l.table + ` AS w WHERE w.kind = o.kind
		  )
	`
	n, err := l.db.Execute(ctx, sql, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge outgoing: %w", err)
	}
	return n, nil
}
