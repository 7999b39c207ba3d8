package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marko911/sitb-ckg/internal/platform/storage"
)

// PostgresStore keeps the dedup log in the incoming table.
type PostgresStore struct {
	db    *storage.DB
	table string
}

// NewPostgresStore creates a store on the incoming table named in tables.
func NewPostgresStore(db *storage.DB, tables storage.Tables) *PostgresStore {
	return &PostgresStore{db: db, table: storage.Ident(tables.Incoming)}
}

func (s *PostgresStore) FilterUnseen(ctx context.Context, ids []string) ([]string, error) {
	ids = uniqueInOrder(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	sql := `SELECT id FROM ` + s.table + ` WHERE id = ANY($1) AND processed_at IS NOT NULL`
	rows, err := s.db.Query(ctx, sql, ids)
	if err != nil {
		return nil, fmt.Errorf("filter unseen: %w", err)
	}

	processed := make(map[string]bool, len(rows))
	for _, row := range rows {
		if id, ok := row["id"].(string); ok {
			processed[id] = true
		}
	}

	unseen := make([]string, 0, len(ids))
	for _, id := range ids {
		if !processed[id] {
			unseen = append(unseen, id)
		}
	}
	return unseen, nil
}

func (s *PostgresStore) RecordSeen(ctx context.Context, id string, payload []byte, attributes map[string]string) error {
	attrs, err := json.Marshal(nonNilAttrs(attributes))
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}

	sql := `
		INSERT INTO ` + s.table + ` (id, data, attributes, received_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := s.db.Execute(ctx, sql, id, string(payload), attrs); err != nil {
		return fmt.Errorf("record seen %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id string) error {
	n, err := s.db.Execute(ctx, `UPDATE `+s.table+` SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", id, err)
	}
	if n > 0 {
		return nil
	}

	// Never recorded as seen; create the entry directly.
	sql := `
		INSERT INTO ` + s.table + ` (id, received_at, processed_at)
		VALUES ($1, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET processed_at = EXCLUDED.processed_at
	`
	if _, err := s.db.Execute(ctx, sql, id); err != nil {
		return fmt.Errorf("mark processed %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	sql := `DELETE FROM ` + s.table + ` WHERE COALESCE(processed_at, received_at) < $1`
	n, err := s.db.Execute(ctx, sql, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge incoming: %w", err)
	}
	return n, nil
}

func nonNilAttrs(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
