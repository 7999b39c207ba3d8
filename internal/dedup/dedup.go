// Package dedup records which bus messages have been processed and which
// patient statuses have been dispatched.
package dedup

import (
	"context"
	"time"
)

// Store tracks processed message ids. Entries are only removed by
// PurgeOlderThan.
type Store interface {
	// FilterUnseen returns the ids, in input order, that have not been
	// marked processed.
	FilterUnseen(ctx context.Context, ids []string) ([]string, error)

	// RecordSeen stores the raw message on first receipt. Recording an id
	// twice keeps the first entry.
	RecordSeen(ctx context.Context, id string, payload []byte, attributes map[string]string) error

	// MarkProcessed flags id as processed. It is idempotent.
	MarkProcessed(ctx context.Context, id string) error

	// PurgeOlderThan removes entries older than the cutoff and returns how
	// many were removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

func uniqueInOrder(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
