package storage

import (
	"strings"

	"github.com/jackc/pgx/v5"
)

// Tables names the tables the bridge reads and writes. Names may be
// schema-qualified.
type Tables struct {
	Skrining  string
	LaporanSO string
	LaporanRO string
	Incoming  string
	Outgoing  string
	Processed string
}

// DefaultTables returns the production table names.
func DefaultTables() Tables {
	return Tables{
		Skrining:  "ta_skrining",
		LaporanSO: "lap_tbc_03so",
		LaporanRO: "lap_tbc_03ro",
		Incoming:  "ckg_pubsub_incoming",
		Outgoing:  "ckg_pubsub_outgoing",
		Processed: "ckg_pubsub_processed",
	}
}

// Ident quotes a possibly schema-qualified name for use in SQL.
func Ident(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// indexName derives a quoted index name from a table name and a suffix.
func indexName(table, suffix string) string {
	parts := strings.Split(table, ".")
	return pgx.Identifier{parts[len(parts)-1] + "_" + suffix}.Sanitize()
}
