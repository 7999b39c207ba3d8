// Package storage provides the resilient database access layer and the
// repositories of the CKG bridge.
package storage

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/marko911/sitb-ckg/internal/retry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds database configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Schema   string
	SSLMode  string

	// TimeZone is applied to the session, either as an IANA name or as a
	// fixed offset such as "+07:00".
	TimeZone string

	ConnectTimeout time.Duration

	// ReconnectAttempts bounds how many times an operation is attempted when
	// the connection is lost.
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              5432,
		User:              "xtb",
		Database:          "xtb",
		Schema:            "public",
		SSLMode:           "disable",
		TimeZone:          "+07:00",
		ConnectTimeout:    10 * time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    500 * time.Millisecond,
	}
}

// ConnectionString returns the PostgreSQL connection string.
func (c Config) ConnectionString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Conn is the subset of *pgx.Conn used by DB.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	IsClosed() bool
}

// Dialer opens a new connection.
type Dialer func(ctx context.Context) (Conn, error)

// DB holds a single connection that is transparently replaced when it is
// lost. Like the connection it wraps, DB is not safe for concurrent use.
type DB struct {
	cfg    Config
	dial   Dialer
	logger *slog.Logger
	conn   Conn

	// OnReconnect, if set, is called after every successful reconnect.
	OnReconnect func()
}

// Open connects to the database described by cfg.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	connCfg, err := pgx.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ConnectTimeout > 0 {
		connCfg.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.TimeZone != "" {
		connCfg.RuntimeParams["timezone"] = SessionTimeZone(cfg.TimeZone)
	}
	if cfg.Schema != "" {
		connCfg.RuntimeParams["search_path"] = cfg.Schema
	}

	dial := func(ctx context.Context) (Conn, error) {
		return pgx.ConnectConfig(ctx, connCfg)
	}
	return NewWithDialer(ctx, cfg, dial, logger)
}

// NewWithDialer connects using dial, which is also used for every reconnect.
func NewWithDialer(ctx context.Context, cfg Config, dial Dialer, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectAttempts < 1 {
		cfg.ReconnectAttempts = DefaultConfig().ReconnectAttempts
	}

	db := &DB{
		cfg:    cfg,
		dial:   dial,
		logger: logger.With("component", "storage"),
	}
	if err := db.connect(ctx); err != nil {
		return nil, err
	}
	if err := db.conn.Ping(ctx); err != nil {
		db.drop()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// Close closes the connection.
func (db *DB) Close(ctx context.Context) error {
	if db.conn == nil {
		return nil
	}
	err := db.conn.Close(ctx)
	db.conn = nil
	return err
}

// Health checks database connectivity.
func (db *DB) Health(ctx context.Context) error {
	return db.run(ctx, "ping", IsConnectionLost, func(c Conn) error {
		return c.Ping(ctx)
	})
}

// Execute runs a statement and returns the number of affected rows.
func (db *DB) Execute(ctx context.Context, sql string, args ...any) (int64, error) {
	var affected int64
	err := db.run(ctx, "execute", statementRetryable(sql), func(c Conn) error {
		tag, err := c.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

// Query returns every row as a column-name keyed map.
func (db *DB) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	return Collect(ctx, db, pgx.RowToMap, sql, args...)
}

// QueryOne returns the first row, or nil when the query yields none.
func (db *DB) QueryOne(ctx context.Context, sql string, args ...any) (map[string]any, error) {
	rows, err := db.Query(ctx, sql, args...)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// QueryRow scans a single row into dest. It returns pgx.ErrNoRows when the
// query yields none.
func (db *DB) QueryRow(ctx context.Context, sql string, args []any, dest ...any) error {
	return db.run(ctx, "query row", statementRetryable(sql), func(c Conn) error {
		return c.QueryRow(ctx, sql, args...).Scan(dest...)
	})
}

// InsertID runs an INSERT ... RETURNING id statement and returns the id.
func (db *DB) InsertID(ctx context.Context, sql string, args ...any) (int64, error) {
	var id int64
	err := db.QueryRow(ctx, sql, args, &id)
	return id, err
}

// Collect runs a query and maps every row with fn. Rows collected by a
// failed attempt are discarded before it is retried.
func Collect[T any](ctx context.Context, db *DB, fn pgx.RowToFunc[T], sql string, args ...any) ([]T, error) {
	var out []T
	err := db.run(ctx, "query", statementRetryable(sql), func(c Conn) error {
		rows, err := c.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, fn)
		return err
	})
	return out, err
}

// Begin starts a transaction. Statements run on the returned transaction are
// not retried; use WithTx for that.
func (db *DB) Begin(ctx context.Context) (pgx.Tx, error) {
	var tx pgx.Tx
	err := db.run(ctx, "begin", IsConnectionLost, func(c Conn) error {
		var err error
		tx, err = c.Begin(ctx)
		return err
	})
	return tx, err
}

// WithTx executes a function within a transaction.
// The transaction is committed if the function returns nil, otherwise rolled back.
// When the connection is lost before COMMIT is sent, the whole transaction is
// replayed on a new connection, so fn must not have side effects outside tx.
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return db.run(ctx, "transaction", txRetryable, func(c Conn) error {
		tx, err := c.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}

		defer func() {
			if p := recover(); p != nil {
				_ = tx.Rollback(ctx)
				panic(p)
			}
		}()

		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !IsConnectionLost(rbErr) {
				return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
			}
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return &commitError{err: err}
		}
		return nil
	})
}

// run executes fn on the current connection. When fn fails with a lost
// connection the handle is dropped, and if retryable accepts the error, fn
// is attempted again on a fresh connection.
func (db *DB) run(ctx context.Context, op string, retryable retry.Classifier, fn func(c Conn) error) error {
	policy := retry.Policy{
		MaxAttempts: db.cfg.ReconnectAttempts,
		Backoff:     retry.Constant(db.cfg.ReconnectDelay),
		Retryable:   retryable,
	}

	err := policy.Do(ctx, func(ctx context.Context) error {
		if db.conn == nil || db.conn.IsClosed() {
			if err := db.reconnect(ctx); err != nil {
				return err
			}
		}
		err := fn(db.conn)
		if err != nil && IsConnectionLost(err) {
			db.drop()
		}
		return err
	}, func(attempt int, err error, wait time.Duration) {
		db.logger.Warn("database connection lost, retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"wait", wait,
			"error", err,
		)
	})

	if err != nil && IsConnectionLost(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrConnectionLost, err)
	}
	return err
}

func (db *DB) connect(ctx context.Context) error {
	c, err := db.dial(ctx)
	if err != nil {
		return &dialError{err: err}
	}
	db.conn = c
	return nil
}

func (db *DB) reconnect(ctx context.Context) error {
	db.drop()
	if err := db.connect(ctx); err != nil {
		return err
	}
	db.logger.Info("database reconnected", "host", db.cfg.Host, "database", db.cfg.Database)
	if db.OnReconnect != nil {
		db.OnReconnect()
	}
	return nil
}

// drop discards the current handle. Close errors are irrelevant on a
// connection already known to be broken.
func (db *DB) drop() {
	if db.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = db.conn.Close(ctx)
	db.conn = nil
}

// SessionTimeZone converts a fixed offset such as "+07:00" to the POSIX form
// PostgreSQL expects, where the sign is inverted. Other values are returned
// unchanged.
func SessionTimeZone(tz string) string {
	tz = strings.TrimSpace(tz)
	if len(tz) != 6 || (tz[0] != '+' && tz[0] != '-') || tz[3] != ':' {
		return tz
	}
	if _, err := time.Parse("15:04", tz[1:]); err != nil {
		return tz
	}

	inverted := "-"
	if tz[0] == '-' {
		inverted = "+"
	}
	return fmt.Sprintf("<%s%s%s>%s%s", tz[:1], tz[1:3], tz[4:], inverted, tz[1:])
}

var _ Conn = (*pgx.Conn)(nil)
