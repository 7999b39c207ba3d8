package storage

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/marko911/sitb-ckg/internal/retry"
)

// ErrConnectionLost is returned when an operation still fails with a lost
// connection after every reconnect attempt.
var ErrConnectionLost = errors.New("database connection lost")

// Server-side termination codes that mean the session is gone.
var terminationCodes = map[string]bool{
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

// IsConnectionLost reports whether err means the connection can no longer be
// used and a new one must be opened.
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var de *dialError
	if errors.As(err, &de) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || terminationCodes[pgErr.Code]
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return strings.Contains(err.Error(), "conn closed")
}

// dialError marks a failure to open a connection. Nothing was sent, so any
// statement may be retried after it.
type dialError struct {
	err error
}

func (e *dialError) Error() string     { return "connect: " + e.err.Error() }
func (e *dialError) Unwrap() error     { return e.err }
func (e *dialError) SafeToRetry() bool { return true }

// commitError marks a failure of COMMIT itself. The outcome of the
// transaction is unknown, so it is never replayed.
type commitError struct {
	err error
}

func (e *commitError) Error() string { return "commit: " + e.err.Error() }
func (e *commitError) Unwrap() error { return e.err }

// statementRetryable classifies failures of a single statement. Statements
// that are not idempotent are retried only when pgconn guarantees nothing
// reached the server.
func statementRetryable(sql string) retry.Classifier {
	if isIdempotent(sql) {
		return IsConnectionLost
	}
	return func(err error) bool {
		return IsConnectionLost(err) && pgconn.SafeToRetry(err)
	}
}

func txRetryable(err error) bool {
	var ce *commitError
	if errors.As(err, &ce) {
		return false
	}
	return IsConnectionLost(err)
}

// isIdempotent reports whether replaying sql cannot change the outcome.
// UPDATE and DELETE statements issued through DB assign absolute values.
func isIdempotent(sql string) bool {
	s := strings.ToUpper(strings.TrimSpace(sql))
	if strings.Contains(s, "INSERT") {
		return false
	}
	for _, kw := range []string{"SELECT", "WITH", "UPDATE", "DELETE", "SHOW", "SET"} {
		if strings.HasPrefix(s, kw) {
			return true
		}
	}
	return false
}
