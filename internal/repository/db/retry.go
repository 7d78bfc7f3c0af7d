package db

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("not found")

// ConnectionError marks a database failure that retrying the whole message
// can fix: the connection was refused, timed out, or the server is shutting
// down. The ingestion controller nacks on it so the broker redelivers.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("database connection: %v", e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// Postgres SQLSTATEs treated as transient.
const (
	sqlstateAdminShutdown    = "57P01"
	sqlstateCannotConnectNow = "57P03"
)

// isTransient classifies errors into the retry set: connection refused,
// timeouts, admin_shutdown (57P01), cannot_connect_now (57P03), and
// terminated connections. Everything else fails fast.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlstateAdminShutdown || pgErr.Code == sqlstateCannotConnectNow
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"econnrefused",
		"connection terminated",
		"timeout",
		"timed out",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var retryBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// withRetry runs op, retrying transient failures up to three times with
// 100/200/400 ms backoff. A context deadline expiry is surfaced as-is so
// the controller classifies it as transient itself.
func withRetry(ctx context.Context, logger *zap.Logger, op func() error) error {
	err := op()
	for attempt := 0; attempt < len(retryBackoff); attempt++ {
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}

		logger.Warn("transient database error, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", retryBackoff[attempt]),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff[attempt]):
		}
		err = op()
	}

	if err != nil && isTransient(err) {
		return &ConnectionError{Err: err}
	}
	return err
}
