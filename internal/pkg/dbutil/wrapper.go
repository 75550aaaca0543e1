package dbutil

import (
	"context"
	"database/sql"
	"time"
)

// DB is the subset of *sql.DB the wrapper needs (allows for easy testing)
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	PingContext(ctx context.Context) error
}

// Wrapper applies a per-operation timeout to database calls so a wedged
// disk never hangs a caller that arrived without a deadline of its own.
type Wrapper struct {
	db      DB
	timeout time.Duration
}

// NewWrapper creates a new database wrapper
func NewWrapper(db DB, timeout time.Duration) *Wrapper {
	return &Wrapper{
		db:      db,
		timeout: timeout,
	}
}

func (w *Wrapper) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, w.timeout)
}

// Exec runs a write statement under the wrapper timeout
func (w *Wrapper) Exec(ctx context.Context, query string, args ...interface{}) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

// QueryString reads a single string column from a single-row query.
// The second return reports whether a row was found.
func (w *Wrapper) QueryString(ctx context.Context, query string, args ...interface{}) (string, bool, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var value string
	err := w.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Ping checks connectivity under the wrapper timeout
func (w *Wrapper) Ping(ctx context.Context) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()
	return w.db.PingContext(ctx)
}
