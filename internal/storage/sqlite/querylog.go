package sqlite

import (
	"context"
	"database/sql"
	"log"
	"time"
)

const slowQueryThreshold = 100 * time.Millisecond

// dbHandle is satisfied by both *sql.DB and *queryLogger so Store methods
// never depend on the concrete handle.
type dbHandle interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	Begin() (*sql.Tx, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

// queryLogger wraps a *sql.DB and reports statements that overrun the slow
// query threshold. Transactions are not instrumented; contention inside
// them shows up on the individual statements.
type queryLogger struct {
	inner *sql.DB
}

func (q *queryLogger) observe(query string, start time.Time) {
	if d := time.Since(start); d >= slowQueryThreshold {
		log.Printf("[store] slow query (%s): %s", d.Round(time.Millisecond), clipQuery(query))
	}
}

func (q *queryLogger) Exec(query string, args ...any) (sql.Result, error) {
	defer q.observe(query, time.Now())
	return q.inner.Exec(query, args...)
}

func (q *queryLogger) Query(query string, args ...any) (*sql.Rows, error) {
	defer q.observe(query, time.Now())
	return q.inner.Query(query, args...)
}

func (q *queryLogger) QueryRow(query string, args ...any) *sql.Row {
	defer q.observe(query, time.Now())
	return q.inner.QueryRow(query, args...)
}

func (q *queryLogger) Begin() (*sql.Tx, error) {
	return q.inner.Begin()
}

func (q *queryLogger) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return q.inner.BeginTx(ctx, opts)
}

func (q *queryLogger) Close() error {
	return q.inner.Close()
}

func clipQuery(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
