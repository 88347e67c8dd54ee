package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"

	"github.com/mistakeknot/ordinate/internal/storage"
)

//go:embed schema.sql
var schema string

// Fixed-width UTC timestamp layout. Lexicographic order equals
// chronological order, which the claim/sweep/metrics queries rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db dbHandle
}

var _ storage.Store = (*Store)(nil)

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite is single-writer; one connection avoids SQLITE_BUSY between
	// our own goroutines and keeps the PRAGMAs on the live connection.
	db.SetMaxOpenConns(1)
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: &queryLogger{inner: db}}, nil
}

func NewInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: &queryLogger{inner: db}}, nil
}

func applyPragmas(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=500",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SQLite result codes we classify on. Extended codes carry the primary
// code in the low byte.
const (
	codeError      = 1
	codeBusy       = 5
	codeLocked     = 6
	codeConstraint = 19
)

// classify maps a driver error to a typed storage error. This is the only
// place that inspects SQLite error codes or message text; everything above
// the adapter switches on storage.Kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.NewError(storage.KindNotFound, op, err)
	}
	var se *sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case codeBusy, codeLocked:
			return storage.NewError(storage.KindContention, op, err)
		case codeConstraint:
			return storage.NewError(storage.KindConstraint, op, err)
		case codeError:
			if strings.Contains(err.Error(), "no such table") {
				return storage.NewError(storage.KindMissingTable, op, err)
			}
		}
		return storage.NewError(storage.KindUnknown, op, err)
	}
	// Driver errors that arrive wrapped in plain strings.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "database table is locked"):
		return storage.NewError(storage.KindContention, op, err)
	case strings.Contains(msg, "unique constraint"), strings.Contains(msg, "constraint failed"):
		return storage.NewError(storage.KindConstraint, op, err)
	case strings.Contains(msg, "no such table"):
		return storage.NewError(storage.KindMissingTable, op, err)
	}
	return storage.NewError(storage.KindUnknown, op, err)
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// errRollback forces a transaction rollback while the operation still
// reports a structured outcome instead of an error.
var errRollback = errors.New("rollback")

// inTx runs fn inside one transaction and commits or rolls back as a
// unit. The returned error is already classified.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		if err == errRollback || storage.KindOf(err) != storage.KindUnknown {
			return err
		}
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	return nil
}
