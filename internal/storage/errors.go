package storage

import (
	"errors"
	"fmt"
)

// Kind classifies storage failures so callers never have to pattern-match
// driver message text. The adapter that talks to the database decides the
// kind; everything above it switches on these values.
type Kind int

const (
	KindUnknown Kind = iota
	// KindContention covers busy/locked transient write conflicts.
	// Always safe to retry with backoff.
	KindContention
	// KindConstraint covers unique/check constraint violations. For
	// idempotency-key inserts this means "already applied".
	KindConstraint
	// KindNotFound covers missing rows.
	KindNotFound
	// KindMissingTable covers absent optional diagnostic tables.
	// Diagnostic writes fail open on this kind.
	KindMissingTable
)

func (k Kind) String() string {
	switch k {
	case KindContention:
		return "contention"
	case KindConstraint:
		return "constraint"
	case KindNotFound:
		return "not_found"
	case KindMissingTable:
		return "missing_table"
	default:
		return "unknown"
	}
}

// Error wraps a driver error with its classified kind and the operation
// that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError classifies err under kind for operation op.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classified kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

func IsContention(err error) bool   { return KindOf(err) == KindContention }
func IsConstraint(err error) bool   { return KindOf(err) == KindConstraint }
func IsNotFound(err error) bool     { return KindOf(err) == KindNotFound }
func IsMissingTable(err error) bool { return KindOf(err) == KindMissingTable }
