// Package dberr defines the error taxonomy of the storage core.
//
// Every error that leaves the connection guard, the row store or the query
// compiler is (or wraps) an *Error carrying a Kind. Callers decide between
// reset, retry and surfacing with KindOf or the IsXxx helpers, which look
// through wrapped errors with errors.As.
package dberr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes storage errors.
type Kind string

const (
	// StorageFailure is anything not covered by a more specific kind.
	// Fatal for the current operation.
	StorageFailure Kind = "STORAGE_FAILURE"

	// ConnectionFailure means the physical connection is lost.
	// Recoverable by resetting the connection.
	ConnectionFailure Kind = "CONNECTION_FAILURE"

	// TransientOverload means the database is temporarily unavailable.
	// Recoverable by bounded retry.
	TransientOverload Kind = "TRANSIENT_OVERLOAD"

	// ConcurrentUpdateConflict is an optimistic-conflict signal from the
	// database. Surfaced so a higher level can retry the whole unit of work.
	ConcurrentUpdateConflict Kind = "CONCURRENT_UPDATE"

	// QueryError means a query referenced an unknown property or an
	// unsupported construct. Caller error, never retried.
	QueryError Kind = "QUERY_ERROR"

	// IntegrityAnomaly is a repaired data anomaly (duplicate child name).
	IntegrityAnomaly Kind = "INTEGRITY_ANOMALY"
)

// Error is a classified storage error.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Op is the operation that failed, e.g. "read rows".
	Op string

	// Table is the fragment table involved, if any.
	Table string

	// Subject names the logical row id, property or query construct.
	Subject string

	// SQL is the statement text, when one was executing.
	SQL string

	// Cause is the originating error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Table != "" {
		fmt.Fprintf(&b, " (table=%s)", e.Table)
	}
	if e.Subject != "" {
		fmt.Fprintf(&b, " [%s]", e.Subject)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given kind.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// WithSQL attaches the statement text.
func (e *Error) WithSQL(sql string) *Error {
	e.SQL = sql
	return e
}

// WithTable attaches the fragment table.
func (e *Error) WithTable(table string) *Error {
	e.Table = table
	return e
}

// NewQueryError reports an invalid query construct.
func NewQueryError(subject, format string, args ...any) *Error {
	return &Error{
		Kind:    QueryError,
		Op:      "compile query",
		Subject: subject,
		Cause:   fmt.Errorf(format, args...),
	}
}

// KindOf returns the kind of err, StorageFailure for unclassified errors and
// the empty kind for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return StorageFailure
}

// IsConnectionFailure reports whether err is a lost connection.
func IsConnectionFailure(err error) bool {
	return is(err, ConnectionFailure)
}

// IsTransientOverload reports whether err is a temporary unavailability.
func IsTransientOverload(err error) bool {
	return is(err, TransientOverload)
}

// IsConcurrentUpdate reports whether err is an optimistic conflict.
func IsConcurrentUpdate(err error) bool {
	return is(err, ConcurrentUpdateConflict)
}

// IsQueryError reports whether err is an invalid query.
func IsQueryError(err error) bool {
	return is(err, QueryError)
}

// IsIntegrityAnomaly reports whether err is a repaired anomaly.
func IsIntegrityAnomaly(err error) bool {
	return is(err, IntegrityAnomaly)
}

func is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
