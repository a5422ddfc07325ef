// Package dialect isolates the SQL differences between the supported
// databases: identifier quoting, placeholder syntax, DDL column types,
// driver error classification, full-text matching, the security predicate
// and the storage format of the cluster invalidation log.
//
// Statements are always built with `?` placeholders; Rebind converts them
// to the dialect's native syntax as the last step.
package dialect

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/fragstore/internal/dberr"
	"github.com/roach88/fragstore/internal/model"
)

// Dialect describes one database flavor.
type Dialect interface {
	// Name is the canonical dialect name ("sqlite", "postgres", "mysql").
	Name() string
	// DriverName is the database/sql driver registered for the dialect.
	DriverName() string

	// Quote quotes an identifier.
	Quote(ident string) string
	// Rebind rewrites `?` placeholders to the native syntax.
	Rebind(query string) string
	// MaxParams bounds the number of parameters of one IN list.
	MaxParams() int

	// IDType is the DDL type of id columns.
	IDType() string
	// ColumnType is the DDL type of a value column.
	ColumnType(t model.ColumnType) string
	// AutoIncrementPK is the DDL of an auto-increment integer primary key.
	AutoIncrementPK() string
	// ColumnsQuery lists the column names of a table; no rows means the
	// table does not exist.
	ColumnsQuery(table string) (string, []any)

	// InitStatements run on every freshly acquired connection.
	InitStatements() []string
	// ValidationQuery is the cheap statement used to check a connection.
	ValidationQuery() string

	// Classify maps a driver error to the error taxonomy.
	Classify(err error) dberr.Kind

	// ILike returns a case-insensitive LIKE of lhs against one parameter.
	ILike(lhs string, not bool) string
	// Fulltext returns the match predicate and relevance score expression of
	// a full-text query on column. Each expression binds the returned
	// parameters in order.
	Fulltext(column, query string) (match string, matchArgs []any, score string, scoreArgs []any)

	// SupportsReadACLs reports whether read permissions can be checked
	// through the precomputed read_acls fragment.
	SupportsReadACLs() bool
	// AccessAllowed returns the call of the database-side ACL primitive.
	AccessAllowed(idExpr string, principals, permissions []string) (string, []any)

	// ClusterFragmentsType is the DDL type of cluster_invals.fragments.
	ClusterFragmentsType() string
	// EncodeFragments converts fragment names to the stored form.
	EncodeFragments(fragments []string) any
	// FragmentsParam is the placeholder binding an encoded fragments value.
	FragmentsParam() string
	// FragmentsScanner returns a scan destination for the stored form and a
	// function returning the decoded names after Scan.
	FragmentsScanner() (dest any, decode func() []string)
}

// New returns the dialect registered under name. Driver names are accepted
// as aliases.
func New(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	case "postgres", "postgresql", "pgx":
		return Postgres{}, nil
	case "mysql":
		return MySQL{}, nil
	default:
		return nil, fmt.Errorf("unknown dialect %q", name)
	}
}

// Open opens a database handle for d.
func Open(d Dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name(), err)
	}
	return db, nil
}

// ReadPermissions are the permissions satisfied by the read_acls fragment.
var ReadPermissions = map[string]bool{
	"Browse":         true,
	"Read":           true,
	"ReadProperties": true,
	"ReadChildren":   true,
	"ReadVersion":    true,
}

// IsReadOnly reports whether every permission is a read permission.
func IsReadOnly(permissions []string) bool {
	if len(permissions) == 0 {
		return false
	}
	for _, p := range permissions {
		if !ReadPermissions[p] {
			return false
		}
	}
	return true
}

// ReadACLPredicate is the precomputed read ACL check shared by the dialects
// that support it.
func ReadACLPredicate(d Dialect, idExpr string, principals []string) (string, []any) {
	alias := d.Quote("_RA")
	var b strings.Builder
	fmt.Fprintf(&b, "EXISTS (SELECT 1 FROM %s %s WHERE %s.%s = %s AND %s.%s IN (%s))",
		d.Quote(model.ReadACLTable), alias,
		alias, d.Quote(model.IDColumn), idExpr,
		alias, d.Quote(model.KeyPrincipal),
		Placeholders(len(principals)))
	args := make([]any, len(principals))
	for i, p := range principals {
		args[i] = p
	}
	return b.String(), args
}

// Placeholders returns n comma-separated `?`.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// classifyCommon handles the errors database/sql reports for every driver.
func classifyCommon(err error) (dberr.Kind, bool) {
	switch {
	case err == nil:
		return "", true
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, driver.ErrBadConn):
		return dberr.ConnectionFailure, true
	}
	var de *dberr.Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}

func quoteWith(ident string, q string) string {
	return q + strings.ReplaceAll(ident, q, q+q) + q
}

func fulltextTerms(query string) []string {
	return strings.Fields(query)
}

// spaceJoined is the scan destination of space-separated fragment lists.
type spaceJoined struct {
	value sql.NullString
}

func (s *spaceJoined) Scan(src any) error {
	return s.value.Scan(src)
}

func (s *spaceJoined) fragments() []string {
	if !s.value.Valid {
		return nil
	}
	return strings.Fields(s.value.String)
}
