package dialect

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/fragstore/internal/dberr"
	"github.com/roach88/fragstore/internal/model"
)

// SQLite is the mattn/go-sqlite3 dialect.
type SQLite struct{}

var _ Dialect = SQLite{}

func (SQLite) Name() string       { return "sqlite" }
func (SQLite) DriverName() string { return "sqlite3" }

func (SQLite) Quote(ident string) string { return quoteWith(ident, `"`) }
func (SQLite) Rebind(query string) string { return query }

// MaxParams stays below SQLITE_MAX_VARIABLE_NUMBER of older builds.
func (SQLite) MaxParams() int { return 999 }

func (SQLite) IDType() string { return "TEXT" }

func (SQLite) ColumnType(t model.ColumnType) string {
	switch t {
	case model.TypeLong, model.TypeBoolean:
		return "INTEGER"
	case model.TypeDouble:
		return "REAL"
	case model.TypeTimestamp:
		// The declared type makes the driver scan time.Time values.
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func (SQLite) AutoIncrementPK() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }

func (SQLite) ColumnsQuery(table string) (string, []any) {
	return "SELECT name FROM pragma_table_info(?)", []any{table}
}

func (SQLite) InitStatements() []string {
	return []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
}

func (SQLite) ValidationQuery() string { return "SELECT 1" }

func (SQLite) Classify(err error) dberr.Kind {
	if kind, ok := classifyCommon(err); ok {
		return kind
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch {
		case serr.ExtendedCode == sqlite3.ErrBusySnapshot:
			return dberr.ConcurrentUpdateConflict
		case serr.Code == sqlite3.ErrBusy, serr.Code == sqlite3.ErrLocked:
			return dberr.TransientOverload
		case serr.Code == sqlite3.ErrCantOpen, serr.Code == sqlite3.ErrNotADB:
			return dberr.ConnectionFailure
		}
	}
	return dberr.StorageFailure
}

func (d SQLite) ILike(lhs string, not bool) string {
	op := "LIKE"
	if not {
		op = "NOT LIKE"
	}
	return fmt.Sprintf("LOWER(%s) %s LOWER(?)", lhs, op)
}

// Fulltext matches every term as a substring; all matches score 1.
func (SQLite) Fulltext(column, query string) (string, []any, string, []any) {
	terms := fulltextTerms(query)
	if len(terms) == 0 {
		return "1 = 0", nil, "1", nil
	}
	parts := make([]string, len(terms))
	args := make([]any, len(terms))
	for i, term := range terms {
		parts[i] = fmt.Sprintf("%s LIKE ?", column)
		args[i] = "%" + term + "%"
	}
	return "(" + strings.Join(parts, " AND ") + ")", args, "1", nil
}

func (SQLite) SupportsReadACLs() bool { return true }

func (SQLite) AccessAllowed(idExpr string, principals, permissions []string) (string, []any) {
	return fmt.Sprintf("access_allowed(%s, ?, ?)", idExpr),
		[]any{strings.Join(principals, "|"), strings.Join(permissions, "|")}
}

func (SQLite) ClusterFragmentsType() string { return "TEXT" }

func (SQLite) EncodeFragments(fragments []string) any {
	return strings.Join(fragments, " ")
}

func (SQLite) FragmentsParam() string { return "?" }

func (SQLite) FragmentsScanner() (any, func() []string) {
	s := &spaceJoined{}
	return s, s.fragments
}
