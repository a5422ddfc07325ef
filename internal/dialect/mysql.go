package dialect

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/roach88/fragstore/internal/dberr"
	"github.com/roach88/fragstore/internal/model"
)

// MySQL is the go-sql-driver/mysql dialect.
type MySQL struct{}

var _ Dialect = MySQL{}

// MySQL server error numbers.
const (
	mysqlLockWaitTimeout   = 1205
	mysqlDeadlock          = 1213
	mysqlTooManyConns      = 1040
	mysqlServerShutdown    = 1053
	mysqlServerGone        = 2006
	mysqlServerLost        = 2013
	mysqlUserTooManyConns  = 1203
	mysqlConnCountExceeded = 1226
)

func (MySQL) Name() string       { return "mysql" }
func (MySQL) DriverName() string { return "mysql" }

func (MySQL) Quote(ident string) string  { return quoteWith(ident, "`") }
func (MySQL) Rebind(query string) string { return query }
func (MySQL) MaxParams() int             { return 1000 }

func (MySQL) IDType() string { return "VARCHAR(36)" }

func (MySQL) ColumnType(t model.ColumnType) string {
	switch t {
	case model.TypeClob:
		return "LONGTEXT"
	case model.TypeLong:
		return "BIGINT"
	case model.TypeDouble:
		return "DOUBLE"
	case model.TypeBoolean:
		return "BOOLEAN"
	case model.TypeTimestamp:
		return "DATETIME(6)"
	default:
		return "VARCHAR(250)"
	}
}

func (MySQL) AutoIncrementPK() string { return "BIGINT AUTO_INCREMENT PRIMARY KEY" }

func (MySQL) ColumnsQuery(table string) (string, []any) {
	return "SELECT column_name FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ?", []any{table}
}

func (MySQL) InitStatements() []string { return nil }

func (MySQL) ValidationQuery() string { return "SELECT 1" }

func (MySQL) Classify(err error) dberr.Kind {
	if kind, ok := classifyCommon(err); ok {
		return kind
	}
	if errors.Is(err, mysql.ErrInvalidConn) {
		return dberr.ConnectionFailure
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlDeadlock, mysqlLockWaitTimeout:
			return dberr.ConcurrentUpdateConflict
		case mysqlTooManyConns, mysqlUserTooManyConns, mysqlConnCountExceeded:
			return dberr.TransientOverload
		case mysqlServerGone, mysqlServerLost, mysqlServerShutdown:
			return dberr.ConnectionFailure
		}
	}
	return dberr.StorageFailure
}

func (MySQL) ILike(lhs string, not bool) string {
	op := "LIKE"
	if not {
		op = "NOT LIKE"
	}
	return fmt.Sprintf("LOWER(%s) %s LOWER(?)", lhs, op)
}

func (MySQL) Fulltext(column, query string) (string, []any, string, []any) {
	match := fmt.Sprintf("MATCH (%s) AGAINST (? IN NATURAL LANGUAGE MODE)", column)
	return match, []any{query}, match, []any{query}
}

// SupportsReadACLs is false: read_acls maintenance relies on triggers the
// MySQL schema does not install.
func (MySQL) SupportsReadACLs() bool { return false }

func (MySQL) AccessAllowed(idExpr string, principals, permissions []string) (string, []any) {
	return fmt.Sprintf("access_allowed(%s, ?, ?)", idExpr),
		[]any{strings.Join(principals, "|"), strings.Join(permissions, "|")}
}

func (MySQL) ClusterFragmentsType() string { return "VARCHAR(4000)" }

func (MySQL) EncodeFragments(fragments []string) any {
	return strings.Join(fragments, " ")
}

func (MySQL) FragmentsParam() string { return "?" }

func (MySQL) FragmentsScanner() (any, func() []string) {
	s := &spaceJoined{}
	return s, s.fragments
}
