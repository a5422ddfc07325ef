package dialect

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/roach88/fragstore/internal/dberr"
	"github.com/roach88/fragstore/internal/model"
)

// Postgres is the pgx (database/sql stdlib) dialect.
type Postgres struct{}

var _ Dialect = Postgres{}

func (Postgres) Name() string       { return "postgres" }
func (Postgres) DriverName() string { return "pgx" }

func (Postgres) Quote(ident string) string { return quoteWith(ident, `"`) }

// Rebind numbers placeholders $1..$n, leaving quoted text untouched.
func (Postgres) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
			b.WriteByte(c)
		case c == '\'' || c == '"':
			quote = c
			b.WriteByte(c)
		case c == '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (Postgres) MaxParams() int { return 1000 }

func (Postgres) IDType() string { return "VARCHAR(36)" }

func (Postgres) ColumnType(t model.ColumnType) string {
	switch t {
	case model.TypeClob:
		return "TEXT"
	case model.TypeLong:
		return "BIGINT"
	case model.TypeDouble:
		return "DOUBLE PRECISION"
	case model.TypeBoolean:
		return "BOOLEAN"
	case model.TypeTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "VARCHAR"
	}
}

func (Postgres) AutoIncrementPK() string { return "BIGSERIAL PRIMARY KEY" }

func (Postgres) ColumnsQuery(table string) (string, []any) {
	return "SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ?", []any{table}
}

func (Postgres) InitStatements() []string { return nil }

func (Postgres) ValidationQuery() string { return "SELECT 1" }

func (Postgres) Classify(err error) dberr.Kind {
	if kind, ok := classifyCommon(err); ok {
		return kind
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return dberr.ConcurrentUpdateConflict
		case pgErr.Code == "53300", pgErr.Code == "57P03":
			return dberr.TransientOverload
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "57P02":
			return dberr.ConnectionFailure
		}
		return dberr.StorageFailure
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return dberr.ConnectionFailure
	}
	return dberr.StorageFailure
}

func (Postgres) ILike(lhs string, not bool) string {
	if not {
		return lhs + " NOT ILIKE ?"
	}
	return lhs + " ILIKE ?"
}

func (Postgres) Fulltext(column, query string) (string, []any, string, []any) {
	vector := fmt.Sprintf("to_tsvector('english', %s)", column)
	return vector + " @@ plainto_tsquery('english', ?)", []any{query},
		fmt.Sprintf("ts_rank(%s, plainto_tsquery('english', ?))", vector), []any{query}
}

func (Postgres) SupportsReadACLs() bool { return true }

// AccessAllowed binds principals and permissions as text[] parameters.
func (Postgres) AccessAllowed(idExpr string, principals, permissions []string) (string, []any) {
	return fmt.Sprintf("access_allowed(%s, ?, ?)", idExpr), []any{principals, permissions}
}

func (Postgres) ClusterFragmentsType() string { return "TEXT[]" }

func (Postgres) EncodeFragments(fragments []string) any {
	if fragments == nil {
		return []string{}
	}
	return fragments
}

// FragmentsParam casts the parameter: in an INSERT ... SELECT list an
// untyped parameter would be inferred as text.
func (Postgres) FragmentsParam() string { return "?::text[]" }

func (Postgres) FragmentsScanner() (any, func() []string) {
	var fragments []string
	return pgtype.NewMap().SQLScanner(&fragments), func() []string { return fragments }
}
