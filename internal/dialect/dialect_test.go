package dialect

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fragstore/internal/dberr"
	"github.com/roach88/fragstore/internal/model"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"sqlite", "sqlite"},
		{"sqlite3", "sqlite"},
		{"Postgres", "postgres"},
		{"pgx", "postgres"},
		{"mysql", "mysql"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Name())
		})
	}

	_, err := New("oracle")
	assert.Error(t, err)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `"fulltext"`, SQLite{}.Quote("fulltext"))
	assert.Equal(t, `"a""b"`, Postgres{}.Quote(`a"b`))
	assert.Equal(t, "`fulltext`", MySQL{}.Quote("fulltext"))
}

func TestPostgresRebind(t *testing.T) {
	in := `SELECT "?" FROM t WHERE a = ? AND b LIKE '%?%' AND c IN (?, ?)`
	want := `SELECT "?" FROM t WHERE a = $1 AND b LIKE '%?%' AND c IN ($2, $3)`
	assert.Equal(t, want, Postgres{}.Rebind(in))

	assert.Equal(t, "a = ?", SQLite{}.Rebind("a = ?"))
	assert.Equal(t, "a = ?", MySQL{}.Rebind("a = ?"))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", Placeholders(0))
	assert.Equal(t, "?", Placeholders(1))
	assert.Equal(t, "?, ?, ?", Placeholders(3))
}

func TestColumnTypes(t *testing.T) {
	assert.Equal(t, "TIMESTAMP", SQLite{}.ColumnType(model.TypeTimestamp))
	assert.Equal(t, "INTEGER", SQLite{}.ColumnType(model.TypeBoolean))
	assert.Equal(t, "TIMESTAMPTZ", Postgres{}.ColumnType(model.TypeTimestamp))
	assert.Equal(t, "VARCHAR", Postgres{}.ColumnType(model.TypeString))
	assert.Equal(t, "LONGTEXT", MySQL{}.ColumnType(model.TypeClob))
}

func TestClassify_Common(t *testing.T) {
	for _, d := range []Dialect{SQLite{}, Postgres{}, MySQL{}} {
		t.Run(d.Name(), func(t *testing.T) {
			assert.Equal(t, dberr.Kind(""), d.Classify(nil))
			assert.Equal(t, dberr.ConnectionFailure, d.Classify(fmt.Errorf("query: %w", sql.ErrConnDone)))
			assert.Equal(t, dberr.ConnectionFailure, d.Classify(driver.ErrBadConn))
			assert.Equal(t, dberr.StorageFailure, d.Classify(errors.New("syntax error")))
			assert.Equal(t, dberr.QueryError, d.Classify(dberr.NewQueryError("x", "bad")))
		})
	}
}

func TestClassify_SQLite(t *testing.T) {
	d := SQLite{}
	assert.Equal(t, dberr.TransientOverload, d.Classify(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.Equal(t, dberr.TransientOverload, d.Classify(sqlite3.Error{Code: sqlite3.ErrLocked}))
	assert.Equal(t, dberr.ConcurrentUpdateConflict,
		d.Classify(sqlite3.Error{Code: sqlite3.ErrBusy, ExtendedCode: sqlite3.ErrBusySnapshot}))
	assert.Equal(t, dberr.ConnectionFailure, d.Classify(sqlite3.Error{Code: sqlite3.ErrCantOpen}))
	assert.Equal(t, dberr.StorageFailure, d.Classify(sqlite3.Error{Code: sqlite3.ErrConstraint}))
}

func TestClassify_Postgres(t *testing.T) {
	d := Postgres{}
	tests := []struct {
		code string
		want dberr.Kind
	}{
		{"40001", dberr.ConcurrentUpdateConflict},
		{"40P01", dberr.ConcurrentUpdateConflict},
		{"53300", dberr.TransientOverload},
		{"57P03", dberr.TransientOverload},
		{"08006", dberr.ConnectionFailure},
		{"57P01", dberr.ConnectionFailure},
		{"23505", dberr.StorageFailure},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := fmt.Errorf("exec: %w", &pgconn.PgError{Code: tt.code})
			assert.Equal(t, tt.want, d.Classify(err))
		})
	}
}

func TestClassify_MySQL(t *testing.T) {
	d := MySQL{}
	assert.Equal(t, dberr.ConcurrentUpdateConflict, d.Classify(&mysql.MySQLError{Number: 1213}))
	assert.Equal(t, dberr.ConcurrentUpdateConflict, d.Classify(&mysql.MySQLError{Number: 1205}))
	assert.Equal(t, dberr.TransientOverload, d.Classify(&mysql.MySQLError{Number: 1040}))
	assert.Equal(t, dberr.ConnectionFailure, d.Classify(mysql.ErrInvalidConn))
	assert.Equal(t, dberr.StorageFailure, d.Classify(&mysql.MySQLError{Number: 1062}))
}

func TestFulltext(t *testing.T) {
	match, args, score, scoreArgs := SQLite{}.Fulltext(`"ft"."fulltext"`, "hello world")
	assert.Equal(t, `("ft"."fulltext" LIKE ? AND "ft"."fulltext" LIKE ?)`, match)
	assert.Equal(t, []any{"%hello%", "%world%"}, args)
	assert.Equal(t, "1", score)
	assert.Empty(t, scoreArgs)

	match, args, score, scoreArgs = Postgres{}.Fulltext("ft", "hello")
	assert.Equal(t, "to_tsvector('english', ft) @@ plainto_tsquery('english', ?)", match)
	assert.Equal(t, []any{"hello"}, args)
	assert.Equal(t, "ts_rank(to_tsvector('english', ft), plainto_tsquery('english', ?))", score)
	assert.Equal(t, []any{"hello"}, scoreArgs)

	match, _, _, _ = MySQL{}.Fulltext("ft", "hello")
	assert.Equal(t, "MATCH (ft) AGAINST (? IN NATURAL LANGUAGE MODE)", match)
}

func TestSecurityPredicates(t *testing.T) {
	assert.True(t, IsReadOnly([]string{"Browse", "Read"}))
	assert.False(t, IsReadOnly([]string{"Read", "Write"}))
	assert.False(t, IsReadOnly(nil))

	sql, args := ReadACLPredicate(SQLite{}, `"hierarchy"."id"`, []string{"bob", "members"})
	assert.Equal(t,
		`EXISTS (SELECT 1 FROM "read_acls" "_RA" WHERE "_RA"."id" = "hierarchy"."id" AND "_RA"."principal" IN (?, ?))`,
		sql)
	assert.Equal(t, []any{"bob", "members"}, args)

	sql, args = SQLite{}.AccessAllowed("h.id", []string{"bob", "members"}, []string{"Write"})
	assert.Equal(t, "access_allowed(h.id, ?, ?)", sql)
	assert.Equal(t, []any{"bob|members", "Write"}, args)

	_, args = Postgres{}.AccessAllowed("h.id", []string{"bob"}, []string{"Write"})
	assert.Equal(t, []any{[]string{"bob"}, []string{"Write"}}, args)
}

func TestClusterFragmentsCodec(t *testing.T) {
	d := SQLite{}
	assert.Equal(t, "dc tags hierarchy", d.EncodeFragments([]string{"dc", "tags", "hierarchy"}))

	dest, decode := d.FragmentsScanner()
	scanner, ok := dest.(sql.Scanner)
	require.True(t, ok)
	require.NoError(t, scanner.Scan("dc tags"))
	assert.Equal(t, []string{"dc", "tags"}, decode())

	dest, decode = MySQL{}.FragmentsScanner()
	require.NoError(t, dest.(sql.Scanner).Scan([]byte("__PARENT__")))
	assert.Equal(t, []string{"__PARENT__"}, decode())

	assert.Equal(t, []string{}, Postgres{}.EncodeFragments(nil))
	assert.Equal(t, "?", d.FragmentsParam())
	assert.Equal(t, "$1::text[]", Postgres{}.Rebind(Postgres{}.FragmentsParam()))
}
