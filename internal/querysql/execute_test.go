package querysql

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fragstore/internal/dialect"
	"github.com/roach88/fragstore/internal/guard"
	"github.com/roach88/fragstore/internal/model"
	"github.com/roach88/fragstore/internal/queryir"
	"github.com/roach88/fragstore/internal/row"
	"github.com/roach88/fragstore/internal/rowstore"
	"github.com/roach88/fragstore/internal/testutil"
)

func doc(id, parent, name, typ string) *row.Row {
	values := map[string]any{
		model.KeyName:        name,
		model.KeyPrimaryType: typ,
	}
	if parent != "" {
		values[model.KeyParentID] = parent
	}
	return row.NewRow(model.HierarchyTable, id, values)
}

func property(id, parent, name, typ string, pos int64) *row.Row {
	r := doc(id, parent, name, typ)
	r.Put(model.KeyIsProperty, true)
	if pos >= 0 {
		r.Put(model.KeyPos, pos)
	}
	return r
}

// repository stores a small document tree:
//
//	root
//	├── ws (Folder)
//	│   ├── note1 (Note, "x", readable by members, full text "hello brave world")
//	│   ├── file1 (File, "abc", tags bob x)
//	│   ├── file2 (File, "abc", tags alice)
//	│   └── sub (Folder)
//	│       └── note3 (Note, "z")
//	├── note2 (Note, "x", readable by bob, full text "hello")
//	├── proxy1 (proxy of note2, own title "y", readable by alice)
//	└── doc1 (Document, author Ada Lovelace, files a.txt/3 and a.txt/5)
func repository(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db := testutil.OpenSQLite(t)
	pools := guard.NewPools()
	pools.Register("default", db)
	g, err := guard.New(guard.Options{Repository: "default", Dialect: dialect.SQLite{}, Pools: pools})
	require.NoError(t, err)
	require.NoError(t, g.Open(ctx))
	t.Cleanup(func() { g.Close() })

	m := rowstore.New(g, testutil.Schema(t), rowstore.DefaultOptions())
	require.NoError(t, m.CreateTables(ctx))

	title := func(id, title string) *row.Row {
		return row.NewRow("dublincore", id, map[string]any{"title": title})
	}
	_, err = m.Write(ctx, &row.RowBatch{Creates: []*row.Row{
		doc("root", "", "", model.RootType),
		doc("ws", "root", "ws", "Folder"),
		doc("sub", "ws", "sub", "Folder"),

		doc("note1", "ws", "n1", "Note"),
		title("note1", "x"),
		row.NewCollectionRow(model.ReadACLTable, "note1", []any{"members"}),
		row.NewRow(model.FulltextTable, "note1", map[string]any{model.KeyFulltext: "hello brave world"}),

		doc("note2", "root", "n2", "Note"),
		title("note2", "x"),
		row.NewCollectionRow(model.ReadACLTable, "note2", []any{"bob"}),
		row.NewRow(model.FulltextTable, "note2", map[string]any{model.KeyFulltext: "hello"}),

		doc("note3", "sub", "n3", "Note"),
		title("note3", "z"),

		doc("proxy1", "root", "p1", "Note"),
		title("proxy1", "y"),
		row.NewRow(model.ProxiesTable, "proxy1", map[string]any{model.KeyTargetID: "note2"}),
		row.NewCollectionRow(model.ReadACLTable, "proxy1", []any{"alice"}),

		doc("file1", "ws", "f1", "File"),
		title("file1", "abc"),
		row.NewCollectionRow("tags", "file1", []any{"bob", "x"}),
		doc("file2", "ws", "f2", "File"),
		title("file2", "abc"),
		row.NewCollectionRow("tags", "file2", []any{"alice"}),

		doc("doc1", "root", "d1", "Document"),
		property("author1", "doc1", "dc:author", "person", -1),
		row.NewRow("person", "author1", map[string]any{"firstname": "Ada", "lastname": "Lovelace"}),
		property("file-0", "doc1", "files", "content", 0),
		row.NewRow("content", "file-0", map[string]any{"name": "a.txt", "length": int64(3)}),
		property("file-1", "doc1", "files", "content", 1),
		row.NewRow("content", "file-1", map[string]any{"name": "a.txt", "length": int64(5)}),
	}})
	require.NoError(t, err)
	return db
}

// execute runs cq and returns its rows, the first column scanned as the id.
func execute(t *testing.T, db *sql.DB, cq *CompiledQuery) [][]any {
	t.Helper()
	require.False(t, cq.MatchesNothing)
	rows, err := db.Query(cq.SQL, cq.Params...)
	require.NoError(t, err, cq.SQL)
	defer rows.Close()

	cols, err := rows.Columns()
	require.NoError(t, err)
	var out [][]any
	for rows.Next() {
		var id string
		rest := make([]any, len(cols)-1)
		dest := []any{&id}
		for i := range rest {
			dest = append(dest, &rest[i])
		}
		require.NoError(t, rows.Scan(dest...))
		out = append(out, append([]any{id}, rest...))
	}
	require.NoError(t, rows.Err())
	return out
}

func ids(rows [][]any) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r[0].(string)
	}
	return out
}

func text(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return ""
}

func TestExecute_CollectionExists(t *testing.T) {
	db := repository(t)
	cq, err := newCompiler(t, nil).Compile(queryir.Query{
		From: []string{"File"},
		Where: queryir.And(
			queryir.Eq("dc:title", queryir.String("abc")),
			queryir.Eq("dc:tags", queryir.String("bob")),
			directOnly,
		),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"file1"}, ids(execute(t, db, cq)))
}

func TestExecute_UnionSecured(t *testing.T) {
	db := repository(t)
	q := queryir.Query{
		Select:  []queryir.Reference{queryir.Ref(queryir.SysID), queryir.Ref("dc:title")},
		From:    []string{"Note"},
		Where:   queryir.Eq("dc:title", queryir.String("x")),
		OrderBy: []queryir.OrderItem{{Ref: queryir.Ref("dc:title"), Desc: true}},
		Limit:   10,
	}

	cq, err := newCompiler(t, nil).Compile(q, &SecurityContext{Principals: []string{"alice", "members"}, Permissions: []string{"Read"}})
	require.NoError(t, err)
	rows := execute(t, db, cq)

	// note2 is not readable, but its proxy is: the proxy row carries the
	// target's title and is filtered by the proxy's own ACL.
	assert.ElementsMatch(t, []string{"note1", "proxy1"}, ids(rows))
	for _, r := range rows {
		assert.Equal(t, "x", text(r[1]), "row %v", r[0])
	}

	cq, err = newCompiler(t, nil).Compile(q, &SecurityContext{Principals: []string{"bob"}, Permissions: []string{"Read"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"note2"}, ids(execute(t, db, cq)))
}

func TestExecute_UnionOrdersByAlias(t *testing.T) {
	db := repository(t)
	cq, err := newCompiler(t, nil).Compile(queryir.Query{
		Select:  []queryir.Reference{queryir.Ref(queryir.SysID), queryir.Ref(queryir.SysName)},
		From:    []string{"Note"},
		OrderBy: []queryir.OrderItem{{Ref: queryir.Ref(queryir.SysName), Desc: true}},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"proxy1", "note3", "note2", "note1"}, ids(execute(t, db, cq)))
}

func TestExecute_ComplexPathsAreDistinct(t *testing.T) {
	db := repository(t)
	cq, err := newCompiler(t, nil).Compile(queryir.Query{
		Select: []queryir.Reference{queryir.Ref(queryir.SysID), queryir.Ref("dc:author/firstname")},
		From:   []string{"Document"},
		Where: queryir.And(
			queryir.Eq("dc:author/lastname", queryir.String("Lovelace")),
			queryir.Eq("files/*/name", queryir.String("a.txt")),
			queryir.Eq("files/0/length", queryir.Int(3)),
			queryir.Eq(queryir.SysIsProxy, queryir.Bool(false)),
		),
	}, nil)
	require.NoError(t, err)

	rows := execute(t, db, cq)
	require.Len(t, rows, 1, "two files match files/*/name")
	assert.Equal(t, "doc1", rows[0][0])
	assert.Equal(t, "Ada", text(rows[0][1]))

	cq, err = newCompiler(t, nil).Compile(queryir.Query{
		From: []string{"Document"},
		Where: queryir.And(
			queryir.Eq("files/1/length", queryir.Int(3)),
			directOnly,
		),
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, execute(t, db, cq))
}

func TestExecute_FulltextScore(t *testing.T) {
	db := repository(t)
	cq, err := newCompiler(t, nil).Compile(queryir.Query{
		From:  []string{"Note"},
		Where: queryir.And(queryir.Eq(queryir.SysFulltext, queryir.String("hello world")), directOnly),
	}, nil)
	require.NoError(t, err)

	rows := execute(t, db, cq)
	assert.Equal(t, []string{"note1"}, ids(rows))
	assert.EqualValues(t, 1, rows[0][1])
}

func TestExecute_PathStartsWith(t *testing.T) {
	db := repository(t)
	paths := PathResolverFunc(func(path string) (string, bool, error) {
		if path == "/ws" {
			return "ws", true, nil
		}
		return "", false, nil
	})
	cq, err := newCompiler(t, paths).Compile(queryir.Query{
		From:    []string{"Note"},
		Where:   queryir.And(queryir.Compare(queryir.SysPath, queryir.OpStartsWith, queryir.String("/ws")), directOnly),
		OrderBy: []queryir.OrderItem{{Ref: queryir.Ref(queryir.SysID)}},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"note1", "note3"}, ids(execute(t, db, cq)))
}
