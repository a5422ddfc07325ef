package cli

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fragstore/internal/cluster"
	"github.com/roach88/fragstore/internal/model"
	"github.com/roach88/fragstore/internal/row"
	"github.com/roach88/fragstore/internal/testutil"
)

const testSchema = `
fragments:
  dublincore:
    columns:
      title: string
      created: timestamp
  tags:
    collection: string
properties:
  dc:title: {fragment: dublincore, key: title}
  dc:created: {fragment: dublincore, key: created}
  dc:tags: {fragment: tags}
types:
  Document: {}
  File: {super: Document, mixins: [Downloadable]}
  Note: {super: Document}
`

const titleQuery = `
select: [sys:id, dc:title]
from: [File]
where:
  and:
    - {ref: dc:title, op: "=", value: report}
    - {ref: sys:isProxy, op: "=", value: 0}
orderBy:
  - {ref: dc:title}
limit: 10
`

// repo is a throwaway repository: a schema, a SQLite file and a config
// pointing at both.
type repo struct {
	dir    string
	config string
	dsn    string
}

func newRepo(t *testing.T) *repo {
	t.Helper()
	dir := t.TempDir()
	r := &repo{dir: dir, dsn: filepath.Join(dir, "repo.db")}
	writeFile(t, dir, "schema.yaml", testSchema)
	r.config = writeFile(t, dir, "fragstore.yaml", fmt.Sprintf(`
repository: test
schema: %s
database:
  dialect: sqlite
  dsn: %s
cluster:
  pull_delay: 10ms
  poll_interval: 10ms
logging:
  level: error
`, filepath.Join(dir, "schema.yaml"), r.dsn))
	return r
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// run executes the CLI with the repo config and returns stdout.
func (r *repo) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", r.config}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func decodeResponse(t *testing.T, out string, data any) CLIResponse {
	t.Helper()
	resp := CLIResponse{Data: data}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

func tableNames(t *testing.T, dsn string) []string {
	t.Helper()
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	defer db.Close()
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	require.NoError(t, err)
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	return names
}

func TestInit_CreatesTables(t *testing.T) {
	r := newRepo(t)

	out, err := r.run(t, "--format", "json", "init")
	require.NoError(t, err, out)

	var result InitResult
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", result.Repository)
	assert.Equal(t, "sqlite", result.Dialect)
	assert.Contains(t, result.Tables, "dublincore")
	assert.Contains(t, result.Tables, cluster.InvalTable)

	names := tableNames(t, r.dsn)
	assert.Contains(t, names, "hierarchy")
	assert.Contains(t, names, "dublincore")
	assert.Contains(t, names, "tags")
	assert.Contains(t, names, cluster.NodesTable)
	assert.Contains(t, names, cluster.InvalTable)

	// Running again is a no-op.
	_, err = r.run(t, "init")
	require.NoError(t, err)
}

func TestInit_NoSchema(t *testing.T) {
	dir := t.TempDir()
	config := writeFile(t, dir, "fragstore.yaml", fmt.Sprintf("database:\n  dsn: %s\n", filepath.Join(dir, "x.db")))

	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--config", config, "init"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out.String(), "Error ["+ErrCodeSchema+"]")
}

func TestCompile_Offline(t *testing.T) {
	r := newRepo(t)
	query := writeFile(t, r.dir, "query.yaml", titleQuery)

	out, err := r.run(t, "--format", "json", "compile", query)
	require.NoError(t, err, out)

	var result CompileResult
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, []string{"sys:id", "dc:title"}, result.Columns)
	assert.Equal(t, []string{"direct"}, result.Variants)
	assert.Contains(t, result.SQL, `"dublincore"`)
	assert.Contains(t, result.SQL, "LIMIT ?")
	assert.Contains(t, result.Params, "report")
	assert.NoFileExists(t, r.dsn, "compile without --connect opens no database")
}

func TestCompile_TextWithSecurity(t *testing.T) {
	r := newRepo(t)
	query := writeFile(t, r.dir, "query.yaml", titleQuery)

	out, err := r.run(t, "compile", "--principal", "alice", "--principal", "members", "--permission", "Write", query)
	require.NoError(t, err, out)
	assert.Contains(t, out, "access_allowed(")
	assert.Contains(t, out, "-- $1 = ")
	assert.Contains(t, out, "alice|members")

	out, err = r.run(t, "compile", "--principal", "alice", query)
	require.NoError(t, err, out)
	assert.Contains(t, out, `"read_acls"`)
}

func TestCompile_MatchesNothing(t *testing.T) {
	r := newRepo(t)
	query := writeFile(t, r.dir, "query.yaml", `
from: [Document]
where:
  and:
    - {ref: sys:isProxy, op: "=", value: 0}
    - {ref: sys:isProxy, op: "=", value: 1}
`)
	out, err := r.run(t, "compile", query)
	require.NoError(t, err, out)
	assert.Contains(t, out, "matches nothing")
}

func TestCompile_QueryError(t *testing.T) {
	r := newRepo(t)
	query := writeFile(t, r.dir, "query.yaml", "from: [Document]\nwhere: {ref: dc:nope, op: \"=\", value: 1}\n")

	out, err := r.run(t, "--format", "json", "compile", query)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeResponse(t, out, nil)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeQuery, resp.Error.Code)
	assert.Equal(t, "QUERY_ERROR", resp.Error.Kind)
}

func TestCompile_MissingQueryFile(t *testing.T) {
	r := newRepo(t)
	out, err := r.run(t, "compile", filepath.Join(r.dir, "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error ["+ErrCodeNotFound+"]")
}

func TestInvalidate_WritesForRegisteredNodes(t *testing.T) {
	r := newRepo(t)
	_, err := r.run(t, "init")
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", r.dsn)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`INSERT INTO "cluster_nodes" ("repository", "nodeid", "created") VALUES ('test', 'node-b', CURRENT_TIMESTAMP)`)
	require.NoError(t, err)

	out, err := r.run(t, "--format", "json", "invalidate", "--node-id", "node-a", "doc-1", "dublincore", "tags")
	require.NoError(t, err, out)

	var result InvalidateResult
	decodeResponse(t, out, &result)
	assert.Equal(t, "node-a", result.NodeID)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, "doc-1", result.Entries[0].ID)
	assert.Equal(t, []string{"dublincore", "tags"}, result.Entries[0].Fragments)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM "cluster_invals" WHERE "nodeid" = 'node-b'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestInvalidate_UnknownFragment(t *testing.T) {
	r := newRepo(t)
	_, err := r.run(t, "init")
	require.NoError(t, err)

	out, err := r.run(t, "invalidate", "doc-1", "nope")
	require.Error(t, err)
	assert.Contains(t, out, `unknown fragment "nope"`)
}

func TestBuildInvalidations(t *testing.T) {
	schema := testutil.Schema(t)

	inv, err := buildInvalidations(schema, "doc", nil, false, false)
	require.NoError(t, err)
	assert.Equal(t, len(schema.Fragments()), inv.Len())

	inv, err = buildInvalidations(schema, "doc", []string{"tags"}, true, false)
	require.NoError(t, err)
	assert.Equal(t, 1, inv.Len())
	assert.Len(t, inv.Deleted, 1)

	inv, err = buildInvalidations(schema, "folder", nil, false, true)
	require.NoError(t, err)
	assert.Equal(t, 1, inv.Len())
}

func TestWatch_StopsAfterDuration(t *testing.T) {
	r := newRepo(t)
	_, err := r.run(t, "init")
	require.NoError(t, err)

	out, err := r.run(t, "--format", "json", "watch", "--node-id", "node-w", "--duration", "100ms")
	require.NoError(t, err, out)

	var summary WatchSummary
	resp := decodeResponse(t, out, &summary)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "node-w", summary.NodeID)

	// The node unregisters on the way out.
	db, err := sql.Open("sqlite3", r.dsn)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM "cluster_nodes"`).Scan(&n))
	assert.Equal(t, 0, n)
}

// exec runs statements against the repo database.
func (r *repo) exec(t *testing.T, statements ...string) {
	t.Helper()
	db, err := sql.Open("sqlite3", r.dsn)
	require.NoError(t, err)
	defer db.Close()
	for _, stmt := range statements {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
}

func (r *repo) count(t *testing.T, query string) int {
	t.Helper()
	db, err := sql.Open("sqlite3", r.dsn)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(query).Scan(&n))
	return n
}

func TestGet_ReadsRows(t *testing.T) {
	r := newRepo(t)
	_, err := r.run(t, "init")
	require.NoError(t, err)
	r.exec(t, `INSERT INTO "dublincore" ("id", "title") VALUES ('doc-1', 'report')`)

	out, err := r.run(t, "--format", "json", "get", "doc-1", "dublincore", "tags")
	require.NoError(t, err, out)

	var result GetResult
	decodeResponse(t, out, &result)
	assert.Equal(t, "doc-1", result.ID)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, "dublincore", result.Rows[0].Table)
	assert.Equal(t, "report", result.Rows[0].Values["title"])
	assert.Equal(t, "tags", result.Rows[1].Table)
	assert.False(t, result.Rows[1].Missing, "an absent collection reads as empty")
	assert.Empty(t, result.Rows[1].Items)

	out, err = r.run(t, "get", "doc-2", "dublincore")
	require.NoError(t, err, out)
	assert.Contains(t, out, "missing")

	out, err = r.run(t, "get", "doc-1", "nope")
	require.Error(t, err)
	assert.Contains(t, out, `unknown fragment "nope"`)
}

func TestWatch_FollowFillsCache(t *testing.T) {
	r := newRepo(t)
	_, err := r.run(t, "init")
	require.NoError(t, err)
	r.exec(t, `INSERT INTO "dublincore" ("id", "title") VALUES ('doc-1', 'report')`)
	schema, err := model.LoadFile(filepath.Join(r.dir, "schema.yaml"))
	require.NoError(t, err)

	out, err := r.run(t, "--format", "json", "watch", "--node-id", "node-w", "--follow", "doc-1", "--duration", "100ms")
	require.NoError(t, err, out)

	var summary WatchSummary
	decodeResponse(t, out, &summary)
	assert.Equal(t, len(schema.Fragments()), summary.CachedRows)
}

func TestTouchedDocuments(t *testing.T) {
	var inv row.Invalidations
	inv.AddModified(row.RowID{Table: "dublincore", ID: "a"})
	inv.AddDeleted(row.RowID{Table: "tags", ID: "b"})
	inv.AddParent("c")

	assert.Equal(t, []string{"a", "b"}, touchedDocuments(inv, []string{"a", "b", "c", "d"}))
	assert.Empty(t, touchedDocuments(inv, nil))
}

func TestSession_RepairReachesOtherNodes(t *testing.T) {
	r := newRepo(t)
	_, err := r.run(t, "init")
	require.NoError(t, err)
	r.exec(t,
		`INSERT INTO "cluster_nodes" ("repository", "nodeid", "created") VALUES ('test', 'node-b', CURRENT_TIMESTAMP)`,
		`INSERT INTO "hierarchy" ("id", "name", "isproperty", "primarytype") VALUES ('root', '', 0, 'Root')`,
		`INSERT INTO "hierarchy" ("id", "parentid", "name", "isproperty", "primarytype") VALUES ('x2', 'root', 'dup', 0, 'Note')`,
		`INSERT INTO "hierarchy" ("id", "parentid", "name", "isproperty", "primarytype") VALUES ('x1', 'root', 'dup', 0, 'Note')`,
	)

	cfg, err := loadConfig(&RootOptions{ConfigPath: r.config})
	require.NoError(t, err)
	cfg.Cluster.NodeID = "node-a"
	ctx := context.Background()
	s, err := openSession(ctx, cfg)
	require.NoError(t, err)
	defer s.Close()

	co, err := s.coordinator(ctx)
	require.NoError(t, err)
	q := co.Subscribe()
	defer co.Unsubscribe(q)

	id, ok, err := s.resolvePath(ctx, "root", "/dup")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x1", id)

	inv := q.Drain()
	assert.True(t, inv.HasModified(row.RowID{Table: model.HierarchyTable, ID: "x2"}))
	assert.Equal(t, 1, r.count(t, `SELECT COUNT(*) FROM "cluster_invals" WHERE "nodeid" = 'node-b' AND "id" = 'x2'`))
	assert.Zero(t, r.count(t, `SELECT COUNT(*) FROM "cluster_invals" WHERE "nodeid" = 'node-a'`))
}

func TestVersion(t *testing.T) {
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "fragstore "+Version)
}
