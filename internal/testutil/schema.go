package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/fragstore/internal/model"
)

// Definition returns the document schema shared by the package tests:
//
//   - Document, with subtypes File (mixin Downloadable), Picture (a File)
//     and Note; Folder carries the Folderish mixin
//   - dublincore: dc:title, dc:description, dc:created
//   - tags: the multi-valued dc:tags
//   - person: the complex dc:author (firstname, lastname)
//   - content: the complex list files (name, data, length)
func Definition() *model.Definition {
	return &model.Definition{
		Fragments: map[string]model.FragmentDef{
			"dublincore": {Columns: map[string]string{
				"title":       "string",
				"description": "clob",
				"created":     "timestamp",
			}},
			"tags": {Collection: "string"},
			"person": {Columns: map[string]string{
				"firstname": "string",
				"lastname":  "string",
			}},
			"content": {Columns: map[string]string{
				"name":   "string",
				"data":   "binary",
				"length": "long",
			}},
		},
		Properties: map[string]model.PropertyDef{
			"dc:title":       {Fragment: "dublincore", Key: "title"},
			"dc:description": {Fragment: "dublincore", Key: "description"},
			"dc:created":     {Fragment: "dublincore", Key: "created"},
			"dc:tags":        {Fragment: "tags"},
			"dc:author":      {Complex: "person"},
			"files":          {Complex: "content", List: true},
		},
		ComplexTypes: map[string]map[string]model.PropertyDef{
			"person": {
				"firstname": {Fragment: "person", Key: "firstname"},
				"lastname":  {Fragment: "person", Key: "lastname"},
			},
			"content": {
				"name":   {Fragment: "content", Key: "name"},
				"data":   {Fragment: "content", Key: "data"},
				"length": {Fragment: "content", Key: "length"},
			},
		},
		Types: map[string]model.TypeDef{
			"Document": {},
			"Folder":   {Super: "Document", Mixins: []string{"Folderish"}},
			"File":     {Super: "Document", Mixins: []string{"Downloadable"}},
			"Picture":  {Super: "File"},
			"Note":     {Super: "Document"},
		},
	}
}

// Schema builds Definition or fails the test.
func Schema(t testing.TB) *model.Schema {
	t.Helper()
	s, err := Definition().Build()
	if err != nil {
		t.Fatalf("build test schema: %v", err)
	}
	return s
}

// OpenSQLite opens a fresh SQLite database file under t.TempDir(). The
// handle is closed on cleanup.
func OpenSQLite(t testing.TB) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Fatalf("ping sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
