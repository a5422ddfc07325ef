package dialect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fragstore/internal/model"
	"github.com/roach88/fragstore/internal/testutil"
)

func testTable(d Dialect) TableDef {
	return TableDef{
		Name: "dublincore",
		Columns: []ColumnDef{
			{Name: "id", Type: d.IDType(), NotNull: true},
			{Name: "title", Type: d.ColumnType(model.TypeString)},
		},
		PrimaryKey: []string{"id"},
		Indexes:    [][]string{{"title"}},
	}
}

func TestCreateTableSQL(t *testing.T) {
	assert.Equal(t,
		`CREATE TABLE "dublincore" ("id" TEXT NOT NULL, "title" TEXT, PRIMARY KEY ("id"))`,
		CreateTableSQL(SQLite{}, testTable(SQLite{})))
	assert.Equal(t,
		"CREATE TABLE `dublincore` (`id` VARCHAR(36) NOT NULL, `title` VARCHAR(250), PRIMARY KEY (`id`))",
		CreateTableSQL(MySQL{}, testTable(MySQL{})))
	assert.Equal(t,
		`CREATE INDEX "idx_hierarchy_parentid" ON "hierarchy" ("parentid")`,
		CreateIndexSQL(Postgres{}, "hierarchy", []string{"parentid"}))
}

func TestEnsureTable_SQLite(t *testing.T) {
	db := testutil.OpenSQLite(t)
	ctx := context.Background()
	d := SQLite{}
	def := testTable(d)

	created, added, err := EnsureTable(ctx, db, d, def)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, added)

	created, added, err = EnsureTable(ctx, db, d, def)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, added)

	def.Columns = append(def.Columns, ColumnDef{Name: "created", Type: d.ColumnType(model.TypeTimestamp), NotNull: true})
	created, added, err = EnsureTable(ctx, db, d, def)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, []string{"created"}, added)

	_, err = db.ExecContext(ctx, `INSERT INTO "dublincore" ("id", "title", "created") VALUES (?, ?, NULL)`, "1", "A")
	require.NoError(t, err)
}
