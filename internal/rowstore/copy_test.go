package rowstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fragstore/internal/model"
	"github.com/roach88/fragstore/internal/row"
)

// seedDocument creates doc under root with data, a complex child, a plain
// child and a lock.
func seedDocument(t *testing.T, m *Mapper) {
	t.Helper()
	create(t, m,
		node("doc", "root", "doc", "File", false),
		row.NewRow("dublincore", "doc", map[string]any{"title": "T"}),
		row.NewCollectionRow("tags", "doc", []any{"x", "y"}),
		node("doc-author", "doc", "dc:author", "person", true),
		row.NewRow("person", "doc-author", map[string]any{"firstname": "Ada"}),
		node("doc-child", "doc", "child", "Note", false),
	)
	_, err := m.SetLock(context.Background(), "doc", "bob")
	require.NoError(t, err)
}

func TestCopyHierarchy_Deep(t *testing.T) {
	m := newMapper(t, DefaultOptions())
	seedDocument(t, m)

	res, err := m.CopyHierarchy(context.Background(), CopyRequest{
		SourceID:     "doc",
		DestParentID: "folder",
		DestName:     "copy",
	})
	require.NoError(t, err)

	assert.Equal(t, "c-1", res.RootID)
	assert.Equal(t, map[string]string{
		"doc":        "c-1",
		"doc-author": "c-2",
		"doc-child":  "c-3",
	}, res.IDMap)
	assert.True(t, res.Invalidations.HasModified(row.RowID{Table: row.ParentFragment, ID: "folder"}))
	assert.True(t, res.Invalidations.HasModified(row.RowID{Table: model.HierarchyTable, ID: "c-1"}))

	root := readOne(t, m, model.HierarchyTable, "c-1")
	assert.Equal(t, "folder", root.Get(model.KeyParentID))
	assert.Equal(t, "copy", root.Get(model.KeyName))
	assert.Equal(t, "File", root.Get(model.KeyPrimaryType))

	assert.Equal(t, "T", readOne(t, m, "dublincore", "c-1").Get("title"))
	assert.Equal(t, []any{"x", "y"}, readOne(t, m, "tags", "c-1").Items)
	assert.True(t, readOne(t, m, model.LocksTable, "c-1").Missing)

	author := readOne(t, m, model.HierarchyTable, "c-2")
	assert.Equal(t, "c-1", author.Get(model.KeyParentID))
	assert.Equal(t, true, author.Get(model.KeyIsProperty))
	assert.Equal(t, "Ada", readOne(t, m, "person", "c-2").Get("firstname"))

	child := readOne(t, m, model.HierarchyTable, "c-3")
	assert.Equal(t, "c-1", child.Get(model.KeyParentID))
	assert.Equal(t, "child", child.Get(model.KeyName))

	// The source is untouched.
	assert.Equal(t, "root", readOne(t, m, model.HierarchyTable, "doc").Get(model.KeyParentID))
	assert.Equal(t, "T", readOne(t, m, "dublincore", "doc").Get("title"))
}

func TestCopyHierarchy_Overwrite(t *testing.T) {
	m := newMapper(t, DefaultOptions())
	seedDocument(t, m)
	create(t, m,
		row.NewRow(model.HierarchyTable, "ver", map[string]any{
			model.KeyName:        "doc",
			model.KeyPrimaryType: "File",
			model.KeyIsProperty:  false,
			model.KeyIsVersion:   true,
		}),
		row.NewRow("dublincore", "ver", map[string]any{"title": "Old"}),
		node("ver-author", "ver", "dc:author", "person", true),
		row.NewRow("person", "ver-author", map[string]any{"firstname": "Old Ada"}),
	)

	res, err := m.CopyHierarchy(context.Background(), CopyRequest{
		SourceID:  "ver",
		Overwrite: row.NewRow(model.HierarchyTable, "doc", map[string]any{model.KeyIsVersion: false}),
	})
	require.NoError(t, err)

	assert.Equal(t, "doc", res.RootID)
	assert.Equal(t, map[string]string{"ver": "doc", "ver-author": "c-1"}, res.IDMap)
	assert.True(t, res.Invalidations.HasModified(row.RowID{Table: row.ParentFragment, ID: "doc"}))
	assert.True(t, res.Invalidations.HasModified(row.RowID{Table: model.HierarchyTable, ID: "doc"}))
	assert.True(t, res.Invalidations.HasDeleted(row.RowID{Table: model.HierarchyTable, ID: "doc-author"}))
	assert.True(t, res.Invalidations.HasDeleted(row.RowID{Table: "person", ID: "doc-author"}))

	root := readOne(t, m, model.HierarchyTable, "doc")
	assert.Equal(t, "root", root.Get(model.KeyParentID))
	assert.Equal(t, "doc", root.Get(model.KeyName))
	assert.Equal(t, false, root.Get(model.KeyIsVersion))

	assert.Equal(t, "Old", readOne(t, m, "dublincore", "doc").Get("title"))
	assert.Empty(t, readOne(t, m, "tags", "doc").Items)
	assert.True(t, readOne(t, m, model.HierarchyTable, "doc-author").Missing)
	assert.True(t, readOne(t, m, "person", "doc-author").Missing)
	assert.Equal(t, "Old Ada", readOne(t, m, "person", "c-1").Get("firstname"))
	assert.Equal(t, "doc", readOne(t, m, model.HierarchyTable, "c-1").Get(model.KeyParentID))

	// Regular children and the lock are kept.
	assert.False(t, readOne(t, m, model.HierarchyTable, "doc-child").Missing)
	lock, err := m.GetLock(context.Background(), "doc")
	require.NoError(t, err)
	assert.NotNil(t, lock)
}

func TestCopyHierarchy_Errors(t *testing.T) {
	m := newMapper(t, DefaultOptions())
	ctx := context.Background()

	_, err := m.CopyHierarchy(ctx, CopyRequest{})
	assert.Error(t, err)

	_, err = m.CopyHierarchy(ctx, CopyRequest{SourceID: "missing", DestParentID: "root"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")

	_, err = m.CopyHierarchy(ctx, CopyRequest{SourceID: "doc", Overwrite: row.NewRow("dublincore", "doc", nil)})
	assert.Error(t, err)
}
