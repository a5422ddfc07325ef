package cache

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fragstore/internal/cluster"
	"github.com/roach88/fragstore/internal/metrics"
	"github.com/roach88/fragstore/internal/row"
	"github.com/roach88/fragstore/internal/testutil"
)

var (
	docHier  = row.RowID{Table: "hierarchy", ID: "doc"}
	docDC    = row.RowID{Table: "dublincore", ID: "doc"}
	docTitle = map[string]any{"title": "Hello"}
)

func newCache(t *testing.T) *RowCache {
	t.Helper()
	c, err := New(16, nil, nil)
	require.NoError(t, err)
	return c
}

func TestNew_RejectsInvalidSize(t *testing.T) {
	_, err := New(0, nil, nil)
	assert.Error(t, err)
}

func TestApply_ModifiedRemoves(t *testing.T) {
	c := newCache(t)
	c.Put(row.NewRow(docDC.Table, docDC.ID, docTitle))

	var inv row.Invalidations
	inv.AddModified(docDC)
	c.Apply(inv)

	_, ok := c.Get(docDC)
	assert.False(t, ok)
}

func TestApply_DeletedStoresMissing(t *testing.T) {
	c := newCache(t)
	c.Put(row.NewRow(docDC.Table, docDC.ID, docTitle))

	var inv row.Invalidations
	inv.AddDeleted(docDC)
	c.Apply(inv)

	r, ok := c.Get(docDC)
	require.True(t, ok)
	assert.True(t, r.Missing)
}

func TestApply_DeletedCollectionStoresEmpty(t *testing.T) {
	c, err := New(16, testutil.Schema(t), nil)
	require.NoError(t, err)
	docTags := row.RowID{Table: "tags", ID: "doc"}
	c.Put(row.NewCollectionRow(docTags.Table, docTags.ID, []any{"a", "b"}))
	c.Put(row.NewRow(docDC.Table, docDC.ID, docTitle))

	var inv row.Invalidations
	inv.AddDeleted(docTags)
	inv.AddDeleted(docDC)
	c.Apply(inv)

	r, ok := c.Get(docTags)
	require.True(t, ok)
	assert.False(t, r.Missing)
	assert.True(t, r.IsCollection)
	assert.Empty(t, r.Items)

	r, ok = c.Get(docDC)
	require.True(t, ok)
	assert.True(t, r.Missing)
}

func TestApply_ParentDropsChildren(t *testing.T) {
	c := newCache(t)
	c.PutChildren("folder", []string{"a", "b"})
	c.Put(row.NewRow("hierarchy", "folder", nil))

	var inv row.Invalidations
	inv.AddParent("folder")
	c.Apply(inv)

	_, ok := c.Children("folder")
	assert.False(t, ok)
	_, ok = c.Get(row.RowID{Table: "hierarchy", ID: "folder"})
	assert.True(t, ok, "the parent row itself stays cached")
}

func TestApply_Idempotent(t *testing.T) {
	c := newCache(t)
	c.Put(row.NewRow(docHier.Table, docHier.ID, nil))
	c.Put(row.NewRow(docDC.Table, docDC.ID, docTitle))

	var inv row.Invalidations
	inv.AddModified(docHier)
	inv.AddDeleted(docDC)

	c.Apply(inv)
	afterOnce := c.Len()
	c.Apply(inv)

	assert.Equal(t, afterOnce, c.Len())
	_, ok := c.Get(docHier)
	assert.False(t, ok)
	r, ok := c.Get(docDC)
	require.True(t, ok)
	assert.True(t, r.Missing)
}

func TestMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	c, err := New(4, nil, m)
	require.NoError(t, err)

	c.Put(row.NewRow(docHier.Table, docHier.ID, nil))
	c.Get(docHier)
	c.Get(docDC)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.CacheHits.WithLabelValues("row")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.CacheMisses.WithLabelValues("row")))
}

func TestConsume_AppliesUntilClosed(t *testing.T) {
	c := newCache(t)
	c.Put(row.NewRow(docDC.Table, docDC.ID, docTitle))
	q := cluster.NewQueue()

	done := make(chan error, 1)
	go func() { done <- c.Consume(context.Background(), q, nil) }()

	var inv row.Invalidations
	inv.AddModified(docDC)
	q.Enqueue(inv)
	q.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Consume did not return")
	}
	_, ok := c.Get(docDC)
	assert.False(t, ok)
}

func TestConsume_ReadsAfterApply(t *testing.T) {
	c := newCache(t)
	r := &fakeReader{}
	ctx := context.Background()
	_, err := c.ReadRows(ctx, r, []row.RowID{docDC})
	require.NoError(t, err)
	q := cluster.NewQueue()

	var seen []row.Invalidations
	var reread []*row.Row
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, q, func(inv row.Invalidations) {
			seen = append(seen, inv)
			rows, err := c.ReadRows(ctx, r, []row.RowID{docDC})
			if err == nil {
				reread = rows
			}
		})
	}()

	var inv row.Invalidations
	inv.AddModified(docDC)
	q.Enqueue(inv)
	q.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Consume did not return")
	}
	require.Len(t, seen, 1)
	assert.True(t, seen[0].HasModified(docDC))
	require.Len(t, reread, 1)
	assert.Equal(t, 2, reread[0].Get("n"), "the callback reads past the stale entry")
}

func TestConsume_StopsOnCancel(t *testing.T) {
	c := newCache(t)
	q := cluster.NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Consume(ctx, q, nil), context.Canceled)
}

type fakeReader struct {
	calls [][]row.RowID
}

func (f *fakeReader) ReadRows(_ context.Context, ids []row.RowID) ([]*row.Row, error) {
	f.calls = append(f.calls, ids)
	rows := make([]*row.Row, len(ids))
	for i, id := range ids {
		rows[i] = row.NewRow(id.Table, id.ID, map[string]any{"n": len(f.calls)})
	}
	return rows, nil
}

func TestReadRows_ReadThrough(t *testing.T) {
	c := newCache(t)
	r := &fakeReader{}
	ctx := context.Background()

	rows, err := c.ReadRows(ctx, r, []row.RowID{docHier, docDC, docHier})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, docHier, rows[0].RowID())
	assert.Equal(t, docDC, rows[1].RowID())
	require.Len(t, r.calls, 1)

	rows, err = c.ReadRows(ctx, r, []row.RowID{docDC, docHier})
	require.NoError(t, err)
	assert.Equal(t, docDC, rows[0].RowID())
	assert.Len(t, r.calls, 1, "served from cache")

	var inv row.Invalidations
	inv.AddModified(docDC)
	c.Apply(inv)

	rows, err = c.ReadRows(ctx, r, []row.RowID{docDC})
	require.NoError(t, err)
	require.Len(t, r.calls, 2)
	assert.Equal(t, []row.RowID{docDC}, r.calls[1])
	assert.Equal(t, 2, rows[0].Get("n"))
}
