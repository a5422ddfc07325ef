package cluster

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fragstore/internal/row"
)

func modified(table, id string) row.Invalidations {
	var inv row.Invalidations
	inv.AddModified(row.RowID{Table: table, ID: id})
	return inv
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	require.True(t, q.Enqueue(modified("hierarchy", "a")))
	require.True(t, q.Enqueue(modified("hierarchy", "b")))
	assert.Equal(t, 2, q.Len())

	first, ok := q.TryDequeue()
	require.True(t, ok)
	assert.True(t, first.HasModified(row.RowID{Table: "hierarchy", ID: "a"}))

	second, ok := q.TryDequeue()
	require.True(t, ok)
	assert.True(t, second.HasModified(row.RowID{Table: "hierarchy", ID: "b"}))

	_, ok = q.TryDequeue()
	assert.False(t, ok)
}

func TestQueue_EmptyBatchDropped(t *testing.T) {
	q := NewQueue()
	assert.True(t, q.Enqueue(row.Invalidations{}))
	assert.Equal(t, 0, q.Len())
}

func TestQueue_DrainMerges(t *testing.T) {
	q := NewQueue()
	q.Enqueue(modified("hierarchy", "a"))
	q.Enqueue(modified("dublincore", "a"))
	q.Enqueue(modified("hierarchy", "a"))

	inv := q.Drain()
	assert.Equal(t, 2, inv.Len())
	assert.Equal(t, 0, q.Len())
	assert.True(t, q.Drain().IsEmpty())
}

func TestQueue_SignalAndClose(t *testing.T) {
	q := NewQueue()
	q.Enqueue(modified("hierarchy", "a"))
	select {
	case <-q.Wait():
	default:
		t.Fatal("expected a signal")
	}

	q.Close()
	q.Close()
	assert.True(t, q.Closed())
	assert.False(t, q.Enqueue(modified("hierarchy", "b")))
	_, open := <-q.Wait()
	assert.False(t, open)

	// Pending batches survive Close.
	assert.Equal(t, 1, q.Drain().Len())
}

func TestQueue_ConcurrentEnqueue(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(modified("hierarchy", "x"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, q.Len())
}

func TestEntries_RoundTrip(t *testing.T) {
	var inv row.Invalidations
	inv.AddModified(row.RowID{Table: "hierarchy", ID: "b"})
	inv.AddModified(row.RowID{Table: "dublincore", ID: "b"})
	inv.AddParent("a")
	inv.AddDeleted(row.RowID{Table: "tags", ID: "b"})

	entries := EncodeEntries(inv)
	assert.Equal(t, []Entry{
		{ID: "a", Fragments: []string{row.ParentFragment}, Kind: row.KindModified},
		{ID: "b", Fragments: []string{"dublincore", "hierarchy"}, Kind: row.KindModified},
		{ID: "b", Fragments: []string{"tags"}, Kind: row.KindDeleted},
	}, entries)

	assert.True(t, DecodeEntries(entries).Equal(inv))
}
