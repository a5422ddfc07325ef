// Package cache holds a node-local LRU of rows and children listings kept
// coherent by applying invalidations.
package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/fragstore/internal/cluster"
	"github.com/roach88/fragstore/internal/metrics"
	"github.com/roach88/fragstore/internal/row"
)

const (
	typeRow      = "row"
	typeChildren = "children"
)

// Reader loads rows on a cache miss. *rowstore.Mapper implements it.
type Reader interface {
	ReadRows(ctx context.Context, ids []row.RowID) ([]*row.Row, error)
}

// Fragments tells collection fragments apart. *model.Schema implements it.
type Fragments interface {
	IsCollectionFragment(name string) bool
}

// RowCache caches rows by RowID and child id listings by parent id. It is
// safe for concurrent use.
type RowCache struct {
	rows      *lru.Cache[row.RowID, *row.Row]
	children  *lru.Cache[string, []string]
	fragments Fragments
	metrics   *metrics.Metrics
}

// New creates a cache holding at most size rows and size listings. With a
// nil fragments every fragment is treated as simple.
func New(size int, fragments Fragments, m *metrics.Metrics) (*RowCache, error) {
	if m == nil {
		m = metrics.Discard()
	}
	rows, err := lru.New[row.RowID, *row.Row](size)
	if err != nil {
		return nil, fmt.Errorf("cache: rows: %w", err)
	}
	children, err := lru.New[string, []string](size)
	if err != nil {
		return nil, fmt.Errorf("cache: children: %w", err)
	}
	return &RowCache{rows: rows, children: children, fragments: fragments, metrics: m}, nil
}

// Get returns the cached row. A Missing row means the row is known not to
// exist.
func (c *RowCache) Get(id row.RowID) (*row.Row, bool) {
	r, ok := c.rows.Get(id)
	c.count(typeRow, ok)
	return r, ok
}

// Put caches r.
func (c *RowCache) Put(r *row.Row) {
	c.rows.Add(r.RowID(), r)
}

// Children returns the cached child ids of parent.
func (c *RowCache) Children(parent string) ([]string, bool) {
	ids, ok := c.children.Get(parent)
	c.count(typeChildren, ok)
	return ids, ok
}

// PutChildren caches the child ids of parent.
func (c *RowCache) PutChildren(parent string, ids []string) {
	c.children.Add(parent, ids)
}

// Len returns the number of cached rows.
func (c *RowCache) Len() int {
	return c.rows.Len()
}

// Purge empties the cache.
func (c *RowCache) Purge() {
	c.rows.Purge()
	c.children.Purge()
}

func (c *RowCache) count(cacheType string, hit bool) {
	if hit {
		c.metrics.CacheHits.WithLabelValues(cacheType).Inc()
	} else {
		c.metrics.CacheMisses.WithLabelValues(cacheType).Inc()
	}
}

// Apply drops what inv makes stale: modified rows are removed, deleted rows
// are replaced by a Missing marker (an empty row for collection fragments)
// and parent entries drop the children listing. Applying the same
// invalidations again has no further effect.
func (c *RowCache) Apply(inv row.Invalidations) {
	for id := range inv.Modified {
		if id.Table == row.ParentFragment {
			if c.children.Remove(id.ID) {
				c.metrics.CacheEvicts.WithLabelValues(typeChildren).Inc()
			}
			continue
		}
		if c.rows.Remove(id) {
			c.metrics.CacheEvicts.WithLabelValues(typeRow).Inc()
		}
	}
	for id := range inv.Deleted {
		c.rows.Add(id, c.absent(id))
		c.metrics.CacheEvicts.WithLabelValues(typeRow).Inc()
	}
}

// absent is the row cached for a deleted id. A collection row reads back
// as an empty list, never as missing.
func (c *RowCache) absent(id row.RowID) *row.Row {
	if c.fragments != nil && c.fragments.IsCollectionFragment(id.Table) {
		return row.NewCollectionRow(id.Table, id.ID, nil)
	}
	return row.MissingRow(id.Table, id.ID)
}

// Consume applies everything delivered to q until ctx is done or q is
// closed. applied, when set, runs after each non-empty batch on the same
// goroutine, so reads it makes through the cache see the batch applied.
func (c *RowCache) Consume(ctx context.Context, q *cluster.Queue, applied func(row.Invalidations)) error {
	apply := func() {
		inv := q.Drain()
		if inv.IsEmpty() {
			return
		}
		c.Apply(inv)
		if applied != nil {
			applied(inv)
		}
	}
	for {
		select {
		case <-ctx.Done():
			apply()
			return ctx.Err()
		case _, open := <-q.Wait():
			apply()
			if !open {
				return nil
			}
		}
	}
}

// ReadRows returns ids in request order, loading the misses through r in
// one call and caching them.
func (c *RowCache) ReadRows(ctx context.Context, r Reader, ids []row.RowID) ([]*row.Row, error) {
	result := make([]*row.Row, 0, len(ids))
	found := make(map[row.RowID]*row.Row, len(ids))
	var misses []row.RowID
	for _, id := range ids {
		if _, seen := found[id]; seen {
			continue
		}
		if cached, ok := c.Get(id); ok {
			found[id] = cached
			continue
		}
		found[id] = nil
		misses = append(misses, id)
	}

	if len(misses) > 0 {
		loaded, err := r.ReadRows(ctx, misses)
		if err != nil {
			return nil, err
		}
		for _, lr := range loaded {
			c.Put(lr)
			found[lr.RowID()] = lr
		}
	}

	emitted := make(map[row.RowID]bool, len(found))
	for _, id := range ids {
		if emitted[id] {
			continue
		}
		emitted[id] = true
		if fr := found[id]; fr != nil {
			result = append(result, fr)
		}
	}
	return result, nil
}
