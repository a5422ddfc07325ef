package guard

import (
	"database/sql"
	"sync"
	"weak"
)

// Registry observes the open guards of a process so that a reset on one
// connection can ask every sibling to revalidate. It holds weak pointers
// only; guards are owned by their sessions.
type Registry struct {
	mu     sync.Mutex
	next   uint64
	guards map[uint64]weak.Pointer[Guard]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{guards: make(map[uint64]weak.Pointer[Guard])}
}

func (r *Registry) register(g *Guard) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.guards[r.next] = weak.Make(g)
	return r.next
}

func (r *Registry) deregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.guards, id)
}

// invalidateOthers raises the validation flag on every live guard except
// the one registered under except, and returns how many were flagged.
// Entries of collected guards are pruned.
func (r *Registry) invalidateOthers(except uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, wp := range r.guards {
		g := wp.Value()
		if g == nil {
			delete(r.guards, id)
			continue
		}
		if id == except {
			continue
		}
		g.needsValidation.Store(true)
		n++
	}
	return n
}

// Len returns the number of live registered guards.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, wp := range r.guards {
		if wp.Value() == nil {
			delete(r.guards, id)
			continue
		}
		n++
	}
	return n
}

// Pools maps repository names to pooled data sources.
type Pools struct {
	mu    sync.RWMutex
	pools map[string]*sql.DB
}

// NewPools returns an empty pool registry.
func NewPools() *Pools {
	return &Pools{pools: make(map[string]*sql.DB)}
}

// Register makes db the preferred data source of repository.
func (p *Pools) Register(repository string, db *sql.DB) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pools[repository] = db
}

// Unregister removes the pool of repository. The pool is not closed.
func (p *Pools) Unregister(repository string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pools, repository)
}

// Lookup returns the pool registered for repository.
func (p *Pools) Lookup(repository string) (*sql.DB, bool) {
	if p == nil {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, ok := p.pools[repository]
	return db, ok
}
