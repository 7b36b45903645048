package tiling

import (
	"sync"

	"github.com/NERVsystems/tilestream/pkg/monitoring"
)

// GlobalRegistry is the set of entity ids owned by exactly one tile. One
// instance is shared by every tile of a manager.
type GlobalRegistry struct {
	mu     sync.Mutex
	owners map[int64]*Registry
}

// NewGlobalRegistry creates an empty shared set.
func NewGlobalRegistry() *GlobalRegistry {
	return &GlobalRegistry{owners: make(map[int64]*Registry)}
}

// Contains reports whether any tile owns id.
func (g *GlobalRegistry) Contains(id int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.owners[id]
	return ok
}

// Len returns the number of owned ids.
func (g *GlobalRegistry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.owners)
}

func (g *GlobalRegistry) claim(id int64, r *Registry) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if owner, ok := g.owners[id]; ok {
		return owner == r
	}
	g.owners[id] = r
	return true
}

func (g *GlobalRegistry) release(ids map[int64]struct{}, r *Registry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id := range ids {
		if g.owners[id] == r {
			delete(g.owners, id)
		}
	}
}

// Registry records the entities materialized by one tile.
type Registry struct {
	global *GlobalRegistry

	mu       sync.RWMutex
	local    map[int64]struct{}
	owned    map[int64]struct{}
	disposed bool
}

// NewRegistry creates a tile registry sharing global.
func NewRegistry(global *GlobalRegistry) *Registry {
	return &Registry{
		global: global,
		local:  make(map[int64]struct{}),
		owned:  make(map[int64]struct{}),
	}
}

// Register records id for this tile only.
func (r *Registry) Register(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.local[id] = struct{}{}
}

// RegisterGlobal claims id for this tile across all tiles. The first tile to
// claim an id owns it until disposed; claims by other tiles return false and
// change nothing.
func (r *Registry) RegisterGlobal(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return false
	}
	if !r.global.claim(id, r) {
		monitoring.RecordGlobalRegistryRejected()
		return false
	}
	r.owned[id] = struct{}{}
	r.local[id] = struct{}{}
	return true
}

// Contains reports whether id is registered by this tile or owned by any.
func (r *Registry) Contains(id int64) bool {
	r.mu.RLock()
	_, ok := r.local[id]
	r.mu.RUnlock()
	return ok || r.global.Contains(id)
}

// Len returns the number of ids registered by this tile.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.local)
}

// OwnedLen returns the number of ids this tile owns globally.
func (r *Registry) OwnedLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owned)
}

// Dispose releases the ids this tile owns and clears it. Later registrations
// are ignored.
func (r *Registry) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.disposed = true
	r.global.release(r.owned, r)
	r.local = make(map[int64]struct{})
	r.owned = make(map[int64]struct{})
}
