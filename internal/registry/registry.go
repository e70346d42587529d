// Package registry holds the instrument name to feed identifier mapping.
// The mapping itself is maintained by an external bootstrap step; this is
// only the in-process boundary the relay reads from.
package registry

import (
	"sort"
	"sync"

	"github.com/feedmux/pricerelay/internal/feed"
)

type Registry struct {
	mu    sync.RWMutex
	pairs map[string]string // instrument name -> normalized feed identifier
}

func New() *Registry {
	return &Registry{pairs: make(map[string]string)}
}

// LoadStatic replaces the mapping with the given set, normalizing every
// identifier on the way in. Called once at bootstrap before the relay
// accepts clients.
func (r *Registry) LoadStatic(pairs map[string]string) {
	normalized := make(map[string]string, len(pairs))
	for name, id := range pairs {
		normalized[name] = feed.Normalize(id)
	}
	r.mu.Lock()
	r.pairs = normalized
	r.mu.Unlock()
}

// Lookup resolves an instrument name to its feed identifier.
func (r *Registry) Lookup(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.pairs[name]
	return id, ok
}

// List returns all known instrument names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.pairs))
	for name := range r.pairs {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pairs)
}
