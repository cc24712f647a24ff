package storage

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// Registry is the process-wide cache of Storage instances, keyed by
// "backend:path". Construction of a backend (opening the DB, running
// migrations, warming the embedding provider) is expensive; a cache hit is
// a map read. The MCP and HTTP surfaces share instances through it.
type Registry struct {
	mu     sync.Mutex
	stores map[string]Storage
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]Storage)}
}

// Key builds the canonical registry key for a backend and its location.
func Key(backend, path string) string {
	return backend + ":" + path
}

// GetOrCreate returns the cached Storage for key, constructing it with
// factory under the registry lock on first use. The factory runs at most
// once per key for the life of the process.
func (r *Registry) GetOrCreate(key string, factory func() (Storage, error)) (Storage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[key]; ok {
		return s, nil
	}

	s, err := factory()
	if err != nil {
		return nil, fmt.Errorf("registry: create %s: %w", key, err)
	}
	r.stores[key] = s
	return s, nil
}

// Get returns the cached Storage for key, if present.
func (r *Registry) Get(key string) (Storage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[key]
	return s, ok
}

// Keys returns the registered keys, sorted, for diagnostics.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.stores))
	for k := range r.stores {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CloseAll closes every cached store and empties the registry. Called
// once at shutdown; close errors are logged, not returned, so one bad
// backend cannot block the rest of the teardown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, s := range r.stores {
		if err := s.Close(); err != nil {
			log.Printf("WARNING: registry: closing %s: %v", key, err)
		}
	}
	r.stores = make(map[string]Storage)
}

// defaultRegistry backs the package-level helpers used by the binaries.
var defaultRegistry = NewRegistry()

// Shared returns the process-wide registry.
func Shared() *Registry {
	return defaultRegistry
}
