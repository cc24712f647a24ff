package service

import (
	"sync"

	"github.com/scrypster/keepsake/internal/embedding"
	"github.com/scrypster/keepsake/internal/quality"
	"github.com/scrypster/keepsake/internal/storage"
)

// The service registry caches one MemoryService per Storage instance so
// the JSON-RPC and HTTP surfaces in the same process share uptime and
// access bookkeeping instead of constructing parallel services.
var (
	registryMu sync.Mutex
	registry   = make(map[storage.Storage]*MemoryService)
)

// For returns the cached service for store, creating it on first use.
// Later calls ignore the construction arguments and return the cached
// instance.
func For(store storage.Storage, embedder embedding.Provider, qp quality.Provider, cfg Config) *MemoryService {
	registryMu.Lock()
	defer registryMu.Unlock()
	if svc, cached := registry[store]; cached {
		return svc
	}
	svc := New(store, embedder, qp, cfg)
	registry[store] = svc
	return svc
}

// Forget drops the cached service for store. Called alongside backend
// shutdown so a reconstructed backend gets a fresh service.
func Forget(store storage.Storage) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, store)
}
