// Package registry maps element names to stable surrogate identities.
//
// The registry is the only place element identities are created. It works
// inside a caller's transaction so that registering the members of a
// sequence commits or rolls back together with the sequence's edges.
//
// Committed identities are cached for read-only lookups. Writable
// transactions always resolve names against the store, so a cached id whose
// element was truncated away can never leak into new edges. Because an id
// allocated inside a transaction is not real until that transaction commits,
// callers hand ids to the cache with Remember only after a successful
// commit, passing the Generation observed before the transaction began.
//
// Example:
//
//	reg := registry.New(engine, 10000, log)
//	err := storage.Update(ctx, engine, func(tx storage.Transaction) error {
//		_, err := reg.EnsureElement(tx, "a")
//		return err
//	})
package registry

import (
	"context"
	"sync"

	"github.com/orneryd/markovrank/pkg/cache"
	"github.com/orneryd/markovrank/pkg/logger"
	"github.com/orneryd/markovrank/pkg/storage"
)

// Registry resolves and creates element identities.
type Registry struct {
	engine storage.Engine
	cache  *cache.ElementCache
	log    *logger.Logger

	// mu orders cache fills against Forget; gen counts Forget calls.
	mu  sync.Mutex
	gen uint64
}

// New creates a registry over engine with an LRU of cacheSize committed ids.
// A nil log discards output.
func New(engine storage.Engine, cacheSize int, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		engine: engine,
		cache:  cache.NewElementCache(cacheSize),
		log:    log.Named("registry"),
	}
}

// EnsureElement returns the id of name, creating the element when it is new.
// Calling it twice with the same name in the same transaction returns the
// same id. The cache is bypassed: the answer always comes from tx.
func (r *Registry) EnsureElement(tx storage.Transaction, name string) (storage.ElementID, error) {
	if err := storage.ValidateName(name); err != nil {
		return 0, err
	}
	return tx.EnsureElement(name)
}

// ElementID looks name up. ok is false when the name has never been
// registered. Only read-only transactions consult the cache.
func (r *Registry) ElementID(tx storage.Transaction, name string) (storage.ElementID, bool, error) {
	if !tx.Writable() {
		if id, ok := r.cache.Get(name); ok {
			return id, true, nil
		}
	}
	return tx.ElementID(name)
}

// Exists reports whether name is registered.
func (r *Registry) Exists(tx storage.Transaction, name string) (bool, error) {
	_, ok, err := r.ElementID(tx, name)
	return ok, err
}

// Ensure registers name in its own transaction.
func (r *Registry) Ensure(ctx context.Context, name string) (storage.ElementID, error) {
	gen := r.Generation()
	var id storage.ElementID
	err := storage.Update(ctx, r.engine, func(tx storage.Transaction) error {
		var err error
		id, err = r.EnsureElement(tx, name)
		return err
	})
	if err != nil {
		return 0, err
	}
	r.Remember(gen, map[string]storage.ElementID{name: id})
	return id, nil
}

// Lookup resolves name against committed state.
func (r *Registry) Lookup(ctx context.Context, name string) (storage.ElementID, bool, error) {
	if id, ok := r.cache.Get(name); ok {
		return id, true, nil
	}

	gen := r.Generation()
	var (
		id storage.ElementID
		ok bool
	)
	err := storage.View(ctx, r.engine, func(tx storage.Transaction) error {
		var err error
		id, ok, err = tx.ElementID(name)
		return err
	})
	if err != nil {
		return 0, false, err
	}
	if ok {
		r.Remember(gen, map[string]storage.ElementID{name: id})
	}
	return id, ok, nil
}

// Has reports whether name is registered in committed state.
func (r *Registry) Has(ctx context.Context, name string) (bool, error) {
	_, ok, err := r.Lookup(ctx, name)
	return ok, err
}

// Generation identifies the current cache epoch. Read it before opening the
// transaction whose ids will be passed to Remember.
func (r *Registry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

// Remember caches ids whose transaction has committed. The ids are dropped
// when Forget ran after gen was read, since the store may have been
// truncated underneath them. It reports whether the ids were cached.
func (r *Registry) Remember(gen uint64, ids map[string]storage.ElementID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		r.log.Debug("dropping ids from a previous generation", "count", len(ids), "generation", gen)
		return false
	}
	r.cache.PutAll(ids)
	return true
}

// Forget empties the cache and starts a new generation. Call after the store
// is truncated.
func (r *Registry) Forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.cache.Clear()
	r.log.Debug("element cache cleared", "generation", r.gen)
}

// CacheStats reports cache effectiveness.
func (r *Registry) CacheStats() cache.CacheStats {
	return r.cache.Stats()
}
