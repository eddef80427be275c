// Package cache provides an LRU cache of element name -> id mappings.
//
// Element identities never change once committed, so the registry can answer
// repeated lookups of hot names without opening a storage transaction. The
// cache is only ever fed committed ids; an id allocated inside a transaction
// that later rolls back must never reach it.
//
// Example:
//
//	c := cache.NewElementCache(10000)
//	c.Put("a", 1)
//	if id, ok := c.Get("a"); ok {
//		fmt.Println(id)
//	}
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/orneryd/markovrank/pkg/storage"
)

// ElementCache is a thread-safe LRU cache keyed by element name.
//
// A maxSize of zero or less disables the cache: Put is a no-op and every Get
// misses.
type ElementCache struct {
	mu sync.Mutex

	maxSize int
	list    *list.List
	items   map[string]*list.Element

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheEntry struct {
	name string
	id   storage.ElementID
}

// NewElementCache creates a cache holding at most maxSize names.
func NewElementCache(maxSize int) *ElementCache {
	if maxSize < 0 {
		maxSize = 0
	}
	return &ElementCache{
		maxSize: maxSize,
		list:    list.New(),
		items:   make(map[string]*list.Element),
	}
}

// Enabled reports whether the cache stores anything.
func (c *ElementCache) Enabled() bool { return c.maxSize > 0 }

// Get returns the cached id of name and marks it most recently used.
func (c *ElementCache) Get(name string) (storage.ElementID, bool) {
	c.mu.Lock()
	elem, ok := c.items[name]
	if ok {
		c.list.MoveToFront(elem)
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return 0, false
	}
	c.hits.Add(1)
	return elem.Value.(*cacheEntry).id, true
}

// Put stores name -> id, evicting the least recently used entry when full.
func (c *ElementCache) Put(name string, id storage.ElementID) {
	if c.maxSize <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[name]; ok {
		elem.Value.(*cacheEntry).id = id
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		c.evictOldest()
	}
	c.items[name] = c.list.PushFront(&cacheEntry{name: name, id: id})
}

// PutAll stores every mapping in ids.
func (c *ElementCache) PutAll(ids map[string]storage.ElementID) {
	for name, id := range ids {
		c.Put(name, id)
	}
}

// Remove drops name from the cache.
func (c *ElementCache) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[name]; ok {
		c.removeElement(elem)
	}
}

// Clear drops every entry. Hit and miss counters are kept.
func (c *ElementCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.list.Init()
	c.items = make(map[string]*list.Element)
}

// Len returns the number of cached names.
func (c *ElementCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats returns cache statistics.
func (c *ElementCache) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return CacheStats{
		Size:    c.Len(),
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// CacheStats holds cache performance statistics.
type CacheStats struct {
	Size    int     // Current number of entries
	MaxSize int     // Maximum capacity
	Hits    uint64  // Number of cache hits
	Misses  uint64  // Number of cache misses
	HitRate float64 // Hit rate percentage (0-100)
}

func (c *ElementCache) evictOldest() {
	if elem := c.list.Back(); elem != nil {
		c.removeElement(elem)
	}
}

func (c *ElementCache) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*cacheEntry).name)
}
