package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/markovrank/pkg/storage"
)

func TestElementCache_GetPut(t *testing.T) {
	c := NewElementCache(10)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", 1)
	id, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, storage.ElementID(1), id)

	c.Put("a", 2)
	id, _ = c.Get("a")
	assert.Equal(t, storage.ElementID(2), id, "put overwrites")
	assert.Equal(t, 1, c.Len())
}

func TestElementCache_LRUEviction(t *testing.T) {
	c := NewElementCache(3)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	// Touch "a" so "b" becomes the oldest.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("d", 4)

	_, ok = c.Get("b")
	assert.False(t, ok, "b should have been evicted")
	for _, name := range []string{"a", "c", "d"} {
		_, ok := c.Get(name)
		assert.True(t, ok, "%s should still be cached", name)
	}
	assert.Equal(t, 3, c.Len())
}

func TestElementCache_Disabled(t *testing.T) {
	c := NewElementCache(0)
	assert.False(t, c.Enabled())

	c.Put("a", 1)
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestElementCache_RemoveClear(t *testing.T) {
	c := NewElementCache(10)
	c.PutAll(map[string]storage.ElementID{"a": 1, "b": 2, "c": 3})
	assert.Equal(t, 3, c.Len())

	c.Remove("b")
	_, ok := c.Get("b")
	assert.False(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Len())
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestElementCache_Stats(t *testing.T) {
	c := NewElementCache(5)
	c.Put("a", 1)

	c.Get("a")
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 5, stats.MaxSize)
	assert.Equal(t, uint64(3), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 75.0, stats.HitRate, 0.001)
}

func TestElementCache_Concurrent(t *testing.T) {
	c := NewElementCache(100)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				name := fmt.Sprintf("e%d", (w*31+i)%200)
				c.Put(name, storage.ElementID(i+1))
				c.Get(name)
				if i%50 == 0 {
					c.Remove(name)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 100)
}
