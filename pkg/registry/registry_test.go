package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/markovrank/pkg/storage"
)

func TestRegistry_EnsureElementIdempotent(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	reg := New(engine, 100, nil)
	ctx := context.Background()

	var first, second storage.ElementID
	require.NoError(t, storage.Update(ctx, engine, func(tx storage.Transaction) error {
		var err error
		if first, err = reg.EnsureElement(tx, "a"); err != nil {
			return err
		}
		second, err = reg.EnsureElement(tx, "a")
		return err
	}))
	assert.Equal(t, first, second)

	again, err := reg.Ensure(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, first, again, "a committed name keeps its id")
}

func TestRegistry_LookupUnknown(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	reg := New(engine, 100, nil)

	_, ok, err := reg.Lookup(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	has, err := reg.Has(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRegistry_ExistsInsideTransaction(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	reg := New(engine, 100, nil)

	require.NoError(t, storage.Update(context.Background(), engine, func(tx storage.Transaction) error {
		ok, err := reg.Exists(tx, "a")
		require.NoError(t, err)
		assert.False(t, ok)

		if _, err := reg.EnsureElement(tx, "a"); err != nil {
			return err
		}

		ok, err = reg.Exists(tx, "a")
		require.NoError(t, err)
		assert.True(t, ok, "pending element is visible to its own transaction")
		return nil
	}))
}

func TestRegistry_RolledBackIdsAreNotCached(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	reg := New(engine, 100, nil)
	ctx := context.Background()
	boom := errors.New("boom")

	err := storage.Update(ctx, engine, func(tx storage.Transaction) error {
		if _, err := reg.EnsureElement(tx, "a"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, ok, err := reg.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.CacheStats().Size)
}

func TestRegistry_RememberAndForget(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	reg := New(engine, 100, nil)
	ctx := context.Background()

	id, err := reg.Ensure(ctx, "a")
	require.NoError(t, err)

	got, ok, err := reg.Lookup(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, got)
	assert.Equal(t, uint64(1), reg.CacheStats().Hits)

	require.True(t, reg.Remember(reg.Generation(), map[string]storage.ElementID{"b": 42}))
	got, ok, err = reg.Lookup(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, storage.ElementID(42), got)

	reg.Forget()
	assert.Equal(t, 0, reg.CacheStats().Size)
}

func TestRegistry_RejectsEmptyName(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	reg := New(engine, 100, nil)

	_, err := reg.Ensure(context.Background(), "")
	assert.ErrorIs(t, err, storage.ErrInvalidName)
}

func TestRegistry_RememberAfterForgetIsDropped(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	reg := New(engine, 100, nil)
	ctx := context.Background()

	gen := reg.Generation()
	id, err := reg.Ensure(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, engine.Truncate(ctx))
	reg.Forget()
	assert.NotEqual(t, gen, reg.Generation())

	assert.False(t, reg.Remember(gen, map[string]storage.ElementID{"a": id}))
	assert.Equal(t, 0, reg.CacheStats().Size)

	_, ok, err := reg.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok, "truncated element must not be served from the cache")
}

func TestRegistry_WritableTransactionsIgnoreCache(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	reg := New(engine, 100, nil)
	ctx := context.Background()

	stale, err := reg.Ensure(ctx, "a")
	require.NoError(t, err)

	// Another process truncates the shared store; this cache never hears of it.
	require.NoError(t, engine.Truncate(ctx))

	var fresh storage.ElementID
	require.NoError(t, storage.Update(ctx, engine, func(tx storage.Transaction) error {
		ok, err := reg.Exists(tx, "a")
		require.NoError(t, err)
		assert.False(t, ok)

		fresh, err = reg.EnsureElement(tx, "a")
		if err != nil {
			return err
		}
		got, ok, err := reg.ElementID(tx, "a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fresh, got)
		return nil
	}))
	assert.NotEqual(t, stale, fresh, "ids are not reused after truncate")

	// Read-only lookups still see the cached id until Forget.
	require.NoError(t, storage.View(ctx, engine, func(tx storage.Transaction) error {
		got, ok, err := reg.ElementID(tx, "a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, stale, got)
		return nil
	}))
}
