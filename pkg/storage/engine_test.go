// Behavioural tests shared by every Engine implementation.
package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// forEachEngine runs fn against a fresh instance of every engine.
func forEachEngine(t *testing.T, fn func(t *testing.T, engine Engine)) {
	t.Helper()

	factories := map[string]func(t *testing.T) Engine{
		"memory": func(t *testing.T) Engine {
			return NewMemoryEngine()
		},
		"badger": func(t *testing.T) Engine {
			engine, err := NewBadgerEngineInMemory()
			require.NoError(t, err)
			return engine
		},
		"sqlite": func(t *testing.T) Engine {
			engine, err := NewSQLEngine(SQLOptions{
				Driver: "sqlite",
				DSN:    filepath.Join(t.TempDir(), "markov.db"),
			})
			require.NoError(t, err)
			return engine
		},
	}

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		factory := factories[name]
		t.Run(name, func(t *testing.T) {
			engine := factory(t)
			t.Cleanup(func() { engine.Close() })
			fn(t, engine)
		})
	}
}

func TestEngine_EnsureElement(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		ctx := context.Background()

		var first, again, other ElementID
		err := Update(ctx, engine, func(tx Transaction) error {
			var err error
			if first, err = tx.EnsureElement("a"); err != nil {
				return err
			}
			if again, err = tx.EnsureElement("a"); err != nil {
				return err
			}
			other, err = tx.EnsureElement("b")
			return err
		})
		require.NoError(t, err)

		assert.NotZero(t, first)
		assert.Equal(t, first, again, "same name must keep its id inside a transaction")
		assert.NotEqual(t, first, other)

		err = View(ctx, engine, func(tx Transaction) error {
			id, ok, err := tx.ElementID("a")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, first, id)

			_, ok, err = tx.ElementID("missing")
			require.NoError(t, err)
			assert.False(t, ok)
			return nil
		})
		require.NoError(t, err)

		stats, err := engine.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.Elements)
	})
}

func TestEngine_EnsureElementRejectsEmptyName(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		err := Update(context.Background(), engine, func(tx Transaction) error {
			_, err := tx.EnsureElement("")
			return err
		})
		assert.ErrorIs(t, err, ErrInvalidName)
	})
}

func TestEngine_EdgeLifecycle(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		ctx := context.Background()

		var parent ElementID
		require.NoError(t, Update(ctx, engine, func(tx Transaction) error {
			var err error
			if parent, err = tx.EnsureElement("a"); err != nil {
				return err
			}
			return tx.CreateEdge(parent, "b", NewEdgeStats(1, 2))
		}))

		t.Run("duplicate create is rejected", func(t *testing.T) {
			err := Update(ctx, engine, func(tx Transaction) error {
				return tx.CreateEdge(parent, "b", NewEdgeStats(1, 2))
			})
			assert.ErrorIs(t, err, ErrDuplicateEdge)
		})

		t.Run("increment accumulates", func(t *testing.T) {
			require.NoError(t, Update(ctx, engine, func(tx Transaction) error {
				return tx.IncrementEdge(parent, "b", NewEdgeStats(1, 4))
			}))
			require.NoError(t, View(ctx, engine, func(tx Transaction) error {
				s, ok, err := tx.GetEdge(parent, "b")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, EdgeStats{Count: 2, RatingSum: 6, RatingSumSquares: 20}, s)
				return nil
			}))
		})

		t.Run("reset overwrites", func(t *testing.T) {
			require.NoError(t, Update(ctx, engine, func(tx Transaction) error {
				return tx.ResetEdge(parent, "b", EdgeStats{Count: 7, RatingSum: 1, RatingSumSquares: 1})
			}))
			require.NoError(t, View(ctx, engine, func(tx Transaction) error {
				s, _, err := tx.GetEdge(parent, "b")
				require.NoError(t, err)
				assert.Equal(t, int64(7), s.Count)
				return nil
			}))
		})

		t.Run("missing edge", func(t *testing.T) {
			err := Update(ctx, engine, func(tx Transaction) error {
				return tx.IncrementEdge(parent, "zzz", NewEdgeStats(1, 1))
			})
			assert.ErrorIs(t, err, ErrNotFound)

			err = Update(ctx, engine, func(tx Transaction) error {
				return tx.ResetEdge(parent, "zzz", NewEdgeStats(1, 1))
			})
			assert.ErrorIs(t, err, ErrNotFound)
		})

		t.Run("unregistered parent", func(t *testing.T) {
			err := Update(ctx, engine, func(tx Transaction) error {
				return tx.CreateEdge(ElementID(999999), "b", NewEdgeStats(1, 1))
			})
			assert.ErrorIs(t, err, ErrNotFound)
		})

		t.Run("edges are directed", func(t *testing.T) {
			require.NoError(t, View(ctx, engine, func(tx Transaction) error {
				b, ok, err := tx.ElementID("b")
				require.NoError(t, err)
				if ok {
					_, exists, err := tx.GetEdge(b, "a")
					require.NoError(t, err)
					assert.False(t, exists)
				}
				return nil
			}))
		})
	})
}

func TestEngine_EdgeCountStaysPositive(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		ctx := context.Background()

		var parent ElementID
		require.NoError(t, Update(ctx, engine, func(tx Transaction) error {
			var err error
			if parent, err = tx.EnsureElement("a"); err != nil {
				return err
			}
			return tx.CreateEdge(parent, "c", NewEdgeStats(1, 3))
		}))

		tests := []struct {
			name string
			fn   func(tx Transaction) error
		}{
			{"create with zero count", func(tx Transaction) error {
				return tx.CreateEdge(parent, "b", NewEdgeStats(0, 5))
			}},
			{"create with negative count", func(tx Transaction) error {
				return tx.CreateEdge(parent, "b", NewEdgeStats(-2, 5))
			}},
			{"reset to zero count", func(tx Transaction) error {
				return tx.ResetEdge(parent, "c", NewEdgeStats(0, 5))
			}},
			{"decrement to zero", func(tx Transaction) error {
				return tx.IncrementEdge(parent, "c", NewEdgeStats(-1, 3))
			}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := Update(ctx, engine, tt.fn)
				assert.ErrorIs(t, err, ErrInvalidCount)
			})
		}

		require.NoError(t, Update(ctx, engine, func(tx Transaction) error {
			return tx.IncrementEdge(parent, "c", NewEdgeStats(0, 2))
		}), "rating-only increments keep the count")

		require.NoError(t, View(ctx, engine, func(tx Transaction) error {
			_, ok, err := tx.GetEdge(parent, "b")
			require.NoError(t, err)
			assert.False(t, ok)

			s, ok, err := tx.GetEdge(parent, "c")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, EdgeStats{Count: 1, RatingSum: 5, RatingSumSquares: 13}, s)
			return nil
		}))
	})
}

func TestEngine_ConcurrentFirstSight(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		ctx := context.Background()
		const writers = 8

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			ids   []ElementID
			fails []error
			start = make(chan struct{})
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				var id ElementID
				err := Update(ctx, engine, func(tx Transaction) error {
					var err error
					id, err = tx.EnsureElement("x")
					return err
				})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					fails = append(fails, err)
					return
				}
				ids = append(ids, id)
			}()
		}
		close(start)
		wg.Wait()

		// Losers of a first-sight race may only fail with a store conflict.
		for _, err := range fails {
			var serr *StorageError
			assert.ErrorAs(t, err, &serr)
		}
		require.NotEmpty(t, ids)
		for _, id := range ids {
			assert.Equal(t, ids[0], id, "one name, one id")
		}

		require.NoError(t, View(ctx, engine, func(tx Transaction) error {
			id, ok, err := tx.ElementID("x")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, ids[0], id)
			return nil
		}))
		stats, err := engine.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Elements)
	})
}

func TestEngine_ListChildren(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		ctx := context.Background()

		var a ElementID
		require.NoError(t, Update(ctx, engine, func(tx Transaction) error {
			var err error
			if a, err = tx.EnsureElement("a"); err != nil {
				return err
			}
			for _, child := range []string{"b", "c", "d"} {
				if err := tx.CreateEdge(a, child, NewEdgeStats(1, 1)); err != nil {
					return err
				}
			}

			// Pending edges are visible to the writer itself.
			edges, err := tx.ListChildren(a)
			if err != nil {
				return err
			}
			assert.Len(t, edges, 3)
			return nil
		}))

		require.NoError(t, View(ctx, engine, func(tx Transaction) error {
			edges, err := tx.ListChildren(a)
			require.NoError(t, err)

			children := make([]string, 0, len(edges))
			for _, e := range edges {
				assert.Equal(t, a, e.Parent)
				children = append(children, e.Child)
			}
			sort.Strings(children)
			assert.Equal(t, []string{"b", "c", "d"}, children)

			none, err := tx.ListChildren(ElementID(424242))
			require.NoError(t, err)
			assert.Empty(t, none)
			return nil
		}))
	})
}

func TestEngine_RollbackDiscardsEverything(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		ctx := context.Background()
		boom := errors.New("boom")

		err := Update(ctx, engine, func(tx Transaction) error {
			a, err := tx.EnsureElement("a")
			if err != nil {
				return err
			}
			if err := tx.CreateEdge(a, "b", NewEdgeStats(1, 1)); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		stats, err := engine.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{}, stats)
	})
}

func TestEngine_CancelledContextRollsBack(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		ctx, cancel := context.WithCancel(context.Background())

		err := Update(ctx, engine, func(tx Transaction) error {
			if _, err := tx.EnsureElement("a"); err != nil {
				return err
			}
			cancel()
			return nil
		})
		require.ErrorIs(t, err, context.Canceled)

		stats, err := engine.Stats(context.Background())
		require.NoError(t, err)
		assert.Zero(t, stats.Elements)
	})
}

func TestEngine_ReadOnlyTransaction(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		err := View(context.Background(), engine, func(tx Transaction) error {
			assert.False(t, tx.Writable())
			_, err := tx.EnsureElement("a")
			return err
		})
		assert.ErrorIs(t, err, ErrReadOnly)
	})
}

func TestEngine_TransactionClosed(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		tx, err := engine.Begin(context.Background(), true)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		assert.ErrorIs(t, tx.Commit(), ErrTransactionClosed)
		assert.ErrorIs(t, tx.Rollback(), ErrTransactionClosed)
		_, err = tx.EnsureElement("a")
		assert.ErrorIs(t, err, ErrTransactionClosed)
	})
}

func TestEngine_UncommittedWritesAreInvisible(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		ctx := context.Background()

		writer, err := engine.Begin(ctx, true)
		require.NoError(t, err)
		_, err = writer.EnsureElement("a")
		require.NoError(t, err)

		reader, err := engine.Begin(ctx, false)
		require.NoError(t, err)
		_, ok, err := reader.ElementID("a")
		require.NoError(t, err)
		assert.False(t, ok, "reader must not see an uncommitted element")
		require.NoError(t, reader.Commit())

		require.NoError(t, writer.Commit())

		require.NoError(t, View(ctx, engine, func(tx Transaction) error {
			_, ok, err := tx.ElementID("a")
			require.NoError(t, err)
			assert.True(t, ok)
			return nil
		}))
	})
}

func TestEngine_Truncate(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		ctx := context.Background()

		var before ElementID
		require.NoError(t, Update(ctx, engine, func(tx Transaction) error {
			var err error
			if before, err = tx.EnsureElement("a"); err != nil {
				return err
			}
			return tx.CreateEdge(before, "b", NewEdgeStats(1, 1))
		}))

		require.NoError(t, engine.Truncate(ctx))

		stats, err := engine.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{}, stats)

		var after ElementID
		require.NoError(t, Update(ctx, engine, func(tx Transaction) error {
			var err error
			after, err = tx.EnsureElement("a")
			return err
		}))
		assert.Greater(t, uint64(after), uint64(before), "ids are not reused after truncate")
	})
}

func TestEngine_ClosedEngine(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		require.NoError(t, engine.Close())
		_, err := engine.Begin(context.Background(), true)
		assert.ErrorIs(t, err, ErrStorageClosed)
	})
}
