package markov

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/markovrank/pkg/config"
	"github.com/orneryd/markovrank/pkg/encryption"
	"github.com/orneryd/markovrank/pkg/ingest"
	"github.com/orneryd/markovrank/pkg/logger"
	"github.com/orneryd/markovrank/pkg/storage"
)

func testConfig(t *testing.T, engine string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Engine = engine
	cfg.Storage.DataDir = t.TempDir()
	cfg.Ingest.Workers = 4
	return cfg
}

var dataset = []ingest.Sequence{
	{Rating: 1, Items: []string{"a", "b", "c"}},
	{Rating: 3, Items: []string{"a", "d"}},
	{Rating: 8, Items: []string{"d", "b"}},
	{Rating: 2, Items: []string{"d", "b", "c", "e"}},
	{Rating: 10, Items: []string{"a", "b"}},
}

func TestOpen_Engines(t *testing.T) {
	for _, engine := range []string{config.EngineMemory, config.EngineBadger, config.EngineSQLite} {
		t.Run(engine, func(t *testing.T) {
			ctx := context.Background()
			db, err := Open(testConfig(t, engine), WithLogger(logger.Nop()))
			require.NoError(t, err)
			defer db.Close()
			assert.Equal(t, engine, db.Engine().Name())

			stats, err := db.FeedAll(ctx, dataset)
			require.NoError(t, err)
			assert.Equal(t, int64(5), stats.Fed)

			ab, ok, err := db.Edge(ctx, "a", "b")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, storage.EdgeStats{Count: 2, RatingSum: 11, RatingSumSquares: 101}, ab)

			children, err := db.Children(ctx, "a")
			require.NoError(t, err)
			assert.Len(t, children, 3)

			r, err := db.MeanRating(ctx, "e")
			require.NoError(t, err)
			assert.True(t, r.OK)
			assert.InDelta(t, 2.0, r.Mean, 1e-9)

			require.NoError(t, db.ResetEdge(ctx, "a", "b", 1, 4))
			ab, _, err = db.Edge(ctx, "a", "b")
			require.NoError(t, err)
			assert.Equal(t, storage.NewEdgeStats(1, 4), ab)

			require.NoError(t, db.Reset(ctx))
			s, err := db.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, storage.Stats{}, s)

			_, ok, err = db.Edge(ctx, "a", "b")
			require.NoError(t, err)
			assert.False(t, ok, "reset clears the element cache too")

			res, err := db.FeedSequence(ctx, 1, []string{"a", "b"})
			require.NoError(t, err)
			assert.Equal(t, 2, res.Created)
		})
	}
}

func TestOpen_BadgerPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.EngineBadger)
	cfg.Storage.EncryptionPassphrase = "correct horse"
	cfg.Storage.EncryptionIterations = 1000

	db, err := Open(cfg, WithLogger(logger.Nop()))
	require.NoError(t, err)
	_, err = db.FeedSequence(ctx, 7, []string{"x", "y"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = os.Stat(filepath.Join(cfg.Storage.DataDir, encryption.SaltFile))
	require.NoError(t, err, "salt is kept next to the data")

	db, err = Open(cfg, WithLogger(logger.Nop()))
	require.NoError(t, err)
	defer db.Close()

	xy, ok, err := db.Edge(ctx, "x", "y")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage.NewEdgeStats(1, 7), xy)
}

func TestCompact(t *testing.T) {
	ctx := context.Background()

	t.Run("badger on disk", func(t *testing.T) {
		db, err := Open(testConfig(t, config.EngineBadger), WithLogger(logger.Nop()))
		require.NoError(t, err)
		defer db.Close()
		_, err = db.FeedAll(ctx, dataset)
		require.NoError(t, err)

		m, err := db.Compact()
		require.NoError(t, err)
		assert.True(t, m.Collected)
		assert.GreaterOrEqual(t, m.LSMBytes, int64(0))
		assert.GreaterOrEqual(t, m.VlogBytes, int64(0))

		ab, ok, err := db.Edge(ctx, "a", "b")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(2), ab.Count)
	})

	t.Run("badger in memory", func(t *testing.T) {
		engine, err := storage.NewBadgerEngineInMemory()
		require.NoError(t, err)
		db, err := Open(testConfig(t, config.EngineBadger), WithEngine(engine), WithLogger(logger.Nop()))
		require.NoError(t, err)
		defer db.Close()

		m, err := db.Compact()
		require.NoError(t, err)
		assert.False(t, m.Collected)
	})

	t.Run("other engines", func(t *testing.T) {
		db, err := Open(testConfig(t, config.EngineMemory), WithLogger(logger.Nop()))
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Compact()
		assert.ErrorIs(t, err, ErrMaintenanceUnsupported)
	})
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Engine = "rocks"
	_, err := Open(cfg, WithLogger(logger.Nop()))
	assert.Error(t, err)
}

func TestOpen_WithEngine(t *testing.T) {
	engine := storage.NewMemoryEngine()
	db, err := Open(testConfig(t, config.EngineMemory), WithEngine(engine), WithLogger(logger.Nop()))
	require.NoError(t, err)
	assert.Same(t, engine, db.Engine())
	require.NoError(t, db.Close())

	_, err = engine.Begin(context.Background(), false)
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
}
