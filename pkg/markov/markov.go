// Package markov wires configuration, logging, storage and the ledger
// services into a single handle.
//
// Example:
//
//	cfg := config.LoadFromEnv()
//	db, err := markov.Open(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	if _, err := db.FeedSequence(ctx, 8, []string{"d", "b"}); err != nil {
//		log.Fatal(err)
//	}
//	children, _ := db.Children(ctx, "d")
package markov

import (
	"context"
	"errors"
	"fmt"

	"github.com/orneryd/markovrank/pkg/config"
	"github.com/orneryd/markovrank/pkg/encryption"
	"github.com/orneryd/markovrank/pkg/ingest"
	"github.com/orneryd/markovrank/pkg/ledger"
	"github.com/orneryd/markovrank/pkg/logger"
	"github.com/orneryd/markovrank/pkg/query"
	"github.com/orneryd/markovrank/pkg/registry"
	"github.com/orneryd/markovrank/pkg/storage"
)

// DB is an open markovrank store.
type DB struct {
	cfg      *config.Config
	log      *logger.Logger
	engine   storage.Engine
	registry *registry.Registry
	ledger   *ledger.Ledger
	ingester *ingest.Ingester
	query    *query.Service
}

// Option customises Open.
type Option func(*options)

type options struct {
	log    *logger.Logger
	engine storage.Engine
}

// WithLogger uses l instead of building a logger from the config.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithEngine uses an already opened engine. The DB takes ownership and
// closes it.
func WithEngine(e storage.Engine) Option {
	return func(o *options) { o.engine = e }
}

// Open validates cfg, opens the configured engine and builds the services.
func Open(cfg *config.Config, opts ...Option) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := o.log
	if log == nil {
		var err error
		if log, err = logger.New(cfg.Logging.Mode, cfg.Logging.Level); err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
	}

	engine := o.engine
	if engine == nil {
		var err error
		if engine, err = OpenEngine(cfg, log); err != nil {
			return nil, err
		}
	}

	reg := registry.New(engine, cfg.Registry.CacheSize, log)
	led := ledger.New(reg)
	db := &DB{
		cfg:      cfg,
		log:      log,
		engine:   engine,
		registry: reg,
		ledger:   led,
		ingester: ingest.New(engine, reg, led, ingest.Options{LockStripes: cfg.Ingest.LockStripes}, log),
		query:    query.New(engine, led),
	}
	log.Info("store opened", "engine", engine.Name(), "config", cfg.String())
	return db, nil
}

// OpenEngine opens the storage engine selected by cfg.
func OpenEngine(cfg *config.Config, log *logger.Logger) (storage.Engine, error) {
	switch cfg.Storage.Engine {
	case config.EngineMemory:
		return storage.NewMemoryEngine(), nil

	case config.EngineBadger:
		opts := storage.BadgerOptions{
			DataDir:    cfg.Storage.DataDir,
			SyncWrites: cfg.Storage.SyncWrites,
			LowMemory:  cfg.Storage.LowMemory,
			Logger:     log.Badger(),
		}
		if cfg.Storage.EncryptionPassphrase != "" {
			key, err := encryption.KeyFromPassphrase(
				cfg.Storage.EncryptionPassphrase,
				cfg.Storage.EncryptionSalt,
				cfg.Storage.DataDir,
				cfg.Storage.EncryptionIterations,
			)
			if err != nil {
				return nil, fmt.Errorf("deriving encryption key: %w", err)
			}
			opts.EncryptionKey = key
			log.Info("encryption at rest enabled", "key_fingerprint", encryption.HashKey(key))
		}
		engine, err := storage.NewBadgerEngineWithOptions(opts)
		if err != nil {
			return nil, err
		}
		return engine, nil

	case config.EngineSQLite:
		engine, err := storage.NewSQLEngine(storage.SQLOptions{
			Driver: "sqlite",
			DSN:    cfg.SQLiteDSN(),
			Logger: log.Gorm(),
		})
		if err != nil {
			return nil, err
		}
		return engine, nil

	case config.EnginePostgres:
		engine, err := storage.NewSQLEngine(storage.SQLOptions{
			Driver: "postgres",
			DSN:    cfg.Storage.DSN,
			Logger: log.Gorm(),
		})
		if err != nil {
			return nil, err
		}
		return engine, nil
	}
	return nil, fmt.Errorf("unknown storage engine: %q", cfg.Storage.Engine)
}

// FeedSequence records one rated sequence atomically.
func (db *DB) FeedSequence(ctx context.Context, rating float64, items []string) (ingest.Result, error) {
	return db.ingester.FeedSequence(ctx, rating, items)
}

// Pipeline returns a worker pipeline configured from the ingest settings.
func (db *DB) Pipeline() *ingest.Pipeline {
	return ingest.NewPipeline(db.ingester, ingest.PipelineOptions{
		Workers:         db.cfg.Ingest.Workers,
		ContinueOnError: db.cfg.Ingest.ContinueOnError,
	})
}

// FeedAll ingests sequences with the configured worker pool.
func (db *DB) FeedAll(ctx context.Context, sequences []ingest.Sequence) (ingest.PipelineStats, error) {
	return db.Pipeline().FeedAll(ctx, sequences)
}

// Children lists the out-edges of name.
func (db *DB) Children(ctx context.Context, name string) ([]ledger.Child, error) {
	return db.query.Children(ctx, name)
}

// MeanRating returns the count-weighted mean rating of name's out-edges.
func (db *DB) MeanRating(ctx context.Context, name string) (query.Rating, error) {
	return db.query.MeanRating(ctx, name)
}

// Edge returns the statistics of parent -> child.
func (db *DB) Edge(ctx context.Context, parent, child string) (storage.EdgeStats, bool, error) {
	return db.query.Edge(ctx, parent, child)
}

// Summary aggregates the out-edges of name.
func (db *DB) Summary(ctx context.Context, name string) (storage.EdgeStats, bool, error) {
	return db.query.Summary(ctx, name)
}

// Stats counts elements and edges.
func (db *DB) Stats(ctx context.Context) (storage.Stats, error) {
	return db.query.Stats(ctx)
}

// ResetEdge overwrites parent -> child with (count, rating, rating²).
func (db *DB) ResetEdge(ctx context.Context, parent, child string, count int64, rating float64) error {
	return storage.Update(ctx, db.engine, func(tx storage.Transaction) error {
		return db.ledger.ResetEdge(tx, parent, child, count, rating)
	})
}

// Reset removes every element and edge.
func (db *DB) Reset(ctx context.Context) error {
	if err := db.engine.Truncate(ctx); err != nil {
		return err
	}
	db.registry.Forget()
	db.log.Warn("store truncated", "engine", db.engine.Name())
	return nil
}

// ErrMaintenanceUnsupported is returned by Compact for engines that manage
// their own space.
var ErrMaintenanceUnsupported = errors.New("maintenance is only supported by the badger engine")

// Maintenance describes the footprint of a badger store.
type Maintenance struct {
	LSMBytes  int64 `json:"lsmBytes"`
	VlogBytes int64 `json:"vlogBytes"`
	// Collected is false for in-memory stores, which have no value log.
	Collected bool `json:"collected"`
}

// Compact runs badger value log garbage collection and reports the store
// size. Long-running feeders should call it now and then.
func (db *DB) Compact() (Maintenance, error) {
	b, ok := db.engine.(*storage.BadgerEngine)
	if !ok {
		return Maintenance{}, ErrMaintenanceUnsupported
	}

	var m Maintenance
	if !b.IsInMemory() {
		if err := b.RunGC(); err != nil {
			return Maintenance{}, fmt.Errorf("value log gc: %w", err)
		}
		m.Collected = true
	}
	m.LSMBytes, m.VlogBytes = b.Size()
	db.log.Info("badger maintenance", "lsm_bytes", m.LSMBytes, "vlog_bytes", m.VlogBytes, "collected", m.Collected)
	return m, nil
}

// Engine exposes the storage engine.
func (db *DB) Engine() storage.Engine { return db.engine }

// Logger exposes the logger.
func (db *DB) Logger() *logger.Logger { return db.log }

// Close flushes the logger and closes the engine.
func (db *DB) Close() error {
	defer db.log.Sync()
	return db.engine.Close()
}
