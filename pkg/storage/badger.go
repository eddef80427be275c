// Package storage provides storage engine implementations for markovrank.
//
// BadgerEngine provides persistent disk-based storage using BadgerDB.
// It implements the Engine interface on top of Badger's serializable
// snapshot isolation transactions.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixElement   = byte(0x01) // element:name -> id
	prefixElementID = byte(0x02) // elementid:id -> name
	prefixEdge      = byte(0x03) // edge:parentID:child -> EdgeStats
	prefixMeta      = byte(0x04) // meta:key -> value
)

// sequenceBandwidth is how many element IDs are leased from disk at once.
const sequenceBandwidth = 1000

// BadgerEngine provides persistent storage using BadgerDB.
//
// Features:
//   - ACID transactions, one per ingested sequence
//   - Persistent storage to disk (or RAM for tests)
//   - Optional encryption at rest
//   - Conflict detection: two transactions racing to create the same
//     element or edge cannot both commit
//
// Key Structure:
//   - Elements:   0x01 + name -> 8-byte big-endian ID
//   - Reverse:    0x02 + 8-byte ID -> name
//   - Edges:      0x03 + 8-byte parent ID + child name -> JSON(EdgeStats)
//   - Meta:       0x04 + key -> value (element ID sequence)
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("/path/to/data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db       *badger.DB
	inMemory bool

	seqMu sync.Mutex
	seq   *badger.Sequence

	// txMu is held shared by every writable transaction and exclusively by
	// Truncate, so DropAll never runs under an open writer.
	txMu sync.RWMutex

	mu     sync.RWMutex // Protects closed
	closed bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	// Slower but more durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging.
	// If nil, BadgerDB logging is silenced.
	Logger badger.Logger

	// LowMemory enables memory-constrained settings.
	LowMemory bool

	// EncryptionKey enables encryption at rest. Must be 16, 24 or 32 bytes.
	EncryptionKey []byte
}

// NewBadgerEngine creates a new persistent storage engine with default settings.
//
// Parameters:
//   - dataDir: Directory path for storing data files. Created if it doesn't exist.
//
// Returns:
//   - *BadgerEngine on success
//   - error if database cannot be opened (e.g., permissions, disk space)
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("./data/markov")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
// ELI12:
//
// Think of NewBadgerEngine like setting up a filing cabinet in your room.
// You tell it "put the cabinet here" (the dataDir), and it keeps every
// element and every relation in labelled drawers. Turn the computer off and
// on again and the cabinet is still there, drawers full.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{
		DataDir: dataDir,
	})
}

// NewBadgerEngineWithOptions creates a BadgerEngine with custom configuration.
//
// Configuration Trade-offs:
//   - SyncWrites=true: Slower writes (2-5x) but maximum safety
//   - LowMemory=true: Less RAM but slightly slower
//   - InMemory=true: Fastest but data lost on shutdown
//   - EncryptionKey set: Data files unreadable without the key
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(opts.Logger)
	} else {
		// Use a quiet logger by default
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(16 << 20).     // 16MB instead of 64MB
			WithValueLogFileSize(64 << 20). // 64MB instead of 1GB
			WithNumMemtables(2).            // 2 instead of 5
			WithNumLevelZeroTables(2).      // 2 instead of 5
			WithNumLevelZeroTablesStall(4). // 4 instead of 15
			WithBlockCacheSize(32 << 20)    // 32MB block cache
	}

	if len(opts.EncryptionKey) > 0 {
		// Badger requires an index cache when encryption is enabled.
		badgerOpts = badgerOpts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(16 << 20)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	seq, err := db.GetSequence(sequenceKey(), sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open element id sequence: %w", err)
	}

	return &BadgerEngine{
		db:       db,
		inMemory: opts.InMemory,
		seq:      seq,
	}, nil
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB for testing.
//
// Example:
//
//	engine, err := storage.NewBadgerEngineInMemory()
//	if err != nil {
//		t.Fatal(err)
//	}
//	defer engine.Close()
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{
		InMemory: true,
	})
}

// ============================================================================
// Key encoding helpers
// ============================================================================

// elementKey creates the key mapping a name to its ID.
func elementKey(name string) []byte {
	key := make([]byte, 0, 1+len(name))
	key = append(key, prefixElement)
	return append(key, name...)
}

// elementIDKey creates the key mapping an ID back to its name.
func elementIDKey(id ElementID) []byte {
	return append([]byte{prefixElementID}, encodeID(id)...)
}

// edgePrefix returns the prefix for scanning all out-edges of parent.
func edgePrefix(parent ElementID) []byte {
	return append([]byte{prefixEdge}, encodeID(parent)...)
}

// edgeKey creates the key of the (parent, child) edge.
// Format: prefix + 8-byte parent ID + child name
func edgeKey(parent ElementID, child string) []byte {
	key := make([]byte, 0, 9+len(child))
	key = append(key, edgePrefix(parent)...)
	return append(key, child...)
}

// childFromEdgeKey extracts the child name from an edge key.
func childFromEdgeKey(key []byte) string {
	if len(key) < 9 {
		return ""
	}
	return string(key[9:])
}

func sequenceKey() []byte {
	return append([]byte{prefixMeta}, "element-id-seq"...)
}

// ============================================================================
// Engine implementation
// ============================================================================

// Name implements Engine.
func (b *BadgerEngine) Name() string { return "badger" }

// IsInMemory reports whether the engine runs without disk persistence.
func (b *BadgerEngine) IsInMemory() bool { return b.inMemory }

// Begin starts a Badger transaction. Writable transactions keep Truncate
// out until they finish.
func (b *BadgerEngine) Begin(ctx context.Context, writable bool) (Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}

	if writable {
		b.txMu.RLock()
	}
	return newBadgerTransaction(b, writable), nil
}

// nextID draws the next element ID. Badger sequences start at 0, IDs at 1.
func (b *BadgerEngine) nextID() (ElementID, error) {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	n, err := b.seq.Next()
	if err != nil {
		return 0, err
	}
	return ElementID(n + 1), nil
}

// Stats counts elements and edges with key-only iteration.
func (b *BadgerEngine) Stats(ctx context.Context) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return Stats{}, ErrStorageClosed
	}

	var stats Stats
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		if stats.Elements, err = countPrefix(ctx, txn, []byte{prefixElement}); err != nil {
			return err
		}
		stats.Edges, err = countPrefix(ctx, txn, []byte{prefixEdge})
		return err
	})
	if err != nil {
		return Stats{}, wrapErr("badger.stats", err)
	}
	return stats, nil
}

func countPrefix(ctx context.Context, txn *badger.Txn, prefix []byte) (int64, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var count int64
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		count++
		if count%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
	}
	return count, nil
}

// Truncate drops every key. The element ID sequence is carried over so IDs
// issued after the truncate never collide with IDs issued before it.
func (b *BadgerEngine) Truncate(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}

	b.txMu.Lock()
	defer b.txMu.Unlock()
	b.seqMu.Lock()
	defer b.seqMu.Unlock()

	next, err := b.seq.Next()
	if err != nil {
		return wrapErr("badger.truncate", err)
	}
	if err := b.seq.Release(); err != nil {
		return wrapErr("badger.truncate", err)
	}
	if err := b.db.DropAll(); err != nil {
		return wrapErr("badger.truncate", err)
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sequenceKey(), encodeID(ElementID(next+1)))
	}); err != nil {
		return wrapErr("badger.truncate", err)
	}
	seq, err := b.db.GetSequence(sequenceKey(), sequenceBandwidth)
	if err != nil {
		return wrapErr("badger.truncate", err)
	}
	b.seq = seq
	return nil
}

// Close releases the ID sequence and closes BadgerDB.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	b.seqMu.Lock()
	seqErr := b.seq.Release()
	b.seqMu.Unlock()

	if err := b.db.Close(); err != nil {
		return err
	}
	return seqErr
}

// Sync forces a sync of all data to disk.
func (b *BadgerEngine) Sync() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return b.db.Sync()
}

// RunGC runs garbage collection on the BadgerDB value log.
// Should be called periodically for long-running applications.
func (b *BadgerEngine) RunGC() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}

	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Size returns the approximate size of the database in bytes.
func (b *BadgerEngine) Size() (lsm, vlog int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, 0
	}
	return b.db.Size()
}
