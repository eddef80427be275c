// Package storage - BadgerDB transaction wrapper with ACID guarantees.
//
// This file implements Transaction for BadgerDB. Badger gives us snapshot
// reads, read-your-writes and conflict detection on commit; the wrapper adds
// the ledger rules (registered parent, unique edge, existing edge for
// increments) and maps Badger errors onto the storage error taxonomy.
package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerTransaction wraps Badger's native transaction.
//
// Provides ACID guarantees:
//   - Atomicity: All writes commit together or none do
//   - Consistency: Ledger rules are checked on every write
//   - Isolation: Changes invisible until commit; concurrent writers that
//     touched the same keys fail with a conflict instead of overwriting
//   - Durability: Badger's WAL ensures persistence
type BadgerTransaction struct {
	mu sync.Mutex

	ID        string
	StartTime time.Time
	Status    TransactionStatus

	badgerTx *badger.Txn
	engine   *BadgerEngine
	writable bool

	operations int
}

func newBadgerTransaction(engine *BadgerEngine, writable bool) *BadgerTransaction {
	return &BadgerTransaction{
		ID:        generateTxID(),
		StartTime: time.Now(),
		Status:    TxStatusActive,
		badgerTx:  engine.db.NewTransaction(writable),
		engine:    engine,
		writable:  writable,
	}
}

// Writable implements Transaction.
func (tx *BadgerTransaction) Writable() bool { return tx.writable }

// OperationCount returns the number of writes made so far.
func (tx *BadgerTransaction) OperationCount() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.operations
}

func (tx *BadgerTransaction) checkActive() error {
	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}
	return nil
}

func (tx *BadgerTransaction) checkWrite() error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if !tx.writable {
		return ErrReadOnly
	}
	return nil
}

// EnsureElement implements Transaction.
func (tx *BadgerTransaction) EnsureElement(name string) (ElementID, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := ValidateName(name); err != nil {
		return 0, err
	}
	id, ok, err := tx.lookup(name)
	if err != nil || ok {
		return id, err
	}
	if err := tx.checkWrite(); err != nil {
		return 0, err
	}

	id, err = tx.engine.nextID()
	if err != nil {
		return 0, wrapErr("badger.sequence", err)
	}
	if err := tx.badgerTx.Set(elementKey(name), encodeID(id)); err != nil {
		return 0, wrapErr("badger.set element", err)
	}
	if err := tx.badgerTx.Set(elementIDKey(id), []byte(name)); err != nil {
		return 0, wrapErr("badger.set element id", err)
	}
	tx.operations++
	return id, nil
}

// ElementID implements Transaction.
func (tx *BadgerTransaction) ElementID(name string) (ElementID, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.lookup(name)
}

func (tx *BadgerTransaction) lookup(name string) (ElementID, bool, error) {
	if err := tx.checkActive(); err != nil {
		return 0, false, err
	}
	item, err := tx.badgerTx.Get(elementKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapErr("badger.get element", err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return 0, false, wrapErr("badger.read element", err)
	}
	id, err := decodeID(val)
	if err != nil {
		return 0, false, wrapErr("badger.decode element", err)
	}
	return id, true, nil
}

// GetEdge implements Transaction.
func (tx *BadgerTransaction) GetEdge(parent ElementID, child string) (EdgeStats, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive(); err != nil {
		return EdgeStats{}, false, err
	}
	return tx.edge(parent, child)
}

func (tx *BadgerTransaction) edge(parent ElementID, child string) (EdgeStats, bool, error) {
	item, err := tx.badgerTx.Get(edgeKey(parent, child))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return EdgeStats{}, false, nil
	}
	if err != nil {
		return EdgeStats{}, false, wrapErr("badger.get edge", err)
	}

	var stats EdgeStats
	if err := item.Value(func(val []byte) error {
		var decodeErr error
		stats, decodeErr = deserializeEdgeStats(val)
		return decodeErr
	}); err != nil {
		return EdgeStats{}, false, wrapErr("badger.read edge", err)
	}
	return stats, true, nil
}

// ListChildren implements Transaction.
func (tx *BadgerTransaction) ListChildren(parent ElementID) ([]Edge, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive(); err != nil {
		return nil, err
	}

	prefix := edgePrefix(parent)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := tx.badgerTx.NewIterator(opts)
	defer it.Close()

	var edges []Edge
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		child := childFromEdgeKey(item.Key())

		var stats EdgeStats
		if err := item.Value(func(val []byte) error {
			var decodeErr error
			stats, decodeErr = deserializeEdgeStats(val)
			return decodeErr
		}); err != nil {
			return nil, wrapErr("badger.read edge", err)
		}
		edges = append(edges, Edge{Parent: parent, Child: child, EdgeStats: stats})
	}
	return edges, nil
}

// CreateEdge implements Transaction.
func (tx *BadgerTransaction) CreateEdge(parent ElementID, child string, stats EdgeStats) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkWrite(); err != nil {
		return err
	}
	if err := ValidateName(child); err != nil {
		return err
	}
	if err := ValidateCount(stats.Count); err != nil {
		return err
	}

	// Verify parent is registered
	_, err := tx.badgerTx.Get(elementIDKey(parent))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return wrapErr("badger.get parent", err)
	}

	// Check if edge already exists. The read also registers the key for
	// conflict detection, so a concurrent create of the same edge cannot
	// commit alongside this one.
	_, exists, err := tx.edge(parent, child)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateEdge
	}

	return tx.putEdge(parent, child, stats)
}

// IncrementEdge implements Transaction.
func (tx *BadgerTransaction) IncrementEdge(parent ElementID, child string, delta EdgeStats) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkWrite(); err != nil {
		return err
	}
	current, exists, err := tx.edge(parent, child)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	next := current.Add(delta)
	if err := ValidateCount(next.Count); err != nil {
		return err
	}
	return tx.putEdge(parent, child, next)
}

// ResetEdge implements Transaction.
func (tx *BadgerTransaction) ResetEdge(parent ElementID, child string, stats EdgeStats) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkWrite(); err != nil {
		return err
	}
	if err := ValidateCount(stats.Count); err != nil {
		return err
	}
	_, exists, err := tx.edge(parent, child)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return tx.putEdge(parent, child, stats)
}

func (tx *BadgerTransaction) putEdge(parent ElementID, child string, stats EdgeStats) error {
	data, err := serializeEdgeStats(stats)
	if err != nil {
		return wrapErr("badger.encode edge", err)
	}
	if err := tx.badgerTx.Set(edgeKey(parent, child), data); err != nil {
		return wrapErr("badger.set edge", err)
	}
	tx.operations++
	return nil
}

// Commit applies all changes atomically. A conflict with a concurrently
// committed transaction surfaces as a StorageError wrapping
// badger.ErrConflict; nothing of this transaction is applied in that case.
func (tx *BadgerTransaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive(); err != nil {
		return err
	}
	defer tx.release()

	if !tx.writable {
		tx.badgerTx.Discard()
		tx.Status = TxStatusCommitted
		return nil
	}

	if err := tx.badgerTx.Commit(); err != nil {
		tx.Status = TxStatusRolledBack
		return wrapErr("badger.commit", err)
	}
	tx.Status = TxStatusCommitted
	return nil
}

// Rollback discards all changes.
func (tx *BadgerTransaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive(); err != nil {
		return err
	}
	tx.badgerTx.Discard()
	tx.Status = TxStatusRolledBack
	tx.release()
	return nil
}

func (tx *BadgerTransaction) release() {
	if tx.writable {
		tx.engine.txMu.RUnlock()
	}
}
