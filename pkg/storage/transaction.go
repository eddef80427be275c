// Package storage - Transaction support for atomic sequence updates.
//
// A whole sequence is ingested inside one transaction:
//  1. BEGIN: Open a transaction (writers wait for the single writer slot
//     on the memory engine)
//  2. Operations: Register elements, create or increment edges; the
//     transaction reads its own pending writes
//  3. COMMIT: Publish every change at once
//  4. ROLLBACK: Discard every change, nothing becomes visible
//
// # ELI12 (Explain Like I'm 12)
//
// Imagine filling in a scoreboard after a match. You write every score on a
// scrap of paper first. Only when the whole match is written down do you
// copy it to the big board. If you get interrupted halfway, you throw the
// scrap away and the big board still shows the last complete match.
package storage

import (
	"sync"
	"time"
)

// TransactionStatus represents the current state of a transaction.
type TransactionStatus string

const (
	TxStatusActive     TransactionStatus = "active"
	TxStatusCommitted  TransactionStatus = "committed"
	TxStatusRolledBack TransactionStatus = "rolled_back"
)

// OperationType represents the type of a buffered operation.
type OperationType string

const (
	OpCreateElement OperationType = "create_element"
	OpCreateEdge    OperationType = "create_edge"
	OpIncrementEdge OperationType = "increment_edge"
	OpResetEdge     OperationType = "reset_edge"
)

// Operation records a single write made inside a transaction.
type Operation struct {
	Type      OperationType
	Timestamp time.Time

	Name   string
	ID     ElementID
	Parent ElementID
	Child  string
	Stats  EdgeStats
}

// generateTxID generates a transaction ID for logs.
func generateTxID() string {
	return "tx-" + time.Now().Format("20060102150405.000000")
}

// MemoryTransaction is the Transaction implementation of MemoryEngine.
//
// Writes are kept in pending maps holding the full new state of every
// touched element and edge. Because the engine admits one writer at a time,
// committed state cannot change underneath an open writable transaction, so
// publishing the pending state on Commit is equivalent to replaying the
// operations.
type MemoryTransaction struct {
	mu sync.Mutex

	ID        string
	StartTime time.Time
	Status    TransactionStatus

	engine   *MemoryEngine
	writable bool

	pendingElements map[string]ElementID
	pendingIDs      map[ElementID]struct{}
	pendingEdges    map[ElementID]map[string]EdgeStats
	operations      []Operation
}

func newMemoryTransaction(engine *MemoryEngine, writable bool) *MemoryTransaction {
	return &MemoryTransaction{
		ID:              generateTxID(),
		StartTime:       time.Now(),
		Status:          TxStatusActive,
		engine:          engine,
		writable:        writable,
		pendingElements: make(map[string]ElementID),
		pendingIDs:      make(map[ElementID]struct{}),
		pendingEdges:    make(map[ElementID]map[string]EdgeStats),
	}
}

// Writable implements Transaction.
func (tx *MemoryTransaction) Writable() bool { return tx.writable }

// OperationCount returns the number of buffered writes.
func (tx *MemoryTransaction) OperationCount() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.operations)
}

func (tx *MemoryTransaction) checkWrite() error {
	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}
	if !tx.writable {
		return ErrReadOnly
	}
	return nil
}

// EnsureElement implements Transaction.
func (tx *MemoryTransaction) EnsureElement(name string) (ElementID, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := ValidateName(name); err != nil {
		return 0, err
	}
	if id, ok, err := tx.lookup(name); err != nil || ok {
		return id, err
	}
	if err := tx.checkWrite(); err != nil {
		return 0, err
	}

	id := tx.engine.allocateID()
	tx.pendingElements[name] = id
	tx.pendingIDs[id] = struct{}{}
	tx.operations = append(tx.operations, Operation{
		Type:      OpCreateElement,
		Timestamp: time.Now(),
		Name:      name,
		ID:        id,
	})
	return id, nil
}

// ElementID implements Transaction.
func (tx *MemoryTransaction) ElementID(name string) (ElementID, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.lookup(name)
}

func (tx *MemoryTransaction) lookup(name string) (ElementID, bool, error) {
	if tx.Status != TxStatusActive {
		return 0, false, ErrTransactionClosed
	}
	if id, ok := tx.pendingElements[name]; ok {
		return id, true, nil
	}
	id, ok := tx.engine.lookupCommitted(name)
	return id, ok, nil
}

func (tx *MemoryTransaction) elementExists(id ElementID) bool {
	if _, ok := tx.pendingIDs[id]; ok {
		return true
	}
	return tx.engine.hasCommittedID(id)
}

// GetEdge implements Transaction.
func (tx *MemoryTransaction) GetEdge(parent ElementID, child string) (EdgeStats, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return EdgeStats{}, false, ErrTransactionClosed
	}
	s, ok := tx.edge(parent, child)
	return s, ok, nil
}

func (tx *MemoryTransaction) edge(parent ElementID, child string) (EdgeStats, bool) {
	if s, ok := tx.pendingEdges[parent][child]; ok {
		return s, true
	}
	return tx.engine.committedEdge(parent, child)
}

// ListChildren implements Transaction.
func (tx *MemoryTransaction) ListChildren(parent ElementID) ([]Edge, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return nil, ErrTransactionClosed
	}

	merged := tx.engine.committedChildren(parent)
	for child, s := range tx.pendingEdges[parent] {
		merged[child] = s
	}
	out := make([]Edge, 0, len(merged))
	for child, s := range merged {
		out = append(out, Edge{Parent: parent, Child: child, EdgeStats: s})
	}
	return out, nil
}

// CreateEdge implements Transaction.
func (tx *MemoryTransaction) CreateEdge(parent ElementID, child string, stats EdgeStats) error {
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
	if !tx.elementExists(parent) {
		return ErrNotFound
	}
	if _, exists := tx.edge(parent, child); exists {
		return ErrDuplicateEdge
	}
	tx.put(OpCreateEdge, parent, child, stats, stats)
	return nil
}

// IncrementEdge implements Transaction.
func (tx *MemoryTransaction) IncrementEdge(parent ElementID, child string, delta EdgeStats) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkWrite(); err != nil {
		return err
	}
	current, ok := tx.edge(parent, child)
	if !ok {
		return ErrNotFound
	}
	next := current.Add(delta)
	if err := ValidateCount(next.Count); err != nil {
		return err
	}
	tx.put(OpIncrementEdge, parent, child, next, delta)
	return nil
}

// ResetEdge implements Transaction.
func (tx *MemoryTransaction) ResetEdge(parent ElementID, child string, stats EdgeStats) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkWrite(); err != nil {
		return err
	}
	if err := ValidateCount(stats.Count); err != nil {
		return err
	}
	if _, ok := tx.edge(parent, child); !ok {
		return ErrNotFound
	}
	tx.put(OpResetEdge, parent, child, stats, stats)
	return nil
}

// put records the new state of an edge plus the operation that produced it.
func (tx *MemoryTransaction) put(op OperationType, parent ElementID, child string, state, arg EdgeStats) {
	children, ok := tx.pendingEdges[parent]
	if !ok {
		children = make(map[string]EdgeStats)
		tx.pendingEdges[parent] = children
	}
	children[child] = state
	tx.operations = append(tx.operations, Operation{
		Type:      op,
		Timestamp: time.Now(),
		Parent:    parent,
		Child:     child,
		Stats:     arg,
	})
}

// Commit publishes all buffered writes at once.
func (tx *MemoryTransaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}
	defer tx.release()

	if len(tx.operations) > 0 {
		tx.engine.mu.Lock()
		closed := tx.engine.closed
		if !closed {
			tx.engine.applyUnlocked(tx)
		}
		tx.engine.mu.Unlock()
		if closed {
			tx.Status = TxStatusRolledBack
			return ErrStorageClosed
		}
	}

	tx.Status = TxStatusCommitted
	return nil
}

// Rollback discards all buffered writes.
func (tx *MemoryTransaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}
	tx.Status = TxStatusRolledBack
	tx.release()
	return nil
}

func (tx *MemoryTransaction) release() {
	tx.pendingElements = nil
	tx.pendingIDs = nil
	tx.pendingEdges = nil
	tx.operations = nil
	if tx.writable {
		<-tx.engine.writer
	}
}
