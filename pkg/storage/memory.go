package storage

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryEngine is a thread-safe in-memory implementation of Engine.
//
// Committed state lives in plain maps guarded by an RWMutex. Writable
// transactions buffer their changes privately and publish them in one step
// on Commit, so readers never see a half-applied sequence. Only one writable
// transaction is open at a time; the next writer waits in Begin.
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	tx, _ := engine.Begin(ctx, true)
//	id, _ := tx.EnsureElement("a")
//	tx.EnsureElement("b")
//	tx.CreateEdge(id, "b", storage.NewEdgeStats(1, 3))
//	tx.Commit()
//
// ELI12:
//
// Think of the memory engine as a whiteboard in a classroom. Only one
// student at a time may walk up to change it, and they first write their
// changes on a notepad. When they are happy they copy the notepad onto the
// board in one go. Everyone else only ever sees the board, never the notepad.
//
// Thread Safety:
//
//	Safe for concurrent use from multiple goroutines.
type MemoryEngine struct {
	mu sync.RWMutex

	elements map[string]ElementID
	names    map[ElementID]string
	edges    map[ElementID]map[string]EdgeStats

	// writer is a one-slot semaphore held by the open writable transaction.
	writer chan struct{}
	nextID atomic.Uint64
	closed bool
}

// NewMemoryEngine creates an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		elements: make(map[string]ElementID),
		names:    make(map[ElementID]string),
		edges:    make(map[ElementID]map[string]EdgeStats),
		writer:   make(chan struct{}, 1),
	}
}

// Name implements Engine.
func (m *MemoryEngine) Name() string { return "memory" }

// Begin starts a transaction. A writable transaction holds the writer slot
// until it commits or rolls back; waiting for the slot honours ctx.
func (m *MemoryEngine) Begin(ctx context.Context, writable bool) (Transaction, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrStorageClosed
	}

	if writable {
		select {
		case m.writer <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return newMemoryTransaction(m, writable), nil
}

// Stats implements Engine.
func (m *MemoryEngine) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Stats{}, ErrStorageClosed
	}

	var edges int64
	for _, children := range m.edges {
		edges += int64(len(children))
	}
	return Stats{Elements: int64(len(m.elements)), Edges: edges}, nil
}

// Truncate removes all elements and edges. Element IDs keep counting up so
// an ID is never handed out twice by the same engine.
func (m *MemoryEngine) Truncate(ctx context.Context) error {
	select {
	case m.writer <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.writer }()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	m.elements = make(map[string]ElementID)
	m.names = make(map[ElementID]string)
	m.edges = make(map[ElementID]map[string]EdgeStats)
	return nil
}

// Close releases the engine. Further calls return ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryEngine) allocateID() ElementID {
	return ElementID(m.nextID.Add(1))
}

// lookupCommitted reads committed element state. Caller must not hold mu.
func (m *MemoryEngine) lookupCommitted(name string) (ElementID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.elements[name]
	return id, ok
}

func (m *MemoryEngine) hasCommittedID(id ElementID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.names[id]
	return ok
}

func (m *MemoryEngine) committedEdge(parent ElementID, child string) (EdgeStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.edges[parent][child]
	return s, ok
}

func (m *MemoryEngine) committedChildren(parent ElementID) map[string]EdgeStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]EdgeStats, len(m.edges[parent]))
	for child, s := range m.edges[parent] {
		out[child] = s
	}
	return out
}

// applyUnlocked publishes a transaction's buffered state. Caller holds mu.
func (m *MemoryEngine) applyUnlocked(tx *MemoryTransaction) {
	for name, id := range tx.pendingElements {
		m.elements[name] = id
		m.names[id] = name
	}
	for parent, children := range tx.pendingEdges {
		existing, ok := m.edges[parent]
		if !ok {
			existing = make(map[string]EdgeStats, len(children))
			m.edges[parent] = existing
		}
		for child, s := range children {
			existing[child] = s
		}
	}
}
