// Package ledger maintains directed co-occurrence edges between elements and
// their online rating statistics.
//
// An edge runs from a parent element to a child name and carries three
// running totals: the number of observations, the sum of their ratings and
// the sum of their squared ratings. Creating an edge starts the totals at
// (count, rating, rating²); incrementing adds (deltaCount, rating, rating²).
// Mean and variance are derived from the totals on demand.
//
// Every operation works inside a caller-supplied transaction and addresses
// elements by name. The ledger resolves names through the registry; a parent
// that was never registered yields storage.ErrNotFound on writes and "no
// data" on reads.
//
// Example:
//
//	l := ledger.New(reg)
//	err := storage.Update(ctx, engine, func(tx storage.Transaction) error {
//		if _, err := reg.EnsureElement(tx, "a"); err != nil {
//			return err
//		}
//		return l.CreateEdge(tx, "a", "b", 1, 4.5)
//	})
package ledger

import (
	"sort"

	"github.com/orneryd/markovrank/pkg/registry"
	"github.com/orneryd/markovrank/pkg/storage"
)

// Child is one out-edge of an element as seen from its parent.
type Child struct {
	Name string `json:"name"`
	storage.EdgeStats
}

// Ledger reads and writes edges.
type Ledger struct {
	registry *registry.Registry
}

// New creates a ledger resolving names through reg.
func New(reg *registry.Registry) *Ledger {
	return &Ledger{registry: reg}
}

// GetEdge returns the statistics of parent -> child. ok is false when the
// parent is unknown or the edge does not exist.
func (l *Ledger) GetEdge(tx storage.Transaction, parent, child string) (storage.EdgeStats, bool, error) {
	id, ok, err := l.registry.ElementID(tx, parent)
	if err != nil || !ok {
		return storage.EdgeStats{}, false, err
	}
	return tx.GetEdge(id, child)
}

// Children lists the out-edges of parent sorted by child name. An unknown
// parent has no children.
func (l *Ledger) Children(tx storage.Transaction, parent string) ([]Child, error) {
	id, ok, err := l.registry.ElementID(tx, parent)
	if err != nil || !ok {
		return nil, err
	}
	edges, err := tx.ListChildren(id)
	if err != nil {
		return nil, err
	}

	children := make([]Child, 0, len(edges))
	for _, e := range edges {
		children = append(children, Child{Name: e.Child, EdgeStats: e.EdgeStats})
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	return children, nil
}

// CreateEdge stores a new edge parent -> child with statistics
// (count, rating, rating²). The parent must be registered.
//
// Errors:
//   - storage.ErrInvalidCount when count is not positive
//   - storage.ErrNotFound when parent is not registered
//   - storage.ErrDuplicateEdge when the edge already exists
func (l *Ledger) CreateEdge(tx storage.Transaction, parent, child string, count int64, rating float64) error {
	if err := storage.ValidateRating(rating); err != nil {
		return err
	}
	if err := storage.ValidateCount(count); err != nil {
		return err
	}
	id, err := l.parentID(tx, parent)
	if err != nil {
		return err
	}
	return tx.CreateEdge(id, child, storage.NewEdgeStats(count, rating))
}

// IncrementEdge adds (deltaCount, rating, rating²) to an existing edge.
// A deltaCount of zero records a rating without counting a co-occurrence.
//
// Errors:
//   - storage.ErrNotFound when the parent or the edge does not exist
//   - storage.ErrInvalidCount when a negative deltaCount would leave the
//     edge without observations
func (l *Ledger) IncrementEdge(tx storage.Transaction, parent, child string, deltaCount int64, rating float64) error {
	if err := storage.ValidateRating(rating); err != nil {
		return err
	}
	id, err := l.parentID(tx, parent)
	if err != nil {
		return err
	}
	if deltaCount < 0 {
		current, ok, err := tx.GetEdge(id, child)
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrNotFound
		}
		if err := storage.ValidateCount(current.Count + deltaCount); err != nil {
			return err
		}
	}
	return tx.IncrementEdge(id, child, storage.NewEdgeStats(deltaCount, rating))
}

// ResetEdge overwrites an existing edge with (count, rating, rating²),
// discarding its history. Ingestion never calls it.
//
// Errors:
//   - storage.ErrInvalidCount when count is not positive
//   - storage.ErrNotFound when the parent or the edge does not exist
func (l *Ledger) ResetEdge(tx storage.Transaction, parent, child string, count int64, rating float64) error {
	if err := storage.ValidateRating(rating); err != nil {
		return err
	}
	if err := storage.ValidateCount(count); err != nil {
		return err
	}
	id, err := l.parentID(tx, parent)
	if err != nil {
		return err
	}
	return tx.ResetEdge(id, child, storage.NewEdgeStats(count, rating))
}

// Summary sums the statistics of every out-edge of element. ok is false
// when the element is unknown or has no out-edges.
func (l *Ledger) Summary(tx storage.Transaction, element string) (storage.EdgeStats, bool, error) {
	id, ok, err := l.registry.ElementID(tx, element)
	if err != nil || !ok {
		return storage.EdgeStats{}, false, err
	}
	edges, err := tx.ListChildren(id)
	if err != nil {
		return storage.EdgeStats{}, false, err
	}

	var total storage.EdgeStats
	for _, e := range edges {
		total = total.Add(e.EdgeStats)
	}
	if total.Count <= 0 {
		return storage.EdgeStats{}, false, nil
	}
	return total, true, nil
}

// MeanRating is the count-weighted mean rating over all out-edges of
// element: Σ ratingSum / Σ count. ok is false when there is no data.
func (l *Ledger) MeanRating(tx storage.Transaction, element string) (float64, bool, error) {
	total, ok, err := l.Summary(tx, element)
	if err != nil || !ok {
		return 0, false, err
	}
	mean, ok := total.Mean()
	return mean, ok, nil
}

// Observe records one co-occurrence of child after the already resolved
// parent: a missing edge is created with (1, rating, rating²), an existing
// one is incremented by the same amount. created reports which happened.
func (l *Ledger) Observe(tx storage.Transaction, parent storage.ElementID, child string, rating float64) (created bool, err error) {
	obs := storage.NewEdgeStats(1, rating)
	_, exists, err := tx.GetEdge(parent, child)
	if err != nil {
		return false, err
	}
	if !exists {
		return true, tx.CreateEdge(parent, child, obs)
	}
	return false, tx.IncrementEdge(parent, child, obs)
}

func (l *Ledger) parentID(tx storage.Transaction, parent string) (storage.ElementID, error) {
	id, ok, err := l.registry.ElementID(tx, parent)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, storage.ErrNotFound
	}
	return id, nil
}
