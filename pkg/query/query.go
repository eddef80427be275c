// Package query answers read-only questions about the ledger.
//
// Every call opens its own read transaction and sees committed state only.
// Unknown elements are not errors: they have no children, no edges and no
// mean rating.
package query

import (
	"context"

	"github.com/orneryd/markovrank/pkg/ledger"
	"github.com/orneryd/markovrank/pkg/storage"
)

// Rating is an optional mean rating.
type Rating struct {
	Mean float64 `json:"mean"`
	// OK is false when the element has no out-edges.
	OK bool `json:"ok"`
}

// Service runs read-only queries.
type Service struct {
	engine storage.Engine
	ledger *ledger.Ledger
}

// New creates a query service.
func New(engine storage.Engine, led *ledger.Ledger) *Service {
	return &Service{engine: engine, ledger: led}
}

// Children lists the out-edges of name sorted by child.
func (s *Service) Children(ctx context.Context, name string) ([]ledger.Child, error) {
	var children []ledger.Child
	err := storage.View(ctx, s.engine, func(tx storage.Transaction) error {
		var err error
		children, err = s.ledger.Children(tx, name)
		return err
	})
	return children, err
}

// MeanRating returns the count-weighted mean rating of name's out-edges.
func (s *Service) MeanRating(ctx context.Context, name string) (Rating, error) {
	var r Rating
	err := storage.View(ctx, s.engine, func(tx storage.Transaction) error {
		var err error
		r.Mean, r.OK, err = s.ledger.MeanRating(tx, name)
		return err
	})
	return r, err
}

// Edge returns the statistics of parent -> child.
func (s *Service) Edge(ctx context.Context, parent, child string) (storage.EdgeStats, bool, error) {
	var (
		stats storage.EdgeStats
		ok    bool
	)
	err := storage.View(ctx, s.engine, func(tx storage.Transaction) error {
		var err error
		stats, ok, err = s.ledger.GetEdge(tx, parent, child)
		return err
	})
	return stats, ok, err
}

// Summary aggregates every out-edge of name.
func (s *Service) Summary(ctx context.Context, name string) (storage.EdgeStats, bool, error) {
	var (
		stats storage.EdgeStats
		ok    bool
	)
	err := storage.View(ctx, s.engine, func(tx storage.Transaction) error {
		var err error
		stats, ok, err = s.ledger.Summary(tx, name)
		return err
	})
	return stats, ok, err
}

// Stats counts elements and edges.
func (s *Service) Stats(ctx context.Context) (storage.Stats, error) {
	return s.engine.Stats(ctx)
}
