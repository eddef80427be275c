// Package storage provides the persistence boundary for markovrank.
//
// The storage layer keeps two kinds of records:
//   - Elements: uniquely named items with a surrogate numeric identity
//   - Edges: directed (parent -> child) co-occurrence records carrying
//     online statistics (count, rating sum, rating sum of squares)
//
// Design Principles:
//   - One transaction per unit of work (a whole sequence is one commit)
//   - The engine defends edge uniqueness itself, callers are not trusted
//   - "Not found" is a normal result for lookups, not an error
//   - Thread-safe engine implementations
//
// Three engines implement the Engine interface:
//   - MemoryEngine: buffered in-memory transactions, single writer
//   - BadgerEngine: persistent BadgerDB storage with native transactions
//   - SQLEngine: relational storage through gorm (SQLite or PostgreSQL)
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	err := storage.Update(ctx, engine, func(tx storage.Transaction) error {
//		parent, err := tx.EnsureElement("a")
//		if err != nil {
//			return err
//		}
//		if _, err := tx.EnsureElement("b"); err != nil {
//			return err
//		}
//		return tx.CreateEdge(parent, "b", storage.NewEdgeStats(1, 4.5))
//	})
package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Common errors
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateEdge     = errors.New("edge already exists")
	ErrInvalidName       = errors.New("invalid element name")
	ErrInvalidRating     = errors.New("invalid rating: must be a finite number")
	ErrInvalidCount      = errors.New("invalid count: an edge must keep a positive count")
	ErrInvalidID         = errors.New("invalid element id")
	ErrReadOnly          = errors.New("transaction is read-only")
	ErrTransactionClosed = errors.New("transaction already closed")
	ErrStorageClosed     = errors.New("storage closed")
)

// StorageError reports an I/O or transaction failure of the underlying store.
//
// Engines wrap every error that does not originate from the ledger's own
// rules (not found, duplicate edge) in a StorageError, so callers can tell a
// broken store apart from a caller-ordering bug:
//
//	var serr *storage.StorageError
//	if errors.As(err, &serr) {
//		log.Printf("store failure during %s: %v", serr.Op, serr.Err)
//	}
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// wrapErr wraps err in a StorageError unless it is nil or already one of the
// ledger sentinels that callers are expected to match with errors.Is.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateEdge) ||
		errors.Is(err, ErrReadOnly) || errors.Is(err, ErrTransactionClosed) ||
		errors.Is(err, ErrStorageClosed) || errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidID) || errors.Is(err, ErrInvalidCount) {
		return err
	}
	var serr *StorageError
	if errors.As(err, &serr) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// ElementID is the surrogate identity of an element.
//
// IDs are assigned on first sight of a name, start at 1 and are never handed
// out twice by the same store. Zero is never a valid ID.
type ElementID uint64

// Element is a uniquely named item participating in sequences.
type Element struct {
	ID   ElementID `json:"id"`
	Name string    `json:"name"`
}

// EdgeStats holds the online statistics of one directed relation.
//
// The three fields are maintained incrementally so that mean and variance can
// be derived at any time without replaying history:
//
//	Count            - number of observed co-occurrences
//	RatingSum        - sum of the ratings of those observations
//	RatingSumSquares - sum of the squared ratings
//
// Example:
//
//	s := storage.NewEdgeStats(1, 1)            // {1, 1, 1}
//	s = s.Add(storage.NewEdgeStats(1, 10))     // {2, 11, 101}
//	mean, _ := s.Mean()                        // 5.5
//	variance, _ := s.Variance()                // 20.25
//
// ELI12:
//
// Imagine keeping score of a game without writing every single round down.
// You keep three numbers on a sticky note: how many rounds you played, the
// total points, and the total of each round's points squared. From just
// those three numbers you can always work out your average and how much
// your scores jump around.
type EdgeStats struct {
	Count            int64   `json:"count"`
	RatingSum        float64 `json:"ratingSum"`
	RatingSumSquares float64 `json:"ratingSumSquares"`
}

// NewEdgeStats returns the statistics of count observations that all carry
// the same rating: {count, rating, rating²}.
//
// This mirrors how an edge is created and how a single observation is
// accumulated: the rating is added once, regardless of count.
func NewEdgeStats(count int64, rating float64) EdgeStats {
	return EdgeStats{
		Count:            count,
		RatingSum:        rating,
		RatingSumSquares: rating * rating,
	}
}

// Add returns the field-wise sum of s and delta.
func (s EdgeStats) Add(delta EdgeStats) EdgeStats {
	return EdgeStats{
		Count:            s.Count + delta.Count,
		RatingSum:        s.RatingSum + delta.RatingSum,
		RatingSumSquares: s.RatingSumSquares + delta.RatingSumSquares,
	}
}

// Mean returns RatingSum/Count, or false when there are no observations.
func (s EdgeStats) Mean() (float64, bool) {
	if s.Count <= 0 {
		return 0, false
	}
	return s.RatingSum / float64(s.Count), true
}

// Variance returns the population variance of the observed ratings, or false
// when there are no observations. Rounding can push the raw value slightly
// below zero, so the result is clamped at 0.
func (s EdgeStats) Variance() (float64, bool) {
	mean, ok := s.Mean()
	if !ok {
		return 0, false
	}
	v := s.RatingSumSquares/float64(s.Count) - mean*mean
	if v < 0 {
		v = 0
	}
	return v, true
}

// StdDev returns the population standard deviation of the observed ratings.
func (s EdgeStats) StdDev() (float64, bool) {
	v, ok := s.Variance()
	if !ok {
		return 0, false
	}
	return math.Sqrt(v), true
}

// Edge is a directed co-occurrence record from a parent element to a child
// name, keyed by (Parent, Child).
//
// Edges are stored per direction: (a, b) and (b, a) are independent records
// even though ingestion currently updates both the same way.
type Edge struct {
	Parent ElementID `json:"parent"`
	Child  string    `json:"child"`
	EdgeStats
}

// Stats summarises the size of a store.
type Stats struct {
	Elements int64 `json:"elements"`
	Edges    int64 `json:"edges"`
}

// ValidateName rejects names that cannot be stored as element identities.
func ValidateName(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	return nil
}

// ValidateRating rejects ratings that would poison the running sums.
func ValidateRating(rating float64) error {
	if math.IsNaN(rating) || math.IsInf(rating, 0) {
		return ErrInvalidRating
	}
	return nil
}

// ValidateCount rejects the count an edge would be left with when it is not
// positive. An existing edge always has at least one observation.
func ValidateCount(count int64) error {
	if count <= 0 {
		return ErrInvalidCount
	}
	return nil
}

// Engine is the persistence boundary used by the registry, the ledger and
// the ingestion engine.
//
// All Engine implementations MUST be:
//   - Thread-safe: Begin may be called from many goroutines
//   - Atomic: a transaction's writes become visible all at once on Commit
//     and never after Rollback
//   - Unique: at most one edge per (parent, child) pair, enforced by the
//     engine itself
type Engine interface {
	// Begin starts a transaction. Writable transactions may block until
	// the engine accepts another writer.
	Begin(ctx context.Context, writable bool) (Transaction, error)

	// Stats counts elements and edges in committed state.
	Stats(ctx context.Context) (Stats, error)

	// Truncate removes every element and edge.
	Truncate(ctx context.Context) error

	// Name identifies the engine in logs ("memory", "badger", "sqlite", ...).
	Name() string

	Close() error
}

// Transaction is a unit of work against an Engine.
//
// Reads inside a writable transaction see the transaction's own pending
// writes. A Transaction is used by one goroutine at a time.
type Transaction interface {
	// EnsureElement returns the ID registered for name, creating it when
	// the name is new.
	EnsureElement(name string) (ElementID, error)

	// ElementID looks a name up. The bool is false when the name is unknown.
	ElementID(name string) (ElementID, bool, error)

	// GetEdge returns the statistics of (parent, child). The bool is false
	// when no such edge exists.
	GetEdge(parent ElementID, child string) (EdgeStats, bool, error)

	// ListChildren returns all out-edges of parent in no particular order.
	ListChildren(parent ElementID) ([]Edge, error)

	// CreateEdge stores a new edge. It fails with ErrNotFound when parent
	// is not registered and ErrDuplicateEdge when the edge already exists.
	CreateEdge(parent ElementID, child string, stats EdgeStats) error

	// IncrementEdge adds delta to an existing edge. It fails with
	// ErrNotFound when the edge does not exist.
	IncrementEdge(parent ElementID, child string, delta EdgeStats) error

	// ResetEdge overwrites an existing edge wholesale. It fails with
	// ErrNotFound when the edge does not exist.
	ResetEdge(parent ElementID, child string, stats EdgeStats) error

	Writable() bool
	Commit() error
	Rollback() error
}

// Update runs fn in a writable transaction and commits it when fn succeeds.
//
// If fn returns an error, or ctx is cancelled before the commit, every write
// made by fn is rolled back. This is the only way partial work leaves a
// transaction: nothing is ever half-committed.
//
// Example:
//
//	err := storage.Update(ctx, engine, func(tx storage.Transaction) error {
//		_, err := tx.EnsureElement("a")
//		return err
//	})
func Update(ctx context.Context, engine Engine, fn func(tx Transaction) error) error {
	return run(ctx, engine, true, fn)
}

// View runs fn in a read-only transaction.
func View(ctx context.Context, engine Engine, fn func(tx Transaction) error) error {
	return run(ctx, engine, false, fn)
}

func run(ctx context.Context, engine Engine, writable bool, fn func(tx Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := engine.Begin(ctx, writable)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, ErrTransactionClosed) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
