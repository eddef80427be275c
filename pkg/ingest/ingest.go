// Package ingest turns rated sequences into co-occurrence edges.
//
// For a sequence s with rating r, every ordered pair of positions (i, j)
// whose items differ by value records one observation of the edge
// s[i] -> s[j] with rating r. Repeated occurrences are not deduplicated: in
// [a, a, b] the pair (a, b) is observed twice and so is (b, a). Items equal
// by value never relate to themselves.
//
// A whole sequence is applied in one storage transaction. Either every edge
// update of the sequence becomes visible, or none does.
//
// Example:
//
//	in := ingest.New(engine, reg, led, ingest.Options{LockStripes: 256}, log)
//	res, err := in.FeedSequence(ctx, 8, []string{"d", "b"})
//	if err != nil {
//		return err
//	}
//	fmt.Println(res.Created, res.Incremented)
//
// ELI12:
//
// Imagine a class photo. Every kid in the photo gets a sticker saying "I was
// next to X" for every other kid in the photo, and each sticker carries the
// photo's score. If the printer jams halfway through, all of that photo's
// stickers go in the bin so nobody ends up with half a photo's worth.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/orneryd/markovrank/pkg/ledger"
	"github.com/orneryd/markovrank/pkg/logger"
	"github.com/orneryd/markovrank/pkg/registry"
	"github.com/orneryd/markovrank/pkg/storage"
)

// DefaultLockStripes is used when Options.LockStripes is not set.
const DefaultLockStripes = 256

// Options configures an Ingester.
type Options struct {
	// LockStripes is the number of per-parent lock stripes.
	LockStripes int
}

// Result describes what one sequence did to the ledger.
type Result struct {
	Items       int `json:"items"`
	Pairs       int `json:"pairs"`
	Created     int `json:"created"`
	Incremented int `json:"incremented"`
}

// Ingester feeds sequences into the ledger.
//
// Thread Safety:
//
//	FeedSequence may be called from many goroutines. Sequences sharing an
//	element are applied one after another; others run in parallel as far as
//	the storage engine allows.
type Ingester struct {
	engine   storage.Engine
	registry *registry.Registry
	ledger   *ledger.Ledger
	locks    *stripeLocks
	log      *logger.Logger
}

// New creates an Ingester. A nil log discards output.
func New(engine storage.Engine, reg *registry.Registry, led *ledger.Ledger, opts Options, log *logger.Logger) *Ingester {
	if opts.LockStripes <= 0 {
		opts.LockStripes = DefaultLockStripes
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Ingester{
		engine:   engine,
		registry: reg,
		ledger:   led,
		locks:    newStripeLocks(opts.LockStripes),
		log:      log.Named("ingest"),
	}
}

// FeedSequence records every co-occurrence in items with the given rating.
//
// Every item is registered, then for each ordered pair of positions holding
// different values the edge is created with (1, rating, rating²) or
// incremented by the same amount. The whole sequence commits atomically.
// An empty sequence changes nothing; a single item is only registered.
//
// Errors:
//   - storage.ErrInvalidRating for NaN or infinite ratings
//   - storage.ErrInvalidName for empty items
//   - ctx.Err() when cancelled; nothing of the sequence is kept
//   - *storage.StorageError for failures of the store, including
//     transaction conflicts; the caller decides whether to retry
func (in *Ingester) FeedSequence(ctx context.Context, rating float64, items []string) (Result, error) {
	res := Result{Items: len(items)}
	if err := storage.ValidateRating(rating); err != nil {
		return res, err
	}
	for _, item := range items {
		if err := storage.ValidateName(item); err != nil {
			return res, fmt.Errorf("sequence item %q: %w", item, err)
		}
	}
	if len(items) == 0 {
		return res, nil
	}

	unlock, err := in.locks.lock(ctx, items)
	if err != nil {
		return res, err
	}
	defer unlock()

	start := time.Now()
	gen := in.registry.Generation()
	ids := make(map[string]storage.ElementID, len(items))

	err = storage.Update(ctx, in.engine, func(tx storage.Transaction) error {
		res.Pairs, res.Created, res.Incremented = 0, 0, 0

		for _, item := range items {
			if _, ok := ids[item]; ok {
				continue
			}
			id, err := in.registry.EnsureElement(tx, item)
			if err != nil {
				return fmt.Errorf("registering %q: %w", item, err)
			}
			ids[item] = id
		}

		for _, x := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			parent := ids[x]
			for _, y := range items {
				if x == y {
					continue
				}
				created, err := in.ledger.Observe(tx, parent, y, rating)
				if err != nil {
					return fmt.Errorf("recording %q -> %q: %w", x, y, err)
				}
				res.Pairs++
				if created {
					res.Created++
				} else {
					res.Incremented++
				}
			}
		}
		return nil
	})
	if err != nil {
		in.log.Debug("sequence rolled back", "items", len(items), "error", err)
		return Result{Items: len(items)}, err
	}

	in.registry.Remember(gen, ids)
	in.log.Debug("sequence committed",
		"items", res.Items,
		"pairs", res.Pairs,
		"created", res.Created,
		"incremented", res.Incremented,
		"elapsed", time.Since(start),
	)
	return res, nil
}
