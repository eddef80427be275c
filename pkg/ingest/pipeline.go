package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/orneryd/markovrank/pkg/logger"
)

// Sequence is one rated list of items.
type Sequence struct {
	Rating float64
	Items  []string

	// Line is the 1-based source position, used in error messages. Zero
	// when unknown.
	Line int
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	// Workers is the number of sequences fed concurrently.
	Workers int

	// ContinueOnError logs and counts failed sequences instead of stopping
	// at the first failure.
	ContinueOnError bool
}

// PipelineStats summarises a pipeline run.
type PipelineStats struct {
	Fed    int64 `json:"fed"`
	Failed int64 `json:"failed"`
	Pairs  int64 `json:"pairs"`
}

// Pipeline feeds a stream of sequences through an Ingester with a pool of
// workers. Each sequence is still its own transaction: a failure never
// undoes sequences that already committed.
type Pipeline struct {
	ingester *Ingester
	opts     PipelineOptions
	log      *logger.Logger
}

// NewPipeline creates a pipeline over in.
func NewPipeline(in *Ingester, opts PipelineOptions) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Pipeline{ingester: in, opts: opts, log: in.log.Named("pipeline")}
}

// Run consumes sequences until the channel is closed, ctx is cancelled or,
// unless ContinueOnError is set, a sequence fails. The first failure is
// returned and stops the remaining workers.
func (p *Pipeline) Run(ctx context.Context, sequences <-chan Sequence) (PipelineStats, error) {
	var fed, failed, pairs atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < p.opts.Workers; w++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case seq, ok := <-sequences:
					if !ok {
						return nil
					}
					res, err := p.ingester.FeedSequence(gctx, seq.Rating, seq.Items)
					if err == nil {
						fed.Add(1)
						pairs.Add(int64(res.Pairs))
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return err
					}
					failed.Add(1)
					if p.opts.ContinueOnError {
						p.log.Warn("sequence failed", "line", seq.Line, "items", len(seq.Items), "error", err)
						continue
					}
					if seq.Line > 0 {
						return fmt.Errorf("line %d: %w", seq.Line, err)
					}
					return err
				}
			}
		})
	}

	err := g.Wait()
	stats := PipelineStats{Fed: fed.Load(), Failed: failed.Load(), Pairs: pairs.Load()}
	p.log.Info("pipeline finished", "fed", stats.Fed, "failed", stats.Failed, "pairs", stats.Pairs)
	return stats, err
}

// FeedAll runs the pipeline over a fixed slice of sequences.
func (p *Pipeline) FeedAll(ctx context.Context, sequences []Sequence) (PipelineStats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan Sequence)
	go func() {
		defer close(ch)
		for _, seq := range sequences {
			select {
			case ch <- seq:
			case <-ctx.Done():
				return
			}
		}
	}()
	return p.Run(ctx, ch)
}
