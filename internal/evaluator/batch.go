package evaluator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// Result is one candidate's batch outcome. Err is set when the candidate
// could not be evaluated; Candidate is then returned unchanged.
type Result struct {
	Candidate domain.Candidate
	Err       error
}

// Batch evaluates many candidates concurrently with a bounded number of
// goroutines. Results keep the input order.
type Batch struct {
	concurrency int
	now         func() time.Time
}

// NewBatch creates a Batch. A concurrency below 1 evaluates sequentially.
func NewBatch(concurrency int) *Batch {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Batch{concurrency: concurrency, now: time.Now}
}

// Run evaluates candidates under cfg. A candidate that fails validation
// fails alone; Run itself only errors when ctx ends first.
func (b *Batch) Run(ctx context.Context, cfg domain.RuleConfig, candidates []domain.Candidate) ([]Result, error) {
	results := make([]Result, len(candidates))
	at := b.now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for i := range candidates {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c := candidates[i]
			if err := Validate(c); err != nil {
				results[i] = Result{Candidate: c, Err: err}
				return nil
			}
			results[i] = Result{Candidate: Apply(c, Evaluate(c, cfg), at)}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
