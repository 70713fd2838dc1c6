package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/sells-group/signal-engine/internal/model"
)

// Pool runs discovery for many entities concurrently. Workers are sized to
// the evidence provider's capacity; each entity loop stays sequential
// internally and a failing entity never aborts its siblings.
type Pool struct {
	orch    *Orchestrator
	workers int
}

// NewPool wraps an orchestrator with a bounded worker pool.
func NewPool(o *Orchestrator, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{orch: o, workers: workers}
}

// RunBatch runs every entity and returns one result per entity, in input
// order. Entity-level failures land in their result's Err field; the only
// group-level effect of cancellation is that unstarted entities report the
// context error.
func (p *Pool) RunBatch(ctx context.Context, entities []model.Entity) []Result {
	results := make([]Result, len(entities))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.workers)

	for i, entity := range entities {
		eg.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = Result{EntityID: entity.ID, ConfigVersion: p.orch.cfg.Version, Err: err}
				return nil
			}
			results[i] = p.orch.Run(gctx, entity)
			return nil
		})
	}

	// Workers never return errors; Wait only synchronizes.
	_ = eg.Wait()
	return results
}
