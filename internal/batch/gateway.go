// Package batch provides chunked multi-entity read/write operations over the
// hypothesis store. It exists because the per-entity API does not scale past
// a few thousand entities without excessive round-trips; semantics are
// identical to repeated single calls.
package batch

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/store"
)

// Options tunes the gateway.
type Options struct {
	// ChunkSize bounds the number of items per store round-trip. Default: 100.
	ChunkSize int
	// Concurrency bounds how many chunks run in parallel. Default: 4.
	Concurrency int
}

// Gateway chunks bulk operations against the store. Chunk-level operations
// are independent: a failure inside one chunk never aborts the others, and
// individual failures are logged and counted, not propagated.
type Gateway struct {
	store store.Store
	opts  Options
}

// New creates a gateway.
func New(st store.Store, opts Options) *Gateway {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Gateway{store: st, opts: opts}
}

// GetMany returns hypotheses grouped by entity id. When category is
// non-empty, only hypotheses of that category are returned. Entities that
// fail to load are omitted from the result and logged.
func (g *Gateway) GetMany(ctx context.Context, entityIDs []string, category model.Category) (map[string][]model.Hypothesis, error) {
	out := make(map[string][]model.Hypothesis, len(entityIDs))
	var mu sync.Mutex

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.opts.Concurrency)

	for _, chunk := range chunks(entityIDs, g.opts.ChunkSize) {
		eg.Go(func() error {
			for _, entityID := range chunk {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				hs, err := g.store.ListHypotheses(gctx, entityID, nil)
				if err != nil {
					zap.L().Warn("batch: get entity failed",
						zap.String("entity_id", entityID),
						zap.Error(err),
					)
					continue
				}
				if category != "" {
					filtered := hs[:0]
					for _, h := range hs {
						if h.Category == category {
							filtered = append(filtered, h)
						}
					}
					hs = filtered
				}
				mu.Lock()
				out[entityID] = hs
				mu.Unlock()
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// CreateMany inserts hypotheses in chunks and returns the number created.
func (g *Gateway) CreateMany(ctx context.Context, hs []model.Hypothesis) (int, error) {
	var succeeded atomic.Int64

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.opts.Concurrency)

	for _, chunk := range chunkHypotheses(hs, g.opts.ChunkSize) {
		eg.Go(func() error {
			for _, h := range chunk {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if err := g.store.CreateHypothesis(gctx, h); err != nil {
					zap.L().Warn("batch: create hypothesis failed",
						zap.String("hypothesis_id", h.ID),
						zap.String("entity_id", h.EntityID),
						zap.Error(err),
					)
					continue
				}
				succeeded.Add(1)
			}
			return nil
		})
	}

	err := eg.Wait()
	return int(succeeded.Load()), err
}

// UpdateConfidencesBatch applies confidence deltas in chunks and returns the
// number that succeeded. Malformed or failing entries are logged and skipped;
// successful siblings are never rolled back.
func (g *Gateway) UpdateConfidencesBatch(ctx context.Context, updates []store.ConfidenceUpdate) (int, error) {
	var succeeded atomic.Int64

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.opts.Concurrency)

	for _, chunk := range chunkUpdates(updates, g.opts.ChunkSize) {
		eg.Go(func() error {
			for _, u := range chunk {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if u.HypothesisID == "" {
					zap.L().Warn("batch: skipping malformed confidence update")
					continue
				}
				if err := g.store.ApplyConfidenceDelta(gctx, u); err != nil {
					zap.L().Warn("batch: confidence update failed",
						zap.String("hypothesis_id", u.HypothesisID),
						zap.Float64("delta", u.Delta),
						zap.Error(err),
					)
					continue
				}
				succeeded.Add(1)
			}
			return nil
		})
	}

	err := eg.Wait()
	return int(succeeded.Load()), err
}

func chunks(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func chunkHypotheses(hs []model.Hypothesis, size int) [][]model.Hypothesis {
	var out [][]model.Hypothesis
	for len(hs) > size {
		out = append(out, hs[:size])
		hs = hs[size:]
	}
	if len(hs) > 0 {
		out = append(out, hs)
	}
	return out
}

func chunkUpdates(us []store.ConfidenceUpdate, size int) [][]store.ConfidenceUpdate {
	var out [][]store.ConfidenceUpdate
	for len(us) > size {
		out = append(out, us[:size])
		us = us[size:]
	}
	if len(us) > 0 {
		out = append(out, us)
	}
	return out
}
