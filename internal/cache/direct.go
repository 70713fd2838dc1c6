package cache

import (
	"context"

	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/store"
)

// Accessor is the hypothesis read/write surface the orchestrator consumes.
// HypothesisCache implements it with caching; Direct implements it as plain
// store calls, used when the cache is disabled or unavailable.
type Accessor interface {
	Get(ctx context.Context, id string) (*model.Hypothesis, error)
	Create(ctx context.Context, h model.Hypothesis) error
	Update(ctx context.Context, h model.Hypothesis) (*model.Hypothesis, error)
	Delete(ctx context.Context, id string) error
	ListOpen(ctx context.Context, entityID string) ([]model.Hypothesis, error)
	Invalidate(id string)
}

// Direct is an Accessor that bypasses caching entirely.
type Direct struct {
	Store store.Store
}

func (d Direct) Get(ctx context.Context, id string) (*model.Hypothesis, error) {
	return d.Store.GetHypothesis(ctx, id)
}

func (d Direct) Create(ctx context.Context, h model.Hypothesis) error {
	return d.Store.CreateHypothesis(ctx, h)
}

func (d Direct) Update(ctx context.Context, h model.Hypothesis) (*model.Hypothesis, error) {
	return d.Store.UpdateHypothesis(ctx, h)
}

func (d Direct) Delete(ctx context.Context, id string) error {
	return d.Store.DeleteHypothesis(ctx, id)
}

func (d Direct) ListOpen(ctx context.Context, entityID string) ([]model.Hypothesis, error) {
	return d.Store.ListHypotheses(ctx, entityID,
		[]model.HypothesisState{model.StatePending, model.StateTesting})
}

func (d Direct) Invalidate(string) {}
