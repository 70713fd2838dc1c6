// Package orchestrator runs the per-entity discovery control loop: rank
// open hypotheses by expected information gain, execute the best hypothesis's
// next hop, charge the cost, fold the evidence into confidence, and
// terminate each hypothesis once a threshold or limit is hit.
package orchestrator

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/cache"
	"github.com/sells-group/signal-engine/internal/classify"
	"github.com/sells-group/signal-engine/internal/eig"
	"github.com/sells-group/signal-engine/internal/hop"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/params"
	"github.com/sells-group/signal-engine/internal/store"
)

// Deps wires the orchestrator's collaborators. Access is the hypothesis
// read/write surface (cached or direct); Store is used for evidence
// appends, which bypass the cache.
type Deps struct {
	Access     cache.Accessor
	Store      store.Store
	Planner    *hop.Planner
	Executor   *hop.Executor
	Classifier classify.Classifier // optional; nil falls back to defaults
}

// Orchestrator drives discovery for entities under one parameter config.
// Construct one per active config version; configs are immutable so a config
// change means a new orchestrator.
type Orchestrator struct {
	deps    Deps
	cfg     params.Config
	log     *zap.Logger
	nowFunc func() time.Time
}

// New validates the config and builds an orchestrator.
func New(deps Deps, cfg params.Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Access == nil || deps.Store == nil || deps.Executor == nil {
		return nil, eris.Wrap(model.ErrConfigInvalid, "orchestrator: missing dependencies")
	}
	if deps.Planner == nil {
		deps.Planner = hop.NewPlanner()
	}
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "orchestrator")),
		nowFunc: time.Now,
	}, nil
}

// WithNow overrides the clock, for tests.
func (o *Orchestrator) WithNow(now func() time.Time) *Orchestrator {
	o.nowFunc = now
	return o
}

// Config returns the active parameter config.
func (o *Orchestrator) Config() params.Config {
	return o.cfg
}

// Result is what every discovery run returns, even on partial failure. Err
// is set when the loop aborted early; every cost charged before the abort
// is still accounted for.
type Result struct {
	EntityID      string
	ConfigVersion string
	TotalCost     float64
	Iterations    int
	Hypotheses    []model.HypothesisOutcome
	Duration      time.Duration
	Err           error
}

// Record converts a result into an append-only rollout record.
func (r Result) Record(stage model.RolloutStage, now time.Time) model.RolloutRecord {
	rec := model.RolloutRecord{
		EntityID:      r.EntityID,
		ConfigVersion: r.ConfigVersion,
		Stage:         stage,
		TotalCost:     r.TotalCost,
		Iterations:    r.Iterations,
		Outcomes:      r.Hypotheses,
		Duration:      r.Duration,
		RecordedAt:    now,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

// Run executes the discovery loop for one entity. It always returns a
// result; loop aborts surface in Result.Err. The loop is sequential within
// the entity; concurrency happens across entities in the Pool.
func (o *Orchestrator) Run(ctx context.Context, entity model.Entity) Result {
	started := o.nowFunc()
	res := Result{EntityID: entity.ID, ConfigVersion: o.cfg.Version}
	log := o.log.With(zap.String("entity_id", entity.ID))

	if err := o.seed(ctx, entity); err != nil {
		res.Err = err
		res.Duration = o.nowFunc().Sub(started)
		return res
	}

	cluster := eig.NewClusterState()
	depth := make(map[string]int)

	for {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}
		if res.Iterations >= o.cfg.MaxIterations {
			log.Debug("iteration limit reached", zap.Int("iterations", res.Iterations))
			break
		}
		remaining := o.cfg.MaxCostPerEntity - res.TotalCost
		if remaining <= 0 {
			log.Debug("budget exhausted", zap.Float64("total_cost", res.TotalCost))
			break
		}

		open, err := o.deps.Access.ListOpen(ctx, entity.ID)
		if err != nil {
			res.Err = eris.Wrap(model.ErrStoreUnavailable, err.Error())
			break
		}
		if len(open) == 0 {
			break
		}

		ranked := eig.Rank(open, cluster, o.cfg)
		h := ranked[0]

		next, ok := o.deps.Planner.Next(h, depth[h.ID])
		if !ok || depth[h.ID] >= o.cfg.MaxDepth {
			// No hop left for this hypothesis; settle it without spend.
			if err := o.settle(ctx, h, cluster); err != nil {
				res.Err = err
				break
			}
			continue
		}

		if h.State == model.StatePending {
			if err := o.mutate(ctx, &h, func(m *model.Hypothesis) error {
				return m.Transition(model.StateTesting)
			}); err != nil {
				res.Err = err
				break
			}
		}

		hopRes := o.deps.Executor.Execute(ctx, next, hop.EntityContext{
			Entity:    entity,
			Category:  h.Category,
			Statement: h.Statement,
		}, remaining)

		res.TotalCost += hopRes.ActualCost
		res.Iterations++
		depth[h.ID]++
		cluster.RecordHop(h.Category)

		if err := o.applyOutcome(ctx, &h, hopRes, cluster, depth[h.ID]); err != nil {
			res.Err = err
			break
		}
	}

	res.Hypotheses = o.collectOutcomes(ctx, entity.ID, &res)
	res.Duration = o.nowFunc().Sub(started)

	log.Info("discovery run complete",
		zap.Float64("total_cost", res.TotalCost),
		zap.Int("iterations", res.Iterations),
		zap.Int("hypotheses", len(res.Hypotheses)),
		zap.Duration("duration", res.Duration),
		zap.Error(res.Err),
	)
	return res
}

// seed creates pending hypotheses from the entity's category set when the
// entity has none yet. Existing hypotheses, terminal ones included, suppress
// seeding so reruns never resurrect settled claims.
func (o *Orchestrator) seed(ctx context.Context, entity model.Entity) error {
	existing, err := o.deps.Store.ListHypotheses(ctx, entity.ID, nil)
	if err != nil {
		return eris.Wrap(model.ErrStoreUnavailable, err.Error())
	}
	if len(existing) > 0 {
		return nil
	}

	cats := classify.CategoriesOrDefault(ctx, o.deps.Classifier, entity)
	now := o.nowFunc().UTC()
	for _, c := range cats {
		h, err := model.NewHypothesis(entity, c, now)
		if err != nil {
			return err
		}
		if err := o.deps.Access.Create(ctx, h); err != nil {
			return eris.Wrap(model.ErrStoreUnavailable, err.Error())
		}
	}
	o.log.Debug("seeded hypotheses",
		zap.String("entity_id", entity.ID),
		zap.Int("count", len(cats)),
	)
	return nil
}

// applyOutcome folds a hop result into the hypothesis: persist evidence,
// adjust confidence, and transition state when a threshold is crossed.
func (o *Orchestrator) applyOutcome(ctx context.Context, h *model.Hypothesis, hopRes model.HopResult, cluster *eig.ClusterState, depthUsed int) error {
	refs := make([]string, 0, len(hopRes.Evidence))
	for _, ev := range hopRes.Evidence {
		if err := o.deps.Store.AppendEvidence(ctx, ev); err != nil {
			return eris.Wrap(model.ErrStoreUnavailable, err.Error())
		}
		refs = append(refs, ev.ID)
	}

	var delta float64
	switch hopRes.Outcome {
	case model.OutcomeSupporting:
		delta = o.cfg.AcceptDelta
	case model.OutcomeContradicting:
		delta = -o.cfg.RejectDelta
	case model.OutcomeEmpty:
		// Absence of evidence is not evidence of absence.
		delta = 0
	case model.OutcomeError:
		// Charged but uninformative; the loop continues.
		delta = 0
	}

	hopsLeft := o.deps.Planner.Remaining(*h, depthUsed)
	if depthUsed >= o.cfg.MaxDepth {
		hopsLeft = 0
	}

	return o.mutate(ctx, h, func(m *model.Hypothesis) error {
		if delta != 0 {
			if err := m.ApplyDelta(delta); err != nil {
				return err
			}
		}
		m.EvidenceRefs = append(m.EvidenceRefs, refs...)

		next, done := o.terminalFor(m.Confidence, hopsLeft, delta != 0)
		if done {
			if err := m.Transition(next); err != nil {
				return err
			}
			cluster.RecordTerminal(m.Category)
		}
		return nil
	})
}

// settle closes out a hypothesis that has no hop left to run.
func (o *Orchestrator) settle(ctx context.Context, h model.Hypothesis, cluster *eig.ClusterState) error {
	next := model.StateInconclusive
	if h.Confidence >= o.cfg.WeakAcceptThreshold {
		next = model.StateWeakAccept
	}
	if h.Confidence >= o.cfg.AcceptThreshold {
		next = model.StateAccepted
	}
	if h.State == model.StatePending && next != model.StateInconclusive {
		// Pending hypotheses only settle inconclusive; thresholds require
		// the testing path.
		next = model.StateInconclusive
	}
	err := o.mutate(ctx, &h, func(m *model.Hypothesis) error {
		return m.Transition(next)
	})
	if err == nil {
		cluster.RecordTerminal(h.Category)
	}
	return err
}

// terminalFor maps a confidence value to its terminal state, if any. The
// accept and reject thresholds are only consulted when the hop actually
// moved confidence: hypotheses start at confidence zero, so an uninformative
// hop must not read as a rejection.
func (o *Orchestrator) terminalFor(confidence float64, hopsLeft int, moved bool) (model.HypothesisState, bool) {
	switch {
	case moved && confidence >= o.cfg.AcceptThreshold:
		return model.StateAccepted, true
	case moved && confidence <= o.cfg.RejectThreshold:
		return model.StateRejected, true
	case confidence >= o.cfg.WeakAcceptThreshold && hopsLeft == 0:
		return model.StateWeakAccept, true
	case hopsLeft == 0:
		return model.StateInconclusive, true
	default:
		return "", false
	}
}

// mutate applies fn to the hypothesis and persists it, retrying exactly once
// with a fresh read on a version conflict.
func (o *Orchestrator) mutate(ctx context.Context, h *model.Hypothesis, fn func(*model.Hypothesis) error) error {
	if err := fn(h); err != nil {
		return err
	}
	h.UpdatedAt = o.nowFunc().UTC()

	updated, err := o.deps.Access.Update(ctx, *h)
	if err == nil {
		*h = *updated
		return nil
	}
	if !eris.Is(err, model.ErrConflict) {
		return eris.Wrap(model.ErrStoreUnavailable, err.Error())
	}

	o.log.Debug("version conflict, retrying with fresh read",
		zap.String("hypothesis_id", h.ID),
	)
	fresh, err := o.deps.Access.Get(ctx, h.ID)
	if err != nil {
		return eris.Wrap(model.ErrStoreUnavailable, err.Error())
	}
	if err := fn(fresh); err != nil {
		return err
	}
	fresh.UpdatedAt = o.nowFunc().UTC()
	updated, err = o.deps.Access.Update(ctx, *fresh)
	if err != nil {
		if eris.Is(err, model.ErrConflict) {
			return eris.Wrap(model.ErrConflict, "orchestrator: update after fresh read")
		}
		return eris.Wrap(model.ErrStoreUnavailable, err.Error())
	}
	*h = *updated
	return nil
}

// collectOutcomes snapshots the final state of every hypothesis for the
// entity. A store failure here degrades to an empty list rather than
// clobbering an existing loop error.
func (o *Orchestrator) collectOutcomes(ctx context.Context, entityID string, res *Result) []model.HypothesisOutcome {
	hs, err := o.deps.Store.ListHypotheses(ctx, entityID, nil)
	if err != nil {
		if res.Err == nil {
			res.Err = eris.Wrap(model.ErrStoreUnavailable, err.Error())
		}
		return nil
	}
	out := make([]model.HypothesisOutcome, 0, len(hs))
	for _, h := range hs {
		out = append(out, model.HypothesisOutcome{
			HypothesisID: h.ID,
			Category:     h.Category,
			FinalState:   h.State,
			Confidence:   h.Confidence,
		})
	}
	return out
}
