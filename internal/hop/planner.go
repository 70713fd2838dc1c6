// Package hop plans and executes external evidence-gathering actions. A
// planner maps a hypothesis category to an ordered list of candidate hops;
// an executor runs one hop against the evidence provider under a hard
// timeout, a cost cap, and a rate limit, always reporting the cost actually
// spent.
package hop

import (
	"github.com/sells-group/signal-engine/internal/model"
)

// defaultCosts estimates the cost in USD of one hop per action kind. The
// estimate caps provider spend for that hop; providers report actual spend.
var defaultCosts = map[model.HopType]float64{
	model.HopOfficialSite:      0.05,
	model.HopCareersPage:       0.10,
	model.HopPressRelease:      0.25,
	model.HopProcurementPortal: 0.40,
	model.HopTenderArchive:     0.30,
}

// Planner turns a hypothesis into candidate hops, ordered by expected yield
// for its category.
type Planner struct {
	costs map[model.HopType]float64
}

// NewPlanner returns a planner using the default per-type cost estimates.
func NewPlanner() *Planner {
	return &Planner{costs: defaultCosts}
}

// Plan returns the full ordered hop list for a hypothesis.
func (p *Planner) Plan(h model.Hypothesis) []model.Hop {
	t, ok := model.TemplateFor(h.Category)
	if !ok {
		return nil
	}
	hops := make([]model.Hop, 0, len(t.HopOrder))
	for depth, ht := range t.HopOrder {
		hops = append(hops, model.Hop{
			Type:          ht,
			HypothesisID:  h.ID,
			Depth:         depth,
			EstimatedCost: p.costs[ht],
		})
	}
	return hops
}

// Next returns the hop at the given depth, or false when the category has
// no hop left at that depth.
func (p *Planner) Next(h model.Hypothesis, depth int) (model.Hop, bool) {
	hops := p.Plan(h)
	if depth < 0 || depth >= len(hops) {
		return model.Hop{}, false
	}
	return hops[depth], true
}

// Remaining reports how many hops the category still offers at or past the
// given depth.
func (p *Planner) Remaining(h model.Hypothesis, depth int) int {
	n := len(p.Plan(h)) - depth
	if n < 0 {
		return 0
	}
	return n
}
