package tuner

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/sells-group/signal-engine/internal/hop"
	"github.com/sells-group/signal-engine/internal/model"
)

// replayCosts fixes per-hop spend during replay so cost differences between
// candidate configs come only from how many hops each config takes.
var replayCosts = map[model.HopType]float64{
	model.HopOfficialSite:      0.05,
	model.HopCareersPage:       0.10,
	model.HopPressRelease:      0.20,
	model.HopProcurementPortal: 0.35,
	model.HopTenderArchive:     0.25,
}

// ReplayProvider is a deterministic evidence provider built from a labeled
// validation set. Labeled-true categories yield supporting evidence; labeled
// -false ones yield mostly empty results with occasional contradictions,
// selected by a seeded hash so identical inputs always replay identically.
type ReplayProvider struct {
	labels map[string]map[model.Category]bool
	seed   int64
}

// NewReplayProvider indexes the validation set by entity.
func NewReplayProvider(valset ValidationSet, seed int64) *ReplayProvider {
	labels := make(map[string]map[model.Category]bool, len(valset.Entries))
	for _, e := range valset.Entries {
		labels[e.Entity.ID] = e.Signals
	}
	return &ReplayProvider{labels: labels, seed: seed}
}

// Fetch never fails and never consults the network.
func (p *ReplayProvider) Fetch(_ context.Context, hopType model.HopType, entity hop.EntityContext, costBudget float64) (hop.ProviderResult, error) {
	cost := replayCosts[hopType]
	if cost > costBudget {
		cost = costBudget
	}
	res := hop.ProviderResult{CostSpent: cost}

	signals, ok := p.labels[entity.Entity.ID]
	if !ok {
		return res, nil
	}

	if signals[entity.Category] {
		res.Evidence = []model.Evidence{{
			Source:        string(hopType),
			Reference:     fmt.Sprintf("replay://%s/%s/%s", entity.Entity.ID, entity.Category, hopType),
			ExtractedText: "labeled signal present",
			Supports:      true,
		}}
		return res, nil
	}

	// One in four negative hops contradicts outright; the rest come back
	// empty, mirroring how absent signals look in the wild.
	if p.roll(entity.Entity.ID, entity.Category, hopType)%4 == 0 {
		res.Evidence = []model.Evidence{{
			Source:        string(hopType),
			Reference:     fmt.Sprintf("replay://%s/%s/%s", entity.Entity.ID, entity.Category, hopType),
			ExtractedText: "labeled signal absent",
			Supports:      false,
		}}
	}
	return res, nil
}

func (p *ReplayProvider) roll(entityID string, c model.Category, ht model.HopType) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d/%s/%s/%s", p.seed, entityID, c, ht)
	return h.Sum64()
}
