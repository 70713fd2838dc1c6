package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/sells-group/signal-engine/internal/hop"
	"github.com/sells-group/signal-engine/internal/model"
)

// fakeProvider answers every fetch with the same outcome kind at a fixed
// cost, counting calls. Thread-safe for pool tests.
type fakeProvider struct {
	mu      sync.Mutex
	outcome model.HopOutcome
	cost    float64
	err     error
	calls   int
}

func (p *fakeProvider) Fetch(_ context.Context, hopType model.HopType, _ hop.EntityContext, _ float64) (hop.ProviderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return hop.ProviderResult{CostSpent: p.cost}, p.err
	}
	res := hop.ProviderResult{CostSpent: p.cost}
	switch p.outcome {
	case model.OutcomeSupporting:
		res.Evidence = []model.Evidence{{
			ID:            uuid.New().String(),
			Source:        string(hopType),
			Reference:     "https://example.org/finding",
			ExtractedText: "supporting finding",
			Supports:      true,
		}}
	case model.OutcomeContradicting:
		res.Evidence = []model.Evidence{{
			ID:            uuid.New().String(),
			Source:        string(hopType),
			Reference:     "https://example.org/finding",
			ExtractedText: "contradicting finding",
			Supports:      false,
		}}
	}
	return res, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
