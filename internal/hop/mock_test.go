package hop

import (
	"context"
	"sync"

	"github.com/sells-group/signal-engine/internal/model"
)

// scriptedProvider returns pre-programmed results in sequence, recording
// every call it receives.
type scriptedProvider struct {
	mu      sync.Mutex
	script  []scriptedFetch
	calls   int
	budgets []float64
}

type scriptedFetch struct {
	res ProviderResult
	err error
}

func (p *scriptedProvider) Fetch(_ context.Context, _ model.HopType, _ EntityContext, costBudget float64) (ProviderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.budgets = append(p.budgets, costBudget)
	i := p.calls
	p.calls++
	if i >= len(p.script) {
		return ProviderResult{}, nil
	}
	return p.script[i].res, p.script[i].err
}

// blockingProvider blocks until its context is done, then reports the cost
// it had already spent.
type blockingProvider struct {
	cost float64
}

func (p *blockingProvider) Fetch(ctx context.Context, _ model.HopType, _ EntityContext, _ float64) (ProviderResult, error) {
	<-ctx.Done()
	return ProviderResult{CostSpent: p.cost}, ctx.Err()
}

func supportingEvidence(text string) model.Evidence {
	return model.Evidence{Source: "press_release", Reference: "https://example.org/pr", ExtractedText: text, Supports: true}
}

func contradictingEvidence(text string) model.Evidence {
	return model.Evidence{Source: "press_release", Reference: "https://example.org/pr", ExtractedText: text, Supports: false}
}
