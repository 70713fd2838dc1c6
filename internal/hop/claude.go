package hop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/pkg/anthropic"
)

const researchPrompt = `You are a procurement-signal researcher for sports organizations. Given a hypothesis statement about an organization and a source kind to consult, report every concrete finding that supports or contradicts the statement.

Source kinds:
- official_site: the organization's own website and announcements
- careers_page: job postings hinting at upcoming projects
- press_release: press coverage and wire releases
- procurement_portal: public procurement and tender portals
- tender_archive: historical tender awards

Respond with ONLY a JSON object:
{"findings": [{"reference": "<url or citation>", "text": "<the finding, one or two sentences>", "supports": <true|false>}]}

Report an empty findings list when the source kind yields nothing relevant. Never invent findings.`

// ClaudeProvider gathers evidence by asking Claude to research a hop's
// statement against one source kind. The actual cost reported is the
// estimated API spend for the call.
type ClaudeProvider struct {
	client anthropic.Client
	model  string
	log    *zap.Logger
}

// NewClaudeProvider creates a Claude-backed evidence provider.
func NewClaudeProvider(client anthropic.Client, modelID string) *ClaudeProvider {
	return &ClaudeProvider{
		client: client,
		model:  modelID,
		log:    zap.L().With(zap.String("component", "claude_provider")),
	}
}

const (
	minResearchTokens = 256
	maxResearchTokens = 1024
)

// maxTokensForBudget sizes the output token cap so a single call cannot
// spend far past the hop budget. Unknown model pricing keeps the default
// cap; the floor keeps responses large enough to carry findings.
func (p *ClaudeProvider) maxTokensForBudget(budget float64) int64 {
	perToken := anthropic.TokenUsage{OutputTokens: 1}.EstimateCost(p.model)
	if perToken <= 0 || budget <= 0 {
		return maxResearchTokens
	}
	n := int64(budget / perToken)
	if n < minResearchTokens {
		return minResearchTokens
	}
	if n > maxResearchTokens {
		return maxResearchTokens
	}
	return n
}

type researchResponse struct {
	Findings []struct {
		Reference string `json:"reference"`
		Text      string `json:"text"`
		Supports  bool   `json:"supports"`
	} `json:"findings"`
}

// Fetch asks Claude for findings on the hop's statement. Findings with no
// text are dropped; an unparseable response is an error with the call's
// cost still reported.
func (p *ClaudeProvider) Fetch(ctx context.Context, hopType model.HopType, entity EntityContext, costBudget float64) (ProviderResult, error) {
	userMsg := fmt.Sprintf("Source kind: %s\nOrganization: %s (%s)\nHypothesis: %s",
		hopType, entity.Entity.Name, entity.Entity.Type, entity.Statement)

	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     p.model,
		MaxTokens: p.maxTokensForBudget(costBudget),
		System:    anthropic.BuildCachedSystemBlocks(researchPrompt),
		Messages:  []anthropic.Message{{Role: "user", Content: userMsg}},
	})
	if err != nil {
		return ProviderResult{}, eris.Wrap(err, "hop: claude request")
	}

	cost := resp.Usage.EstimateCost(p.model)
	resp.Usage.LogCost(p.model, "research")

	text := resp.Text()
	jsonStart := strings.Index(text, "{")
	jsonEnd := strings.LastIndex(text, "}")
	if jsonStart < 0 || jsonEnd <= jsonStart {
		return ProviderResult{CostSpent: cost}, eris.Errorf("hop: no JSON in response: %s", text)
	}

	var parsed researchResponse
	if err := json.Unmarshal([]byte(text[jsonStart:jsonEnd+1]), &parsed); err != nil {
		return ProviderResult{CostSpent: cost}, eris.Wrap(err, "hop: parse response JSON")
	}

	res := ProviderResult{CostSpent: cost}
	for _, f := range parsed.Findings {
		if strings.TrimSpace(f.Text) == "" {
			p.log.Debug("dropping empty finding",
				zap.String("entity_id", entity.Entity.ID),
				zap.String("hop_type", string(hopType)),
			)
			continue
		}
		res.Evidence = append(res.Evidence, model.Evidence{
			Source:        string(hopType),
			Reference:     f.Reference,
			ExtractedText: f.Text,
			Supports:      f.Supports,
		})
	}
	return res, nil
}
