// Package classify maps entity attributes to the hypothesis categories
// worth testing for that entity. A Claude-backed classifier is the primary
// implementation; when it is unavailable or returns nothing usable, callers
// fall back to the per-type default category set.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/pkg/anthropic"
)

// Classifier selects hypothesis categories for an entity.
type Classifier interface {
	Categories(ctx context.Context, entity model.Entity) ([]model.Category, error)
}

// classifyPrompt asks for a strict JSON category list. The category ids in
// the prompt mirror the closed template registry.
const classifyPrompt = `You are selecting procurement-signal categories worth investigating for a sports organization. Given the organization's name, type, and attributes, pick the categories most likely to yield actionable signals.

Valid category ids: stadium_project, kit_supplier, ticketing_replatform, broadcast_rights, sponsorship_cycle, digital_vendor.

Respond with ONLY valid JSON, no other text:
{"categories": ["category_id", ...]}`

type classifyResponse struct {
	Categories []string `json:"categories"`
}

// Claude classifies entities through the Anthropic API.
type Claude struct {
	client anthropic.Client
	model  string
}

// NewClaude creates a Claude-backed classifier.
func NewClaude(client anthropic.Client, modelID string) *Claude {
	return &Claude{client: client, model: modelID}
}

// Categories asks Claude for the category set. Unknown category ids in the
// response are dropped; an empty usable set is an error so the caller can
// fall back to defaults.
func (c *Claude) Categories(ctx context.Context, entity model.Entity) ([]model.Category, error) {
	var attrs strings.Builder
	keys := make([]string, 0, len(entity.Attributes))
	for k := range entity.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&attrs, "%s: %s\n", k, entity.Attributes[k])
	}

	userMsg := fmt.Sprintf("Organization: %s\nType: %s\nAttributes:\n%s", entity.Name, entity.Type, attrs.String())

	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     c.model,
		MaxTokens: 256,
		System:    anthropic.BuildCachedSystemBlocks(classifyPrompt),
		Messages:  []anthropic.Message{{Role: "user", Content: userMsg}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "classify: claude request")
	}

	text := resp.Text()
	if text == "" {
		return nil, eris.New("classify: empty claude response")
	}
	resp.Usage.LogCost(c.model, "classify")

	// Find JSON in the response (it may have surrounding text).
	jsonStart := strings.Index(text, "{")
	jsonEnd := strings.LastIndex(text, "}")
	if jsonStart < 0 || jsonEnd <= jsonStart {
		return nil, eris.Errorf("classify: no JSON in response: %s", text)
	}

	var parsed classifyResponse
	if err := json.Unmarshal([]byte(text[jsonStart:jsonEnd+1]), &parsed); err != nil {
		return nil, eris.Wrap(err, "classify: parse response JSON")
	}

	var out []model.Category
	seen := make(map[model.Category]bool)
	for _, raw := range parsed.Categories {
		cat := model.Category(strings.TrimSpace(strings.ToLower(raw)))
		if _, ok := model.TemplateFor(cat); !ok {
			zap.L().Debug("classify: dropping unknown category",
				zap.String("category", raw),
				zap.String("entity_id", entity.ID),
			)
			continue
		}
		if !seen[cat] {
			seen[cat] = true
			out = append(out, cat)
		}
	}

	if len(out) == 0 {
		return nil, eris.New("classify: no usable categories in response")
	}
	return out, nil
}

// Static always returns the same categories. Used in tests and offline
// replays.
type Static struct {
	Set []model.Category
}

func (s Static) Categories(context.Context, model.Entity) ([]model.Category, error) {
	return s.Set, nil
}

// CategoriesOrDefault runs the classifier and falls back to the entity
// type's default template set when the classifier is nil or fails.
func CategoriesOrDefault(ctx context.Context, c Classifier, entity model.Entity) []model.Category {
	if c == nil {
		return model.DefaultCategories(entity.Type)
	}
	cats, err := c.Categories(ctx, entity)
	if err != nil {
		zap.L().Warn("classify: falling back to default categories",
			zap.String("entity_id", entity.ID),
			zap.String("entity_type", string(entity.Type)),
			zap.Error(err),
		)
		return model.DefaultCategories(entity.Type)
	}
	return cats
}
