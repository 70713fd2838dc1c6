// Package params manages versioned, immutable parameter configurations for
// the discovery engine. A config is validated on construction, published
// once, and never mutated; the orchestrator consumes whichever version is
// active, and rollback reactivates a prior version.
package params

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-engine/internal/model"
)

// Config holds every threshold and multiplier the engine consumes. Once
// published through a Registry the document is immutable.
type Config struct {
	Version string `yaml:"version" json:"version"`

	// CategoryMultipliers weight EIG scores per hypothesis category.
	CategoryMultipliers map[model.Category]float64 `yaml:"category_multipliers" json:"category_multipliers"`

	// Confidence deltas applied per hop outcome.
	AcceptDelta     float64 `yaml:"accept_delta" json:"accept_delta"`
	WeakAcceptDelta float64 `yaml:"weak_accept_delta" json:"weak_accept_delta"`
	RejectDelta     float64 `yaml:"reject_delta" json:"reject_delta"`

	// Terminal thresholds.
	AcceptThreshold     float64 `yaml:"accept_threshold" json:"accept_threshold"`
	WeakAcceptThreshold float64 `yaml:"weak_accept_threshold" json:"weak_accept_threshold"`
	RejectThreshold     float64 `yaml:"reject_threshold" json:"reject_threshold"`

	// NoveltyHalfLife is the same-category hop count at which the novelty
	// factor halves. Decay form: 2^(-hops/halfLife).
	NoveltyHalfLife float64 `yaml:"novelty_half_life" json:"novelty_half_life"`

	// InformationValue is the default information-value term for hypotheses
	// whose template carries no richer prior.
	InformationValue float64 `yaml:"information_value" json:"information_value"`

	// Loop bounds.
	MaxIterations    int     `yaml:"max_iterations" json:"max_iterations"`
	MaxDepth         int     `yaml:"max_depth" json:"max_depth"`
	MaxCostPerEntity float64 `yaml:"max_cost_per_entity" json:"max_cost_per_entity"`
}

// Default returns the baseline configuration, version "v0".
func Default() Config {
	mult := make(map[model.Category]float64, len(model.AllCategories()))
	for _, c := range model.AllCategories() {
		mult[c] = 1.0
	}
	mult[model.CategoryStadiumProject] = 1.5
	mult[model.CategoryTicketingReplat] = 1.2

	return Config{
		Version:             "v0",
		CategoryMultipliers: mult,
		AcceptDelta:         0.4,
		WeakAcceptDelta:     0.2,
		RejectDelta:         0.3,
		AcceptThreshold:     0.8,
		WeakAcceptThreshold: 0.5,
		RejectThreshold:     0.1,
		NoveltyHalfLife:     3,
		InformationValue:    1.0,
		MaxIterations:       20,
		MaxDepth:            3,
		MaxCostPerEntity:    5.0,
	}
}

// Validate checks internal consistency. It wraps model.ErrConfigInvalid so
// callers can fail fast before constructing an orchestrator.
func (c Config) Validate() error {
	var errs []string

	if c.Version == "" {
		errs = append(errs, "version is required")
	}
	if len(c.CategoryMultipliers) == 0 {
		errs = append(errs, "category_multipliers must not be empty")
	}
	for cat, m := range c.CategoryMultipliers {
		if _, ok := model.TemplateFor(cat); !ok {
			errs = append(errs, fmt.Sprintf("unknown category %q", cat))
		}
		if m <= 0 {
			errs = append(errs, fmt.Sprintf("multiplier for %s must be > 0", cat))
		}
	}
	if c.AcceptDelta <= 0 {
		errs = append(errs, "accept_delta must be > 0")
	}
	if c.WeakAcceptDelta <= 0 {
		errs = append(errs, "weak_accept_delta must be > 0")
	}
	if c.RejectDelta <= 0 {
		errs = append(errs, "reject_delta must be > 0")
	}
	if c.AcceptThreshold <= 0 || c.AcceptThreshold > 1 {
		errs = append(errs, "accept_threshold must be in (0, 1]")
	}
	if c.WeakAcceptThreshold <= 0 || c.WeakAcceptThreshold >= c.AcceptThreshold {
		errs = append(errs, "weak_accept_threshold must be in (0, accept_threshold)")
	}
	if c.RejectThreshold < 0 || c.RejectThreshold >= c.WeakAcceptThreshold {
		errs = append(errs, "reject_threshold must be in [0, weak_accept_threshold)")
	}
	if c.NoveltyHalfLife <= 0 {
		errs = append(errs, "novelty_half_life must be > 0")
	}
	if c.InformationValue <= 0 {
		errs = append(errs, "information_value must be > 0")
	}
	if c.MaxIterations <= 0 {
		errs = append(errs, "max_iterations must be > 0")
	}
	if c.MaxDepth <= 0 {
		errs = append(errs, "max_depth must be > 0")
	}
	if c.MaxCostPerEntity < 0 {
		errs = append(errs, "max_cost_per_entity must be >= 0")
	}

	if len(errs) > 0 {
		return eris.Wrap(model.ErrConfigInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// WithVersion returns a copy of c carrying the given version string. The
// multiplier map is deep-copied so the published document stays immutable.
func (c Config) WithVersion(version string) Config {
	out := c
	out.Version = version
	out.CategoryMultipliers = make(map[model.Category]float64, len(c.CategoryMultipliers))
	for k, v := range c.CategoryMultipliers {
		out.CategoryMultipliers[k] = v
	}
	return out
}
