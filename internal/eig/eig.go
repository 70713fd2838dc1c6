// Package eig scores candidate hypotheses by estimated information gain.
// Scores are relative rankings only: the numeric value has no meaning
// outside one ranking decision, and identical inputs always produce
// identical scores so offline tuning replays are reproducible.
package eig

import (
	"math"
	"sort"

	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/params"
)

// ClusterState tracks per-category exploration within the current run, so
// repeatedly mined categories decay in priority.
type ClusterState struct {
	hopCounts map[model.Category]int
	terminal  map[model.Category]int
}

// NewClusterState returns an empty cluster state.
func NewClusterState() *ClusterState {
	return &ClusterState{
		hopCounts: make(map[model.Category]int),
		terminal:  make(map[model.Category]int),
	}
}

// RecordHop notes an executed hop against a category.
func (s *ClusterState) RecordHop(c model.Category) {
	s.hopCounts[c]++
}

// RecordTerminal notes a hypothesis of the category reaching a terminal
// state.
func (s *ClusterState) RecordTerminal(c model.Category) {
	s.terminal[c]++
}

// HopCount returns how many hops the category has consumed so far.
func (s *ClusterState) HopCount(c model.Category) int {
	return s.hopCounts[c]
}

// Score ranks a hypothesis for next-hop selection:
//
//	category_multiplier * noveltyFactor * information_value
//
// noveltyFactor is 2^(-n/halfLife) in the category's same-run hop count n,
// so a category halves in priority every halfLife hops. Terminal outcomes in
// the category count double: once a category has produced confirmations or
// rejections, testing more of the same yields little new information.
func Score(h model.Hypothesis, cluster *ClusterState, cfg params.Config) float64 {
	mult, ok := cfg.CategoryMultipliers[h.Category]
	if !ok {
		mult = 1.0
	}

	iv := cfg.InformationValue
	if t, ok := model.TemplateFor(h.Category); ok && t.Prior > 0 {
		iv = t.Prior
	}

	n := 0.0
	if cluster != nil {
		n = float64(cluster.hopCounts[h.Category] + 2*cluster.terminal[h.Category])
	}
	novelty := math.Exp2(-n / cfg.NoveltyHalfLife)

	return mult * novelty * iv
}

// Rank orders hypotheses by descending score. Ties break on hypothesis id
// so the ordering is total and replays stay deterministic.
func Rank(hs []model.Hypothesis, cluster *ClusterState, cfg params.Config) []model.Hypothesis {
	out := make([]model.Hypothesis, len(hs))
	copy(out, hs)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := Score(out[i], cluster, cfg), Score(out[j], cluster, cfg)
		if si != sj {
			return si > sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}
