// Package tuner searches parameter-config space offline against a labeled
// validation set. It replays the full discovery loop per candidate config
// and scores each by a composite objective. Tuning never touches production
// state: candidates come back as documents for the staged rollout process.
package tuner

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/cache"
	"github.com/sells-group/signal-engine/internal/classify"
	"github.com/sells-group/signal-engine/internal/hop"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/orchestrator"
	"github.com/sells-group/signal-engine/internal/params"
	"github.com/sells-group/signal-engine/internal/store"
)

// Method selects the search strategy.
type Method string

const (
	MethodGrid     Method = "grid"
	MethodBayesian Method = "bayesian"
)

// LabeledEntity pairs an entity with its known correct signals. Categories
// present in Signals should be accepted; absent ones should not.
type LabeledEntity struct {
	Entity  model.Entity            `json:"entity"`
	Signals map[model.Category]bool `json:"signals"`
}

// ValidationSet is a fixed, labeled corpus for offline replay.
type ValidationSet struct {
	Name    string          `json:"name"`
	Entries []LabeledEntity `json:"entries"`
}

// Categories returns the union of labeled categories per entity, so the
// replay seeds exactly the hypotheses the labels can judge.
func (e LabeledEntity) Categories() []model.Category {
	out := make([]model.Category, 0, len(e.Signals))
	for _, c := range model.AllCategories() {
		if _, ok := e.Signals[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// CandidateScore is the full score breakdown for one evaluated config.
type CandidateScore struct {
	Config            params.Config `json:"config"`
	Objective         float64       `json:"objective"`
	CorrectAcceptRate float64       `json:"correct_accept_rate"`
	FalseAcceptRate   float64       `json:"false_accept_rate"`
	AvgCost           float64       `json:"avg_cost"`
	ErrorRate         float64       `json:"error_rate"`
}

// Report is the outcome of one tuning run.
type Report struct {
	Method     Method           `json:"method"`
	Best       params.Config    `json:"best"`
	BestScore  CandidateScore   `json:"best_score"`
	Candidates []CandidateScore `json:"candidates"`
}

// Options tunes the tuner itself.
type Options struct {
	// Seed drives candidate generation and the replay provider, so a tuning
	// run is reproducible end to end.
	Seed int64
	// Workers bounds replay concurrency per candidate. Default: 4.
	Workers int
	// CostWeight scales the cost penalty in the objective. Default: 0.5.
	CostWeight float64
	// FalseAcceptWeight scales the false-accept penalty. Default: 2.
	FalseAcceptWeight float64
}

// Tuner evaluates candidate configs by replay.
type Tuner struct {
	opts Options
	log  *zap.Logger
}

// New creates a tuner.
func New(opts Options) *Tuner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.CostWeight <= 0 {
		opts.CostWeight = 0.5
	}
	if opts.FalseAcceptWeight <= 0 {
		opts.FalseAcceptWeight = 2
	}
	return &Tuner{opts: opts, log: zap.L().With(zap.String("component", "tuner"))}
}

// Tune searches from the base config and returns the best candidate found
// within the iteration budget, with the full score breakdown per candidate.
func (t *Tuner) Tune(ctx context.Context, valset ValidationSet, base params.Config, method Method, iterations int) (*Report, error) {
	if len(valset.Entries) == 0 {
		return nil, eris.New("tuner: empty validation set")
	}
	if err := base.Validate(); err != nil {
		return nil, err
	}
	if iterations <= 0 {
		iterations = 20
	}

	var candidates []params.Config
	switch method {
	case MethodGrid:
		candidates = gridCandidates(base, iterations)
	case MethodBayesian:
		candidates = t.bayesianCandidates(base, iterations)
	default:
		return nil, eris.Errorf("tuner: unknown method %q", method)
	}

	report := &Report{Method: method}
	for i, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cand = cand.WithVersion(fmt.Sprintf("%s-cand-%d", base.Version, i))
		score, err := t.Evaluate(ctx, valset, cand)
		if err != nil {
			t.log.Warn("candidate evaluation failed",
				zap.String("candidate", cand.Version),
				zap.Error(err),
			)
			continue
		}
		report.Candidates = append(report.Candidates, score)
	}

	if len(report.Candidates) == 0 {
		return nil, eris.New("tuner: no candidate evaluated successfully")
	}

	sort.SliceStable(report.Candidates, func(i, j int) bool {
		return report.Candidates[i].Objective > report.Candidates[j].Objective
	})
	report.BestScore = report.Candidates[0]
	report.Best = report.BestScore.Config

	t.log.Info("tuning complete",
		zap.String("method", string(method)),
		zap.Int("candidates", len(report.Candidates)),
		zap.Float64("best_objective", report.BestScore.Objective),
	)
	return report, nil
}

// Evaluate replays the validation set under one config and scores it. Each
// evaluation runs on a throwaway in-memory store so replays never interfere
// with each other or with production data.
func (t *Tuner) Evaluate(ctx context.Context, valset ValidationSet, cfg params.Config) (CandidateScore, error) {
	st := store.NewMemory()
	prov := NewReplayProvider(valset, t.opts.Seed)

	results := make([]orchestrator.Result, 0, len(valset.Entries))
	for _, entry := range valset.Entries {
		o, err := orchestrator.New(orchestrator.Deps{
			Access:     cache.Direct{Store: st},
			Store:      st,
			Executor:   hop.NewExecutor(prov, hop.ExecutorOptions{}),
			Classifier: classify.Static{Set: entry.Categories()},
		}, cfg)
		if err != nil {
			return CandidateScore{}, err
		}
		results = append(results, o.Run(ctx, entry.Entity))
	}

	return t.score(valset, cfg, results), nil
}

func (t *Tuner) score(valset ValidationSet, cfg params.Config, results []orchestrator.Result) CandidateScore {
	var (
		totalCost     float64
		errored       int
		truePositive  int
		falsePositive int
		positives     int
	)

	for i, res := range results {
		totalCost += res.TotalCost
		if res.Err != nil {
			errored++
		}
		labels := valset.Entries[i].Signals
		for _, h := range res.Hypotheses {
			expected := labels[h.Category]
			accepted := h.FinalState == model.StateAccepted || h.FinalState == model.StateWeakAccept
			if expected {
				positives++
				if accepted {
					truePositive++
				}
			} else if accepted {
				falsePositive++
			}
		}
	}

	score := CandidateScore{Config: cfg}
	n := float64(len(results))
	score.AvgCost = totalCost / n
	score.ErrorRate = float64(errored) / n
	if positives > 0 {
		score.CorrectAcceptRate = float64(truePositive) / float64(positives)
	}
	if negatives := countNegatives(valset); negatives > 0 {
		score.FalseAcceptRate = float64(falsePositive) / float64(negatives)
	}

	costPenalty := 0.0
	if cfg.MaxCostPerEntity > 0 {
		costPenalty = score.AvgCost / cfg.MaxCostPerEntity
	}
	score.Objective = score.CorrectAcceptRate -
		t.opts.FalseAcceptWeight*score.FalseAcceptRate -
		t.opts.CostWeight*costPenalty -
		score.ErrorRate
	return score
}

func countNegatives(valset ValidationSet) int {
	n := 0
	for _, e := range valset.Entries {
		for _, expected := range e.Signals {
			if !expected {
				n++
			}
		}
	}
	return n
}

// gridCandidates walks a fixed cartesian grid around the base config,
// truncated to the iteration budget.
func gridCandidates(base params.Config, limit int) []params.Config {
	acceptDeltas := []float64{0.3, 0.4, 0.5}
	rejectDeltas := []float64{0.2, 0.3}
	halfLives := []float64{2, 3, 5}
	maxDepths := []int{2, 3}

	var out []params.Config
	for _, ad := range acceptDeltas {
		for _, rd := range rejectDeltas {
			for _, hl := range halfLives {
				for _, md := range maxDepths {
					c := base.WithVersion(base.Version)
					c.AcceptDelta = ad
					c.RejectDelta = rd
					c.NoveltyHalfLife = hl
					c.MaxDepth = md
					out = append(out, c)
					if len(out) >= limit {
						return out
					}
				}
			}
		}
	}
	return out
}

// bayesianCandidates explores seeded random perturbations, refining around
// the base. Not a true posterior model: a cheap, deterministic
// explore-then-narrow schedule that behaves well on this small space.
func (t *Tuner) bayesianCandidates(base params.Config, limit int) []params.Config {
	rng := rand.New(rand.NewSource(t.opts.Seed))
	out := []params.Config{base.WithVersion(base.Version)}

	for len(out) < limit {
		// Exploration shrinks as the run progresses.
		scale := 1.0 - float64(len(out))/float64(limit+1)
		c := base.WithVersion(base.Version)
		c.AcceptDelta = clamp(base.AcceptDelta+(rng.Float64()-0.5)*0.4*scale, 0.05, 0.95)
		c.RejectDelta = clamp(base.RejectDelta+(rng.Float64()-0.5)*0.3*scale, 0.05, 0.95)
		c.NoveltyHalfLife = clamp(base.NoveltyHalfLife+(rng.Float64()-0.5)*4*scale, 1, 10)
		c.AcceptThreshold = clamp(base.AcceptThreshold+(rng.Float64()-0.5)*0.2*scale, 0.6, 0.95)
		if c.WeakAcceptThreshold >= c.AcceptThreshold {
			c.WeakAcceptThreshold = c.AcceptThreshold / 2
		}
		out = append(out, c)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
