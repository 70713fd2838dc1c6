package hop

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/resilience"
)

// EntityContext carries what a provider needs to know about the subject of
// a hop.
type EntityContext struct {
	Entity    model.Entity
	Category  model.Category
	Statement string
}

// ProviderResult is the raw outcome of one provider fetch. CostSpent must be
// accurate even when the fetch failed partway.
type ProviderResult struct {
	Evidence  []model.Evidence
	CostSpent float64
}

// Provider is the abstract evidence-gathering capability. Implementations
// may be slow, expensive, and unreliable; results are untrusted input.
type Provider interface {
	Fetch(ctx context.Context, hopType model.HopType, entity EntityContext, costBudget float64) (ProviderResult, error)
}

// ExecutorOptions tunes hop execution.
type ExecutorOptions struct {
	// Timeout bounds one hop end to end, retries included. Default: 30s.
	Timeout time.Duration
	// Rate and Burst configure the provider rate limiter. Rate 0 means
	// unlimited.
	Rate  rate.Limit
	Burst int
	// Retry controls transient-failure retries within the hop timeout.
	Retry resilience.RetryConfig
	// Breaker optionally guards the provider; nil disables it.
	Breaker *resilience.CircuitBreaker
	// OnDeadLetter receives hops that failed permanently, for later replay.
	OnDeadLetter func(resilience.DLQEntry)
}

// Executor runs hops against a provider. Every execution, success or
// failure, reports the actual cost spent so budget accounting stays correct.
type Executor struct {
	provider Provider
	limiter  *rate.Limiter
	opts     ExecutorOptions
	log      *zap.Logger
	nowFunc  func() time.Time
}

// NewExecutor creates an executor over the given provider.
func NewExecutor(p Provider, opts ExecutorOptions) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.Rate, burst)
	}
	return &Executor{
		provider: p,
		limiter:  limiter,
		opts:     opts,
		log:      zap.L().With(zap.String("component", "hop_executor")),
		nowFunc:  time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (e *Executor) WithNow(now func() time.Time) *Executor {
	e.nowFunc = now
	return e
}

// Execute runs one hop. The provider budget is the lesser of the hop's
// estimated cost and the entity budget remaining. The returned result always
// carries the cost actually spent, including on timeout, cancellation, and
// when the provider overshoots its budget.
func (e *Executor) Execute(ctx context.Context, h model.Hop, entity EntityContext, budgetRemaining float64) model.HopResult {
	started := time.Now()
	result := model.HopResult{Hop: h}

	budget := h.EstimatedCost
	if budgetRemaining < budget {
		budget = budgetRemaining
	}
	if budget <= 0 {
		result.Outcome = model.OutcomeError
		result.Err = "no budget remaining for hop"
		result.Duration = time.Since(started)
		return result
	}

	hctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	if e.limiter != nil {
		if err := e.limiter.Wait(hctx); err != nil {
			// Cancelled before the provider was invoked; nothing spent.
			result.Outcome = model.OutcomeError
			result.Err = err.Error()
			result.Duration = time.Since(started)
			return result
		}
	}

	var (
		spent float64
		res   ProviderResult
	)
	fetch := func(ctx context.Context) error {
		r, err := e.provider.Fetch(ctx, h.Type, entity, budget-spent)
		// Failed attempts still spend; accumulate across retries.
		spent += r.CostSpent
		if err != nil {
			return err
		}
		res = r
		return nil
	}

	var err error
	if e.opts.Breaker != nil {
		err = e.opts.Breaker.Execute(hctx, func(ctx context.Context) error {
			return resilience.Do(ctx, e.opts.Retry, fetch)
		})
	} else {
		err = resilience.Do(hctx, e.opts.Retry, fetch)
	}

	// Real spend is charged even past the hop budget: accounting tracks
	// dollars actually spent, the budget only bounds what the provider is
	// asked to spend.
	if spent > budget {
		e.log.Warn("hop overspent its budget",
			zap.String("hop_type", string(h.Type)),
			zap.String("hypothesis_id", h.HypothesisID),
			zap.Float64("budget", budget),
			zap.Float64("cost_spent", spent),
		)
	}
	result.ActualCost = spent
	result.Duration = time.Since(started)

	if err != nil {
		result.Outcome = model.OutcomeError
		result.Err = err.Error()
		e.log.Warn("hop failed",
			zap.String("hop_type", string(h.Type)),
			zap.String("hypothesis_id", h.HypothesisID),
			zap.Float64("cost_spent", spent),
			zap.Error(err),
		)
		e.deadLetter(h, entity, err, spent)
		return result
	}

	result.Evidence = e.stampEvidence(res.Evidence, h.HypothesisID)
	result.Outcome = classify(result.Evidence)
	return result
}

// classify maps a hop's evidence to its confidence-update semantics. No
// evidence is empty, not contradicting; mixed evidence follows the majority,
// with ties read as supporting.
func classify(evs []model.Evidence) model.HopOutcome {
	if len(evs) == 0 {
		return model.OutcomeEmpty
	}
	support := 0
	for _, ev := range evs {
		if ev.Supports {
			support++
		}
	}
	if 2*support >= len(evs) {
		return model.OutcomeSupporting
	}
	return model.OutcomeContradicting
}

func (e *Executor) stampEvidence(evs []model.Evidence, hypothesisID string) []model.Evidence {
	now := e.nowFunc().UTC()
	out := make([]model.Evidence, len(evs))
	for i, ev := range evs {
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		ev.SupportsHypothesisID = hypothesisID
		if ev.CollectedAt.IsZero() {
			ev.CollectedAt = now
		}
		out[i] = ev
	}
	return out
}

func (e *Executor) deadLetter(h model.Hop, entity EntityContext, err error, spent float64) {
	if e.opts.OnDeadLetter == nil || resilience.IsTransient(err) {
		return
	}
	now := e.nowFunc().UTC()
	e.opts.OnDeadLetter(resilience.DLQEntry{
		ID:           uuid.New().String(),
		EntityID:     entity.Entity.ID,
		Hop:          h,
		Error:        err.Error(),
		ErrorType:    resilience.ClassifyError(err),
		CostSpent:    spent,
		MaxRetries:   3,
		NextRetryAt:  now.Add(time.Hour),
		CreatedAt:    now,
		LastFailedAt: now,
	})
}
