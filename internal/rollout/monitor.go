// Package rollout stages parameter-config changes through
// pilot → limited → production, gated by aggregate metrics, with explicit
// rollback to the previously active config. Outcome records are append-only;
// progression state survives restarts through store checkpoints.
package rollout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/params"
	"github.com/sells-group/signal-engine/internal/store"
)

// checkpointName keys the rollout state in the store's checkpoint table.
const checkpointName = "rollout"

// Metrics aggregates outcome records for one stage.
type Metrics struct {
	Stage             model.RolloutStage `json:"stage"`
	EntitiesProcessed int                `json:"entities_processed"`
	AvgCost           float64            `json:"avg_cost"`
	ActionableRate    float64            `json:"actionable_rate"`
	ErrorRate         float64            `json:"error_rate"`
}

// StageGate holds the success criteria a stage must meet before the rollout
// may advance past it.
type StageGate struct {
	// MinEntities is the sample size required before the gate can pass.
	MinEntities int `json:"min_entities"`
	// MinCostReductionPct is required cost reduction vs the previous
	// config's baseline, in percent. Zero disables the check; it is also
	// skipped when no baseline exists.
	MinCostReductionPct float64 `json:"min_cost_reduction_pct"`
	// MinActionableRate is the required fraction of runs yielding at least
	// one accepted or weak-accepted hypothesis.
	MinActionableRate float64 `json:"min_actionable_rate"`
	// MaxErrorRate caps the fraction of runs that aborted with an error.
	MaxErrorRate float64 `json:"max_error_rate"`
}

// DefaultGates returns the standard promotion criteria per stage.
func DefaultGates() map[model.RolloutStage]StageGate {
	return map[model.RolloutStage]StageGate{
		model.StagePilot: {
			MinEntities:       10,
			MinActionableRate: 0.10,
			MaxErrorRate:      0.20,
		},
		model.StageLimited: {
			MinEntities:         50,
			MinCostReductionPct: 5,
			MinActionableRate:   0.15,
			MaxErrorRate:        0.10,
		},
		model.StageProduction: {
			MinEntities:       200,
			MinActionableRate: 0.15,
			MaxErrorRate:      0.05,
		},
	}
}

// Checkpoint is the persisted progression state of one rollout.
type Checkpoint struct {
	ConfigVersion string             `json:"config_version"`
	PrevVersion   string             `json:"prev_version"`
	Stage         model.RolloutStage `json:"stage"`
	StartedAt     time.Time          `json:"started_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Options configures a Monitor.
type Options struct {
	// Gates override DefaultGates when non-nil.
	Gates map[model.RolloutStage]StageGate
	// Alerter receives gate failures and rollbacks; nil disables alerting.
	Alerter *Alerter
}

// Monitor records per-entity outcomes and controls staged promotion.
type Monitor struct {
	store    store.Store
	registry *params.Registry
	gates    map[model.RolloutStage]StageGate
	alerter  *Alerter
	log      *zap.Logger
	nowFunc  func() time.Time

	mu    sync.Mutex
	state *Checkpoint
}

// NewMonitor creates a monitor over the store and the config registry.
func NewMonitor(st store.Store, registry *params.Registry, opts Options) *Monitor {
	gates := opts.Gates
	if gates == nil {
		gates = DefaultGates()
	}
	return &Monitor{
		store:    st,
		registry: registry,
		gates:    gates,
		alerter:  opts.Alerter,
		log:      zap.L().With(zap.String("component", "rollout")),
		nowFunc:  time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (m *Monitor) WithNow(now func() time.Time) *Monitor {
	m.nowFunc = now
	return m
}

// Begin starts a staged rollout of a published candidate version at the
// pilot stage, remembering the currently active version for rollback.
func (m *Monitor) Begin(ctx context.Context, candidateVersion string) error {
	if _, err := m.registry.Get(ctx, candidateVersion); err != nil {
		return eris.Wrap(err, "rollout: candidate must be published first")
	}
	active, err := m.registry.Active(ctx)
	if err != nil {
		return eris.Wrap(err, "rollout: resolve active config")
	}
	if active.Version == candidateVersion {
		return eris.Errorf("rollout: %s is already active", candidateVersion)
	}

	now := m.nowFunc().UTC()
	cp := &Checkpoint{
		ConfigVersion: candidateVersion,
		PrevVersion:   active.Version,
		Stage:         model.StagePilot,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.saveCheckpoint(ctx, cp); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = cp
	m.mu.Unlock()

	m.log.Info("rollout started",
		zap.String("candidate", candidateVersion),
		zap.String("previous", active.Version),
	)
	return nil
}

// Record appends one entity outcome. Records are immutable once written.
func (m *Monitor) Record(ctx context.Context, rec model.RolloutRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = m.nowFunc().UTC()
	}
	if err := m.store.AppendRolloutRecord(ctx, rec); err != nil {
		return eris.Wrap(err, "rollout: append record")
	}
	return nil
}

// AggregateMetrics computes the stage's metrics from records written since
// the rollout began (or over all time when no rollout is active).
func (m *Monitor) AggregateMetrics(ctx context.Context, stage model.RolloutStage) (Metrics, error) {
	var since time.Time
	var version string
	m.mu.Lock()
	if m.state != nil {
		since = m.state.StartedAt
		version = m.state.ConfigVersion
	}
	m.mu.Unlock()

	recs, err := m.store.ListRolloutRecords(ctx, stage, since)
	if err != nil {
		return Metrics{}, eris.Wrap(err, "rollout: list records")
	}

	agg := Metrics{Stage: stage}
	var totalCost float64
	var actionable, errored int
	for _, r := range recs {
		if version != "" && r.ConfigVersion != version {
			continue
		}
		agg.EntitiesProcessed++
		totalCost += r.TotalCost
		if r.Actionable() {
			actionable++
		}
		if r.Error != "" {
			errored++
		}
	}
	if agg.EntitiesProcessed > 0 {
		n := float64(agg.EntitiesProcessed)
		agg.AvgCost = totalCost / n
		agg.ActionableRate = float64(actionable) / n
		agg.ErrorRate = float64(errored) / n
	}
	return agg, nil
}

// Advance evaluates the current stage's gate and, when it passes, promotes
// the rollout to the next stage. At the production stage a passing gate
// activates the candidate config and ends the rollout.
func (m *Monitor) Advance(ctx context.Context) (model.RolloutStage, error) {
	m.mu.Lock()
	cp := m.state
	m.mu.Unlock()
	if cp == nil {
		return "", eris.New("rollout: no rollout in progress")
	}

	metrics, err := m.AggregateMetrics(ctx, cp.Stage)
	if err != nil {
		return cp.Stage, err
	}
	baseline, err := m.baselineAvgCost(ctx, cp.PrevVersion)
	if err != nil {
		return cp.Stage, err
	}

	gate := m.gates[cp.Stage]
	if reasons := gate.check(metrics, baseline); len(reasons) > 0 {
		m.alert(ctx, AlertGateFailed, cp, metrics, reasons)
		return cp.Stage, eris.Errorf("rollout: stage %s gate failed: %v", cp.Stage, reasons)
	}

	next, ok := model.NextStage(cp.Stage)
	if !ok {
		// Production gate passed: the candidate becomes the active config.
		if err := m.registry.Activate(ctx, cp.ConfigVersion); err != nil {
			return cp.Stage, eris.Wrap(err, "rollout: activate candidate")
		}
		if err := m.clearCheckpoint(ctx); err != nil {
			return cp.Stage, err
		}
		m.log.Info("rollout complete", zap.String("version", cp.ConfigVersion))
		return cp.Stage, nil
	}

	cp.Stage = next
	cp.UpdatedAt = m.nowFunc().UTC()
	if err := m.saveCheckpoint(ctx, cp); err != nil {
		return cp.Stage, err
	}
	m.log.Info("rollout advanced",
		zap.String("version", cp.ConfigVersion),
		zap.String("stage", string(next)),
	)
	return next, nil
}

// Rollback restores the given config version (the previous one when empty)
// and ends the current rollout.
func (m *Monitor) Rollback(ctx context.Context, toVersion string) error {
	m.mu.Lock()
	cp := m.state
	m.mu.Unlock()

	if toVersion == "" {
		if cp == nil {
			return eris.New("rollout: no rollout in progress and no version given")
		}
		toVersion = cp.PrevVersion
	}

	if err := m.registry.Activate(ctx, toVersion); err != nil {
		return eris.Wrap(err, "rollout: activate rollback target")
	}
	if cp != nil {
		m.alert(ctx, AlertRolledBack, cp, Metrics{}, []string{"rolled back to " + toVersion})
		if err := m.clearCheckpoint(ctx); err != nil {
			return err
		}
	}
	m.log.Warn("rolled back parameter config", zap.String("version", toVersion))
	return nil
}

// Status returns the active rollout checkpoint, if any.
func (m *Monitor) Status() (Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return Checkpoint{}, false
	}
	return *m.state, true
}

// Resume reloads rollout state from the store after a restart.
func (m *Monitor) Resume(ctx context.Context) error {
	data, err := m.store.LoadCheckpoint(ctx, checkpointName)
	if err != nil {
		if eris.Is(err, model.ErrNotFound) {
			return nil
		}
		return eris.Wrap(err, "rollout: load checkpoint")
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return eris.Wrap(err, "rollout: decode checkpoint")
	}
	if cp.ConfigVersion == "" {
		// Cleared checkpoint from a finished rollout.
		return nil
	}
	m.mu.Lock()
	m.state = &cp
	m.mu.Unlock()
	m.log.Info("rollout resumed",
		zap.String("version", cp.ConfigVersion),
		zap.String("stage", string(cp.Stage)),
	)
	return nil
}

// check returns the reasons a gate fails, empty when it passes.
func (g StageGate) check(m Metrics, baselineAvgCost float64) []string {
	var reasons []string
	if m.EntitiesProcessed < g.MinEntities {
		reasons = append(reasons, "insufficient sample")
	}
	if g.MinCostReductionPct > 0 && baselineAvgCost > 0 {
		reduction := (baselineAvgCost - m.AvgCost) / baselineAvgCost * 100
		if reduction < g.MinCostReductionPct {
			reasons = append(reasons, "cost reduction below threshold")
		}
	}
	if m.ActionableRate < g.MinActionableRate {
		reasons = append(reasons, "actionable rate below threshold")
	}
	if m.ErrorRate > g.MaxErrorRate {
		reasons = append(reasons, "error rate above threshold")
	}
	return reasons
}

// baselineAvgCost averages production-stage costs recorded under the
// previous config version. Zero means no baseline exists.
func (m *Monitor) baselineAvgCost(ctx context.Context, prevVersion string) (float64, error) {
	if prevVersion == "" {
		return 0, nil
	}
	recs, err := m.store.ListRolloutRecords(ctx, model.StageProduction, time.Time{})
	if err != nil {
		return 0, eris.Wrap(err, "rollout: list baseline records")
	}
	var total float64
	var n int
	for _, r := range recs {
		if r.ConfigVersion == prevVersion {
			total += r.TotalCost
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return total / float64(n), nil
}

func (m *Monitor) saveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return eris.Wrap(err, "rollout: encode checkpoint")
	}
	if err := m.store.SaveCheckpoint(ctx, checkpointName, data); err != nil {
		return eris.Wrap(err, "rollout: save checkpoint")
	}
	return nil
}

func (m *Monitor) clearCheckpoint(ctx context.Context) error {
	m.mu.Lock()
	m.state = nil
	m.mu.Unlock()
	if err := m.store.SaveCheckpoint(ctx, checkpointName, []byte("{}")); err != nil {
		return eris.Wrap(err, "rollout: clear checkpoint")
	}
	return nil
}

func (m *Monitor) alert(ctx context.Context, typ AlertType, cp *Checkpoint, metrics Metrics, reasons []string) {
	if m.alerter == nil {
		return
	}
	m.alerter.Send(ctx, Alert{
		Type:     typ,
		Severity: "high",
		Message:  alertMessage(typ, cp, reasons),
		Details: map[string]any{
			"config_version":  cp.ConfigVersion,
			"stage":           string(cp.Stage),
			"reasons":         reasons,
			"entities":        metrics.EntitiesProcessed,
			"avg_cost":        metrics.AvgCost,
			"actionable_rate": metrics.ActionableRate,
			"error_rate":      metrics.ErrorRate,
		},
		Timestamp: m.nowFunc().UTC(),
	})
}
