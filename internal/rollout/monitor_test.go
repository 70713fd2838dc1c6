package rollout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/params"
	"github.com/sells-group/signal-engine/internal/store"
	"github.com/sells-group/signal-engine/internal/tuner"
)

func looseGates() map[model.RolloutStage]StageGate {
	return map[model.RolloutStage]StageGate{
		model.StagePilot:      {MinEntities: 2, MinActionableRate: 0.5, MaxErrorRate: 0.5},
		model.StageLimited:    {MinEntities: 2, MinActionableRate: 0.5, MaxErrorRate: 0.5},
		model.StageProduction: {MinEntities: 2, MinActionableRate: 0.5, MaxErrorRate: 0.5},
	}
}

func newTestMonitor(t *testing.T, opts Options) (*Monitor, store.Store, *params.Registry) {
	t.Helper()
	st := store.NewMemory()
	reg := params.NewRegistry(st)
	ctx := context.Background()

	base := params.Default()
	require.NoError(t, reg.Publish(ctx, base, true))
	candidate := base.WithVersion("v1")
	candidate.AcceptDelta = 0.5
	require.NoError(t, reg.Publish(ctx, candidate, false))

	return NewMonitor(st, reg, opts), st, reg
}

func stageRecord(m *Monitor, t *testing.T, stage model.RolloutStage, version string, cost float64, actionable bool, errMsg string) {
	t.Helper()
	rec := model.RolloutRecord{
		EntityID:      fmt.Sprintf("ent-%d", time.Now().UnixNano()),
		ConfigVersion: version,
		Stage:         stage,
		TotalCost:     cost,
		Iterations:    3,
		Error:         errMsg,
	}
	if actionable {
		rec.Outcomes = []model.HypothesisOutcome{{
			HypothesisID: "h",
			Category:     model.CategoryStadiumProject,
			FinalState:   model.StateAccepted,
			Confidence:   0.8,
		}}
	}
	require.NoError(t, m.Record(context.Background(), rec))
}

func TestBeginRequiresPublishedCandidate(t *testing.T) {
	m, _, _ := newTestMonitor(t, Options{})
	ctx := context.Background()

	assert.Error(t, m.Begin(ctx, "v99"))
	assert.Error(t, m.Begin(ctx, "v0")) // already active
	assert.NoError(t, m.Begin(ctx, "v1"))

	cp, ok := m.Status()
	require.True(t, ok)
	assert.Equal(t, model.StagePilot, cp.Stage)
	assert.Equal(t, "v1", cp.ConfigVersion)
	assert.Equal(t, "v0", cp.PrevVersion)
}

func TestAggregateMetrics(t *testing.T) {
	m, _, _ := newTestMonitor(t, Options{Gates: looseGates()})
	ctx := context.Background()
	require.NoError(t, m.Begin(ctx, "v1"))

	stageRecord(m, t, model.StagePilot, "v1", 1.0, true, "")
	stageRecord(m, t, model.StagePilot, "v1", 3.0, false, "store unavailable")
	// Records under other versions are ignored.
	stageRecord(m, t, model.StagePilot, "v0", 9.0, false, "")

	got, err := m.AggregateMetrics(ctx, model.StagePilot)
	require.NoError(t, err)
	assert.Equal(t, 2, got.EntitiesProcessed)
	assert.InDelta(t, 2.0, got.AvgCost, 1e-9)
	assert.InDelta(t, 0.5, got.ActionableRate, 1e-9)
	assert.InDelta(t, 0.5, got.ErrorRate, 1e-9)
}

func TestAdvanceHaltsOnFailedGateAndAlerts(t *testing.T) {
	var alerts []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		alerts = append(alerts, a)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, _, _ := newTestMonitor(t, Options{
		Gates:   looseGates(),
		Alerter: NewAlerter(srv.URL),
	})
	ctx := context.Background()
	require.NoError(t, m.Begin(ctx, "v1"))

	// Only one record: MinEntities of 2 not met.
	stageRecord(m, t, model.StagePilot, "v1", 1.0, true, "")

	_, err := m.Advance(ctx)
	require.Error(t, err)

	cp, ok := m.Status()
	require.True(t, ok)
	assert.Equal(t, model.StagePilot, cp.Stage)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertGateFailed, alerts[0].Type)
}

func TestAdvancePromotesThroughStagesAndActivates(t *testing.T) {
	m, _, reg := newTestMonitor(t, Options{Gates: looseGates()})
	ctx := context.Background()
	require.NoError(t, m.Begin(ctx, "v1"))

	for _, stage := range []model.RolloutStage{model.StagePilot, model.StageLimited} {
		stageRecord(m, t, stage, "v1", 1.0, true, "")
		stageRecord(m, t, stage, "v1", 1.2, true, "")
		next, err := m.Advance(ctx)
		require.NoError(t, err)
		want, _ := model.NextStage(stage)
		assert.Equal(t, want, next)
	}

	stageRecord(m, t, model.StageProduction, "v1", 1.0, true, "")
	stageRecord(m, t, model.StageProduction, "v1", 1.1, true, "")
	_, err := m.Advance(ctx)
	require.NoError(t, err)

	// Rollout finished: candidate active, checkpoint cleared.
	active, err := reg.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", active.Version)
	_, ok := m.Status()
	assert.False(t, ok)
}

func TestCostReductionGate(t *testing.T) {
	gates := looseGates()
	gates[model.StagePilot] = StageGate{
		MinEntities:         2,
		MinCostReductionPct: 20,
		MinActionableRate:   0.5,
		MaxErrorRate:        0.5,
	}
	m, _, _ := newTestMonitor(t, Options{Gates: gates})
	ctx := context.Background()

	// Baseline: previous version averaged 2.0 in production.
	stageRecord(m, t, model.StageProduction, "v0", 2.0, true, "")
	stageRecord(m, t, model.StageProduction, "v0", 2.0, true, "")

	require.NoError(t, m.Begin(ctx, "v1"))

	// Candidate averages 1.9: only a 5% reduction, gate fails.
	stageRecord(m, t, model.StagePilot, "v1", 1.9, true, "")
	stageRecord(m, t, model.StagePilot, "v1", 1.9, true, "")
	_, err := m.Advance(ctx)
	require.Error(t, err)

	// Cheaper runs push the reduction past 20%.
	stageRecord(m, t, model.StagePilot, "v1", 0.5, true, "")
	stageRecord(m, t, model.StagePilot, "v1", 0.5, true, "")
	next, err := m.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StageLimited, next)
}

func TestRollbackRestoresPreviousConfig(t *testing.T) {
	m, _, reg := newTestMonitor(t, Options{Gates: looseGates()})
	ctx := context.Background()
	require.NoError(t, m.Begin(ctx, "v1"))

	require.NoError(t, m.Rollback(ctx, ""))

	active, err := reg.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v0", active.Version)
	_, ok := m.Status()
	assert.False(t, ok)
}

// Rolling back to a prior config restores prior behavior exactly: replaying
// the same validation set under the restored config reproduces the earlier
// aggregate metrics.
func TestRollbackReproducesPriorMetrics(t *testing.T) {
	m, _, reg := newTestMonitor(t, Options{Gates: looseGates()})
	ctx := context.Background()

	valset := tuner.ValidationSet{Entries: []tuner.LabeledEntity{
		{
			Entity: model.Entity{ID: "d-1", Name: "FC D1", Type: model.EntityClub},
			Signals: map[model.Category]bool{
				model.CategoryStadiumProject: true,
				model.CategoryKitSupplier:    false,
			},
		},
		{
			Entity:  model.Entity{ID: "d-2", Name: "FC D2", Type: model.EntityClub},
			Signals: map[model.Category]bool{model.CategoryDigitalVendor: true},
		},
	}}

	tn := tuner.New(tuner.Options{Seed: 11})
	baseCfg, err := reg.Active(ctx)
	require.NoError(t, err)
	before, err := tn.Evaluate(ctx, valset, baseCfg)
	require.NoError(t, err)

	require.NoError(t, m.Begin(ctx, "v1"))
	require.NoError(t, m.Rollback(ctx, ""))

	restored, err := reg.Active(ctx)
	require.NoError(t, err)
	after, err := tn.Evaluate(ctx, valset, restored)
	require.NoError(t, err)

	assert.InDelta(t, before.Objective, after.Objective, 1e-12)
	assert.InDelta(t, before.AvgCost, after.AvgCost, 1e-12)
	assert.InDelta(t, before.CorrectAcceptRate, after.CorrectAcceptRate, 1e-12)
	assert.InDelta(t, before.FalseAcceptRate, after.FalseAcceptRate, 1e-12)
}

func TestCheckpointResume(t *testing.T) {
	m, st, _ := newTestMonitor(t, Options{Gates: looseGates()})
	ctx := context.Background()
	require.NoError(t, m.Begin(ctx, "v1"))

	// Fresh monitor over the same store picks the rollout back up.
	reg := params.NewRegistry(st)
	fresh := NewMonitor(st, reg, Options{Gates: looseGates()})
	_, ok := fresh.Status()
	require.False(t, ok)

	require.NoError(t, fresh.Resume(ctx))
	cp, ok := fresh.Status()
	require.True(t, ok)
	assert.Equal(t, "v1", cp.ConfigVersion)
	assert.Equal(t, model.StagePilot, cp.Stage)

	// A finished rollout leaves nothing to resume.
	require.NoError(t, fresh.Rollback(ctx, ""))
	again := NewMonitor(st, reg, Options{Gates: looseGates()})
	require.NoError(t, again.Resume(ctx))
	_, ok = again.Status()
	assert.False(t, ok)
}
