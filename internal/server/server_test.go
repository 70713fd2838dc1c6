package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-engine/internal/batch"
	"github.com/sells-group/signal-engine/internal/cache"
	"github.com/sells-group/signal-engine/internal/classify"
	"github.com/sells-group/signal-engine/internal/hop"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/orchestrator"
	"github.com/sells-group/signal-engine/internal/params"
	"github.com/sells-group/signal-engine/internal/rollout"
	"github.com/sells-group/signal-engine/internal/store"
)

// stubProvider answers every fetch with one supporting finding at a fixed
// cost.
type stubProvider struct {
	cost float64
}

func (p *stubProvider) Fetch(_ context.Context, hopType model.HopType, _ hop.EntityContext, _ float64) (hop.ProviderResult, error) {
	return hop.ProviderResult{
		CostSpent: p.cost,
		Evidence: []model.Evidence{{
			ID:            uuid.New().String(),
			Source:        string(hopType),
			Reference:     "https://example.org/finding",
			ExtractedText: "supporting finding",
			Supports:      true,
		}},
	}, nil
}

type serverOptions struct {
	withMonitor bool
}

func newTestServer(t *testing.T, opts serverOptions) (*Server, store.Store) {
	t.Helper()
	st := store.NewMemory()

	// With a monitor the server plays the candidate deployment, so the
	// orchestrator runs the candidate config version.
	cfg := params.Default()
	if opts.withMonitor {
		cfg = cfg.WithVersion("v1")
	}

	ex := hop.NewExecutor(&stubProvider{cost: 0.1}, hop.ExecutorOptions{})
	o, err := orchestrator.New(orchestrator.Deps{
		Access:     cache.Direct{Store: st},
		Store:      st,
		Executor:   ex,
		Classifier: classify.Static{Set: []model.Category{model.CategoryStadiumProject}},
	}, cfg)
	require.NoError(t, err)

	deps := Deps{
		Orchestrator: o,
		Pool:         orchestrator.NewPool(o, 2),
		Gateway:      batch.New(st, batch.Options{}),
		Access:       cache.Direct{Store: st},
		Store:        st,
	}

	if opts.withMonitor {
		ctx := context.Background()
		reg := params.NewRegistry(st)
		base := params.Default()
		require.NoError(t, reg.Publish(ctx, base, true))
		require.NoError(t, reg.Publish(ctx, base.WithVersion("v1"), false))
		deps.Monitor = rollout.NewMonitor(st, reg, rollout.Options{
			Gates: map[model.RolloutStage]rollout.StageGate{
				model.StagePilot:      {MinEntities: 1, MinActionableRate: 0.5, MaxErrorRate: 0.5},
				model.StageLimited:    {MinEntities: 1, MinActionableRate: 0.5, MaxErrorRate: 0.5},
				model.StageProduction: {MinEntities: 1, MinActionableRate: 0.5, MaxErrorRate: 0.5},
			},
		})
	}

	s, err := New(deps)
	require.NoError(t, err)
	return s, st
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	out := make(map[string]any)
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func seedHypothesis(t *testing.T, st store.Store, entityID string, state model.HypothesisState) model.Hypothesis {
	t.Helper()
	h, err := model.NewHypothesis(model.Entity{ID: entityID, Name: "FC " + entityID, Type: model.EntityClub},
		model.CategoryStadiumProject, time.Now().UTC())
	require.NoError(t, err)
	h.State = state
	require.NoError(t, st.CreateHypothesis(context.Background(), h))
	return h
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, serverOptions{})
	code, body := doJSON(t, s.Router(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestDiscoveryRun(t *testing.T) {
	s, st := newTestServer(t, serverOptions{})
	r := s.Router()

	t.Run("runs discovery for an entity", func(t *testing.T) {
		code, body := doJSON(t, r, http.MethodPost, "/discovery/run", map[string]any{
			"entity": model.Entity{ID: "arsenal", Name: "Arsenal FC", Type: model.EntityClub},
		})
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "arsenal", body["entity_id"])
		assert.Greater(t, body["total_cost"].(float64), 0.0)
		assert.NotEmpty(t, body["hypotheses"])

		hs, err := st.ListHypotheses(context.Background(), "arsenal", nil)
		require.NoError(t, err)
		assert.NotEmpty(t, hs)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/discovery/run", bytes.NewBufferString("{not json"))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects missing entity fields", func(t *testing.T) {
		code, body := doJSON(t, r, http.MethodPost, "/discovery/run", map[string]any{
			"entity": model.Entity{ID: "no-name"},
		})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Contains(t, body["error"], "entity id and name")
	})
}

func TestDiscoveryRunRecordsRolloutOutcome(t *testing.T) {
	s, st := newTestServer(t, serverOptions{withMonitor: true})
	r := s.Router()
	require.NoError(t, s.deps.Monitor.Begin(context.Background(), "v1"))

	code, _ := doJSON(t, r, http.MethodPost, "/discovery/run", map[string]any{
		"entity": model.Entity{ID: "lyon", Name: "Olympique Lyonnais", Type: model.EntityClub},
		"stage":  model.StagePilot,
	})
	require.Equal(t, http.StatusOK, code)

	recs, err := st.ListRolloutRecords(context.Background(), model.StagePilot, time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "lyon", recs[0].EntityID)

	t.Run("unknown stage is rejected", func(t *testing.T) {
		code, _ := doJSON(t, r, http.MethodPost, "/discovery/run", map[string]any{
			"entity": model.Entity{ID: "lyon", Name: "Olympique Lyonnais", Type: model.EntityClub},
			"stage":  "canary",
		})
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestDiscoveryBatch(t *testing.T) {
	s, _ := newTestServer(t, serverOptions{})
	r := s.Router()

	code, body := doJSON(t, r, http.MethodPost, "/discovery/batch", map[string]any{
		"entities": []model.Entity{
			{ID: "e-1", Name: "FC One", Type: model.EntityClub},
			{ID: "e-2", Name: "FC Two", Type: model.EntityClub},
		},
	})
	require.Equal(t, http.StatusOK, code)
	results := body["results"].([]any)
	assert.Len(t, results, 2)

	code, _ = doJSON(t, r, http.MethodPost, "/discovery/batch", map[string]any{"entities": []model.Entity{}})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGetHypothesis(t *testing.T) {
	s, st := newTestServer(t, serverOptions{})
	r := s.Router()
	h := seedHypothesis(t, st, "e-1", model.StatePending)

	code, body := doJSON(t, r, http.MethodGet, "/hypotheses/"+h.ID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, h.ID, body["id"])
	assert.Equal(t, string(model.CategoryStadiumProject), body["category"])

	code, body = doJSON(t, r, http.MethodGet, "/hypotheses/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "hypothesis not found", body["error"])
}

func TestListHypothesesByEntity(t *testing.T) {
	s, st := newTestServer(t, serverOptions{})
	r := s.Router()
	seedHypothesis(t, st, "e-1", model.StatePending)
	accepted := seedHypothesis(t, st, "e-1", model.StateAccepted)
	seedHypothesis(t, st, "e-2", model.StatePending)

	code, body := doJSON(t, r, http.MethodGet, "/entities/e-1/hypotheses", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["hypotheses"].([]any), 2)

	code, body = doJSON(t, r, http.MethodGet, "/entities/e-1/hypotheses?state=accepted", nil)
	require.Equal(t, http.StatusOK, code)
	hs := body["hypotheses"].([]any)
	require.Len(t, hs, 1)
	assert.Equal(t, accepted.ID, hs[0].(map[string]any)["id"])
}

func TestCreateBatch(t *testing.T) {
	s, st := newTestServer(t, serverOptions{})
	r := s.Router()

	now := time.Now().UTC()
	hs := make([]model.Hypothesis, 0, 3)
	for i := 0; i < 3; i++ {
		h, err := model.NewHypothesis(model.Entity{ID: fmt.Sprintf("e-%d", i), Name: "FC", Type: model.EntityClub},
			model.CategoryStadiumProject, now)
		require.NoError(t, err)
		hs = append(hs, h)
	}

	code, body := doJSON(t, r, http.MethodPost, "/hypotheses/batch", map[string]any{"hypotheses": hs})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, body["requested"])
	assert.EqualValues(t, 3, body["created"])

	got, err := st.GetHypothesis(context.Background(), hs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, hs[0].EntityID, got.EntityID)
}

func TestConfidenceBatch(t *testing.T) {
	s, st := newTestServer(t, serverOptions{})
	r := s.Router()
	h := seedHypothesis(t, st, "e-1", model.StatePending)

	code, body := doJSON(t, r, http.MethodPost, "/hypotheses/confidence-batch", map[string]any{
		"updates": []store.ConfidenceUpdate{{HypothesisID: h.ID, Delta: 0.2}},
	})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["requested"])
	assert.EqualValues(t, 1, body["updated"])

	got, err := st.GetHypothesis(context.Background(), h.ID)
	require.NoError(t, err)
	assert.InDelta(t, h.Confidence+0.2, got.Confidence, 1e-9)
}

func TestRolloutRoutesWithoutMonitor(t *testing.T) {
	s, _ := newTestServer(t, serverOptions{})
	r := s.Router()

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/rollout/status"},
		{http.MethodGet, "/rollout/pilot/metrics"},
		{http.MethodPost, "/rollout/advance"},
		{http.MethodPost, "/rollout/rollback"},
	} {
		code, body := doJSON(t, r, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, code, tc.path)
		assert.Equal(t, "rollout is not configured", body["error"], tc.path)
	}
}

func TestRolloutLifecycle(t *testing.T) {
	s, _ := newTestServer(t, serverOptions{withMonitor: true})
	r := s.Router()
	ctx := context.Background()

	code, body := doJSON(t, r, http.MethodGet, "/rollout/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["active"])

	require.NoError(t, s.deps.Monitor.Begin(ctx, "v1"))

	code, body = doJSON(t, r, http.MethodGet, "/rollout/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["active"])
	cp := body["checkpoint"].(map[string]any)
	assert.Equal(t, "v1", cp["config_version"])
	assert.Equal(t, string(model.StagePilot), cp["stage"])

	t.Run("metrics rejects unknown stage", func(t *testing.T) {
		code, _ := doJSON(t, r, http.MethodGet, "/rollout/canary/metrics", nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("advance fails the gate with no outcomes", func(t *testing.T) {
		code, body := doJSON(t, r, http.MethodPost, "/rollout/advance", nil)
		assert.Equal(t, http.StatusConflict, code)
		assert.NotEmpty(t, body["error"])
	})

	// One actionable outcome satisfies the loosened pilot gate.
	code, _ = doJSON(t, r, http.MethodPost, "/discovery/run", map[string]any{
		"entity": model.Entity{ID: "ajax", Name: "AFC Ajax", Type: model.EntityClub},
		"stage":  model.StagePilot,
	})
	require.Equal(t, http.StatusOK, code)

	code, body = doJSON(t, r, http.MethodGet, "/rollout/pilot/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["entities_processed"])

	code, body = doJSON(t, r, http.MethodPost, "/rollout/advance", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(model.StageLimited), body["stage"])

	t.Run("rollback restores the previous version", func(t *testing.T) {
		code, body := doJSON(t, r, http.MethodPost, "/rollout/rollback", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "rolled back", body["status"])

		code, body = doJSON(t, r, http.MethodGet, "/rollout/status", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, false, body["active"])
	})

	t.Run("rollback without an active rollout conflicts", func(t *testing.T) {
		code, _ := doJSON(t, r, http.MethodPost, "/rollout/rollback", nil)
		assert.Equal(t, http.StatusConflict, code)
	})
}
