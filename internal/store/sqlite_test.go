package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-engine/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testHypothesis(entityID string) model.Hypothesis {
	now := time.Now().UTC().Truncate(time.Second)
	return model.Hypothesis{
		ID:        uuid.New().String(),
		EntityID:  entityID,
		Category:  model.CategoryStadiumProject,
		Statement: "test statement",
		State:     model.StatePending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSQLite_CreateAndGetHypothesis(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h := testHypothesis("e1")
	require.NoError(t, s.CreateHypothesis(ctx, h))

	got, err := s.GetHypothesis(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, h.ID, got.ID)
	assert.Equal(t, h.EntityID, got.EntityID)
	assert.Equal(t, model.StatePending, got.State)
	assert.Equal(t, int64(1), got.Version)
}

func TestSQLite_GetHypothesis_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetHypothesis(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, eris.Is(err, model.ErrNotFound))
}

func TestSQLite_UpdateHypothesis_BumpsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h := testHypothesis("e1")
	require.NoError(t, s.CreateHypothesis(ctx, h))

	h.State = model.StateTesting
	h.Confidence = 0.4
	updated, err := s.UpdateHypothesis(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	got, err := s.GetHypothesis(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateTesting, got.State)
	assert.InDelta(t, 0.4, got.Confidence, 1e-9)
	assert.Equal(t, int64(2), got.Version)
}

func TestSQLite_UpdateHypothesis_ConflictOnStaleVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h := testHypothesis("e1")
	require.NoError(t, s.CreateHypothesis(ctx, h))

	// First writer wins.
	_, err := s.UpdateHypothesis(ctx, h)
	require.NoError(t, err)

	// Second writer still holds version 1.
	_, err = s.UpdateHypothesis(ctx, h)
	require.Error(t, err)
	assert.True(t, eris.Is(err, model.ErrConflict))
}

func TestSQLite_UpdateHypothesis_NotFound(t *testing.T) {
	s := newTestStore(t)
	h := testHypothesis("e1")
	_, err := s.UpdateHypothesis(context.Background(), h)
	require.Error(t, err)
	assert.True(t, eris.Is(err, model.ErrNotFound))
}

func TestSQLite_DeleteHypothesis(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h := testHypothesis("e1")
	require.NoError(t, s.CreateHypothesis(ctx, h))
	require.NoError(t, s.DeleteHypothesis(ctx, h.ID))

	_, err := s.GetHypothesis(ctx, h.ID)
	assert.True(t, eris.Is(err, model.ErrNotFound))

	err = s.DeleteHypothesis(ctx, h.ID)
	assert.True(t, eris.Is(err, model.ErrNotFound))
}

func TestSQLite_ListHypotheses_FiltersByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pending := testHypothesis("e1")
	require.NoError(t, s.CreateHypothesis(ctx, pending))

	accepted := testHypothesis("e1")
	accepted.State = model.StateAccepted
	require.NoError(t, s.CreateHypothesis(ctx, accepted))

	other := testHypothesis("e2")
	require.NoError(t, s.CreateHypothesis(ctx, other))

	all, err := s.ListHypotheses(ctx, "e1", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := s.ListHypotheses(ctx, "e1", []model.HypothesisState{model.StatePending, model.StateTesting})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, pending.ID, open[0].ID)
}

func TestSQLite_ApplyConfidenceDelta_ClampsAndSkipsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h := testHypothesis("e1")
	h.Confidence = 0.9
	require.NoError(t, s.CreateHypothesis(ctx, h))

	require.NoError(t, s.ApplyConfidenceDelta(ctx, ConfidenceUpdate{HypothesisID: h.ID, Delta: 0.5}))
	got, err := s.GetHypothesis(ctx, h.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.Confidence, 1e-9)

	terminal := testHypothesis("e1")
	terminal.State = model.StateRejected
	require.NoError(t, s.CreateHypothesis(ctx, terminal))

	err = s.ApplyConfidenceDelta(ctx, ConfidenceUpdate{HypothesisID: terminal.ID, Delta: 0.1})
	assert.True(t, eris.Is(err, model.ErrNotFound))
}

func TestSQLite_EvidenceAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h := testHypothesis("e1")
	require.NoError(t, s.CreateHypothesis(ctx, h))

	ev := model.Evidence{
		Source:               "procurement_portal",
		Reference:            "https://tenders.example.org/123",
		ExtractedText:        "stadium roof tender published",
		Supports:             true,
		SupportsHypothesisID: h.ID,
		CollectedAt:          time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.AppendEvidence(ctx, ev))

	list, err := s.ListEvidence(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "procurement_portal", list[0].Source)
	assert.True(t, list[0].Supports)
	assert.NotEmpty(t, list[0].ID)
}

func TestSQLite_ConfigVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveConfigVersion(ctx, "v0", []byte("doc-v0"), true))
	require.NoError(t, s.SaveConfigVersion(ctx, "v1", []byte("doc-v1"), false))

	active, err := s.ActiveConfigVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v0", active)

	doc, err := s.LoadConfigVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "doc-v1", string(doc))

	require.NoError(t, s.SetActiveConfigVersion(ctx, "v1"))
	active, err = s.ActiveConfigVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", active)

	versions, err := s.ListConfigVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v0", "v1"}, versions)

	err = s.SetActiveConfigVersion(ctx, "v9")
	assert.True(t, eris.Is(err, model.ErrNotFound))
}

func TestSQLite_RolloutRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := model.RolloutRecord{
		EntityID:      "e1",
		ConfigVersion: "v0",
		Stage:         model.StagePilot,
		TotalCost:     1.25,
		Iterations:    4,
		Outcomes: []model.HypothesisOutcome{
			{HypothesisID: "h1", Category: model.CategoryKitSupplier, FinalState: model.StateAccepted, Confidence: 0.85},
		},
		Duration:   1500 * time.Millisecond,
		RecordedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.AppendRolloutRecord(ctx, rec))

	records, err := s.ListRolloutRecords(ctx, model.StagePilot, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "e1", records[0].EntityID)
	assert.InDelta(t, 1.25, records[0].TotalCost, 1e-9)
	require.Len(t, records[0].Outcomes, 1)
	assert.Equal(t, model.StateAccepted, records[0].Outcomes[0].FinalState)
	assert.Equal(t, 1500*time.Millisecond, records[0].Duration)

	empty, err := s.ListRolloutRecords(ctx, model.StageLimited, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLite_Checkpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LoadCheckpoint(ctx, "rollout")
	assert.True(t, eris.Is(err, model.ErrNotFound))

	require.NoError(t, s.SaveCheckpoint(ctx, "rollout", []byte(`{"stage":"pilot"}`)))
	data, err := s.LoadCheckpoint(ctx, "rollout")
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"pilot"}`, string(data))

	// Overwrite is an upsert.
	require.NoError(t, s.SaveCheckpoint(ctx, "rollout", []byte(`{"stage":"limited"}`)))
	data, err = s.LoadCheckpoint(ctx, "rollout")
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"limited"}`, string(data))
}

func TestSQLite_RecentEntityIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := testHypothesis("e-old")
	older.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.CreateHypothesis(ctx, older))

	newer := testHypothesis("e-new")
	require.NoError(t, s.CreateHypothesis(ctx, newer))

	ids, err := s.RecentEntityIDs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "e-new", ids[0])
}
