package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-engine/internal/model"
)

// MemoryStore is an in-memory Store. It backs offline tuning replays, where
// the orchestrator must run against disposable state, and doubles as a test
// fixture. Not durable.
type MemoryStore struct {
	mu          sync.RWMutex
	hypotheses  map[string]model.Hypothesis
	evidence    map[string][]model.Evidence
	configs     map[string][]byte
	configOrder []string
	activeCfg   string
	records     []model.RolloutRecord
	checkpoints map[string][]byte
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		hypotheses:  make(map[string]model.Hypothesis),
		evidence:    make(map[string][]model.Evidence),
		configs:     make(map[string][]byte),
		checkpoints: make(map[string][]byte),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) CreateHypothesis(_ context.Context, h model.Hypothesis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hypotheses[h.ID]; ok {
		return eris.Errorf("memory: hypothesis %s already exists", h.ID)
	}
	m.hypotheses[h.ID] = h
	return nil
}

func (m *MemoryStore) GetHypothesis(_ context.Context, id string) (*model.Hypothesis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hypotheses[id]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "hypothesis %s", id)
	}
	out := h
	return &out, nil
}

func (m *MemoryStore) UpdateHypothesis(_ context.Context, h model.Hypothesis) (*model.Hypothesis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.hypotheses[h.ID]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "hypothesis %s", h.ID)
	}
	if cur.Version != h.Version {
		return nil, eris.Wrapf(model.ErrConflict, "hypothesis %s at version %d", h.ID, h.Version)
	}
	updated := h
	updated.Version = h.Version + 1
	updated.UpdatedAt = time.Now().UTC()
	m.hypotheses[h.ID] = updated
	out := updated
	return &out, nil
}

func (m *MemoryStore) DeleteHypothesis(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hypotheses[id]; !ok {
		return eris.Wrapf(model.ErrNotFound, "hypothesis %s", id)
	}
	delete(m.hypotheses, id)
	return nil
}

func (m *MemoryStore) ListHypotheses(_ context.Context, entityID string, states []model.HypothesisState) ([]model.Hypothesis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[model.HypothesisState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	var out []model.Hypothesis
	for _, h := range m.hypotheses {
		if h.EntityID != entityID {
			continue
		}
		if len(states) > 0 && !want[h.State] {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ApplyConfidenceDelta(_ context.Context, update ConfidenceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hypotheses[update.HypothesisID]
	if !ok || h.State.IsTerminal() {
		return eris.Wrapf(model.ErrNotFound, "hypothesis %s (missing or terminal)", update.HypothesisID)
	}
	c := h.Confidence + update.Delta
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	h.Confidence = c
	h.Version++
	h.UpdatedAt = time.Now().UTC()
	m.hypotheses[update.HypothesisID] = h
	return nil
}

func (m *MemoryStore) AppendEvidence(_ context.Context, ev model.Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	m.evidence[ev.SupportsHypothesisID] = append(m.evidence[ev.SupportsHypothesisID], ev)
	return nil
}

func (m *MemoryStore) ListEvidence(_ context.Context, hypothesisID string) ([]model.Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Evidence, len(m.evidence[hypothesisID]))
	copy(out, m.evidence[hypothesisID])
	return out, nil
}

func (m *MemoryStore) RecentEntityIDs(_ context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := make(map[string]time.Time)
	for _, h := range m.hypotheses {
		if h.UpdatedAt.After(latest[h.EntityID]) {
			latest[h.EntityID] = h.UpdatedAt
		}
	}
	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return latest[ids[i]].After(latest[ids[j]]) })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *MemoryStore) SaveConfigVersion(_ context.Context, version string, doc []byte, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[version]; ok {
		return eris.Errorf("memory: config version %s already exists", version)
	}
	m.configs[version] = append([]byte(nil), doc...)
	m.configOrder = append(m.configOrder, version)
	if active {
		m.activeCfg = version
	}
	return nil
}

func (m *MemoryStore) LoadConfigVersion(_ context.Context, version string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.configs[version]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "config version %s", version)
	}
	return append([]byte(nil), doc...), nil
}

func (m *MemoryStore) ActiveConfigVersion(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeCfg == "" {
		return "", eris.Wrap(model.ErrNotFound, "no active config version")
	}
	return m.activeCfg, nil
}

func (m *MemoryStore) SetActiveConfigVersion(_ context.Context, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[version]; !ok {
		return eris.Wrapf(model.ErrNotFound, "config version %s", version)
	}
	m.activeCfg = version
	return nil
}

func (m *MemoryStore) ListConfigVersions(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.configOrder...), nil
}

func (m *MemoryStore) AppendRolloutRecord(_ context.Context, rec model.RolloutRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryStore) ListRolloutRecords(_ context.Context, stage model.RolloutStage, since time.Time) ([]model.RolloutRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.RolloutRecord
	for _, rec := range m.records {
		if rec.Stage != stage {
			continue
		}
		if !since.IsZero() && rec.RecordedAt.Before(since) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryStore) SaveCheckpoint(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[name] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) LoadCheckpoint(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.checkpoints[name]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "checkpoint %s", name)
	}
	return append([]byte(nil), data...), nil
}
