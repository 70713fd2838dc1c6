// Package store defines the persistence contract for hypotheses, evidence,
// parameter config versions, and rollout records.
package store

import (
	"context"
	"time"

	"github.com/sells-group/signal-engine/internal/model"
)

// ConfidenceUpdate adjusts one hypothesis's confidence by a delta. Used by
// the batch gateway.
type ConfidenceUpdate struct {
	HypothesisID string  `json:"hypothesis_id"`
	Delta        float64 `json:"confidence_delta"`
}

// Store is the durable persistence layer. Implementations must provide
// at-least read-your-writes consistency. UpdateHypothesis is version-checked
// and returns model.ErrConflict on a concurrent update race.
type Store interface {
	// Hypotheses
	CreateHypothesis(ctx context.Context, h model.Hypothesis) error
	GetHypothesis(ctx context.Context, id string) (*model.Hypothesis, error)
	UpdateHypothesis(ctx context.Context, h model.Hypothesis) (*model.Hypothesis, error)
	DeleteHypothesis(ctx context.Context, id string) error
	ListHypotheses(ctx context.Context, entityID string, states []model.HypothesisState) ([]model.Hypothesis, error)
	ApplyConfidenceDelta(ctx context.Context, update ConfidenceUpdate) error

	// Evidence (append-only)
	AppendEvidence(ctx context.Context, ev model.Evidence) error
	ListEvidence(ctx context.Context, hypothesisID string) ([]model.Evidence, error)

	// Warming support: entity IDs with the most recently updated hypotheses.
	RecentEntityIDs(ctx context.Context, limit int) ([]string, error)

	// Parameter config versions (implements params.VersionStore).
	SaveConfigVersion(ctx context.Context, version string, doc []byte, active bool) error
	LoadConfigVersion(ctx context.Context, version string) ([]byte, error)
	ActiveConfigVersion(ctx context.Context) (string, error)
	SetActiveConfigVersion(ctx context.Context, version string) error
	ListConfigVersions(ctx context.Context) ([]string, error)

	// Rollout
	AppendRolloutRecord(ctx context.Context, rec model.RolloutRecord) error
	ListRolloutRecords(ctx context.Context, stage model.RolloutStage, since time.Time) ([]model.RolloutRecord, error)
	SaveCheckpoint(ctx context.Context, name string, data []byte) error
	LoadCheckpoint(ctx context.Context, name string) ([]byte, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
