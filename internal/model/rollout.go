package model

import "time"

// RolloutStage identifies a deployment stage. Stages are strictly ordered.
type RolloutStage string

const (
	StagePilot      RolloutStage = "pilot"
	StageLimited    RolloutStage = "limited"
	StageProduction RolloutStage = "production"
)

// StageOrder returns the ordinal of a stage, or -1 for unknown stages.
func StageOrder(s RolloutStage) int {
	switch s {
	case StagePilot:
		return 0
	case StageLimited:
		return 1
	case StageProduction:
		return 2
	default:
		return -1
	}
}

// NextStage returns the stage following s, if any.
func NextStage(s RolloutStage) (RolloutStage, bool) {
	switch s {
	case StagePilot:
		return StageLimited, true
	case StageLimited:
		return StageProduction, true
	default:
		return "", false
	}
}

// HypothesisOutcome summarizes one hypothesis at the end of a run.
type HypothesisOutcome struct {
	HypothesisID string          `json:"hypothesis_id"`
	Category     Category        `json:"category"`
	FinalState   HypothesisState `json:"final_state"`
	Confidence   float64         `json:"confidence"`
}

// RolloutRecord is the append-only per-entity outcome of one discovery run
// under a given config version.
type RolloutRecord struct {
	ID            string              `json:"id" db:"id"`
	EntityID      string              `json:"entity_id" db:"entity_id"`
	ConfigVersion string              `json:"config_version" db:"config_version"`
	Stage         RolloutStage        `json:"stage" db:"stage"`
	TotalCost     float64             `json:"total_cost" db:"total_cost"`
	Iterations    int                 `json:"iterations" db:"iterations"`
	Outcomes      []HypothesisOutcome `json:"outcomes" db:"outcomes"`
	Duration      time.Duration       `json:"duration" db:"duration"`
	Error         string              `json:"error,omitempty" db:"error"`
	RecordedAt    time.Time           `json:"recorded_at" db:"recorded_at"`
}

// Actionable reports whether the run produced at least one accepted or
// weak-accepted hypothesis.
func (r RolloutRecord) Actionable() bool {
	for _, o := range r.Outcomes {
		if o.FinalState == StateAccepted || o.FinalState == StateWeakAccept {
			return true
		}
	}
	return false
}
