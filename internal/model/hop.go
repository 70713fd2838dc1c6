package model

import "time"

// HopType enumerates the external evidence-gathering action kinds.
type HopType string

const (
	HopOfficialSite      HopType = "official_site"
	HopCareersPage       HopType = "careers_page"
	HopPressRelease      HopType = "press_release"
	HopProcurementPortal HopType = "procurement_portal"
	HopTenderArchive     HopType = "tender_archive"
)

// Hop is one planned or executed discovery action. It exists for the
// duration of one orchestrator iteration; only the evidence and cost it
// produced are persisted.
type Hop struct {
	Type          HopType `json:"type"`
	HypothesisID  string  `json:"hypothesis_id"`
	Depth         int     `json:"depth"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// HopOutcome classifies how a hop's evidence bears on its hypothesis.
// Empty is distinct from contradicting: an empty result leaves confidence
// unchanged, a contradicting one applies the reject delta.
type HopOutcome string

const (
	OutcomeSupporting    HopOutcome = "supporting"
	OutcomeContradicting HopOutcome = "contradicting"
	OutcomeEmpty         HopOutcome = "empty"
	OutcomeError         HopOutcome = "error"
)

// HopResult is the outcome of executing a hop. ActualCost is always set,
// even when the hop failed or timed out: partial spend is charged.
type HopResult struct {
	Hop        Hop        `json:"hop"`
	Outcome    HopOutcome `json:"outcome"`
	Evidence   []Evidence `json:"evidence,omitempty"`
	ActualCost float64    `json:"actual_cost"`
	Err        string     `json:"error,omitempty"`
	Duration   time.Duration
}

// Evidence is an immutable, append-only finding supporting or contradicting
// a hypothesis. Evidence is untrusted input: it is weighed only through the
// confidence-update rule, never auto-trusted.
type Evidence struct {
	ID                   string    `json:"id" db:"id"`
	Source               string    `json:"source" db:"source"`
	Reference            string    `json:"reference" db:"reference"`
	ExtractedText        string    `json:"extracted_text" db:"extracted_text"`
	Supports             bool      `json:"supports" db:"supports"`
	SupportsHypothesisID string    `json:"supports_hypothesis_id" db:"supports_hypothesis_id"`
	CollectedAt          time.Time `json:"collected_at" db:"collected_at"`
}
