// Package model defines the core domain types for the hypothesis search engine.
package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// HypothesisState is the lifecycle state of a hypothesis.
type HypothesisState string

const (
	StatePending      HypothesisState = "pending"
	StateTesting      HypothesisState = "testing"
	StateAccepted     HypothesisState = "accepted"
	StateWeakAccept   HypothesisState = "weak_accept"
	StateRejected     HypothesisState = "rejected"
	StateInconclusive HypothesisState = "inconclusive"
)

// IsTerminal reports whether the state admits no further transitions.
func (s HypothesisState) IsTerminal() bool {
	switch s {
	case StateAccepted, StateWeakAccept, StateRejected, StateInconclusive:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a transition from s to next is legal.
// Transitions are one-directional: pending → testing → terminal. Reopen
// (terminal → pending) is allowed only via explicit administrative action,
// which callers signal by transitioning through StatePending.
func (s HypothesisState) CanTransition(next HypothesisState) bool {
	if s == next {
		return false
	}
	switch s {
	case StatePending:
		return next == StateTesting || next == StateInconclusive
	case StateTesting:
		return next.IsTerminal()
	default:
		// Terminal states only reopen to pending.
		return next == StatePending
	}
}

// Hypothesis is a testable, entity-specific claim with a confidence score
// and lifecycle state. Confidence moves only through ApplyDelta; state moves
// only through Transition.
type Hypothesis struct {
	ID           string          `json:"id" db:"id"`
	EntityID     string          `json:"entity_id" db:"entity_id"`
	Category     Category        `json:"category" db:"category"`
	Statement    string          `json:"statement" db:"statement"`
	Confidence   float64         `json:"confidence" db:"confidence"`
	State        HypothesisState `json:"state" db:"state"`
	EvidenceRefs []string        `json:"evidence_refs,omitempty" db:"evidence_refs"`
	Version      int64           `json:"version" db:"version"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// ApplyDelta adjusts confidence by delta, clamped to [0, 1]. It refuses to
// mutate a hypothesis in a terminal state.
func (h *Hypothesis) ApplyDelta(delta float64) error {
	if h.State.IsTerminal() {
		return eris.Errorf("model: hypothesis %s is terminal (%s)", h.ID, h.State)
	}
	c := h.Confidence + delta
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	h.Confidence = c
	return nil
}

// Transition moves the hypothesis to next, enforcing the state machine.
func (h *Hypothesis) Transition(next HypothesisState) error {
	if !h.State.CanTransition(next) {
		return eris.Errorf("model: illegal transition %s → %s for hypothesis %s", h.State, next, h.ID)
	}
	h.State = next
	return nil
}

// Entity is a read-only subject of discovery, created externally. The type
// tag selects which hypothesis templates apply.
type Entity struct {
	ID         string            `json:"id" db:"id"`
	Name       string            `json:"name" db:"name"`
	Type       EntityType        `json:"type" db:"type"`
	Attributes map[string]string `json:"attributes,omitempty" db:"attributes"`
}

// EntityType classifies an entity for template selection.
type EntityType string

const (
	EntityClub       EntityType = "club"
	EntityFederation EntityType = "federation"
	EntityLeague     EntityType = "league"
)
