// Package model defines the core domain types for the orchestrator.
//
// Types correspond directly to database tables and event payloads. They use
// strong typing (string enums, time.Time, UUIDs) wherever the shape is
// closed; the workflow data bag stays a map because it accumulates
// heterogeneous audit material across handlers and must round-trip intact.
package model

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowState is the lifecycle state of an identity-verification workflow.
type WorkflowState string

const (
	StatePending         WorkflowState = "pending"
	StateSelfieUploaded  WorkflowState = "selfie_uploaded"
	StateIDUploaded      WorkflowState = "id_uploaded"
	StateMatchVerified   WorkflowState = "match_verified"
	StateMatchFailed     WorkflowState = "match_failed"
	StateRiskEvaluated   WorkflowState = "risk_evaluated"
	StateRiskFailed      WorkflowState = "risk_failed"
	StateOverrideApplied WorkflowState = "override_applied"
)

// ValidWorkflowState reports whether s belongs to the closed state set.
func ValidWorkflowState(s WorkflowState) bool {
	switch s {
	case StatePending, StateSelfieUploaded, StateIDUploaded,
		StateMatchVerified, StateMatchFailed,
		StateRiskEvaluated, StateRiskFailed, StateOverrideApplied:
		return true
	default:
		return false
	}
}

// Workflow is the mutable per-subject verification record.
//
// The decision field is a derived cache of the latest decision.finalised
// event on the workflow's ledger. It exists for cheap listings; the ledger
// is authoritative and integrity checks re-derive from it.
type Workflow struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	State           WorkflowState  `json:"state"`
	SelfieSessionID *string        `json:"selfie_session_id,omitempty"`
	IDSessionID     *string        `json:"id_session_id,omitempty"`
	RiskScore       *float64       `json:"risk_score,omitempty"`
	RiskBand        *string        `json:"risk_band,omitempty"`
	Decision        *string        `json:"decision,omitempty"`
	RequiresHuman   bool           `json:"requires_human"`
	Data            map[string]any `json:"data"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// DataBag returns the workflow's data map, allocating it when nil so
// handlers can mutate nested keys without guarding.
func (w *Workflow) DataBag() map[string]any {
	if w.Data == nil {
		w.Data = make(map[string]any)
	}
	return w.Data
}

// SubBag returns data[key] as a map, creating it when absent. Mirrors the
// setdefault access pattern handlers use for nested summaries
// (selfie, id_document, match).
func (w *Workflow) SubBag(key string) map[string]any {
	data := w.DataBag()
	if m, ok := data[key].(map[string]any); ok {
		return m
	}
	m := make(map[string]any)
	data[key] = m
	return m
}

// ManualDecision is the auxiliary audit record written by the operator-facing
// manual-decision endpoint. It never emits decision.finalised; the audited
// route for an authoritative human decision is an override_applied event
// through the ingress.
type ManualDecision struct {
	ID         uuid.UUID `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	TenantID   string    `json:"tenant_id"`
	Decision   Outcome   `json:"decision"`
	Reason     *string   `json:"reason,omitempty"`
	Actor      string    `json:"actor"`
	CreatedAt  time.Time `json:"created_at"`
}
