package orchestrate

import "time"

// Role is a tenant credential's RBAC role.
type Role string

const (
	RoleService      Role = "service"
	RoleInvestigator Role = "investigator"
	RoleOperator     Role = "operator"
	RoleAdmin        Role = "admin"
)

// Decision is the public representation of a finalised decision.
// It is a curated view of the internal ledger record for use in extension
// interfaces. It has no internal package imports, so it is safe to use from
// outside the module.
type Decision struct {
	DecisionID string
	TenantID   string
	WorkflowID string
	// Outcome is approve, decline, or review.
	Outcome       string
	Confidence    float64
	RequiresHuman bool
	CanProceed    bool
	// DecidedBy is the deciding authority: the orchestrator service name,
	// or "human_operator" for overrides.
	DecidedBy     string
	Override      bool
	Jurisdiction  string
	PolicyPack    string
	PolicyVersion string
	// OverallRisk is the fused risk band (low | medium | high | critical).
	OverallRisk string
	RiskScore   *float64
	ReasonCodes []string
	// SupersedesDecisionID and OverriddenBy are set only on overrides.
	SupersedesDecisionID *string
	OverriddenBy         *string
	OverrideReason       string
	Timestamp            time.Time
}

// RiskDegradation describes a workflow parked in risk_failed because the
// risk engine could not produce a usable evaluation.
type RiskDegradation struct {
	WorkflowID string
	TenantID   string
	// Exception is the engine failure detail (transport error or bad response).
	Exception string
}

// RiskAssessment is the result of an external risk evaluation.
// Pointer fields distinguish "absent" from zero; absent fields fall back to
// the orchestrator's fusion defaults (score-derived band, outcome-derived
// requires_human).
type RiskAssessment struct {
	// RiskScore is the fused score [0.0, 1.0]. Nil means the evaluator
	// reported a band without a numeric score.
	RiskScore *float64
	// RiskBand is low | medium | high | critical. Empty means derive from
	// the score.
	RiskBand string
	// Recommendation is the evaluator's suggested outcome (approve |
	// decline | review). Empty means derive from the band.
	Recommendation string
	RequiresHuman  *bool
	Confidence     *float64
	Jurisdiction   string
	PolicyVersion  string
	// Factors are human-readable risk factor tags carried into the
	// decision's reason codes.
	Factors []string

	// Per-domain component scores, when the evaluator reports them.
	FraudScore     *float64
	AMLScore       *float64
	CreditScore    *float64
	LiquidityScore *float64

	// Raw is the evaluator's full response payload, persisted verbatim on
	// the workflow for audit. Nil means persist the structured fields above.
	Raw map[string]any
}
