package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outcome is a decision recommendation for a workflow.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReview  Outcome = "review"
	OutcomeDecline Outcome = "decline"
)

// ValidOutcome reports whether o is a recognised outcome.
func ValidOutcome(o Outcome) bool {
	switch o {
	case OutcomeApprove, OutcomeReview, OutcomeDecline:
		return true
	default:
		return false
	}
}

// CanProceed reports whether downstream onboarding may continue under o.
// Review proceeds (with a human in the loop); decline halts.
func CanProceed(o Outcome) bool {
	return o == OutcomeApprove || o == OutcomeReview
}

// RiskBand is the coarse risk tag derived from a composite score.
type RiskBand string

const (
	BandLow      RiskBand = "low"
	BandMedium   RiskBand = "medium"
	BandHigh     RiskBand = "high"
	BandCritical RiskBand = "critical"
)

// ValidRiskBand reports whether b is a recognised band.
func ValidRiskBand(b RiskBand) bool {
	switch b {
	case BandLow, BandMedium, BandHigh, BandCritical:
		return true
	default:
		return false
	}
}

// Authority identities and policy constants carried on every
// decision.finalised payload.
const (
	DecidedByOrchestrator  = "turing_orchestrate"
	DecidedByHumanOperator = "human_operator"

	// ServiceVersion is stamped into authority.service_version. It names the
	// decision-contract revision, not the build.
	ServiceVersion = "2.0.0"

	PolicyPack           = "au-core"
	DefaultPolicyVersion = "1.0.0"
	DefaultJurisdiction  = "AU"
	DefaultSubjectAction = "onboarding"
	SubjectTypeUser      = "user"
)

// DecisionRecord is the payload of a decision.finalised ledger event — the
// one artefact downstream systems trust. Only the decision authority
// constructs these.
type DecisionRecord struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	Timestamp     time.Time      `json:"timestamp"`
	DecisionID    string         `json:"decision_id"`
	CorrelationID string         `json:"correlation_id"`
	TenantID      string         `json:"tenant_id"`
	Subject       Subject        `json:"subject"`
	Decision      DecisionBody   `json:"decision"`
	Policy        Policy         `json:"policy"`
	RiskSummary   RiskSummary    `json:"risk_summary"`
	ReasonCodes   []string       `json:"reason_codes"`
	Models        map[string]any `json:"models"`
	Evidence      map[string]any `json:"evidence"`
	Lineage       Lineage        `json:"lineage"`
	Authority     Authority      `json:"authority"`
}

// Subject identifies who or what the decision is about.
type Subject struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	Action      string `json:"action"`
}

// DecisionBody carries the outcome itself.
type DecisionBody struct {
	Outcome       Outcome `json:"outcome"`
	Confidence    float64 `json:"confidence"`
	RequiresHuman bool    `json:"requires_human"`
	CanProceed    bool    `json:"can_proceed"`
}

// Policy records which rulebook produced the decision.
type Policy struct {
	Jurisdiction  string `json:"jurisdiction"`
	PolicyPack    string `json:"policy_pack"`
	PolicyVersion string `json:"policy_version"`
}

// RiskSummary snapshots the risk posture at decision time.
type RiskSummary struct {
	OverallRisk string          `json:"overall_risk"`
	RiskScore   *float64        `json:"risk_score"`
	Scores      ComponentScores `json:"scores"`
}

// ComponentScores are the per-domain scores the risk engine reported.
// Overrides carry an empty object here.
type ComponentScores struct {
	Fraud     *float64 `json:"fraud,omitempty"`
	AML       *float64 `json:"aml,omitempty"`
	Credit    *float64 `json:"credit,omitempty"`
	Liquidity *float64 `json:"liquidity,omitempty"`
}

// Lineage links an override decision to the decision it supersedes. Both
// pointer fields are null on risk-path decisions.
type Lineage struct {
	SupersedesDecisionID *string    `json:"supersedes_decision_id"`
	OverriddenBy         *string    `json:"overridden_by"`
	OverrideReason       string     `json:"override_reason,omitempty"`
	OverrideTimestamp    *time.Time `json:"override_timestamp,omitempty"`
}

// Authority records who emitted the decision.
type Authority struct {
	DecidedBy      string `json:"decided_by"`
	ServiceVersion string `json:"service_version"`
	Override       bool   `json:"override"`
}

// ToMap converts the record to the generic payload bag the event ledger
// stores. Round-trips through JSON so nested structs become plain maps.
func (r DecisionRecord) ToMap() (map[string]any, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("model: encode decision record: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("model: encode decision record: %w", err)
	}
	return m, nil
}

// ParseDecisionRecord reconstructs a DecisionRecord from a persisted ledger
// payload. Unknown keys are ignored for forward compatibility.
func ParseDecisionRecord(payload map[string]any) (DecisionRecord, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return DecisionRecord{}, fmt.Errorf("model: parse decision record: %w", err)
	}
	var r DecisionRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return DecisionRecord{}, fmt.Errorf("model: parse decision record: %w", err)
	}
	return r, nil
}
