package orchestrate

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

// Outcome is a decision recommendation for a workflow.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReview  Outcome = "review"
	OutcomeDecline Outcome = "decline"
)

// RiskBand is the coarse risk tag derived from a composite score.
type RiskBand string

const (
	BandLow      RiskBand = "low"
	BandMedium   RiskBand = "medium"
	BandHigh     RiskBand = "high"
	BandCritical RiskBand = "critical"
)

// EventType identifies a workflow event. The first five are inbound types
// the ingress accepts; the dotted forms only ever appear on the ledger.
type EventType string

const (
	EventSelfieUploaded  EventType = "selfie_uploaded"
	EventIDUploaded      EventType = "id_uploaded"
	EventMatchCompleted  EventType = "match_completed"
	EventRiskEvaluate    EventType = "risk_evaluate"
	EventOverrideApplied EventType = "override_applied"

	EventRiskEvaluated     EventType = "risk_evaluated"
	EventDecisionFinalised EventType = "decision.finalised"
	EventOverrideRecorded  EventType = "override.applied"
)

// Workflow mirrors the server's workflow record. The decision fields are a
// cache of the latest finalised decision; the ledger is authoritative.
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

// WorkflowDetail is the output of Client.GetWorkflow. LatestDecision is
// derived from the ledger and is nil for undecided workflows.
type WorkflowDetail struct {
	Workflow
	LatestDecision *DecisionRecord `json:"latest_decision"`
}

// DecisionRecord is the payload of a decision.finalised ledger event — the
// one artefact downstream systems should trust.
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

// TimelineAuthority is the authority block of a timeline entry, with the
// override marker flattened to is_override.
type TimelineAuthority struct {
	DecidedBy      string `json:"decided_by"`
	ServiceVersion string `json:"service_version"`
	IsOverride     bool   `json:"is_override"`
}

// TimelineEntry is a single decision in an investigator timeline. Timestamp
// is the ledger event's created_at, not the payload's claim.
type TimelineEntry struct {
	DecisionID    string            `json:"decision_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Outcome       Outcome           `json:"outcome"`
	Confidence    float64           `json:"confidence"`
	RequiresHuman bool              `json:"requires_human"`
	CanProceed    bool              `json:"can_proceed"`
	Policy        Policy            `json:"policy"`
	ReasonCodes   []string          `json:"reason_codes"`
	RiskSummary   RiskSummary       `json:"risk_summary"`
	Authority     TimelineAuthority `json:"authority"`
	Lineage       Lineage           `json:"lineage"`
	Subject       Subject           `json:"subject"`
}

// DecisionTimeline is the output of Client.DecisionTimeline. Timeline is
// ordered oldest first; CurrentDecision is the newest entry.
type DecisionTimeline struct {
	WorkflowID      string          `json:"workflow_id"`
	DecisionCount   int             `json:"decision_count"`
	CurrentDecision *TimelineEntry  `json:"current_decision"`
	Timeline        []TimelineEntry `json:"timeline"`
	HasOverrides    bool            `json:"has_overrides"`
}

// CurrentDecision is the output of Client.CurrentDecision. Unlike timeline
// entries it carries the authority block unflattened.
type CurrentDecision struct {
	WorkflowID    string      `json:"workflow_id"`
	DecisionID    string      `json:"decision_id"`
	Timestamp     time.Time   `json:"timestamp"`
	Outcome       Outcome     `json:"outcome"`
	Confidence    float64     `json:"confidence"`
	RequiresHuman bool        `json:"requires_human"`
	CanProceed    bool        `json:"can_proceed"`
	Policy        Policy      `json:"policy"`
	ReasonCodes   []string    `json:"reason_codes"`
	RiskSummary   RiskSummary `json:"risk_summary"`
	Authority     Authority   `json:"authority"`
	Lineage       Lineage     `json:"lineage"`
	Subject       Subject     `json:"subject"`
}

// IntegrityEventReport is the per-event result of an integrity check: the
// stored content hash recomputed against the live ledger row.
type IntegrityEventReport struct {
	EventID      string    `json:"event_id"`
	Seq          int64     `json:"seq"`
	EventType    EventType `json:"event_type"`
	StoredHash   string    `json:"stored_hash"`
	ComputedHash string    `json:"computed_hash"`
	Valid        bool      `json:"valid"`
	CreatedAt    time.Time `json:"created_at"`
}

// IntegrityReport is the output of Client.VerifyIntegrity.
type IntegrityReport struct {
	WorkflowID    string                 `json:"workflow_id"`
	EventCount    int                    `json:"event_count"`
	ValidEvents   int                    `json:"valid_events"`
	InvalidEvents int                    `json:"invalid_events"`
	Valid         bool                   `json:"valid"`
	MerkleRoot    string                 `json:"merkle_root"`
	CacheCoherent bool                   `json:"cache_coherent"`
	Events        []IntegrityEventReport `json:"events"`
	CheckedAt     time.Time              `json:"checked_at"`
}

// ManualDecision is an advisory note recorded by an operator. It never
// changes the decision of record; authoritative human decisions go through
// Client.Override.
type ManualDecision struct {
	ID         uuid.UUID `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	TenantID   string    `json:"tenant_id"`
	Decision   Outcome   `json:"decision"`
	Reason     *string   `json:"reason,omitempty"`
	Actor      string    `json:"actor"`
	CreatedAt  time.Time `json:"created_at"`
}

// --- Request types ---

// IngestEventRequest is the input for Client.IngestEvent. Payload must carry
// the fields the event type requires; the client fills tenant_id when the
// caller leaves it out.
type IngestEventRequest struct {
	EventType     EventType      `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// SelfieUploadedEvent is the input for Client.SelfieUploaded. WorkflowID
// defaults to SessionID server-side, so first-contact capture services can
// omit it.
type SelfieUploadedEvent struct {
	SessionID     string
	WorkflowID    string
	UserID        string
	Liveness      map[string]any
	CorrelationID string
}

// IDUploadedEvent is the input for Client.IDUploaded.
type IDUploadedEvent struct {
	WorkflowID    string
	IDSessionID   string
	Metadata      map[string]any
	CorrelationID string
}

// MatchCompletedEvent is the input for Client.MatchCompleted.
type MatchCompletedEvent struct {
	WorkflowID    string
	Match         bool
	FusedScore    *float64
	Raw           map[string]any
	CorrelationID string
}

// RiskEvaluateEvent is the input for Client.EvaluateRisk. Signals are passed
// to the risk engine verbatim.
type RiskEvaluateEvent struct {
	WorkflowID    string
	Signals       map[string]any
	CorrelationID string
}

// OverrideEvent is the input for Client.Override. The workflow must already
// hold a finalised decision for the override to be accepted.
type OverrideEvent struct {
	WorkflowID    string
	Decision      Outcome
	Reason        string
	OverriddenBy  string
	CorrelationID string
}

// ManualDecisionRequest is the input for Client.RecordManualDecision.
type ManualDecisionRequest struct {
	Decision Outcome `json:"decision"`
	Reason   *string `json:"reason,omitempty"`
	Actor    string  `json:"actor"`
}

// ListWorkflowsOptions are optional filters for Client.ListWorkflows.
// TenantID widens the query to another tenant and requires an admin token.
type ListWorkflowsOptions struct {
	State    WorkflowState
	Limit    int
	TenantID string
}

// --- Response types ---

// IngestReceipt is the acknowledgement for an ingested event. Status
// "ignored" means the ingress accepted the request but the dispatcher had
// nothing to do (Reason says why). CorrelationID echoes the id the request
// carried, including ids the typed emitters minted, so callers can line
// ingest calls up with the decisions they produce.
type IngestReceipt struct {
	Status        string `json:"status"`
	Processed     string `json:"processed,omitempty"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"-"`
}

// HealthResponse is the output of Client.Health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Postgres  string `json:"postgres"`
	SSEBroker string `json:"sse_broker,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}
