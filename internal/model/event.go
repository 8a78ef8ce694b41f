package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a workflow event in the append-only ledger.
type EventType string

// Inbound event types accepted by the dispatcher. Capture services emit the
// first three; risk_evaluate and override_applied arrive from internal
// pipelines and operator tooling.
const (
	EventSelfieUploaded  EventType = "selfie_uploaded"
	EventIDUploaded      EventType = "id_uploaded"
	EventMatchCompleted  EventType = "match_completed"
	EventRiskEvaluate    EventType = "risk_evaluate"
	EventOverrideApplied EventType = "override_applied"
)

// Ledger-only event types, written by handlers and the decision authority.
// decision.finalised and override.applied keep their dotted wire form because
// downstream consumers and the investigator API match on them.
const (
	EventRiskEvaluated     EventType = "risk_evaluated"
	EventDecisionFinalised EventType = "decision.finalised"
	EventOverrideRecorded  EventType = "override.applied"
)

// NormalizeEventType folds the dotted wire form of an inbound type into the
// canonical underscore form used for dispatch ("selfie.uploaded" →
// "selfie_uploaded").
func NormalizeEventType(raw string) EventType {
	return EventType(strings.ReplaceAll(raw, ".", "_"))
}

// WorkflowEvent is one row of the append-only ledger. Rows are never updated
// or deleted; per-workflow total order is (created_at, seq).
type WorkflowEvent struct {
	ID          uuid.UUID      `json:"id"`
	Seq         int64          `json:"seq"`
	WorkflowID  string         `json:"workflow_id"`
	TenantID    string         `json:"tenant_id"`
	EventType   EventType      `json:"event_type"`
	Payload     map[string]any `json:"payload"`
	ContentHash string         `json:"content_hash,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// InboundEvent is the normalised ingress envelope handed to the dispatcher.
// Payload retains every key the caller sent (the full bag is persisted for
// audit); handlers lift the fields they validate via the typed payload views
// below.
type InboundEvent struct {
	Type          EventType
	Payload       map[string]any
	CorrelationID string
}

// ---------------------------------------------------------------------------
// Typed payload views
//
// Each inbound event type has a structured view extracted from the raw
// payload bag. Extraction validates required fields up front so handlers
// reject bad input before any write; unknown keys are ignored here but
// preserved in the persisted bag.
// ---------------------------------------------------------------------------

// SelfiePayload is the typed view of a selfie_uploaded payload. SessionID
// doubles as the workflow id when the capture service omits workflow_id.
type SelfiePayload struct {
	TenantID   string
	WorkflowID string
	SessionID  string
	Liveness   map[string]any
}

// ParseSelfiePayload validates and extracts a selfie_uploaded payload.
func ParseSelfiePayload(p map[string]any) (SelfiePayload, error) {
	tenantID, err := requireString(p, "tenant_id")
	if err != nil {
		return SelfiePayload{}, err
	}
	sessionID, err := requireString(p, "session_id")
	if err != nil {
		return SelfiePayload{}, err
	}
	workflowID := optionalString(p, "workflow_id")
	if workflowID == "" {
		workflowID = sessionID
	}
	return SelfiePayload{
		TenantID:   tenantID,
		WorkflowID: workflowID,
		SessionID:  sessionID,
		Liveness:   optionalMap(p, "liveness"),
	}, nil
}

// IDDocumentPayload is the typed view of an id_uploaded payload.
type IDDocumentPayload struct {
	TenantID    string
	WorkflowID  string
	IDSessionID string
	Metadata    map[string]any
}

// ParseIDDocumentPayload validates and extracts an id_uploaded payload.
func ParseIDDocumentPayload(p map[string]any) (IDDocumentPayload, error) {
	tenantID, err := requireString(p, "tenant_id")
	if err != nil {
		return IDDocumentPayload{}, err
	}
	workflowID, err := requireString(p, "workflow_id")
	if err != nil {
		return IDDocumentPayload{}, err
	}
	idSessionID, err := requireString(p, "id_session_id")
	if err != nil {
		return IDDocumentPayload{}, err
	}
	return IDDocumentPayload{
		TenantID:    tenantID,
		WorkflowID:  workflowID,
		IDSessionID: idSessionID,
		Metadata:    optionalMap(p, "document_metadata"),
	}, nil
}

// MatchPayload is the typed view of a match_completed payload.
type MatchPayload struct {
	TenantID        string
	WorkflowID      string
	Match           bool
	FusedScore      *float64
	Raw             map[string]any
	SelfieSessionID string
	IDSessionID     string
}

// ParseMatchPayload validates and extracts a match_completed payload.
func ParseMatchPayload(p map[string]any) (MatchPayload, error) {
	tenantID, err := requireString(p, "tenant_id")
	if err != nil {
		return MatchPayload{}, err
	}
	workflowID, err := requireString(p, "workflow_id")
	if err != nil {
		return MatchPayload{}, err
	}
	match, ok := p["match"].(bool)
	if !ok {
		return MatchPayload{}, fmt.Errorf("model: payload field match must be a boolean")
	}
	return MatchPayload{
		TenantID:        tenantID,
		WorkflowID:      workflowID,
		Match:           match,
		FusedScore:      optionalNumber(p, "fused_score"),
		Raw:             optionalMap(p, "raw"),
		SelfieSessionID: optionalString(p, "selfie_session_id"),
		IDSessionID:     optionalString(p, "id_session_id"),
	}, nil
}

// RiskEvaluatePayload is the typed view of a risk_evaluate payload.
type RiskEvaluatePayload struct {
	TenantID   string
	WorkflowID string
	Signals    map[string]any
}

// ParseRiskEvaluatePayload validates and extracts a risk_evaluate payload.
func ParseRiskEvaluatePayload(p map[string]any) (RiskEvaluatePayload, error) {
	tenantID, err := requireString(p, "tenant_id")
	if err != nil {
		return RiskEvaluatePayload{}, err
	}
	workflowID, err := requireString(p, "workflow_id")
	if err != nil {
		return RiskEvaluatePayload{}, err
	}
	signals := optionalMap(p, "signals")
	if signals == nil {
		signals = map[string]any{}
	}
	return RiskEvaluatePayload{
		TenantID:   tenantID,
		WorkflowID: workflowID,
		Signals:    signals,
	}, nil
}

// OverridePayload is the typed view of an override_applied payload.
type OverridePayload struct {
	TenantID     string
	WorkflowID   string
	Decision     Outcome
	Reason       string
	OverriddenBy string
}

// ParseOverridePayload validates and extracts an override_applied payload.
// Reason and overridden_by default the way the operator tooling expects.
func ParseOverridePayload(p map[string]any) (OverridePayload, error) {
	tenantID, err := requireString(p, "tenant_id")
	if err != nil {
		return OverridePayload{}, err
	}
	workflowID, err := requireString(p, "workflow_id")
	if err != nil {
		return OverridePayload{}, err
	}
	decision, err := requireString(p, "decision")
	if err != nil {
		return OverridePayload{}, err
	}
	outcome := Outcome(decision)
	if !ValidOutcome(outcome) {
		return OverridePayload{}, fmt.Errorf("model: payload field decision must be one of approve, review, decline")
	}
	reason := optionalString(p, "reason")
	if reason == "" {
		reason = "manual_override"
	}
	overriddenBy := optionalString(p, "overridden_by")
	if overriddenBy == "" {
		overriddenBy = "human_operator"
	}
	return OverridePayload{
		TenantID:     tenantID,
		WorkflowID:   workflowID,
		Decision:     outcome,
		Reason:       reason,
		OverriddenBy: overriddenBy,
	}, nil
}

func requireString(p map[string]any, key string) (string, error) {
	v, ok := p[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("model: payload field %s is required", key)
	}
	return v, nil
}

func optionalString(p map[string]any, key string) string {
	v, _ := p[key].(string)
	return v
}

func optionalMap(p map[string]any, key string) map[string]any {
	v, _ := p[key].(map[string]any)
	return v
}

// optionalNumber accepts float64 (the JSON decoder's numeric type) and int
// for callers constructing payloads in Go.
func optionalNumber(p map[string]any, key string) *float64 {
	switch v := p[key].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	default:
		return nil
	}
}
