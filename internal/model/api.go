package model

import (
	"fmt"
	"time"
)

// Field length limits for caller-supplied free text. These keep a single
// oversized field from filling Postgres TEXT columns with caller-controlled
// garbage; structured payload bags are bounded by the HTTP body limit.
const (
	MaxEventTypeLen = 100
	MaxReasonLen    = 4 * 1024 // 4 KB
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints. Count is the
// number of items returned after the limit clamp, not the DB total.
type ListResponse struct {
	Data  any          `json:"data"`
	Count int          `json:"count"`
	Limit int          `json:"limit"`
	Meta  ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// IngestEventRequest is the request body for POST /event. Producers name
// the event type with either field; legacy emitters use "event", newer ones
// "event_type" with dotted names.
type IngestEventRequest struct {
	Event         string         `json:"event,omitempty"`
	EventType     string         `json:"event_type,omitempty"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// ResolveType collapses the two event-type aliases into the single
// normalised internal form. Both fields present with differing normalised
// values is rejected rather than guessed at.
func (r IngestEventRequest) ResolveType() (EventType, error) {
	a := NormalizeEventType(r.Event)
	b := NormalizeEventType(r.EventType)
	switch {
	case a == "" && b == "":
		return "", fmt.Errorf("one of event or event_type is required")
	case a != "" && b != "" && a != b:
		return "", fmt.Errorf("event %q and event_type %q name different types", r.Event, r.EventType)
	case a != "":
		return a, nil
	default:
		return b, nil
	}
}

// Validate checks structural requirements that apply before dispatch:
// a resolvable type, a payload bag, and a tenant_id inside it.
func (r IngestEventRequest) Validate() error {
	if len(r.Event) > MaxEventTypeLen || len(r.EventType) > MaxEventTypeLen {
		return fmt.Errorf("event type exceeds maximum length of %d characters", MaxEventTypeLen)
	}
	if _, err := r.ResolveType(); err != nil {
		return err
	}
	if r.Payload == nil {
		return fmt.Errorf("payload is required")
	}
	tenant, _ := r.Payload["tenant_id"].(string)
	if err := ValidateIdentifier("payload.tenant_id", tenant); err != nil {
		return err
	}
	if r.CorrelationID != "" {
		if err := ValidateIdentifier("correlation_id", r.CorrelationID); err != nil {
			return err
		}
	}
	return nil
}

// TenantID extracts the tenant from the payload bag. Validate guarantees
// presence; callers after validation can ignore the ok flag.
func (r IngestEventRequest) TenantID() string {
	tenant, _ := r.Payload["tenant_id"].(string)
	return tenant
}

// IngestEventResponse is the 202 body for POST /event.
type IngestEventResponse struct {
	Status    string `json:"status"`
	Processed string `json:"processed,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ManualDecisionRequest is the request body for
// POST /workflow/{workflow_id}/manual-decision.
type ManualDecisionRequest struct {
	Decision string  `json:"decision"`
	Reason   *string `json:"reason,omitempty"`
	Actor    string  `json:"actor"`
}

// Validate checks the outcome enum and field limits.
func (r ManualDecisionRequest) Validate() error {
	if !ValidOutcome(Outcome(r.Decision)) {
		return fmt.Errorf("decision must be one of approve, review, decline (got %q)", r.Decision)
	}
	if err := ValidateIdentifier("actor", r.Actor); err != nil {
		return err
	}
	if r.Reason != nil && len(*r.Reason) > MaxReasonLen {
		return fmt.Errorf("reason exceeds maximum length of %d bytes", MaxReasonLen)
	}
	return nil
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	TenantID  string `json:"tenant_id"`
	IngestKey string `json:"ingest_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// WorkflowResponse is the response for GET /workflow/{workflow_id}.
// LatestDecision is derived from the ledger, never from the cached decision
// column, and is null for workflows that have not been decided.
type WorkflowResponse struct {
	Workflow
	LatestDecision *DecisionRecord `json:"latest_decision"`
}

// TimelineAuthority is the authority block of a timeline entry, with the
// override marker flattened to is_override for investigator consumers.
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

// NewTimelineEntry flattens a ledger decision event into a timeline entry.
func NewTimelineEntry(ev WorkflowEvent, rec DecisionRecord) TimelineEntry {
	codes := rec.ReasonCodes
	if codes == nil {
		codes = []string{}
	}
	return TimelineEntry{
		DecisionID:    rec.DecisionID,
		Timestamp:     ev.CreatedAt,
		Outcome:       rec.Decision.Outcome,
		Confidence:    rec.Decision.Confidence,
		RequiresHuman: rec.Decision.RequiresHuman,
		CanProceed:    rec.Decision.CanProceed,
		Policy:        rec.Policy,
		ReasonCodes:   codes,
		RiskSummary:   rec.RiskSummary,
		Authority: TimelineAuthority{
			DecidedBy:      rec.Authority.DecidedBy,
			ServiceVersion: rec.Authority.ServiceVersion,
			IsOverride:     rec.Authority.Override,
		},
		Lineage: rec.Lineage,
		Subject: rec.Subject,
	}
}

// DecisionTimelineResponse is the response for
// GET /investigator/workflows/{workflow_id}/decisions.
type DecisionTimelineResponse struct {
	WorkflowID      string          `json:"workflow_id"`
	DecisionCount   int             `json:"decision_count"`
	CurrentDecision *TimelineEntry  `json:"current_decision"`
	Timeline        []TimelineEntry `json:"timeline"`
	HasOverrides    bool            `json:"has_overrides"`
}

// CurrentDecisionResponse is the response for
// GET /investigator/workflows/{workflow_id}/decisions/current. Unlike
// the timeline entries it carries the authority block unflattened.
type CurrentDecisionResponse struct {
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

// NewCurrentDecisionResponse builds the current-decision view from the
// latest ledger decision event.
func NewCurrentDecisionResponse(ev WorkflowEvent, rec DecisionRecord) CurrentDecisionResponse {
	codes := rec.ReasonCodes
	if codes == nil {
		codes = []string{}
	}
	return CurrentDecisionResponse{
		WorkflowID:    ev.WorkflowID,
		DecisionID:    rec.DecisionID,
		Timestamp:     ev.CreatedAt,
		Outcome:       rec.Decision.Outcome,
		Confidence:    rec.Decision.Confidence,
		RequiresHuman: rec.Decision.RequiresHuman,
		CanProceed:    rec.Decision.CanProceed,
		Policy:        rec.Policy,
		ReasonCodes:   codes,
		RiskSummary:   rec.RiskSummary,
		Authority:     rec.Authority,
		Lineage:       rec.Lineage,
		Subject:       rec.Subject,
	}
}

// IntegrityEventReport is the per-event result of an integrity check:
// the stored content hash recomputed against the live row.
type IntegrityEventReport struct {
	EventID      string    `json:"event_id"`
	Seq          int64     `json:"seq"`
	EventType    EventType `json:"event_type"`
	StoredHash   string    `json:"stored_hash"`
	ComputedHash string    `json:"computed_hash"`
	Valid        bool      `json:"valid"`
	CreatedAt    time.Time `json:"created_at"`
}

// IntegrityReport is the response for
// GET /investigator/workflows/{workflow_id}/integrity.
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

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Postgres  string `json:"postgres"`
	SSEBroker string `json:"sse_broker,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}
