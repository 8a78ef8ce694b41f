package mcp

import (
	"fmt"
	"strings"

	"github.com/turing-id/orchestrate/internal/model"
)

const maxCompactReason = 200

// compactWorkflow returns a minimal representation of a workflow for MCP
// responses. Drops the raw data bag (liveness frames, document metadata,
// engine result dumps) that agents don't act on; session references stay
// because investigators cite them.
func compactWorkflow(wf model.Workflow) map[string]any {
	m := map[string]any{
		"id":             wf.ID,
		"tenant_id":      wf.TenantID,
		"state":          wf.State,
		"requires_human": wf.RequiresHuman,
		"created_at":     wf.CreatedAt,
		"updated_at":     wf.UpdatedAt,
	}
	if wf.Decision != nil {
		m["decision"] = *wf.Decision
	}
	if wf.RiskScore != nil {
		m["risk_score"] = *wf.RiskScore
	}
	if wf.RiskBand != nil {
		m["risk_band"] = *wf.RiskBand
	}
	if wf.SelfieSessionID != nil {
		m["selfie_session_id"] = *wf.SelfieSessionID
	}
	if wf.IDSessionID != nil {
		m["id_session_id"] = *wf.IDSessionID
	}
	return m
}

// compactDecision returns a minimal representation of a decision record.
// Drops wire bookkeeping (event_id, correlation_id, models, evidence) and
// flattens the nested blocks agents actually read.
func compactDecision(rec model.DecisionRecord) map[string]any {
	m := map[string]any{
		"decision_id":    rec.DecisionID,
		"outcome":        rec.Decision.Outcome,
		"confidence":     rec.Decision.Confidence,
		"requires_human": rec.Decision.RequiresHuman,
		"can_proceed":    rec.Decision.CanProceed,
		"decided_by":     rec.Authority.DecidedBy,
		"is_override":    rec.Authority.Override,
		"jurisdiction":   rec.Policy.Jurisdiction,
		"overall_risk":   rec.RiskSummary.OverallRisk,
		"timestamp":      rec.Timestamp,
	}
	if len(rec.ReasonCodes) > 0 {
		codes := make([]string, len(rec.ReasonCodes))
		for i, c := range rec.ReasonCodes {
			codes[i] = truncate(c, maxCompactReason)
		}
		m["reason_codes"] = codes
	}
	if rec.Lineage.SupersedesDecisionID != nil {
		m["supersedes_decision_id"] = *rec.Lineage.SupersedesDecisionID
	}
	if rec.Lineage.OverriddenBy != nil {
		m["overridden_by"] = *rec.Lineage.OverriddenBy
	}
	return m
}

// compactTimelineEntry returns a minimal representation of one timeline
// decision.
func compactTimelineEntry(e model.TimelineEntry) map[string]any {
	m := map[string]any{
		"decision_id": e.DecisionID,
		"timestamp":   e.Timestamp,
		"outcome":     e.Outcome,
		"confidence":  e.Confidence,
		"decided_by":  e.Authority.DecidedBy,
		"is_override": e.Authority.IsOverride,
	}
	if len(e.ReasonCodes) > 0 {
		codes := make([]string, len(e.ReasonCodes))
		for i, c := range e.ReasonCodes {
			codes[i] = truncate(c, maxCompactReason)
		}
		m["reason_codes"] = codes
	}
	if e.Lineage.SupersedesDecisionID != nil {
		m["supersedes_decision_id"] = *e.Lineage.SupersedesDecisionID
	}
	if e.Lineage.OverriddenBy != nil {
		m["overridden_by"] = *e.Lineage.OverriddenBy
	}
	return m
}

// workflowContextNote produces a human-readable signal note for a workflow.
// Rules are evaluated in priority order; first match wins. Returns "" when
// no rule fires.
func workflowContextNote(wf model.Workflow, latest *model.DecisionRecord) string {
	switch {
	case wf.State == model.StateRiskFailed:
		return "Risk engine was degraded for this workflow; it is undecided until a human override arrives."

	case latest != nil && latest.Authority.Override:
		who := "a human operator"
		if latest.Lineage.OverriddenBy != nil {
			who = *latest.Lineage.OverriddenBy
		}
		return fmt.Sprintf("Current decision is a human override by %s; check the timeline for the superseded decision.", who)

	case wf.State == model.StateOverrideApplied:
		return "A human override has been applied; check the timeline for lineage."

	case wf.RequiresHuman:
		return "Flagged for human review; the automated decision is advisory until reviewed."

	case wf.State == model.StateMatchFailed:
		return "Selfie-to-document match failed; expect elevated risk signals."
	}
	return ""
}

// timelineSummary creates a 1-3 sentence human-readable synthesis of a
// decision timeline. Template-based, no LLM dependency.
func timelineSummary(resp model.DecisionTimelineResponse) string {
	var parts []string

	if resp.DecisionCount == 1 {
		parts = append(parts, "1 decision on the ledger.")
	} else {
		parts = append(parts, fmt.Sprintf("%d decisions on the ledger.", resp.DecisionCount))
	}

	if cur := resp.CurrentDecision; cur != nil {
		line := fmt.Sprintf("Current: %s (%.0f%% confidence", cur.Outcome, cur.Confidence*100)
		if cur.Authority.IsOverride {
			who := "human operator"
			if cur.Lineage.OverriddenBy != nil {
				who = *cur.Lineage.OverriddenBy
			}
			line += ", override by " + who
			if cur.Lineage.SupersedesDecisionID != nil {
				line += ", supersedes " + *cur.Lineage.SupersedesDecisionID
			}
		}
		line += ")."
		parts = append(parts, line)
	}

	if resp.HasOverrides {
		overrides := 0
		for _, e := range resp.Timeline {
			if e.Authority.IsOverride {
				overrides++
			}
		}
		parts = append(parts, fmt.Sprintf("%d override(s) recorded; superseded decisions remain on the ledger.", overrides))
	}

	return strings.Join(parts, " ")
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
