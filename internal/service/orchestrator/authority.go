package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/turing-id/orchestrate/internal/fusion"
	"github.com/turing-id/orchestrate/internal/model"
	"github.com/turing-id/orchestrate/internal/storage"
)

// finaliseDecision is the only code path that appends decision.finalised.
// It writes the ledger event, refreshes the workflow's decision cache in the
// same transaction, and queues the transactional notification that fans out
// to SSE subscribers after commit.
func (s *Service) finaliseDecision(ctx context.Context, tx pgx.Tx, wf *model.Workflow, rec model.DecisionRecord, now time.Time) (model.WorkflowEvent, error) {
	payload, err := rec.ToMap()
	if err != nil {
		return model.WorkflowEvent{}, fmt.Errorf("orchestrator: finalise decision: %w", err)
	}

	evRow, err := s.db.AppendEvent(ctx, tx, wf.ID, wf.TenantID, model.EventDecisionFinalised, payload, now)
	if err != nil {
		return model.WorkflowEvent{}, err
	}

	outcome := string(rec.Decision.Outcome)
	wf.Decision = &outcome
	wf.RequiresHuman = rec.Decision.RequiresHuman
	wf.UpdatedAt = now
	if err := s.db.SaveWorkflow(ctx, tx, *wf); err != nil {
		return model.WorkflowEvent{}, err
	}

	note, err := json.Marshal(map[string]any{
		"workflow_id": wf.ID,
		"tenant_id":   wf.TenantID,
		"decision_id": rec.DecisionID,
		"outcome":     outcome,
		"override":    rec.Authority.Override,
	})
	if err != nil {
		// The decision stands even if the notification payload cannot be
		// built; subscribers catch up through the query API.
		s.logger.Warn("encode decision notification", "workflow_id", wf.ID, "error", err)
	} else if err := s.db.NotifyTx(ctx, tx, storage.ChannelDecisions, string(note)); err != nil {
		return model.WorkflowEvent{}, err
	}

	s.decisionsEmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("override", rec.Authority.Override),
	))
	return evRow, nil
}

// buildRiskDecision assembles the decision record for a risk-path decision
// from a fully-resolved evaluation.
func (s *Service) buildRiskDecision(wf *model.Workflow, res fusion.Resolution, eval model.RiskEvaluation, correlationID string, now time.Time) model.DecisionRecord {
	return model.DecisionRecord{
		EventID:       "evt_decision_" + uuid.NewString(),
		EventType:     string(model.EventDecisionFinalised),
		Timestamp:     now,
		DecisionID:    "dec_" + wf.ID,
		CorrelationID: orCorrelation(correlationID),
		TenantID:      wf.TenantID,
		Subject:       subjectFor(wf),
		Decision: model.DecisionBody{
			Outcome:       res.Outcome,
			Confidence:    res.Confidence,
			RequiresHuman: res.RequiresHuman,
			CanProceed:    model.CanProceed(res.Outcome),
		},
		Policy: model.Policy{
			Jurisdiction:  res.Jurisdiction,
			PolicyPack:    model.PolicyPack,
			PolicyVersion: res.PolicyVersion,
		},
		RiskSummary: model.RiskSummary{
			OverallRisk: string(res.Band),
			RiskScore:   &res.Score,
			Scores:      eval.ComponentScoreMap(),
		},
		ReasonCodes: reasonCodes(eval.Factors),
		Models:      orMap(eval.Models),
		Evidence:    evidenceFor(wf),
		Lineage:     model.Lineage{},
		Authority: model.Authority{
			DecidedBy:      model.DecidedByOrchestrator,
			ServiceVersion: model.ServiceVersion,
			Override:       false,
		},
	}
}

// buildOverrideDecision assembles the decision record for a human override.
// Policy context carries over from the workflow's recorded risk evaluation
// where available; the risk summary snapshots the cached posture rather
// than re-deriving it.
func (s *Service) buildOverrideDecision(wf *model.Workflow, prior model.DecisionRecord, p model.OverridePayload, correlationID string, now time.Time) model.DecisionRecord {
	jurisdiction := model.DefaultJurisdiction
	if j, ok := wf.DataBag()["jurisdiction"].(string); ok && j != "" {
		jurisdiction = j
	}
	policyVersion := prior.Policy.PolicyVersion
	if policyVersion == "" {
		policyVersion = model.DefaultPolicyVersion
	}
	overallRisk := "unknown"
	if wf.RiskBand != nil {
		overallRisk = *wf.RiskBand
	}

	overriddenBy := p.OverriddenBy
	supersedes := prior.DecisionID
	return model.DecisionRecord{
		EventID:       "evt_decision_override_" + uuid.NewString(),
		EventType:     string(model.EventDecisionFinalised),
		Timestamp:     now,
		DecisionID:    "dec_" + wf.ID + "_override_" + uuid.NewString()[:8],
		CorrelationID: orCorrelation(correlationID),
		TenantID:      wf.TenantID,
		Subject:       subjectFor(wf),
		Decision: model.DecisionBody{
			Outcome:       p.Decision,
			Confidence:    1.0,
			RequiresHuman: false,
			CanProceed:    model.CanProceed(p.Decision),
		},
		Policy: model.Policy{
			Jurisdiction:  jurisdiction,
			PolicyPack:    model.PolicyPack,
			PolicyVersion: policyVersion,
		},
		RiskSummary: model.RiskSummary{
			OverallRisk: overallRisk,
			RiskScore:   wf.RiskScore,
			Scores:      model.ComponentScores{},
		},
		ReasonCodes: []string{p.Reason},
		Models:      map[string]any{},
		Evidence:    evidenceFor(wf),
		Lineage: model.Lineage{
			SupersedesDecisionID: &supersedes,
			OverriddenBy:         &overriddenBy,
			OverrideReason:       p.Reason,
			OverrideTimestamp:    &now,
		},
		Authority: model.Authority{
			DecidedBy:      model.DecidedByHumanOperator,
			ServiceVersion: model.ServiceVersion,
			Override:       true,
		},
	}
}

// orCorrelation returns the ingress correlation id, minting one when the
// caller sent none so every decision record stays traceable.
func orCorrelation(correlationID string) string {
	if correlationID != "" {
		return correlationID
	}
	return "corr_" + uuid.NewString()
}

// subjectFor derives the decision subject from what capture services
// recorded on the workflow. Anonymous workflows fall back to the workflow id
// as the subject id.
func subjectFor(wf *model.Workflow) model.Subject {
	data := wf.DataBag()
	subjectID := wf.ID
	if v, ok := data["user_id"].(string); ok && v != "" {
		subjectID = v
	}
	action := model.DefaultSubjectAction
	if v, ok := data["action"].(string); ok && v != "" {
		action = v
	}
	return model.Subject{
		SubjectType: model.SubjectTypeUser,
		SubjectID:   subjectID,
		Action:      action,
	}
}

// evidenceFor returns the evidence references accumulated on the workflow,
// or an empty object so the decision record field is never null.
func evidenceFor(wf *model.Workflow) map[string]any {
	if v, ok := wf.DataBag()["evidence"].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

func reasonCodes(factors []string) []string {
	if factors == nil {
		return []string{}
	}
	return factors
}

func orMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
