package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turing-id/orchestrate/internal/model"
	"github.com/turing-id/orchestrate/internal/risk"
	"github.com/turing-id/orchestrate/internal/service/orchestrator"
	"github.com/turing-id/orchestrate/internal/storage"
	"github.com/turing-id/orchestrate/internal/testutil"
)

const testTenant = "acme"

var (
	testDB *storage.DB
	svc    *orchestrator.Service

	// The stub risk evaluator's canned result, swappable per test via setRisk.
	riskMu     sync.Mutex
	riskResult risk.Result
)

// stubRisk satisfies the service's risk evaluator interface with whatever
// result the current test installed.
type stubRisk struct{}

func (stubRisk) Evaluate(_ context.Context, _ map[string]any) risk.Result {
	riskMu.Lock()
	defer riskMu.Unlock()
	return riskResult
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()
	logger := testutil.TestLogger()

	db, err := tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}
	testDB = db

	riskResult = okResult(approvingEvaluation())
	svc = orchestrator.New(db, stubRisk{}, logger)

	code := m.Run()

	db.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

// ---------------------------------------------------------------------------
// Helpers

func ptr[T any](v T) *T { return &v }

func newWorkflowID(t *testing.T) string {
	t.Helper()
	return "wf_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// approvingEvaluation is the default engine verdict: low risk, approve, no
// human needed.
func approvingEvaluation() *model.RiskEvaluation {
	return &model.RiskEvaluation{
		FinalRisk:      model.FinalRisk{Score: ptr(0.12), Band: "low"},
		Decision:       &model.RiskDecision{Recommendation: "approve", RequiresHuman: ptr(false)},
		Confidence:     ptr(0.97),
		Jurisdiction:   "AU",
		PolicyVersion:  "2025.08",
		FraudScore:     ptr(0.10),
		AMLScore:       ptr(0.20),
		CreditScore:    ptr(0.15),
		LiquidityScore: ptr(0.05),
		Factors:        []string{"velocity_normal"},
	}
}

// okResult wraps an evaluation the way the HTTP client would: Raw mirrors
// the decoded engine response body.
func okResult(eval *model.RiskEvaluation) risk.Result {
	b, _ := json.Marshal(eval)
	var raw map[string]any
	_ = json.Unmarshal(b, &raw)
	return risk.Result{Evaluation: eval, Raw: raw}
}

func degradedResult(exception string) risk.Result {
	return risk.Result{Degraded: &risk.Degraded{Error: risk.DegradedError, Exception: exception}}
}

func setRisk(t *testing.T, res risk.Result) {
	t.Helper()
	riskMu.Lock()
	prev := riskResult
	riskResult = res
	riskMu.Unlock()
	t.Cleanup(func() {
		riskMu.Lock()
		riskResult = prev
		riskMu.Unlock()
	})
}

func selfiePayload(wfID string) map[string]any {
	return map[string]any{
		"tenant_id":   testTenant,
		"workflow_id": wfID,
		"session_id":  "live_" + wfID,
		"user_id":     "user_" + wfID,
		"liveness":    map[string]any{"passed": true, "score": 0.98},
	}
}

func idPayload(wfID string) map[string]any {
	return map[string]any{
		"tenant_id":         testTenant,
		"workflow_id":       wfID,
		"id_session_id":     "doc_" + wfID,
		"document_metadata": map[string]any{"document_type": "passport", "country": "AU"},
	}
}

func matchPayload(wfID string, match bool) map[string]any {
	return map[string]any{
		"tenant_id":   testTenant,
		"workflow_id": wfID,
		"match":       match,
		"fused_score": 0.93,
	}
}

func riskPayload(wfID string) map[string]any {
	return map[string]any{
		"tenant_id":   testTenant,
		"workflow_id": wfID,
		"signals":     map[string]any{"amount": 5000, "velocity_24h": 2},
	}
}

func overridePayload(wfID, decision, reason string) map[string]any {
	return map[string]any{
		"tenant_id":     testTenant,
		"workflow_id":   wfID,
		"decision":      decision,
		"reason":        reason,
		"overridden_by": "ops@example.com",
	}
}

func mustDispatch(t *testing.T, typ model.EventType, payload map[string]any) orchestrator.DispatchResult {
	t.Helper()
	res, err := svc.Dispatch(context.Background(), model.InboundEvent{Type: typ, Payload: payload})
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusOK, res.Status)
	return res
}

// captureFlow drives a workflow through selfie, ID document, and biometric
// match so risk evaluation runs against a fully populated workflow.
func captureFlow(t *testing.T, wfID string) {
	t.Helper()
	mustDispatch(t, model.EventSelfieUploaded, selfiePayload(wfID))
	mustDispatch(t, model.EventIDUploaded, idPayload(wfID))
	mustDispatch(t, model.EventMatchCompleted, matchPayload(wfID, true))
}

func fetchWorkflow(t *testing.T, wfID string) model.Workflow {
	t.Helper()
	wf, err := testDB.GetWorkflow(context.Background(), wfID, testTenant)
	require.NoError(t, err)
	return wf
}

func ledgerEvents(t *testing.T, wfID string) []model.WorkflowEvent {
	t.Helper()
	evs, err := testDB.ListEvents(context.Background(), storage.EventQuery{WorkflowID: wfID, TenantID: testTenant})
	require.NoError(t, err)
	return evs
}

func decisionRecords(t *testing.T, wfID string) []model.DecisionRecord {
	t.Helper()
	evs, err := testDB.ListEvents(context.Background(), storage.EventQuery{
		WorkflowID: wfID,
		TenantID:   testTenant,
		EventType:  model.EventDecisionFinalised,
	})
	require.NoError(t, err)
	recs := make([]model.DecisionRecord, 0, len(evs))
	for _, ev := range evs {
		rec, err := model.ParseDecisionRecord(ev.Payload)
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return recs
}

// ---------------------------------------------------------------------------
// Capture flow and state machine

func TestCaptureFlowApproves(t *testing.T) {
	wfID := newWorkflowID(t)
	captureFlow(t, wfID)

	res := mustDispatch(t, model.EventRiskEvaluate, riskPayload(wfID))
	assert.Equal(t, wfID, res.WorkflowID)
	assert.Equal(t, model.EventRiskEvaluate, res.Processed)

	wf := fetchWorkflow(t, wfID)
	assert.Equal(t, model.StateRiskEvaluated, wf.State)
	require.NotNil(t, wf.RiskScore)
	assert.InDelta(t, 0.12, *wf.RiskScore, 1e-9)
	require.NotNil(t, wf.RiskBand)
	assert.Equal(t, "low", *wf.RiskBand)
	require.NotNil(t, wf.Decision)
	assert.Equal(t, "approve", *wf.Decision)
	assert.False(t, wf.RequiresHuman)

	require.NotNil(t, wf.SelfieSessionID)
	assert.Equal(t, "live_"+wfID, *wf.SelfieSessionID)
	require.NotNil(t, wf.IDSessionID)
	assert.Equal(t, "doc_"+wfID, *wf.IDSessionID)

	// Audit material accumulated across handlers.
	assert.Equal(t, "user_"+wfID, wf.Data["user_id"])
	assert.Equal(t, "AU", wf.Data["jurisdiction"])
	assert.NotNil(t, wf.Data["risk_result"])
	selfie, ok := wf.Data["selfie"].(map[string]any)
	require.True(t, ok)
	assert.NotNil(t, selfie["liveness"])
	idDoc, ok := wf.Data["id_document"].(map[string]any)
	require.True(t, ok)
	assert.NotNil(t, idDoc["metadata"])
	match, ok := wf.Data["match"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, match["is_match"])
}

func TestLedgerRecordsFlowInOrder(t *testing.T) {
	wfID := newWorkflowID(t)
	captureFlow(t, wfID)
	mustDispatch(t, model.EventRiskEvaluate, riskPayload(wfID))

	evs := ledgerEvents(t, wfID)
	types := make([]model.EventType, len(evs))
	for i, ev := range evs {
		types[i] = ev.EventType
		// Versioned SHA-256: "v1:" plus 64 hex chars.
		assert.True(t, strings.HasPrefix(ev.ContentHash, "v1:"), "hash %q lacks version prefix", ev.ContentHash)
		assert.Len(t, ev.ContentHash, 67)
	}
	assert.Equal(t, []model.EventType{
		model.EventSelfieUploaded,
		model.EventIDUploaded,
		model.EventMatchCompleted,
		model.EventRiskEvaluated,
		model.EventDecisionFinalised,
	}, types)
}

func TestSelfieSessionDoublesAsWorkflowID(t *testing.T) {
	sessionID := "live_" + uuid.NewString()[:8]
	res := mustDispatch(t, model.EventSelfieUploaded, map[string]any{
		"tenant_id":  testTenant,
		"session_id": sessionID,
	})
	assert.Equal(t, sessionID, res.WorkflowID)

	wf := fetchWorkflow(t, sessionID)
	assert.Equal(t, model.StateSelfieUploaded, wf.State)
	require.NotNil(t, wf.SelfieSessionID)
	assert.Equal(t, sessionID, *wf.SelfieSessionID)
}

func TestMatchFailureParksWorkflow(t *testing.T) {
	wfID := newWorkflowID(t)
	mustDispatch(t, model.EventMatchCompleted, matchPayload(wfID, false))

	wf := fetchWorkflow(t, wfID)
	assert.Equal(t, model.StateMatchFailed, wf.State)
	match, ok := wf.Data["match"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, match["is_match"])
	assert.InDelta(t, 0.93, match["fused_score"].(float64), 1e-9)
}

func TestUnknownEventTypeIgnored(t *testing.T) {
	wfID := newWorkflowID(t)
	res, err := svc.Dispatch(context.Background(), model.InboundEvent{
		Type:    "banana_peeled",
		Payload: map[string]any{"tenant_id": testTenant, "workflow_id": wfID},
	})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusIgnored, res.Status)
	assert.Equal(t, "unknown_event_type:banana_peeled", res.Reason)

	// Ignored events never create workflows.
	_, err = testDB.GetWorkflow(context.Background(), wfID, testTenant)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPayloadValidation(t *testing.T) {
	cases := []struct {
		name    string
		typ     model.EventType
		payload map[string]any
	}{
		{"selfie missing session", model.EventSelfieUploaded, map[string]any{"tenant_id": testTenant}},
		{"selfie missing tenant", model.EventSelfieUploaded, map[string]any{"session_id": "live_x"}},
		{"id missing session", model.EventIDUploaded, map[string]any{"tenant_id": testTenant, "workflow_id": "wf_x"}},
		{"match not boolean", model.EventMatchCompleted, map[string]any{"tenant_id": testTenant, "workflow_id": "wf_x", "match": "yes"}},
		{"risk missing workflow", model.EventRiskEvaluate, map[string]any{"tenant_id": testTenant}},
		{"override bad outcome", model.EventOverrideApplied, map[string]any{"tenant_id": testTenant, "workflow_id": "wf_x", "decision": "maybe"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Dispatch(context.Background(), model.InboundEvent{Type: tc.typ, Payload: tc.payload})
			require.ErrorIs(t, err, orchestrator.ErrValidation)
		})
	}
}

// ---------------------------------------------------------------------------
// Decision authority

func TestRiskDecisionRecord(t *testing.T) {
	wfID := newWorkflowID(t)
	captureFlow(t, wfID)
	mustDispatch(t, model.EventRiskEvaluate, riskPayload(wfID))

	recs := decisionRecords(t, wfID)
	require.Len(t, recs, 1)
	rec := recs[0]

	assert.Equal(t, "dec_"+wfID, rec.DecisionID)
	assert.Equal(t, string(model.EventDecisionFinalised), rec.EventType)
	assert.True(t, strings.HasPrefix(rec.EventID, "evt_decision_"))
	assert.True(t, strings.HasPrefix(rec.CorrelationID, "corr_"))
	assert.Equal(t, testTenant, rec.TenantID)

	assert.Equal(t, model.SubjectTypeUser, rec.Subject.SubjectType)
	assert.Equal(t, "user_"+wfID, rec.Subject.SubjectID)
	assert.Equal(t, model.DefaultSubjectAction, rec.Subject.Action)

	assert.Equal(t, model.OutcomeApprove, rec.Decision.Outcome)
	assert.InDelta(t, 0.97, rec.Decision.Confidence, 1e-9)
	assert.False(t, rec.Decision.RequiresHuman)
	assert.True(t, rec.Decision.CanProceed)

	assert.Equal(t, "AU", rec.Policy.Jurisdiction)
	assert.Equal(t, model.PolicyPack, rec.Policy.PolicyPack)
	assert.Equal(t, "2025.08", rec.Policy.PolicyVersion)

	assert.Equal(t, "low", rec.RiskSummary.OverallRisk)
	require.NotNil(t, rec.RiskSummary.RiskScore)
	assert.InDelta(t, 0.12, *rec.RiskSummary.RiskScore, 1e-9)
	require.NotNil(t, rec.RiskSummary.Scores.Fraud)
	assert.InDelta(t, 0.10, *rec.RiskSummary.Scores.Fraud, 1e-9)
	require.NotNil(t, rec.RiskSummary.Scores.AML)
	assert.InDelta(t, 0.20, *rec.RiskSummary.Scores.AML, 1e-9)

	assert.Equal(t, []string{"velocity_normal"}, rec.ReasonCodes)
	assert.Equal(t, model.DecidedByOrchestrator, rec.Authority.DecidedBy)
	assert.Equal(t, model.ServiceVersion, rec.Authority.ServiceVersion)
	assert.False(t, rec.Authority.Override)
	assert.Nil(t, rec.Lineage.SupersedesDecisionID)
}

func TestCorrelationIDCarriedIntoDecision(t *testing.T) {
	wfID := newWorkflowID(t)
	res, err := svc.Dispatch(context.Background(), model.InboundEvent{
		Type:          model.EventRiskEvaluate,
		Payload:       riskPayload(wfID),
		CorrelationID: "corr_ingress_42",
	})
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusOK, res.Status)

	recs := decisionRecords(t, wfID)
	require.Len(t, recs, 1)
	assert.Equal(t, "corr_ingress_42", recs[0].CorrelationID)

	// risk_evaluate on an unseen workflow creates it; with no capture data
	// the subject falls back to the workflow itself.
	assert.Equal(t, wfID, recs[0].Subject.SubjectID)
	assert.Equal(t, model.DefaultSubjectAction, recs[0].Subject.Action)
}

func TestMediumRiskAMLGateForcesReview(t *testing.T) {
	setRisk(t, okResult(&model.RiskEvaluation{
		FinalRisk:    model.FinalRisk{Score: ptr(0.50)},
		Jurisdiction: "EU",
		AMLScore:     ptr(0.62),
	}))

	wfID := newWorkflowID(t)
	mustDispatch(t, model.EventRiskEvaluate, riskPayload(wfID))

	wf := fetchWorkflow(t, wfID)
	assert.Equal(t, model.StateRiskEvaluated, wf.State)
	require.NotNil(t, wf.RiskBand)
	assert.Equal(t, "medium", *wf.RiskBand)
	require.NotNil(t, wf.Decision)
	assert.Equal(t, "review", *wf.Decision)
	assert.True(t, wf.RequiresHuman)
	assert.Equal(t, "EU", wf.Data["jurisdiction"])

	recs := decisionRecords(t, wfID)
	require.Len(t, recs, 1)
	assert.Equal(t, model.OutcomeReview, recs[0].Decision.Outcome)
	assert.True(t, recs[0].Decision.RequiresHuman)
	assert.True(t, recs[0].Decision.CanProceed)
	assert.Equal(t, "EU", recs[0].Policy.Jurisdiction)
	assert.Equal(t, model.DefaultPolicyVersion, recs[0].Policy.PolicyVersion)
}

func TestComponentFusionDeclinesCritical(t *testing.T) {
	// No final score and no recommendation from the engine: the composite
	// is fused from components. EU inflates AML 0.80 -> 0.96, so
	// 0.35*0.95 + 0.30*0.96 + 0.20*0.80 + 0.15*0.70 = 0.8855, critical.
	setRisk(t, okResult(&model.RiskEvaluation{
		Jurisdiction:   "EU",
		FraudScore:     ptr(0.95),
		AMLScore:       ptr(0.80),
		CreditScore:    ptr(0.80),
		LiquidityScore: ptr(0.70),
	}))

	wfID := newWorkflowID(t)
	mustDispatch(t, model.EventRiskEvaluate, riskPayload(wfID))

	wf := fetchWorkflow(t, wfID)
	require.NotNil(t, wf.RiskScore)
	assert.InDelta(t, 0.8855, *wf.RiskScore, 1e-9)
	require.NotNil(t, wf.RiskBand)
	assert.Equal(t, "critical", *wf.RiskBand)
	require.NotNil(t, wf.Decision)
	assert.Equal(t, "decline", *wf.Decision)
	assert.False(t, wf.RequiresHuman)

	recs := decisionRecords(t, wfID)
	require.Len(t, recs, 1)
	assert.Equal(t, model.OutcomeDecline, recs[0].Decision.Outcome)
	assert.False(t, recs[0].Decision.CanProceed)
	assert.Equal(t, "critical", recs[0].RiskSummary.OverallRisk)
}

func TestEngineRequiresHumanFlagWins(t *testing.T) {
	eval := approvingEvaluation()
	eval.Decision = &model.RiskDecision{Recommendation: "approve", RequiresHuman: ptr(true)}
	setRisk(t, okResult(eval))

	wfID := newWorkflowID(t)
	mustDispatch(t, model.EventRiskEvaluate, riskPayload(wfID))

	wf := fetchWorkflow(t, wfID)
	require.NotNil(t, wf.Decision)
	assert.Equal(t, "approve", *wf.Decision)
	assert.True(t, wf.RequiresHuman)

	recs := decisionRecords(t, wfID)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Decision.RequiresHuman)
	assert.True(t, recs[0].Decision.CanProceed)
}

func TestDegradedEngineParksWorkflowUndecided(t *testing.T) {
	setRisk(t, degradedResult("connection refused"))

	wfID := newWorkflowID(t)
	captureFlow(t, wfID)
	mustDispatch(t, model.EventRiskEvaluate, riskPayload(wfID))

	wf := fetchWorkflow(t, wfID)
	assert.Equal(t, model.StateRiskFailed, wf.State)
	assert.Equal(t, "connection refused", wf.Data["risk_error"])
	assert.Nil(t, wf.Decision)
	assert.Nil(t, wf.RiskScore)
	riskRes, ok := wf.Data["risk_result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, risk.DegradedError, riskRes["error"])

	// No decision is emitted for a degraded evaluation, but the transition
	// event still records the attempt.
	assert.Empty(t, decisionRecords(t, wfID))
	count, err := testDB.CountEventsOfType(context.Background(), wfID, testTenant, model.EventRiskEvaluated)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// ---------------------------------------------------------------------------
// Overrides

func TestOverrideSupersedesOriginalDecision(t *testing.T) {
	wfID := newWorkflowID(t)
	captureFlow(t, wfID)
	mustDispatch(t, model.EventRiskEvaluate, riskPayload(wfID))
	mustDispatch(t, model.EventOverrideApplied, overridePayload(wfID, "decline", "manual_fraud_flag"))

	wf := fetchWorkflow(t, wfID)
	assert.Equal(t, model.StateOverrideApplied, wf.State)
	require.NotNil(t, wf.Decision)
	assert.Equal(t, "decline", *wf.Decision)
	assert.False(t, wf.RequiresHuman)

	recs := decisionRecords(t, wfID)
	require.Len(t, recs, 2)

	override := recs[1]
	assert.True(t, strings.HasPrefix(override.DecisionID, "dec_"+wfID+"_override_"))
	assert.Equal(t, model.OutcomeDecline, override.Decision.Outcome)
	assert.InDelta(t, 1.0, override.Decision.Confidence, 1e-9)
	assert.False(t, override.Decision.RequiresHuman)
	assert.False(t, override.Decision.CanProceed)

	assert.True(t, override.Authority.Override)
	assert.Equal(t, model.DecidedByHumanOperator, override.Authority.DecidedBy)

	require.NotNil(t, override.Lineage.SupersedesDecisionID)
	assert.Equal(t, "dec_"+wfID, *override.Lineage.SupersedesDecisionID)
	require.NotNil(t, override.Lineage.OverriddenBy)
	assert.Equal(t, "ops@example.com", *override.Lineage.OverriddenBy)
	assert.Equal(t, "manual_fraud_flag", override.Lineage.OverrideReason)
	require.NotNil(t, override.Lineage.OverrideTimestamp)
	assert.Equal(t, []string{"manual_fraud_flag"}, override.ReasonCodes)

	// Policy and risk context carry over from the superseded evaluation.
	assert.Equal(t, "AU", override.Policy.Jurisdiction)
	assert.Equal(t, "2025.08", override.Policy.PolicyVersion)
	assert.Equal(t, "low", override.RiskSummary.OverallRisk)
}

func TestSecondOverrideStillSupersedesOriginal(t *testing.T) {
	wfID := newWorkflowID(t)
	mustDispatch(t, model.EventRiskEvaluate, riskPayload(wfID))
	mustDispatch(t, model.EventOverrideApplied, overridePayload(wfID, "decline", "fraud_ring_match"))
	mustDispatch(t, model.EventOverrideApplied, overridePayload(wfID, "review", "second_look"))

	recs := decisionRecords(t, wfID)
	require.Len(t, recs, 3)
	// Lineage always points at the original automated decision, not at the
	// previous override.
	for _, rec := range recs[1:] {
		require.NotNil(t, rec.Lineage.SupersedesDecisionID)
		assert.Equal(t, "dec_"+wfID, *rec.Lineage.SupersedesDecisionID)
	}

	wf := fetchWorkflow(t, wfID)
	require.NotNil(t, wf.Decision)
	assert.Equal(t, "review", *wf.Decision)
}

func TestOverrideLedgerSequence(t *testing.T) {
	wfID := newWorkflowID(t)
	mustDispatch(t, model.EventRiskEvaluate, riskPayload(wfID))
	mustDispatch(t, model.EventOverrideApplied, overridePayload(wfID, "decline", "doc_mismatch"))

	evs := ledgerEvents(t, wfID)
	require.Len(t, evs, 5)
	assert.Equal(t, model.EventRiskEvaluated, evs[0].EventType)
	assert.Equal(t, model.EventDecisionFinalised, evs[1].EventType)
	assert.Equal(t, model.EventOverrideApplied, evs[2].EventType)
	assert.Equal(t, model.EventDecisionFinalised, evs[3].EventType)
	assert.Equal(t, model.EventOverrideRecorded, evs[4].EventType)

	audit := evs[4].Payload
	assert.Equal(t, "approve", audit["original_decision"])
	assert.Equal(t, "decline", audit["new_decision"])
	assert.Equal(t, "doc_mismatch", audit["reason"])
	assert.Equal(t, "ops@example.com", audit["overridden_by"])
}

func TestOverrideRequiresPriorDecision(t *testing.T) {
	wfID := newWorkflowID(t)
	captureFlow(t, wfID)

	before := len(ledgerEvents(t, wfID))
	_, err := svc.Dispatch(context.Background(), model.InboundEvent{
		Type:    model.EventOverrideApplied,
		Payload: overridePayload(wfID, "approve", "premature"),
	})
	require.ErrorIs(t, err, orchestrator.ErrNoPriorDecision)

	// Rejected overrides leave no trace in the ledger.
	assert.Len(t, ledgerEvents(t, wfID), before)
	wf := fetchWorkflow(t, wfID)
	assert.Equal(t, model.StateMatchVerified, wf.State)
}

func TestOverrideUnknownWorkflow(t *testing.T) {
	_, err := svc.Dispatch(context.Background(), model.InboundEvent{
		Type:    model.EventOverrideApplied,
		Payload: overridePayload(newWorkflowID(t), "approve", "nothing_here"),
	})
	require.ErrorIs(t, err, orchestrator.ErrWorkflowNotFound)
}

// ---------------------------------------------------------------------------
// Hooks

type hookDecision struct {
	workflowID string
	record     model.DecisionRecord
}

type hookDegradation struct {
	workflowID string
	tenantID   string
	exception  string
}

type captureHook struct {
	decisions chan hookDecision
	degraded  chan hookDegradation
}

func newCaptureHook() *captureHook {
	return &captureHook{
		decisions: make(chan hookDecision, 8),
		degraded:  make(chan hookDegradation, 8),
	}
}

func (h *captureHook) OnDecisionFinalised(_ context.Context, workflowID string, rec model.DecisionRecord) error {
	h.decisions <- hookDecision{workflowID: workflowID, record: rec}
	return nil
}

func (h *captureHook) OnRiskDegraded(_ context.Context, workflowID, tenantID, exception string) error {
	h.degraded <- hookDegradation{workflowID: workflowID, tenantID: tenantID, exception: exception}
	return nil
}

type failingHook struct{}

func (failingHook) OnDecisionFinalised(context.Context, string, model.DecisionRecord) error {
	return errors.New("hook exploded")
}

func (failingHook) OnRiskDegraded(context.Context, string, string, string) error {
	return errors.New("hook exploded")
}

func TestDecisionHookReceivesFinalisedDecisions(t *testing.T) {
	hook := newCaptureHook()
	hooked := orchestrator.New(testDB, stubRisk{}, testutil.TestLogger(), orchestrator.WithDecisionHook(hook))

	wfID := newWorkflowID(t)
	_, err := hooked.Dispatch(context.Background(), model.InboundEvent{
		Type:    model.EventRiskEvaluate,
		Payload: riskPayload(wfID),
	})
	require.NoError(t, err)

	select {
	case got := <-hook.decisions:
		assert.Equal(t, wfID, got.workflowID)
		assert.Equal(t, "dec_"+wfID, got.record.DecisionID)
		assert.Equal(t, model.OutcomeApprove, got.record.Decision.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("decision hook never fired")
	}
}

func TestRiskDegradedHookFires(t *testing.T) {
	setRisk(t, degradedResult("engine timeout"))

	hook := newCaptureHook()
	hooked := orchestrator.New(testDB, stubRisk{}, testutil.TestLogger(), orchestrator.WithDecisionHook(hook))

	wfID := newWorkflowID(t)
	_, err := hooked.Dispatch(context.Background(), model.InboundEvent{
		Type:    model.EventRiskEvaluate,
		Payload: riskPayload(wfID),
	})
	require.NoError(t, err)

	select {
	case got := <-hook.degraded:
		assert.Equal(t, wfID, got.workflowID)
		assert.Equal(t, testTenant, got.tenantID)
		assert.Equal(t, "engine timeout", got.exception)
	case <-time.After(5 * time.Second):
		t.Fatal("degradation hook never fired")
	}

	select {
	case <-hook.decisions:
		t.Fatal("degraded evaluation must not finalise a decision")
	default:
	}
}

func TestHookFailureDoesNotAffectDispatch(t *testing.T) {
	hooked := orchestrator.New(testDB, stubRisk{}, testutil.TestLogger(), orchestrator.WithDecisionHook(failingHook{}))

	wfID := newWorkflowID(t)
	res, err := hooked.Dispatch(context.Background(), model.InboundEvent{
		Type:    model.EventRiskEvaluate,
		Payload: riskPayload(wfID),
	})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusOK, res.Status)
	assert.Len(t, decisionRecords(t, wfID), 1)
}

// ---------------------------------------------------------------------------
// Query surface

func TestGetWorkflowIncludesLatestDecision(t *testing.T) {
	wfID := newWorkflowID(t)
	mustDispatch(t, model.EventRiskEvaluate, riskPayload(wfID))
	mustDispatch(t, model.EventOverrideApplied, overridePayload(wfID, "decline", "fraud_confirmed"))

	resp, err := svc.GetWorkflow(context.Background(), wfID, testTenant)
	require.NoError(t, err)
	assert.Equal(t, wfID, resp.ID)
	assert.Equal(t, model.StateOverrideApplied, resp.State)
	require.NotNil(t, resp.LatestDecision)
	assert.Equal(t, model.OutcomeDecline, resp.LatestDecision.Decision.Outcome)
	assert.True(t, resp.LatestDecision.Authority.Override)
}

func TestGetWorkflowUnknown(t *testing.T) {
	_, err := svc.GetWorkflow(context.Background(), newWorkflowID(t), testTenant)
	require.ErrorIs(t, err, orchestrator.ErrWorkflowNotFound)
}

func TestGetWorkflowWrongTenant(t *testing.T) {
	wfID := newWorkflowID(t)
	mustDispatch(t, model.EventRiskEvaluate, riskPayload(wfID))

	_, err := svc.GetWorkflow(context.Background(), wfID, "globex")
	require.ErrorIs(t, err, orchestrator.ErrWorkflowNotFound)
}

func TestListWorkflowsByState(t *testing.T) {
	setRisk(t, degradedResult("engine down"))

	wfID := newWorkflowID(t)
	mustDispatch(t, model.EventRiskEvaluate, riskPayload(wfID))

	wfs, err := svc.ListWorkflows(context.Background(), testTenant, string(model.StateRiskFailed), 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(wfs))
	for _, wf := range wfs {
		assert.Equal(t, model.StateRiskFailed, wf.State)
		ids = append(ids, wf.ID)
	}
	assert.Contains(t, ids, wfID)
}

func TestListWorkflowsRejectsUnknownState(t *testing.T) {
	_, err := svc.ListWorkflows(context.Background(), testTenant, "cooked", 10)
	require.ErrorIs(t, err, orchestrator.ErrValidation)
}

func TestDecisionTimeline(t *testing.T) {
	wfID := newWorkflowID(t)
	mustDispatch(t, model.EventRiskEvaluate, riskPayload(wfID))
	mustDispatch(t, model.EventOverrideApplied, overridePayload(wfID, "decline", "fraud_confirmed"))

	tl, err := svc.DecisionTimeline(context.Background(), wfID, testTenant)
	require.NoError(t, err)
	assert.Equal(t, wfID, tl.WorkflowID)
	assert.Equal(t, 2, tl.DecisionCount)
	assert.True(t, tl.HasOverrides)
	require.Len(t, tl.Timeline, 2)

	assert.False(t, tl.Timeline[0].Authority.IsOverride)
	assert.Equal(t, model.OutcomeApprove, tl.Timeline[0].Outcome)
	assert.True(t, tl.Timeline[1].Authority.IsOverride)
	assert.Equal(t, model.OutcomeDecline, tl.Timeline[1].Outcome)
	assert.False(t, tl.Timeline[1].Timestamp.Before(tl.Timeline[0].Timestamp))

	require.NotNil(t, tl.CurrentDecision)
	assert.Equal(t, tl.Timeline[1].DecisionID, tl.CurrentDecision.DecisionID)
}

func TestDecisionTimelineUndecidedWorkflow(t *testing.T) {
	wfID := newWorkflowID(t)
	captureFlow(t, wfID)

	_, err := svc.DecisionTimeline(context.Background(), wfID, testTenant)
	require.ErrorIs(t, err, orchestrator.ErrNoDecisions)
}

func TestDecisionTimelineUnknownWorkflow(t *testing.T) {
	_, err := svc.DecisionTimeline(context.Background(), newWorkflowID(t), testTenant)
	require.ErrorIs(t, err, orchestrator.ErrWorkflowNotFound)
}

func TestCurrentDecision(t *testing.T) {
	wfID := newWorkflowID(t)
	mustDispatch(t, model.EventRiskEvaluate, riskPayload(wfID))

	cur, err := svc.CurrentDecision(context.Background(), wfID, testTenant)
	require.NoError(t, err)
	assert.Equal(t, wfID, cur.WorkflowID)
	assert.Equal(t, "dec_"+wfID, cur.DecisionID)
	assert.Equal(t, model.OutcomeApprove, cur.Outcome)
	assert.Equal(t, model.DecidedByOrchestrator, cur.Authority.DecidedBy)
	assert.False(t, cur.Authority.Override)
}

func TestManualDecisionIsCacheOnly(t *testing.T) {
	wfID := newWorkflowID(t)
	mustDispatch(t, model.EventRiskEvaluate, riskPayload(wfID))

	before := len(ledgerEvents(t, wfID))
	md, err := svc.RecordManualDecision(context.Background(), wfID, testTenant, model.ManualDecisionRequest{
		Decision: "decline",
		Reason:   ptr("chargeback history"),
		Actor:    "analyst@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDecline, md.Decision)
	assert.Equal(t, "analyst@example.com", md.Actor)

	// The ledger is untouched; only the workflow cache moves.
	assert.Len(t, ledgerEvents(t, wfID), before)
	wf := fetchWorkflow(t, wfID)
	assert.Equal(t, model.StateRiskEvaluated, wf.State)
	require.NotNil(t, wf.Decision)
	assert.Equal(t, "decline", *wf.Decision)
	assert.False(t, wf.RequiresHuman)

	rows, err := svc.ListManualDecisions(context.Background(), wfID, testTenant)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.OutcomeDecline, rows[0].Decision)
	require.NotNil(t, rows[0].Reason)
	assert.Equal(t, "chargeback history", *rows[0].Reason)
}

func TestManualDecisionRejectsUnknownOutcome(t *testing.T) {
	wfID := newWorkflowID(t)
	mustDispatch(t, model.EventRiskEvaluate, riskPayload(wfID))

	_, err := svc.RecordManualDecision(context.Background(), wfID, testTenant,
		model.ManualDecisionRequest{Decision: "maybe", Actor: "analyst@example.com"})
	require.ErrorIs(t, err, orchestrator.ErrValidation)
}

func TestIntegrityReport(t *testing.T) {
	wfID := newWorkflowID(t)
	captureFlow(t, wfID)
	mustDispatch(t, model.EventRiskEvaluate, riskPayload(wfID))

	rep, err := svc.Integrity(context.Background(), wfID, testTenant)
	require.NoError(t, err)
	assert.True(t, rep.Valid)
	assert.Equal(t, 5, rep.EventCount)
	assert.Equal(t, 5, rep.ValidEvents)
	assert.Zero(t, rep.InvalidEvents)
	assert.Len(t, rep.MerkleRoot, 64)
	assert.True(t, rep.CacheCoherent)
	require.Len(t, rep.Events, 5)
	for _, ev := range rep.Events {
		assert.True(t, ev.Valid)
		assert.Equal(t, ev.StoredHash, ev.ComputedHash)
	}

	// A manual decision moves the cache without a ledger event, so the
	// cache is expected to desynchronise.
	_, err = svc.RecordManualDecision(context.Background(), wfID, testTenant,
		model.ManualDecisionRequest{Decision: "review", Actor: "qa@example.com"})
	require.NoError(t, err)

	rep, err = svc.Integrity(context.Background(), wfID, testTenant)
	require.NoError(t, err)
	assert.True(t, rep.Valid)
	assert.False(t, rep.CacheCoherent)
}

// ---------------------------------------------------------------------------
// Clock injection

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestClockPinsLedgerTimestamps(t *testing.T) {
	at := time.Date(2025, 8, 14, 9, 30, 0, 0, time.UTC)
	pinned := orchestrator.New(testDB, stubRisk{}, testutil.TestLogger(), orchestrator.WithClock(fixedClock{now: at}))

	wfID := newWorkflowID(t)
	_, err := pinned.Dispatch(context.Background(), model.InboundEvent{
		Type:    model.EventRiskEvaluate,
		Payload: riskPayload(wfID),
	})
	require.NoError(t, err)

	for _, ev := range ledgerEvents(t, wfID) {
		assert.True(t, ev.CreatedAt.Equal(at))
	}
	recs := decisionRecords(t, wfID)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Timestamp.Equal(at))
}
