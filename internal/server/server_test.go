package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turing-id/orchestrate/internal/auth"
	"github.com/turing-id/orchestrate/internal/mcp"
	"github.com/turing-id/orchestrate/internal/model"
	"github.com/turing-id/orchestrate/internal/risk"
	"github.com/turing-id/orchestrate/internal/server"
	"github.com/turing-id/orchestrate/internal/service/orchestrator"
	"github.com/turing-id/orchestrate/internal/storage"
	"github.com/turing-id/orchestrate/internal/testutil"
)

const (
	testTenant    = "acme"
	otherTenant   = "globex"
	acmeIngestKey = "sk_test_acme_ingest"
)

var (
	testSrv *httptest.Server

	serviceToken      string // acme, role service (via /auth/token)
	investigatorToken string // acme, role investigator
	operatorToken     string // acme, role operator
	adminToken        string // turing-ops, role admin
	globexToken       string // globex, role operator

	// The stub risk engine's behavior, swappable per test via setRiskHandler.
	riskMu      sync.Mutex
	riskHandler http.HandlerFunc
)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithCancel(context.Background())

	tc := testutil.MustStartPostgres()
	logger := testutil.TestLogger()

	db, err := tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	// Stub risk engine. The default handler approves with low risk; tests
	// that need other outcomes swap it.
	riskHandler = riskEngineResponse(0.12, "low", "approve", false)
	riskSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		riskMu.Lock()
		h := riskHandler
		riskMu.Unlock()
		h(w, r)
	}))

	jwtMgr, err := auth.NewJWTManager("", "", 24*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create JWT manager: %v\n", err)
		os.Exit(1)
	}

	seedTenant(ctx, db, testTenant, model.RoleService, acmeIngestKey)
	seedTenant(ctx, db, otherTenant, model.RoleService, "sk_test_globex_ingest")

	orchestratorSvc := orchestrator.New(db, risk.New(riskSrv.URL, 2*time.Second), logger)

	broker := server.NewBroker(db, logger)
	go broker.Start(ctx)

	mcpSrv := mcp.New(db, orchestratorSvc, logger, "test")

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		OrchestratorSvc:     orchestratorSvc,
		Logger:              logger,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		OpenAPISpec:         []byte("openapi: 3.0.3\ninfo:\n  title: test\n"),
	})

	testSrv = httptest.NewServer(srv.Handler())

	// The service token goes through the real exchange; the rest are minted
	// directly at the role under test.
	serviceToken = getToken(testSrv.URL, testTenant, acmeIngestKey)
	investigatorToken = mintToken(jwtMgr, testTenant, model.RoleInvestigator)
	operatorToken = mintToken(jwtMgr, testTenant, model.RoleOperator)
	adminToken = mintToken(jwtMgr, "turing-ops", model.RoleAdmin)
	globexToken = mintToken(jwtMgr, otherTenant, model.RoleOperator)

	// Give the broker a beat to establish LISTEN before any decision fires.
	time.Sleep(200 * time.Millisecond)

	code := m.Run()

	testSrv.Close()
	riskSrv.Close()
	cancel()
	db.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func seedTenant(ctx context.Context, db *storage.DB, tenantID string, role model.TenantRole, ingestKey string) {
	hash, err := auth.HashIngestKey(ingestKey)
	if err != nil {
		panic(fmt.Sprintf("seedTenant: hash ingest key: %v", err))
	}
	if _, err := db.UpsertTenant(ctx, model.Tenant{
		TenantID:      tenantID,
		Name:          tenantID,
		Role:          role,
		IngestKeyHash: &hash,
	}); err != nil {
		panic(fmt.Sprintf("seedTenant: upsert %s: %v", tenantID, err))
	}
}

func mintToken(jwtMgr *auth.JWTManager, tenantID string, role model.TenantRole) string {
	token, _, err := jwtMgr.IssueToken(model.Tenant{TenantID: tenantID, Name: tenantID, Role: role})
	if err != nil {
		panic(fmt.Sprintf("mintToken: %v", err))
	}
	return token
}

func getToken(baseURL, tenantID, ingestKey string) string {
	body, _ := json.Marshal(model.AuthTokenRequest{TenantID: tenantID, IngestKey: ingestKey})
	resp, err := http.Post(baseURL+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		panic(fmt.Sprintf("getToken: request failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		panic(fmt.Sprintf("getToken: status %d, body: %s", resp.StatusCode, string(data)))
	}
	var result struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		panic(fmt.Sprintf("getToken: unmarshal failed: %v, body: %s", err, string(data)))
	}
	if result.Data.Token == "" {
		panic(fmt.Sprintf("getToken: empty token, body: %s", string(data)))
	}
	return result.Data.Token
}

func authedRequest(method, url, token string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

// setRiskHandler swaps the stub risk engine's handler for the duration of a
// test and restores the previous one afterwards.
func setRiskHandler(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	riskMu.Lock()
	prev := riskHandler
	riskHandler = h
	riskMu.Unlock()
	t.Cleanup(func() {
		riskMu.Lock()
		riskHandler = prev
		riskMu.Unlock()
	})
}

func riskEngineResponse(score float64, band, recommendation string, requiresHuman bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"final_risk":      map[string]any{"score": score, "band": band},
			"decision":        map[string]any{"recommendation": recommendation, "requires_human": requiresHuman},
			"confidence":      0.97,
			"jurisdiction":    "AU",
			"policy_version":  "2025.08",
			"fraud_score":     0.10,
			"aml_score":       0.20,
			"credit_score":    0.15,
			"liquidity_score": 0.05,
			"factors":         []string{"velocity_normal"},
		})
	}
}

// ingestEvent posts a body to /event and requires a 202.
func ingestEvent(t *testing.T, token string, body map[string]any) model.IngestEventResponse {
	t.Helper()
	resp, err := authedRequest("POST", testSrv.URL+"/event", token, body)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "ingest body: %s", string(data))
	var result struct {
		Data model.IngestEventResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &result))
	return result.Data
}

func getWorkflow(t *testing.T, token, workflowID string) model.WorkflowResponse {
	t.Helper()
	resp, err := authedRequest("GET", testSrv.URL+"/workflow/"+workflowID, token, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode, "workflow body: %s", string(data))
	var result struct {
		Data model.WorkflowResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &result))
	return result.Data
}

func getTimeline(t *testing.T, token, workflowID string) model.DecisionTimelineResponse {
	t.Helper()
	resp, err := authedRequest("GET", testSrv.URL+"/investigator/workflows/"+workflowID+"/decisions", token, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode, "timeline body: %s", string(data))
	var result struct {
		Data model.DecisionTimelineResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &result))
	return result.Data
}

func TestHealthEndpoint(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data model.HealthResponse `json:"data"`
	}
	data, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(data, &result)
	assert.Equal(t, "healthy", result.Data.Status)
	assert.Equal(t, "connected", result.Data.Postgres)
	assert.Equal(t, "running", result.Data.SSEBroker)
	assert.Equal(t, "test", result.Data.Version)
}

func TestAuthFlow(t *testing.T) {
	// Valid credentials.
	token := getToken(testSrv.URL, testTenant, acmeIngestKey)
	assert.NotEmpty(t, token)

	// Wrong ingest key.
	body, _ := json.Marshal(model.AuthTokenRequest{TenantID: testTenant, IngestKey: "wrong"})
	resp, err := http.Post(testSrv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Unknown tenant gets the same answer as a wrong key.
	body2, _ := json.Marshal(model.AuthTokenRequest{TenantID: "nobody", IngestKey: "whatever"})
	resp2, err := http.Post(testSrv.URL+"/auth/token", "application/json", bytes.NewReader(body2))
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestUnauthenticatedAccess(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/workflows")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Garbage bearer tokens are rejected, not treated as anonymous.
	resp2, err := authedRequest("GET", testSrv.URL+"/workflows", "not-a-jwt", nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestRoleEnforcement(t *testing.T) {
	// Service tokens cannot read the investigator surface.
	resp, err := authedRequest("GET", testSrv.URL+"/investigator/workflows/wf-any/decisions", serviceToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Investigator tokens cannot record manual decisions.
	resp2, err := authedRequest("POST", testSrv.URL+"/workflow/wf-any/manual-decision", investigatorToken,
		model.ManualDecisionRequest{Decision: "approve", Actor: "eve@acme"})
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)

	// Service tokens cannot read manual decisions either.
	resp3, err := authedRequest("GET", testSrv.URL+"/workflow/wf-any/manual-decisions", serviceToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp3.StatusCode)
}

func TestCaptureFlowStates(t *testing.T) {
	const wfID = "wf-capture-1"

	res := ingestEvent(t, serviceToken, map[string]any{
		"event": "selfie_uploaded",
		"payload": map[string]any{
			"tenant_id":   testTenant,
			"session_id":  "sess-selfie-1",
			"workflow_id": wfID,
			"liveness":    map[string]any{"score": 0.98, "passed": true},
		},
	})
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, "selfie_uploaded", res.Processed)

	wf := getWorkflow(t, serviceToken, wfID)
	assert.Equal(t, model.StateSelfieUploaded, wf.State)
	require.NotNil(t, wf.SelfieSessionID)
	assert.Equal(t, "sess-selfie-1", *wf.SelfieSessionID)
	assert.Nil(t, wf.LatestDecision)

	ingestEvent(t, serviceToken, map[string]any{
		"event": "id_uploaded",
		"payload": map[string]any{
			"tenant_id":     testTenant,
			"workflow_id":   wfID,
			"id_session_id": "sess-id-1",
		},
	})
	wf = getWorkflow(t, serviceToken, wfID)
	assert.Equal(t, model.StateIDUploaded, wf.State)
	require.NotNil(t, wf.IDSessionID)
	assert.Equal(t, "sess-id-1", *wf.IDSessionID)

	ingestEvent(t, serviceToken, map[string]any{
		"event": "match_completed",
		"payload": map[string]any{
			"tenant_id":   testTenant,
			"workflow_id": wfID,
			"match":       true,
			"fused_score": 0.93,
		},
	})
	wf = getWorkflow(t, serviceToken, wfID)
	assert.Equal(t, model.StateMatchVerified, wf.State)
	assert.Nil(t, wf.LatestDecision, "capture events must not produce decisions")
}

func TestSelfieSessionDefaultsWorkflowID(t *testing.T) {
	// Without an explicit workflow_id, the selfie session id names the workflow.
	ingestEvent(t, serviceToken, map[string]any{
		"event": "selfie_uploaded",
		"payload": map[string]any{
			"tenant_id":  testTenant,
			"session_id": "sess-default-1",
		},
	})
	wf := getWorkflow(t, serviceToken, "sess-default-1")
	assert.Equal(t, model.StateSelfieUploaded, wf.State)
}

func TestRiskEvaluateFinalisesDecision(t *testing.T) {
	const wfID = "wf-risk-1"

	res := ingestEvent(t, serviceToken, map[string]any{
		"event": "risk.evaluate",
		"payload": map[string]any{
			"tenant_id":   testTenant,
			"workflow_id": wfID,
			"signals":     map[string]any{"user_id": "user-77", "amount": 120.5},
		},
	})
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, "risk_evaluate", res.Processed)

	wf := getWorkflow(t, serviceToken, wfID)
	assert.Equal(t, model.StateRiskEvaluated, wf.State)
	require.NotNil(t, wf.RiskScore)
	assert.InDelta(t, 0.12, *wf.RiskScore, 1e-9)
	require.NotNil(t, wf.RiskBand)
	assert.Equal(t, "low", *wf.RiskBand)
	require.NotNil(t, wf.Decision)
	assert.Equal(t, "approve", *wf.Decision)
	assert.False(t, wf.RequiresHuman)

	require.NotNil(t, wf.LatestDecision)
	dec := wf.LatestDecision
	assert.Equal(t, "dec_"+wfID, dec.DecisionID)
	assert.Equal(t, model.OutcomeApprove, dec.Decision.Outcome)
	assert.InDelta(t, 0.97, dec.Decision.Confidence, 1e-9)
	assert.True(t, dec.Decision.CanProceed)
	assert.Equal(t, model.DecidedByOrchestrator, dec.Authority.DecidedBy)
	assert.False(t, dec.Authority.Override)
	assert.Nil(t, dec.Lineage.SupersedesDecisionID)
	assert.Equal(t, "AU", dec.Policy.Jurisdiction)

	timeline := getTimeline(t, investigatorToken, wfID)
	assert.Equal(t, 1, timeline.DecisionCount)
	assert.False(t, timeline.HasOverrides)
	require.NotNil(t, timeline.CurrentDecision)
	assert.Equal(t, "dec_"+wfID, timeline.CurrentDecision.DecisionID)
	assert.False(t, timeline.CurrentDecision.Authority.IsOverride)

	// Current-decision endpoint agrees with the timeline head.
	resp, err := authedRequest("GET", testSrv.URL+"/investigator/workflows/"+wfID+"/decisions/current", investigatorToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cur struct {
		Data model.CurrentDecisionResponse `json:"data"`
	}
	data, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(data, &cur))
	assert.Equal(t, "dec_"+wfID, cur.Data.DecisionID)
	assert.Equal(t, model.OutcomeApprove, cur.Data.Outcome)
}

func TestUnknownEventTypeIgnored(t *testing.T) {
	res := ingestEvent(t, serviceToken, map[string]any{
		"event": "banana.peeled",
		"payload": map[string]any{
			"tenant_id":   testTenant,
			"workflow_id": "wf-banana-1",
		},
	})
	assert.Equal(t, "ignored", res.Status)
	assert.Equal(t, "unknown_event_type:banana_peeled", res.Reason)
	assert.Empty(t, res.Processed)

	// Ignored events never create workflows.
	resp, err := authedRequest("GET", testSrv.URL+"/workflow/wf-banana-1", serviceToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventValidation(t *testing.T) {
	post := func(body map[string]any) int {
		resp, err := authedRequest("POST", testSrv.URL+"/event", serviceToken, body)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		return resp.StatusCode
	}

	// Disagreeing aliases are rejected, not guessed at.
	assert.Equal(t, http.StatusBadRequest, post(map[string]any{
		"event":      "risk.evaluate",
		"event_type": "override_applied",
		"payload":    map[string]any{"tenant_id": testTenant, "workflow_id": "wf-x"},
	}))

	// Missing payload.
	assert.Equal(t, http.StatusBadRequest, post(map[string]any{
		"event": "risk.evaluate",
	}))

	// Missing payload.tenant_id.
	assert.Equal(t, http.StatusBadRequest, post(map[string]any{
		"event":   "risk.evaluate",
		"payload": map[string]any{"workflow_id": "wf-x"},
	}))

	// Known type with a payload that fails its parser.
	assert.Equal(t, http.StatusBadRequest, post(map[string]any{
		"event":   "risk.evaluate",
		"payload": map[string]any{"tenant_id": testTenant},
	}))
}

func TestCorrelationIDReplay(t *testing.T) {
	const wfID = "wf-idem-1"
	body := map[string]any{
		"event":          "risk.evaluate",
		"correlation_id": "corr-idem-1",
		"payload": map[string]any{
			"tenant_id":   testTenant,
			"workflow_id": wfID,
			"signals":     map[string]any{"user_id": "user-idem"},
		},
	}

	first := ingestEvent(t, serviceToken, body)
	assert.Equal(t, "ok", first.Status)

	// The retry is answered from the idempotency record, not re-dispatched.
	second := ingestEvent(t, serviceToken, body)
	assert.Equal(t, "ok", second.Status)
	assert.Equal(t, "risk_evaluate", second.Processed)

	timeline := getTimeline(t, investigatorToken, wfID)
	assert.Equal(t, 1, timeline.DecisionCount, "a replayed correlation_id must not emit a second decision")
}

func TestCorrelationIDPayloadMismatch(t *testing.T) {
	base := map[string]any{
		"event":          "risk.evaluate",
		"correlation_id": "corr-mismatch-1",
		"payload": map[string]any{
			"tenant_id":   testTenant,
			"workflow_id": "wf-idem-2",
			"signals":     map[string]any{"user_id": "user-a"},
		},
	}
	ingestEvent(t, serviceToken, base)

	conflicting := map[string]any{
		"event":          "risk.evaluate",
		"correlation_id": "corr-mismatch-1",
		"payload": map[string]any{
			"tenant_id":   testTenant,
			"workflow_id": "wf-idem-2",
			"signals":     map[string]any{"user_id": "user-b"},
		},
	}
	resp, err := authedRequest("POST", testSrv.URL+"/event", serviceToken, conflicting)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestOverrideFlow(t *testing.T) {
	const wfID = "wf-override-1"

	// Risk path decides first.
	ingestEvent(t, serviceToken, map[string]any{
		"event": "risk.evaluate",
		"payload": map[string]any{
			"tenant_id":   testTenant,
			"workflow_id": wfID,
			"signals":     map[string]any{"user_id": "user-ovr"},
		},
	})

	// Human override supersedes it. The dotted form exercises normalisation.
	res := ingestEvent(t, serviceToken, map[string]any{
		"event_type": "override.applied",
		"payload": map[string]any{
			"tenant_id":     testTenant,
			"workflow_id":   wfID,
			"decision":      "decline",
			"reason":        "document forgery confirmed",
			"overridden_by": "alice@acme",
		},
	})
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, "override_applied", res.Processed)

	wf := getWorkflow(t, serviceToken, wfID)
	assert.Equal(t, model.StateOverrideApplied, wf.State)
	require.NotNil(t, wf.Decision)
	assert.Equal(t, "decline", *wf.Decision)
	assert.False(t, wf.RequiresHuman)

	timeline := getTimeline(t, investigatorToken, wfID)
	require.Equal(t, 2, timeline.DecisionCount)
	assert.True(t, timeline.HasOverrides)

	riskEntry := timeline.Timeline[0]
	overrideEntry := timeline.Timeline[1]
	assert.False(t, riskEntry.Authority.IsOverride)
	assert.True(t, overrideEntry.Authority.IsOverride)
	assert.Equal(t, model.DecidedByHumanOperator, overrideEntry.Authority.DecidedBy)
	assert.Equal(t, model.OutcomeDecline, overrideEntry.Outcome)
	assert.InDelta(t, 1.0, overrideEntry.Confidence, 1e-9)
	require.NotNil(t, overrideEntry.Lineage.SupersedesDecisionID)
	assert.Equal(t, riskEntry.DecisionID, *overrideEntry.Lineage.SupersedesDecisionID)
	require.NotNil(t, overrideEntry.Lineage.OverriddenBy)
	assert.Equal(t, "alice@acme", *overrideEntry.Lineage.OverriddenBy)
	assert.Equal(t, []string{"document forgery confirmed"}, overrideEntry.ReasonCodes)

	// A second override still supersedes the earliest decision, not the
	// previous override.
	ingestEvent(t, serviceToken, map[string]any{
		"event_type": "override.applied",
		"payload": map[string]any{
			"tenant_id":     testTenant,
			"workflow_id":   wfID,
			"decision":      "review",
			"reason":        "escalated for second opinion",
			"overridden_by": "bob@acme",
		},
	})

	timeline = getTimeline(t, investigatorToken, wfID)
	require.Equal(t, 3, timeline.DecisionCount)
	second := timeline.Timeline[2]
	require.NotNil(t, second.Lineage.SupersedesDecisionID)
	assert.Equal(t, "dec_"+wfID, *second.Lineage.SupersedesDecisionID)
	require.NotNil(t, timeline.CurrentDecision)
	assert.Equal(t, model.OutcomeReview, timeline.CurrentDecision.Outcome)
}

func TestOverrideRequiresPriorDecision(t *testing.T) {
	// An undecided workflow rejects overrides and its ledger stays clean.
	ingestEvent(t, serviceToken, map[string]any{
		"event": "selfie_uploaded",
		"payload": map[string]any{
			"tenant_id":  testTenant,
			"session_id": "wf-undecided-1",
		},
	})

	resp, err := authedRequest("POST", testSrv.URL+"/event", serviceToken, map[string]any{
		"event": "override_applied",
		"payload": map[string]any{
			"tenant_id":     testTenant,
			"workflow_id":   "wf-undecided-1",
			"decision":      "approve",
			"overridden_by": "alice@acme",
		},
	})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	wf := getWorkflow(t, serviceToken, "wf-undecided-1")
	assert.Equal(t, model.StateSelfieUploaded, wf.State, "rejected override must not change state")

	// Overrides never create workflows.
	resp2, err := authedRequest("POST", testSrv.URL+"/event", serviceToken, map[string]any{
		"event": "override_applied",
		"payload": map[string]any{
			"tenant_id":   testTenant,
			"workflow_id": "wf-never-existed",
			"decision":    "approve",
		},
	})
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)

	// Invalid override decisions are a validation error.
	resp3, err := authedRequest("POST", testSrv.URL+"/event", serviceToken, map[string]any{
		"event": "override_applied",
		"payload": map[string]any{
			"tenant_id":   testTenant,
			"workflow_id": "wf-undecided-1",
			"decision":    "maybe",
		},
	})
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestManualDecisionFlow(t *testing.T) {
	const wfID = "wf-manual-1"

	ingestEvent(t, serviceToken, map[string]any{
		"event": "risk.evaluate",
		"payload": map[string]any{
			"tenant_id":   testTenant,
			"workflow_id": wfID,
			"signals":     map[string]any{"user_id": "user-manual"},
		},
	})

	reason := "documents unclear, needs a second look"
	resp, err := authedRequest("POST", testSrv.URL+"/workflow/"+wfID+"/manual-decision", operatorToken,
		model.ManualDecisionRequest{Decision: "review", Reason: &reason, Actor: "carol@acme"})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The cache reflects the manual decision; the ledger does not.
	wf := getWorkflow(t, serviceToken, wfID)
	require.NotNil(t, wf.Decision)
	assert.Equal(t, "review", *wf.Decision)
	require.NotNil(t, wf.LatestDecision)
	assert.Equal(t, model.OutcomeApprove, wf.LatestDecision.Decision.Outcome,
		"ledger-derived decision must not change on a manual decision")

	timeline := getTimeline(t, investigatorToken, wfID)
	assert.Equal(t, 1, timeline.DecisionCount, "manual decisions must not touch the ledger")

	// The audit listing shows the row.
	resp2, err := authedRequest("GET", testSrv.URL+"/workflow/"+wfID+"/manual-decisions", investigatorToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var listing struct {
		Data struct {
			WorkflowID      string                 `json:"workflow_id"`
			ManualDecisions []model.ManualDecision `json:"manual_decisions"`
			Count           int                    `json:"count"`
		} `json:"data"`
	}
	data, _ := io.ReadAll(resp2.Body)
	require.NoError(t, json.Unmarshal(data, &listing))
	require.Equal(t, 1, listing.Data.Count)
	assert.Equal(t, model.OutcomeReview, listing.Data.ManualDecisions[0].Decision)
	assert.Equal(t, "carol@acme", listing.Data.ManualDecisions[0].Actor)

	// Cache now disagrees with the ledger, which integrity reports.
	report := getIntegrity(t, investigatorToken, wfID)
	assert.True(t, report.Valid)
	assert.False(t, report.CacheCoherent)

	// Invalid outcomes and missing workflows map to 400/404.
	resp3, err := authedRequest("POST", testSrv.URL+"/workflow/"+wfID+"/manual-decision", operatorToken,
		model.ManualDecisionRequest{Decision: "maybe", Actor: "carol@acme"})
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)

	resp4, err := authedRequest("POST", testSrv.URL+"/workflow/wf-never-existed/manual-decision", operatorToken,
		model.ManualDecisionRequest{Decision: "approve", Actor: "carol@acme"})
	require.NoError(t, err)
	defer func() { _ = resp4.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp4.StatusCode)
}

func getIntegrity(t *testing.T, token, workflowID string) model.IntegrityReport {
	t.Helper()
	resp, err := authedRequest("GET", testSrv.URL+"/investigator/workflows/"+workflowID+"/integrity", token, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode, "integrity body: %s", string(data))
	var result struct {
		Data model.IntegrityReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &result))
	return result.Data
}

func TestIntegrityReport(t *testing.T) {
	// wf-override-1 accumulated the full ledger shape in TestOverrideFlow:
	// risk_evaluated, decision.finalised, then two overrides at three
	// events each.
	report := getIntegrity(t, investigatorToken, "wf-override-1")
	assert.Equal(t, "wf-override-1", report.WorkflowID)
	assert.Equal(t, 8, report.EventCount)
	assert.Equal(t, 8, report.ValidEvents)
	assert.Zero(t, report.InvalidEvents)
	assert.True(t, report.Valid)
	assert.True(t, report.CacheCoherent)
	assert.NotEmpty(t, report.MerkleRoot)
	require.Len(t, report.Events, 8)
	assert.Equal(t, model.EventRiskEvaluated, report.Events[0].EventType)
	assert.Equal(t, model.EventDecisionFinalised, report.Events[1].EventType)
	for _, ev := range report.Events {
		assert.True(t, ev.Valid, "event %s failed hash verification", ev.EventID)
		assert.Equal(t, ev.StoredHash, ev.ComputedHash)
	}
}

func TestDegradedRiskEngine(t *testing.T) {
	setRiskHandler(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	const wfID = "wf-degraded-1"
	res := ingestEvent(t, serviceToken, map[string]any{
		"event": "risk.evaluate",
		"payload": map[string]any{
			"tenant_id":   testTenant,
			"workflow_id": wfID,
			"signals":     map[string]any{"user_id": "user-degraded"},
		},
	})
	assert.Equal(t, "ok", res.Status, "a degraded engine must not fail the ingress")

	wf := getWorkflow(t, serviceToken, wfID)
	assert.Equal(t, model.StateRiskFailed, wf.State)
	assert.Nil(t, wf.Decision, "no decision may be emitted on a degraded evaluation")
	assert.Nil(t, wf.LatestDecision)
	assert.Contains(t, wf.Data, "risk_error")

	// No decisions to read yet.
	resp, err := authedRequest("GET", testSrv.URL+"/investigator/workflows/"+wfID+"/decisions", investigatorToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Once the engine recovers, a re-evaluation decides the workflow.
	setRiskHandler(t, riskEngineResponse(0.45, "medium", "approve", false))
	ingestEvent(t, serviceToken, map[string]any{
		"event": "risk.evaluate",
		"payload": map[string]any{
			"tenant_id":   testTenant,
			"workflow_id": wfID,
			"signals":     map[string]any{"user_id": "user-degraded"},
		},
	})

	wf = getWorkflow(t, serviceToken, wfID)
	assert.Equal(t, model.StateRiskEvaluated, wf.State)
	require.NotNil(t, wf.Decision)
	assert.Equal(t, "approve", *wf.Decision)

	timeline := getTimeline(t, investigatorToken, wfID)
	assert.Equal(t, 1, timeline.DecisionCount)
}

func TestTenantIsolation(t *testing.T) {
	const wfID = "wf-isolated-1"
	ingestEvent(t, serviceToken, map[string]any{
		"event": "risk.evaluate",
		"payload": map[string]any{
			"tenant_id":   testTenant,
			"workflow_id": wfID,
			"signals":     map[string]any{"user_id": "user-iso"},
		},
	})

	// Another tenant's token cannot see the workflow at all.
	resp, err := authedRequest("GET", testSrv.URL+"/workflow/"+wfID, globexToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp2, err := authedRequest("GET", testSrv.URL+"/investigator/workflows/"+wfID+"/decisions", globexToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)

	// Nor may it submit events for the other tenant.
	resp3, err := authedRequest("POST", testSrv.URL+"/event", globexToken, map[string]any{
		"event": "risk.evaluate",
		"payload": map[string]any{
			"tenant_id":   testTenant,
			"workflow_id": wfID,
		},
	})
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp3.StatusCode)

	// Widening the scope with ?tenant_id is refused below admin.
	resp4, err := authedRequest("GET", testSrv.URL+"/workflow/"+wfID+"?tenant_id="+testTenant, globexToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp4.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp4.StatusCode)

	// Admin tokens may widen the scope explicitly; their own scope does not
	// include other tenants' workflows implicitly.
	resp5, err := authedRequest("GET", testSrv.URL+"/workflow/"+wfID+"?tenant_id="+testTenant, adminToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp5.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp5.StatusCode)

	resp6, err := authedRequest("GET", testSrv.URL+"/workflow/"+wfID, adminToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp6.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp6.StatusCode)
}

func TestListWorkflows(t *testing.T) {
	resp, err := authedRequest("GET", testSrv.URL+"/workflows?state=risk_evaluated&limit=9999", serviceToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data  []model.Workflow `json:"data"`
		Count int              `json:"count"`
		Limit int              `json:"limit"`
	}
	data, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, 200, result.Limit, "limit must be clamped to the maximum")
	assert.Equal(t, len(result.Data), result.Count)
	assert.NotEmpty(t, result.Data)
	for _, wf := range result.Data {
		assert.Equal(t, model.StateRiskEvaluated, wf.State)
		assert.Equal(t, testTenant, wf.TenantID)
	}

	// Unknown state filters fail loudly instead of returning nothing.
	resp2, err := authedRequest("GET", testSrv.URL+"/workflows?state=bogus", serviceToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestWorkflowNotFound(t *testing.T) {
	resp, err := authedRequest("GET", testSrv.URL+"/workflow/wf-never-existed", serviceToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubscribeDecisionStream(t *testing.T) {
	// Open the stream before the decision fires so the subscription exists.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", testSrv.URL+"/subscribe", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+investigatorToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := make(chan [2]string, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		var event, data string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && event != "":
				frames <- [2]string{event, data}
				return
			}
		}
	}()

	// Finalising a decision fires a transactional NOTIFY that the broker
	// fans out to this subscriber.
	ingestEvent(t, serviceToken, map[string]any{
		"event": "risk.evaluate",
		"payload": map[string]any{
			"tenant_id":   testTenant,
			"workflow_id": "wf-sse-1",
			"signals":     map[string]any{"user_id": "user-sse"},
		},
	})

	select {
	case frame := <-frames:
		assert.Equal(t, "orchestrate_decisions", frame[0])
		assert.Contains(t, frame[1], `"workflow_id":"wf-sse-1"`)
		assert.Contains(t, frame[1], `"outcome":"approve"`)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a decision event on the SSE stream")
	}
}

func TestOpenAPISpec(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	data, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(data), "openapi:")
}

// newMCPClient creates an MCP client that connects to the test server's /mcp
// endpoint with the given bearer token for authentication.
func newMCPClient(t *testing.T, token string) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(
		testSrv.URL+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + token,
		}),
	)
	require.NoError(t, err)
	return c
}

func TestMCPInitialize(t *testing.T) {
	c := newMCPClient(t, investigatorToken)
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	initResult, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "orchestrate", initResult.ServerInfo.Name)
	assert.Equal(t, "test", initResult.ServerInfo.Version)
}

func TestMCPListTools(t *testing.T) {
	c := newMCPClient(t, investigatorToken)
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	_, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)

	toolsResult, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
	require.NoError(t, err)
	assert.Len(t, toolsResult.Tools, 5)

	toolNames := make(map[string]bool)
	for _, tool := range toolsResult.Tools {
		toolNames[tool.Name] = true
	}
	assert.True(t, toolNames["orchestrate_get_workflow"], "expected orchestrate_get_workflow tool")
	assert.True(t, toolNames["orchestrate_list_workflows"], "expected orchestrate_list_workflows tool")
	assert.True(t, toolNames["orchestrate_decision_timeline"], "expected orchestrate_decision_timeline tool")
	assert.True(t, toolNames["orchestrate_current_decision"], "expected orchestrate_current_decision tool")
	assert.True(t, toolNames["orchestrate_verify_integrity"], "expected orchestrate_verify_integrity tool")
}

func TestMCPRequiresInvestigatorRole(t *testing.T) {
	c := newMCPClient(t, serviceToken)
	defer func() { _ = c.Close() }()

	_, err := c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	assert.Error(t, err, "service tokens must not reach the MCP surface")
}
