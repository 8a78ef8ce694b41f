package orchestrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the SDK release, reported in the User-Agent header.
const Version = "2.0.0"

const userAgent = "orchestrate-go/" + Version

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Orchestrate server (e.g. "http://localhost:8080").
	BaseURL string

	// TenantID identifies the tenant this client acts for. It is sent with
	// every ingested event and used to obtain tokens.
	TenantID string

	// IngestKey is the tenant secret used to obtain a JWT token.
	IngestKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Orchestrate identity-decision API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	tenantID string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, TenantID, or IngestKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("orchestrate: BaseURL is required")
	}
	if cfg.TenantID == "" {
		return nil, fmt.Errorf("orchestrate: TenantID is required")
	}
	if cfg.IngestKey == "" {
		return nil, fmt.Errorf("orchestrate: IngestKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		tenantID: cfg.TenantID,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.TenantID, cfg.IngestKey, httpClient),
	}, nil
}

// ---------------------------------------------------------------------------
// Event ingestion
// ---------------------------------------------------------------------------

// IngestEvent posts a raw event to the ingress. The client fills
// payload.tenant_id when the caller leaves it out; everything else is sent
// as given, including an empty correlation id. Use the typed emitters below
// unless you need full control over the payload.
func (c *Client) IngestEvent(ctx context.Context, req IngestEventRequest) (*IngestReceipt, error) {
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	if _, ok := req.Payload["tenant_id"]; !ok {
		req.Payload["tenant_id"] = c.tenantID
	}

	var resp IngestReceipt
	if err := c.post(ctx, "/event", req, &resp); err != nil {
		return nil, err
	}
	resp.CorrelationID = req.CorrelationID
	return &resp, nil
}

// SelfieUploaded reports a completed selfie capture. When WorkflowID is
// empty the server starts a workflow named after the session, so this is
// the usual first event of a verification.
func (c *Client) SelfieUploaded(ctx context.Context, ev SelfieUploadedEvent) (*IngestReceipt, error) {
	payload := map[string]any{"session_id": ev.SessionID}
	if ev.WorkflowID != "" {
		payload["workflow_id"] = ev.WorkflowID
	}
	if ev.UserID != "" {
		payload["user_id"] = ev.UserID
	}
	if ev.Liveness != nil {
		payload["liveness"] = ev.Liveness
	}
	return c.ingest(ctx, EventSelfieUploaded, payload, ev.CorrelationID)
}

// IDUploaded reports a completed document capture.
func (c *Client) IDUploaded(ctx context.Context, ev IDUploadedEvent) (*IngestReceipt, error) {
	payload := map[string]any{
		"workflow_id":   ev.WorkflowID,
		"id_session_id": ev.IDSessionID,
	}
	if ev.Metadata != nil {
		payload["document_metadata"] = ev.Metadata
	}
	return c.ingest(ctx, EventIDUploaded, payload, ev.CorrelationID)
}

// MatchCompleted reports the outcome of face-to-document matching. A failed
// match parks the workflow; no decision is emitted either way until risk
// evaluation runs.
func (c *Client) MatchCompleted(ctx context.Context, ev MatchCompletedEvent) (*IngestReceipt, error) {
	payload := map[string]any{
		"workflow_id": ev.WorkflowID,
		"match":       ev.Match,
	}
	if ev.FusedScore != nil {
		payload["fused_score"] = *ev.FusedScore
	}
	if ev.Raw != nil {
		payload["raw"] = ev.Raw
	}
	return c.ingest(ctx, EventMatchCompleted, payload, ev.CorrelationID)
}

// EvaluateRisk asks the orchestrator to run risk evaluation and finalise a
// decision for the workflow. The receipt only acknowledges dispatch; fetch
// the workflow or subscribe to the decision stream for the outcome.
func (c *Client) EvaluateRisk(ctx context.Context, ev RiskEvaluateEvent) (*IngestReceipt, error) {
	payload := map[string]any{"workflow_id": ev.WorkflowID}
	if ev.Signals != nil {
		payload["signals"] = ev.Signals
	}
	return c.ingest(ctx, EventRiskEvaluate, payload, ev.CorrelationID)
}

// Override supersedes the workflow's current decision with a human one. The
// server rejects overrides on workflows that have never been decided.
func (c *Client) Override(ctx context.Context, ev OverrideEvent) (*IngestReceipt, error) {
	payload := map[string]any{
		"workflow_id": ev.WorkflowID,
		"decision":    string(ev.Decision),
	}
	if ev.Reason != "" {
		payload["reason"] = ev.Reason
	}
	if ev.OverriddenBy != "" {
		payload["overridden_by"] = ev.OverriddenBy
	}
	return c.ingest(ctx, EventOverrideApplied, payload, ev.CorrelationID)
}

// ingest stamps the client's tenant, mints a correlation id when the caller
// did not supply one, and posts the event. Minted ids make retried emitter
// calls distinct; pass your own id to deduplicate instead.
func (c *Client) ingest(ctx context.Context, typ EventType, payload map[string]any, correlationID string) (*IngestReceipt, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	payload["tenant_id"] = c.tenantID
	return c.IngestEvent(ctx, IngestEventRequest{
		EventType:     typ,
		Payload:       payload,
		CorrelationID: correlationID,
	})
}

// ---------------------------------------------------------------------------
// Workflow queries
// ---------------------------------------------------------------------------

// GetWorkflow retrieves a workflow with its latest ledger-derived decision.
func (c *Client) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowDetail, error) {
	var resp WorkflowDetail
	if err := c.get(ctx, "/workflow/"+workflowID, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListWorkflows lists the tenant's workflows, newest first, optionally
// filtered by state. The server defaults the page size to 50 and caps it
// at 200.
func (c *Client) ListWorkflows(ctx context.Context, opts *ListWorkflowsOptions) ([]Workflow, error) {
	params := url.Values{}
	if opts != nil {
		if opts.State != "" {
			params.Set("state", string(opts.State))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.TenantID != "" {
			params.Set("tenant_id", opts.TenantID)
		}
	}

	path := "/workflows"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []Workflow
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Investigator views
// ---------------------------------------------------------------------------

// DecisionTimeline retrieves every decision ever finalised for a workflow,
// oldest first, including superseded ones. Requires an investigator token.
func (c *Client) DecisionTimeline(ctx context.Context, workflowID string) (*DecisionTimeline, error) {
	var resp DecisionTimeline
	if err := c.get(ctx, "/investigator/workflows/"+workflowID+"/decisions", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CurrentDecision retrieves the decision of record for a workflow. Requires
// an investigator token.
func (c *Client) CurrentDecision(ctx context.Context, workflowID string) (*CurrentDecision, error) {
	var resp CurrentDecision
	if err := c.get(ctx, "/investigator/workflows/"+workflowID+"/decisions/current", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyIntegrity recomputes the content hash of every ledger event for a
// workflow and compares each to the stored hash. Requires an investigator
// token.
func (c *Client) VerifyIntegrity(ctx context.Context, workflowID string) (*IntegrityReport, error) {
	var resp IntegrityReport
	if err := c.get(ctx, "/investigator/workflows/"+workflowID+"/integrity", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Manual decisions
// ---------------------------------------------------------------------------

// RecordManualDecision attaches an advisory operator note to a workflow. It
// never changes the decision of record; use Override for that. Requires an
// operator token.
func (c *Client) RecordManualDecision(ctx context.Context, workflowID string, req ManualDecisionRequest) error {
	return c.post(ctx, "/workflow/"+workflowID+"/manual-decision", req, nil)
}

// ListManualDecisions retrieves the advisory notes recorded for a workflow,
// newest first. Requires an investigator token.
func (c *Client) ListManualDecisions(ctx context.Context, workflowID string) ([]ManualDecision, error) {
	var resp manualDecisionsResponse
	if err := c.get(ctx, "/workflow/"+workflowID+"/manual-decisions", &resp); err != nil {
		return nil, err
	}
	return resp.ManualDecisions, nil
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type manualDecisionsResponse struct {
	WorkflowID      string           `json:"workflow_id"`
	ManualDecisions []ManualDecision `json:"manual_decisions"`
	Count           int              `json:"count"`
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("orchestrate: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("orchestrate: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("orchestrate: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("orchestrate: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("orchestrate: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("orchestrate: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("orchestrate: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content — nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("orchestrate: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
