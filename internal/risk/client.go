// Package risk is the client for the external risk engine.
//
// Evaluate never returns a Go error: transport failures, timeouts, non-2xx
// responses, and schema mismatches all yield a tagged Degraded result, and
// callers branch on the tag. Orchestration must keep moving when the engine
// is down; the degraded tag is recorded on the workflow instead of failing
// the ingress.
package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/turing-id/orchestrate/internal/model"
)

// DegradedError is the error tag recorded when the engine cannot produce a
// usable evaluation. Downstream tooling matches on this string.
const DegradedError = "riskbrain_unavailable"

const (
	defaultBaseURL = "http://localhost:8103"
	defaultTimeout = 5 * time.Second

	// maxResponseBytes bounds how much of an engine response we will buffer.
	maxResponseBytes = 1 << 20
)

// Client calls the risk engine's evaluate endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a risk client. Empty baseURL and non-positive timeout select
// the local-dev defaults.
func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Degraded describes why an engine result is unusable.
type Degraded struct {
	Error     string `json:"error"`
	Exception string `json:"exception"`
}

// Result is the tagged outcome of an evaluation. Exactly one of Evaluation
// or Degraded is set; Raw holds the engine's full decoded response on
// success, unknown fields included.
type Result struct {
	Evaluation *model.RiskEvaluation
	Degraded   *Degraded
	Raw        map[string]any
}

// OK reports whether the engine produced a usable evaluation.
func (r Result) OK() bool { return r.Evaluation != nil }

// DataBag is the map persisted into workflow.data.risk_result: the raw
// engine response on success (full fidelity for audit), the degraded tag
// otherwise.
func (r Result) DataBag() map[string]any {
	if r.Evaluation != nil {
		return r.Raw
	}
	return map[string]any{
		"error":     r.Degraded.Error,
		"exception": r.Degraded.Exception,
	}
}

// Evaluate posts the signals bag to the engine and decodes the evaluation.
// The call is bounded by the client timeout and ctx, whichever ends first.
func (c *Client) Evaluate(ctx context.Context, signals map[string]any) Result {
	reqBody, err := json.Marshal(signals)
	if err != nil {
		return degraded(fmt.Errorf("risk: encode signals: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/risk/evaluate", bytes.NewReader(reqBody))
	if err != nil {
		return degraded(fmt.Errorf("risk: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return degraded(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return degraded(fmt.Errorf("risk: status %d: %s", resp.StatusCode, string(snippet)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return degraded(fmt.Errorf("risk: read response: %w", err))
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return degraded(fmt.Errorf("risk: decode response: %w", err))
	}
	if _, ok := raw["final_risk"]; !ok {
		return degraded(fmt.Errorf("risk: response missing final_risk"))
	}

	var eval model.RiskEvaluation
	if err := json.Unmarshal(body, &eval); err != nil {
		return degraded(fmt.Errorf("risk: decode response: %w", err))
	}

	return Result{Evaluation: &eval, Raw: raw}
}

func degraded(err error) Result {
	return Result{Degraded: &Degraded{
		Error:     DegradedError,
		Exception: err.Error(),
	}}
}
