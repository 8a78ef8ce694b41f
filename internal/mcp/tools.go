package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/turing-id/orchestrate/internal/service/orchestrator"
)

func (s *Server) registerTools() {
	// orchestrate_get_workflow — one workflow with its authoritative decision.
	s.mcpServer.AddTool(
		mcplib.NewTool("orchestrate_get_workflow",
			mcplib.WithDescription(`Fetch one verification workflow with its current state and latest decision.

WHEN TO USE: As the first step of any investigation. This gives you the
workflow's position in the state machine, its risk posture, and the
decision currently in force.

WHAT YOU GET BACK:
- workflow: state, risk score/band, requires_human flag, session references
- latest_decision: the decision currently in force (null if undecided),
  including who decided (the orchestrator or a human operator) and, for
  overrides, which decision was superseded
- context_note: a short synthesis of anything unusual (degraded risk
  engine, pending human review, applied overrides)`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("workflow_id",
				mcplib.Description("The workflow to fetch"),
				mcplib.Required(),
			),
			mcplib.WithString("tenant_id",
				mcplib.Description("Optional: widen scope to another tenant (admin sessions only)"),
			),
		),
		s.handleGetWorkflow,
	)

	// orchestrate_list_workflows — browse a tenant's workflows.
	s.mcpServer.AddTool(
		mcplib.NewTool("orchestrate_list_workflows",
			mcplib.WithDescription(`List verification workflows for the tenant, most recently updated first.

WHEN TO USE: To build a work queue or get situational awareness. Filter by
state to find workflows in a specific phase — for a human-review queue,
list state="risk_evaluated" and check the requires_human flag on each.

STATES: pending, selfie_uploaded, id_uploaded, match_verified,
match_failed, risk_evaluated, risk_failed, override_applied.

risk_failed workflows had a degraded risk engine and carry NO automated
decision — they stay undecided until a human override arrives.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("state",
				mcplib.Description("Optional: only workflows in this state (e.g. risk_evaluated, risk_failed, override_applied)"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(50),
			),
			mcplib.WithString("tenant_id",
				mcplib.Description("Optional: widen scope to another tenant (admin sessions only)"),
			),
		),
		s.handleListWorkflows,
	)

	// orchestrate_decision_timeline — the full decision history of a workflow.
	s.mcpServer.AddTool(
		mcplib.NewTool("orchestrate_decision_timeline",
			mcplib.WithDescription(`Walk the append-only decision ledger of a workflow, oldest first.

WHEN TO USE: When you need to explain WHY the current decision stands —
every decision ever finalised for the workflow is here, including
superseded ones. Overrides never erase history; each override entry names
the decision it superseded and the operator who applied it.

WHAT YOU GET BACK:
- timeline: every decision in finalisation order with outcome, confidence,
  decided_by, and override lineage
- summary: a 1-3 sentence synthesis of the history
- has_overrides: whether any human override appears on the ledger`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("workflow_id",
				mcplib.Description("The workflow whose ledger to walk"),
				mcplib.Required(),
			),
			mcplib.WithString("tenant_id",
				mcplib.Description("Optional: widen scope to another tenant (admin sessions only)"),
			),
		),
		s.handleDecisionTimeline,
	)

	// orchestrate_current_decision — the single authoritative decision.
	s.mcpServer.AddTool(
		mcplib.NewTool("orchestrate_current_decision",
			mcplib.WithDescription(`Fetch the single authoritative decision for a workflow: the most recent
decision.finalised event on its ledger, returned as the full decision
record.

WHEN TO USE: When a downstream system or report needs the exact decision
record — outcome, policy context, risk summary, reason codes, authority,
and override lineage — rather than the digest the other tools return.

Errors if the workflow has never been decided (undecided workflows have
no authoritative decision, only a state).`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("workflow_id",
				mcplib.Description("The workflow whose current decision to fetch"),
				mcplib.Required(),
			),
			mcplib.WithString("tenant_id",
				mcplib.Description("Optional: widen scope to another tenant (admin sessions only)"),
			),
		),
		s.handleCurrentDecision,
	)

	// orchestrate_verify_integrity — recompute ledger hashes.
	s.mcpServer.AddTool(
		mcplib.NewTool("orchestrate_verify_integrity",
			mcplib.WithDescription(`Re-verify a workflow's ledger: recompute every event's content hash from
the stored row, rebuild the Merkle root, and compare the cached decision
against the ledger.

WHEN TO USE: When an investigation must establish that the evidence trail
has not been tampered with, or before citing ledger contents in a report.

READING THE REPORT:
- valid=false on any event means the stored row no longer matches its
  recorded hash — escalate immediately.
- cache_coherent=false is NOT tampering by itself: operator manual
  decisions update the workflow's cached decision without touching the
  ledger, so divergence after a manual decision is expected.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("workflow_id",
				mcplib.Description("The workflow whose ledger to verify"),
				mcplib.Required(),
			),
			mcplib.WithString("tenant_id",
				mcplib.Description("Optional: widen scope to another tenant (admin sessions only)"),
			),
		),
		s.handleVerifyIntegrity,
	)
}

func (s *Server) handleGetWorkflow(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	workflowID := request.GetString("workflow_id", "")
	if workflowID == "" {
		return errorResult("workflow_id is required"), nil
	}
	tenantID, err := scopedTenantID(ctx, request)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	resp, err := s.orchestratorSvc.GetWorkflow(ctx, workflowID, tenantID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrWorkflowNotFound) {
			return errorResult("workflow not found: " + workflowID), nil
		}
		return errorResult(fmt.Sprintf("get workflow failed: %v", err)), nil
	}

	out := map[string]any{
		"workflow": compactWorkflow(resp.Workflow),
	}
	if resp.LatestDecision != nil {
		out["latest_decision"] = compactDecision(*resp.LatestDecision)
	} else {
		out["latest_decision"] = nil
	}
	if note := workflowContextNote(resp.Workflow, resp.LatestDecision); note != "" {
		out["context_note"] = note
	}

	resultData, _ := json.MarshalIndent(out, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleListWorkflows(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenantID, err := scopedTenantID(ctx, request)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	state := request.GetString("state", "")
	limit := request.GetInt("limit", 50)

	workflows, err := s.orchestratorSvc.ListWorkflows(ctx, tenantID, state, limit)
	if err != nil {
		if errors.Is(err, orchestrator.ErrValidation) {
			return errorResult(err.Error()), nil
		}
		return errorResult(fmt.Sprintf("list workflows failed: %v", err)), nil
	}

	compacted := make([]map[string]any, 0, len(workflows))
	for _, wf := range workflows {
		row := compactWorkflow(wf)
		if note := workflowContextNote(wf, nil); note != "" {
			row["context_note"] = note
		}
		compacted = append(compacted, row)
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"workflows": compacted,
		"count":     len(compacted),
	}, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleDecisionTimeline(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	workflowID := request.GetString("workflow_id", "")
	if workflowID == "" {
		return errorResult("workflow_id is required"), nil
	}
	tenantID, err := scopedTenantID(ctx, request)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	resp, err := s.orchestratorSvc.DecisionTimeline(ctx, workflowID, tenantID)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrWorkflowNotFound):
			return errorResult("workflow not found: " + workflowID), nil
		case errors.Is(err, orchestrator.ErrNoDecisions):
			return errorResult("no decisions recorded for workflow: " + workflowID), nil
		}
		return errorResult(fmt.Sprintf("decision timeline failed: %v", err)), nil
	}

	entries := make([]map[string]any, 0, len(resp.Timeline))
	for _, e := range resp.Timeline {
		entries = append(entries, compactTimelineEntry(e))
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"workflow_id":    resp.WorkflowID,
		"decision_count": resp.DecisionCount,
		"has_overrides":  resp.HasOverrides,
		"summary":        timelineSummary(resp),
		"timeline":       entries,
	}, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleCurrentDecision(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	workflowID := request.GetString("workflow_id", "")
	if workflowID == "" {
		return errorResult("workflow_id is required"), nil
	}
	tenantID, err := scopedTenantID(ctx, request)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	resp, err := s.orchestratorSvc.CurrentDecision(ctx, workflowID, tenantID)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrWorkflowNotFound):
			return errorResult("workflow not found: " + workflowID), nil
		case errors.Is(err, orchestrator.ErrNoDecisions):
			return errorResult("no decisions recorded for workflow: " + workflowID), nil
		}
		return errorResult(fmt.Sprintf("current decision failed: %v", err)), nil
	}

	// Full record, not the compact digest: callers of this tool want the
	// exact decision contents.
	resultData, _ := json.MarshalIndent(resp, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleVerifyIntegrity(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	workflowID := request.GetString("workflow_id", "")
	if workflowID == "" {
		return errorResult("workflow_id is required"), nil
	}
	tenantID, err := scopedTenantID(ctx, request)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	report, err := s.orchestratorSvc.Integrity(ctx, workflowID, tenantID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrWorkflowNotFound) {
			return errorResult("workflow not found: " + workflowID), nil
		}
		return errorResult(fmt.Sprintf("integrity check failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(report, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}
