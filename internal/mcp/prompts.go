package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// investigate-workflow — walks the agent through a full case review.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("investigate-workflow",
			mcplib.WithPromptDescription("Step-by-step review of one verification workflow: state, decision history, and ledger integrity"),
			mcplib.WithArgument("workflow_id",
				mcplib.ArgumentDescription("The workflow to investigate"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleInvestigatePrompt,
	)

	// review-queue — builds a human-review work queue.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-queue",
			mcplib.WithPromptDescription("Build a work queue of workflows that need human attention"),
		),
		s.handleReviewQueuePrompt,
	)
}

func (s *Server) handleInvestigatePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	workflowID := request.Params.Arguments["workflow_id"]
	if workflowID == "" {
		return nil, fmt.Errorf("workflow_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Investigate workflow %s", workflowID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Investigate verification workflow %s. Work through these steps in order:

1. CALL orchestrate_get_workflow with workflow_id="%s".
   Note the state, the risk band, and whether a decision is in force.
   A risk_failed state means the risk engine was degraded and the workflow
   is undecided.

2. CALL orchestrate_decision_timeline with workflow_id="%s".
   Read the full history, oldest first. If has_overrides is true, identify
   who overrode what and why — every override names the decision it
   superseded and carries the operator's reason.

3. CALL orchestrate_verify_integrity with workflow_id="%s".
   - If any event reports valid=false, the stored ledger no longer matches
     its recorded hashes. Flag this immediately; do not rely on the ledger
     contents.
   - cache_coherent=false on its own usually means an operator recorded a
     manual decision, which updates the cached decision without touching
     the ledger. Mention it, but it is not tampering.

4. SUMMARISE: current decision and who made it, full decision history with
   lineage, and the integrity verdict.`, workflowID, workflowID, workflowID, workflowID),
				},
			},
		},
	}, nil
}

func (s *Server) handleReviewQueuePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Build a human-review work queue",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `Build a work queue of workflows needing human attention.

1. CALL orchestrate_list_workflows with state="risk_evaluated".
   Keep the entries where requires_human is true — those carry an
   automated decision that policy flagged for review.

2. CALL orchestrate_list_workflows with state="risk_failed".
   All of these are undecided: the risk engine was degraded when they were
   evaluated, and only a human override can decide them. They outrank the
   first group.

3. For each workflow in the queue, CALL orchestrate_decision_timeline to
   see whether anyone has already acted on it.

4. PRESENT the queue ordered by urgency: undecided risk_failed workflows
   first, then flagged reviews by risk band (critical, high, medium, low).
   For each entry give the workflow id, state, risk band, and the action
   you recommend.`,
				},
			},
		},
	}, nil
}
