package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/turing-id/orchestrate/internal/ctxutil"
)

func (s *Server) registerResources() {
	// orchestrate://workflows/recent — recent workflows for the session tenant.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"orchestrate://workflows/recent",
			"Recent Workflows",
			mcplib.WithResourceDescription("Recently updated verification workflows for the authenticated tenant"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleWorkflowsRecent,
	)

	// orchestrate://workflow/{id}/timeline — a workflow's decision history.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"orchestrate://workflow/{id}/timeline",
			"Decision Timeline",
			mcplib.WithTemplateDescription("Decision timeline for a specific workflow"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleWorkflowTimeline,
	)
}

func (s *Server) handleWorkflowsRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return nil, errors.New("mcp: no authenticated tenant in session")
	}

	workflows, err := s.db.ListWorkflows(ctx, claims.TenantID, nil, 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent workflows: %w", err)
	}

	compacted := make([]map[string]any, 0, len(workflows))
	for _, wf := range workflows {
		compacted = append(compacted, compactWorkflow(wf))
	}

	data, err := json.MarshalIndent(compacted, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal workflows: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "orchestrate://workflows/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleWorkflowTimeline(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return nil, errors.New("mcp: no authenticated tenant in session")
	}

	// Extract the workflow id from orchestrate://workflow/{id}/timeline.
	uri := request.Params.URI
	workflowID := strings.TrimPrefix(uri, "orchestrate://workflow/")
	workflowID = strings.TrimSuffix(workflowID, "/timeline")
	if workflowID == "" || workflowID == uri {
		return nil, fmt.Errorf("mcp: invalid timeline URI: %s", uri)
	}

	resp, err := s.orchestratorSvc.DecisionTimeline(ctx, workflowID, claims.TenantID)
	if err != nil {
		return nil, fmt.Errorf("mcp: workflow timeline: %w", err)
	}

	entries := make([]map[string]any, 0, len(resp.Timeline))
	for _, e := range resp.Timeline {
		entries = append(entries, compactTimelineEntry(e))
	}

	data, err := json.MarshalIndent(map[string]any{
		"workflow_id":    resp.WorkflowID,
		"decision_count": resp.DecisionCount,
		"has_overrides":  resp.HasOverrides,
		"summary":        timelineSummary(resp),
		"timeline":       entries,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal timeline: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
