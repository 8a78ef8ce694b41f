// Package mcp implements the Model Context Protocol server for the
// orchestrator.
//
// The MCP server exposes the investigator query surface through MCP tools,
// resources, and prompts, so MCP-compatible AI agents can pull workflows,
// decision timelines, and integrity reports into an investigation without
// going through the REST API.
//
// The surface is read only. Decisions enter the system through the event
// ingress; nothing here can append to a ledger.
package mcp

import (
	"context"
	"errors"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/turing-id/orchestrate/internal/ctxutil"
	"github.com/turing-id/orchestrate/internal/model"
	"github.com/turing-id/orchestrate/internal/service/orchestrator"
	"github.com/turing-id/orchestrate/internal/storage"
)

// Server wraps the MCP server with the orchestrator's service layer.
type Server struct {
	mcpServer       *mcpserver.MCPServer
	db              *storage.DB
	orchestratorSvc *orchestrator.Service
	logger          *slog.Logger
}

// New creates and configures a new MCP server with all tools, resources,
// and prompts.
func New(db *storage.DB, svc *orchestrator.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:              db,
		orchestratorSvc: svc,
		logger:          logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"orchestrate",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// scopedTenantID resolves the tenant scope for a tool call. Calls are scoped
// to the authenticated tenant; admin sessions may widen the scope to another
// tenant with the tenant_id argument. Mirrors the HTTP query surface.
func scopedTenantID(ctx context.Context, request mcplib.CallToolRequest) (string, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return "", errors.New("no authenticated tenant in session")
	}
	requested := request.GetString("tenant_id", "")
	if requested == "" || requested == claims.TenantID {
		return claims.TenantID, nil
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return requested, nil
	}
	return "", errors.New("tenant_id out of token scope")
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
