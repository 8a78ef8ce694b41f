package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/turing-id/orchestrate/internal/auth"
	"github.com/turing-id/orchestrate/internal/model"
	"github.com/turing-id/orchestrate/internal/ratelimit"
	"github.com/turing-id/orchestrate/internal/service/orchestrator"
	"github.com/turing-id/orchestrate/internal/storage"
)

// Server is the orchestrator HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): IngressLimiter, AuthLimiter, Broker, MCPServer,
// OpenAPISpec, ExtraRoutes, Middleware.
type ServerConfig struct {
	// Required dependencies.
	DB              *storage.DB
	JWTMgr          *auth.JWTManager
	OrchestratorSvc *orchestrator.Service
	Logger          *slog.Logger

	// Optional dependencies (nil = disabled).
	IngressLimiter ratelimit.Limiter
	AuthLimiter    ratelimit.Limiter
	Broker         *Broker
	MCPServer      *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Optional embedded assets.
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// ExtraRoutes registers additional routes on the mux before the
	// middleware chain is applied. Each registrar receives the shared mux
	// and the role middleware factory so embedded routes can enforce the
	// same RBAC as built-in ones.
	ExtraRoutes []func(mux *http.ServeMux, roleFn RoleMiddlewareFn)

	// Middleware wraps the fully-built handler chain. Outermost wins.
	Middleware []func(http.Handler) http.Handler
}

// RoleMiddlewareFn builds middleware that rejects requests below a minimum
// tenant role. Passed to ExtraRoutes registrars.
type RoleMiddlewareFn func(minRole model.TenantRole) func(http.Handler) http.Handler

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		OrchestratorSvc:     cfg.OrchestratorSvc,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules: ingress per tenant, token issuance per client IP.
	ingressRL := ratelimit.Middleware(cfg.IngressLimiter, tenantKeyFunc, reqIDFunc, cfg.Logger)
	authRL := ratelimit.Middleware(cfg.AuthLimiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Token issuance (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Event ingress (service+, rate limited per tenant).
	serviceRole := requireRole(model.RoleService)
	mux.Handle("POST /event", ingressRL(serviceRole(http.HandlerFunc(h.HandleIngestEvent))))

	// Workflow queries (service+).
	mux.Handle("GET /workflow/{workflow_id}", serviceRole(http.HandlerFunc(h.HandleGetWorkflow)))
	mux.Handle("GET /workflows", serviceRole(http.HandlerFunc(h.HandleListWorkflows)))

	// Investigator surface (investigator+).
	investigatorRole := requireRole(model.RoleInvestigator)
	mux.Handle("GET /investigator/workflows/{workflow_id}/decisions",
		investigatorRole(http.HandlerFunc(h.HandleDecisionTimeline)))
	mux.Handle("GET /investigator/workflows/{workflow_id}/decisions/current",
		investigatorRole(http.HandlerFunc(h.HandleCurrentDecision)))
	mux.Handle("GET /investigator/workflows/{workflow_id}/integrity",
		investigatorRole(http.HandlerFunc(h.HandleIntegrity)))

	// Manual decisions (operator+ to write, investigator+ to read).
	operatorRole := requireRole(model.RoleOperator)
	mux.Handle("POST /workflow/{workflow_id}/manual-decision",
		operatorRole(http.HandlerFunc(h.HandleManualDecision)))
	mux.Handle("GET /workflow/{workflow_id}/manual-decisions",
		investigatorRole(http.HandlerFunc(h.HandleListManualDecisions)))

	// Decision stream (investigator+, no rate limit — long-lived connection).
	mux.Handle("GET /subscribe", investigatorRole(http.HandlerFunc(h.HandleSubscribe)))

	// MCP StreamableHTTP transport (auth required, investigator+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", investigatorRole(mcpHTTP))
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux, requireRole)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middleware) - 1; i >= 0; i-- {
		handler = cfg.Middleware[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// tenantKeyFunc extracts the tenant ID from the request context for rate
// limiting. Returns empty string for admin+ roles (exempt from rate limits).
func tenantKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return claims.TenantID
}

// Handlers returns the underlying Handlers for access in tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
