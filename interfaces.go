package orchestrate

import (
	"context"
	"net/http"
)

// RiskEvaluator scores the signals a workflow accumulated before its
// risk.evaluate event. When provided via WithRiskEvaluator, it replaces the
// built-in HTTP client for the risk engine.
//
// A returned error marks the workflow risk_failed, exactly as an unreachable
// engine would: the workflow parks for human follow-up and no decision is
// finalised. Evaluators must honour ctx cancellation.
type RiskEvaluator interface {
	Evaluate(ctx context.Context, signals map[string]any) (RiskAssessment, error)
}

// EventHook receives async notifications when decision lifecycle events
// occur. Multiple hooks may be registered via multiple WithEventHook calls.
// Hook methods run in goroutines after the owning transaction commits; they
// must not block indefinitely. Failures are logged but never fail or roll
// back the originating event.
type EventHook interface {
	// OnDecisionFinalised fires for every decision appended to the ledger,
	// overrides included (Decision.Override distinguishes them).
	OnDecisionFinalised(ctx context.Context, decision Decision) error
	// OnRiskDegraded fires when a workflow parks in risk_failed because
	// the risk engine was unreachable or returned an unusable response.
	OnRiskDegraded(ctx context.Context, degradation RiskDegradation) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Embedded routes share the mux, auth chain, and middleware stack with
// built-in routes. The function is called once during New() after all
// built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper provides RBAC middleware for use in RouteRegistrar.
// It wraps the server's role middleware so embedded routes enforce the same
// token and role checks without depending on internal packages.
type AuthHelper interface {
	RequireRole(role Role) func(http.Handler) http.Handler
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including
// /health. Use for custom logging, cross-cutting headers, or request
// shaping. Multiple middlewares are applied in registration order
// (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
