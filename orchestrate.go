// Package orchestrate is the public API for embedding the identity decision
// orchestrator.
//
// Platform and plugin consumers import this package to construct and extend
// the server without forking it:
//
//	app, err := orchestrate.New(
//	    orchestrate.WithVersion(version),
//	    orchestrate.WithLogger(logger),
//	    orchestrate.WithEventHook(myWebhookNotifier{}),
//	    orchestrate.WithExtraRoutes(myPlatformRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: orchestrate (root)
// imports internal/*, but internal/* never imports orchestrate (root).
// Public types (Decision, RiskAssessment, etc.) are standalone structs with
// no internal imports; conversion helpers (toPublicDecision) live here
// because this is the only file that sees both sides of the boundary.
package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/turing-id/orchestrate/api"
	"github.com/turing-id/orchestrate/internal/auth"
	"github.com/turing-id/orchestrate/internal/config"
	"github.com/turing-id/orchestrate/internal/mcp"
	"github.com/turing-id/orchestrate/internal/model"
	"github.com/turing-id/orchestrate/internal/ratelimit"
	"github.com/turing-id/orchestrate/internal/risk"
	"github.com/turing-id/orchestrate/internal/server"
	"github.com/turing-id/orchestrate/internal/service/orchestrator"
	"github.com/turing-id/orchestrate/internal/storage"
	"github.com/turing-id/orchestrate/internal/telemetry"
	"github.com/turing-id/orchestrate/migrations"
)

// App is the orchestrator server lifecycle. Construct with New(), run with
// Run(). App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	broker       *server.Broker // nil when no notify connection
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the orchestrator server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("orchestrate starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx(opts), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Run built-in migrations.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Run extra (embedder-supplied) migrations after the built-in ones.
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Verify critical tables exist after migration.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'workflow_events')`,
	).Scan(&schemaOK); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("critical table 'workflow_events' does not exist after migration")
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Risk evaluator: external override takes priority over the engine client.
	var evaluator orchestrator.RiskEvaluator
	if o.riskEvaluator != nil {
		evaluator = &riskEvaluatorAdapter{ev: o.riskEvaluator}
		logger.Info("risk engine: external evaluator")
	} else {
		evaluator = risk.New(cfg.RiskBrainURL, cfg.RiskTimeout)
		logger.Info("risk engine: riskbrain", "url", cfg.RiskBrainURL, "timeout", cfg.RiskTimeout)
	}

	// Adapt event hooks from public orchestrate.EventHook to the internal
	// orchestrator.DecisionHook.
	svcOpts := make([]orchestrator.Option, 0, len(o.eventHooks))
	for _, h := range o.eventHooks {
		svcOpts = append(svcOpts, orchestrator.WithDecisionHook(&decisionHookAdapter{hook: h}))
	}

	// Create the orchestrator service.
	svc := orchestrator.New(db, evaluator, logger, svcOpts...)

	// MCP server.
	mcpSrv := mcp.New(db, svc, logger, version)

	// SSE broker.
	var broker *server.Broker
	if db.NotifyConn() != nil {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	// Rate limiters. A zero budget disables the corresponding limiter.
	ingressLimiter := newLimiter(cfg.IngressRatePerMinute)
	authLimiter := newLimiter(cfg.AuthRatePerMinute)
	logger.Info("rate limiting",
		"ingress_per_minute", cfg.IngressRatePerMinute,
		"auth_per_minute", cfg.AuthRatePerMinute)

	// Adapt route registrars from public orchestrate.RouteRegistrar to the
	// internal server format.
	var extraRoutes []func(*http.ServeMux, server.RoleMiddlewareFn)
	for _, fn := range o.routeRegistrars {
		fn := fn // capture
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux, roleFn server.RoleMiddlewareFn) {
			fn(mux, &authHelperImpl{roleFn: roleFn})
		})
	}

	// Adapt middlewares from orchestrate.Middleware to func(http.Handler) http.Handler.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		mw := mw // capture
		middlewares = append(middlewares, func(h http.Handler) http.Handler { return mw(h) })
	}

	// Create HTTP server.
	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		OrchestratorSvc:     svc,
		Logger:              logger,
		IngressLimiter:      ingressLimiter,
		AuthLimiter:         authLimiter,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middleware:          middlewares,
	})

	// Seed the admin tenant.
	if err := srv.Handlers().SeedAdminTenant(context.Background(), cfg.BootstrapIngestKey); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("admin seed: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		broker:       broker,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Background services.
	if a.broker != nil {
		go a.broker.Start(ctx)
	}
	go a.idempotencyCleanupLoop(ctx)

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting HTTP requests, drains in-flight ones, then closes
// the database pool and the OTEL provider. The event ledger needs no drain
// phase: every accepted event was already committed synchronously.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("orchestrate shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("orchestrate stopped")
	return nil
}

// ── Background loops ───────────────────────────────────────────────────────────

func (a *App) idempotencyCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.IdempotencyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.db.CleanupIdempotencyKeys(opCtx, a.cfg.IdempotencyCompletedTTL, a.cfg.IdempotencyAbandonedTTL)
			cancel()
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("idempotency cleanup deleted rows", "deleted", deleted)
			}
		}
	}
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// decisionHookAdapter wraps an orchestrate.EventHook to satisfy
// orchestrator.DecisionHook. It converts internal model types to public
// orchestrate types at the boundary.
type decisionHookAdapter struct {
	hook EventHook
}

func (a *decisionHookAdapter) OnDecisionFinalised(ctx context.Context, workflowID string, rec model.DecisionRecord) error {
	return a.hook.OnDecisionFinalised(ctx, toPublicDecision(workflowID, rec))
}

func (a *decisionHookAdapter) OnRiskDegraded(ctx context.Context, workflowID, tenantID, exception string) error {
	return a.hook.OnRiskDegraded(ctx, RiskDegradation{
		WorkflowID: workflowID,
		TenantID:   tenantID,
		Exception:  exception,
	})
}

// riskEvaluatorAdapter wraps an orchestrate.RiskEvaluator to satisfy
// orchestrator.RiskEvaluator. An evaluator error becomes a degraded result,
// indistinguishable from an unreachable engine: the workflow parks in
// risk_failed for human follow-up.
type riskEvaluatorAdapter struct {
	ev RiskEvaluator
}

func (a *riskEvaluatorAdapter) Evaluate(ctx context.Context, signals map[string]any) risk.Result {
	assessment, err := a.ev.Evaluate(ctx, signals)
	if err != nil {
		return risk.Result{Degraded: &risk.Degraded{
			Error:     risk.DegradedError,
			Exception: err.Error(),
		}}
	}

	eval := &model.RiskEvaluation{
		FinalRisk: model.FinalRisk{
			Score: assessment.RiskScore,
			Band:  assessment.RiskBand,
		},
		Confidence:     assessment.Confidence,
		Jurisdiction:   assessment.Jurisdiction,
		PolicyVersion:  assessment.PolicyVersion,
		FraudScore:     assessment.FraudScore,
		AMLScore:       assessment.AMLScore,
		CreditScore:    assessment.CreditScore,
		LiquidityScore: assessment.LiquidityScore,
		Factors:        assessment.Factors,
	}
	if assessment.Recommendation != "" || assessment.RequiresHuman != nil {
		eval.Decision = &model.RiskDecision{
			Recommendation: assessment.Recommendation,
			RequiresHuman:  assessment.RequiresHuman,
		}
	}

	// The raw payload is persisted on the workflow for audit. When the
	// evaluator reports none, round-trip the structured evaluation so the
	// audit trail still records what was decided on.
	raw := assessment.Raw
	if raw == nil {
		if b, err := json.Marshal(eval); err == nil {
			_ = json.Unmarshal(b, &raw)
		}
	}
	return risk.Result{Evaluation: eval, Raw: raw}
}

// authHelperImpl implements orchestrate.AuthHelper using an internal
// server.RoleMiddlewareFn. Constructed in the route registrar adapter
// closure; bridges the public interface to the internal RBAC middleware
// without importing internal/server from embedder code.
type authHelperImpl struct {
	roleFn server.RoleMiddlewareFn
}

func (a *authHelperImpl) RequireRole(role Role) func(http.Handler) http.Handler {
	return a.roleFn(model.TenantRole(role))
}

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicDecision converts an internal model.DecisionRecord to the public
// orchestrate.Decision. The workflow ID is passed separately because the
// record's subject carries the user ID when capture services recorded one.
func toPublicDecision(workflowID string, rec model.DecisionRecord) Decision {
	return Decision{
		DecisionID:           rec.DecisionID,
		TenantID:             rec.TenantID,
		WorkflowID:           workflowID,
		Outcome:              string(rec.Decision.Outcome),
		Confidence:           rec.Decision.Confidence,
		RequiresHuman:        rec.Decision.RequiresHuman,
		CanProceed:           rec.Decision.CanProceed,
		DecidedBy:            rec.Authority.DecidedBy,
		Override:             rec.Authority.Override,
		Jurisdiction:         rec.Policy.Jurisdiction,
		PolicyPack:           rec.Policy.PolicyPack,
		PolicyVersion:        rec.Policy.PolicyVersion,
		OverallRisk:          rec.RiskSummary.OverallRisk,
		RiskScore:            rec.RiskSummary.RiskScore,
		ReasonCodes:          rec.ReasonCodes,
		SupersedesDecisionID: rec.Lineage.SupersedesDecisionID,
		OverriddenBy:         rec.Lineage.OverriddenBy,
		OverrideReason:       rec.Lineage.OverrideReason,
		Timestamp:            rec.Timestamp,
	}
}

// ── Helpers ────────────────────────────────────────────────────────────────────

// newLimiter builds a token bucket for the given per-minute budget.
// A zero or negative budget disables the limit.
func newLimiter(perMinute int) ratelimit.Limiter {
	if perMinute <= 0 {
		return ratelimit.NoopLimiter{}
	}
	return ratelimit.PerMinute(perMinute)
}

// ctx is a no-op helper so that New(opts ...) can pass a background context to
// telemetry.Init without adding a context parameter to the public API.
// The returned context is never cancelled by this function.
func ctx(_ []Option) context.Context { return context.Background() }
