package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/turing-id/orchestrate/internal/auth"
	"github.com/turing-id/orchestrate/internal/model"
	"github.com/turing-id/orchestrate/internal/service/orchestrator"
	"github.com/turing-id/orchestrate/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	orchestratorSvc     *orchestrator.Service
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
	// timelineGroup collapses concurrent identical investigator reads
	// into a single ledger query.
	timelineGroup singleflight.Group
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, OpenAPISpec.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	OrchestratorSvc     *orchestrator.Service
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		orchestratorSvc:     d.OrchestratorSvc,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token.
// Exchanges a tenant ingest key for a signed JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.TenantID == "" || req.IngestKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tenant_id and ingest_key are required")
		return
	}
	if err := model.ValidateIdentifier("tenant_id", req.TenantID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	tenant, err := h.db.GetTenant(r.Context(), req.TenantID)
	if err != nil {
		// Burn the same hashing cost as a real verification so response
		// timing does not reveal whether the tenant exists.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	if tenant.IngestKeyHash == nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyIngestKey(req.IngestKey, *tenant.IngestKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(tenant)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	h.logger.Info("token issued",
		"tenant_id", tenant.TenantID,
		"role", tenant.Role,
		"request_id", RequestIDFromContext(r.Context()),
	)

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleSubscribe handles GET /subscribe (SSE stream of decision events).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	if h.broker != nil {
		resp.SSEBroker = "running"
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// SeedAdminTenant creates the initial admin tenant if the tenants table is
// empty. Without at least one tenant nobody can exchange an ingest key for a
// token, so a fresh deployment with no key configured is refused outright.
func (h *Handlers) SeedAdminTenant(ctx context.Context, ingestKey string) error {
	count, err := h.db.CountTenants(ctx)
	if err != nil {
		return fmt.Errorf("seed admin tenant: count tenants: %w", err)
	}

	if ingestKey == "" {
		if count == 0 {
			return fmt.Errorf("seed admin tenant: TURING_BOOTSTRAP_INGEST_KEY is empty and no tenants exist; set TURING_BOOTSTRAP_INGEST_KEY to bootstrap initial access")
		}
		h.logger.Info("no bootstrap ingest key configured, skipping admin seed", "existing_tenants", count)
		return nil
	}

	if count > 0 {
		h.logger.Info("tenants table not empty, skipping admin seed")
		return nil
	}

	hash, err := auth.HashIngestKey(ingestKey)
	if err != nil {
		return fmt.Errorf("seed admin tenant: hash key: %w", err)
	}

	_, err = h.db.UpsertTenant(ctx, model.Tenant{
		TenantID:      "turing-ops",
		Name:          "Turing Operations",
		Role:          model.RoleAdmin,
		IngestKeyHash: &hash,
	})
	if err != nil {
		return fmt.Errorf("seed admin tenant: upsert tenant: %w", err)
	}

	h.logger.Info("seeded initial admin tenant", "tenant_id", "turing-ops")
	return nil
}

// queryInt parses an optional integer query parameter, returning def when
// absent or unparseable.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// queryLimit parses the limit query parameter, clamped to [1, max] with a
// default of 50. The same clamp applies in the storage layer; doing it here
// keeps the limit reported in list envelopes honest.
func queryLimit(r *http.Request, max int) int {
	limit := queryInt(r, "limit", 50)
	if limit < 1 {
		limit = 50
	}
	if limit > max {
		limit = max
	}
	return limit
}
