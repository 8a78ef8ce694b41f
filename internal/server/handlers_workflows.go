package server

import (
	"errors"
	"net/http"

	"github.com/turing-id/orchestrate/internal/model"
	"github.com/turing-id/orchestrate/internal/service/orchestrator"
)

// effectiveTenantID resolves the tenant scope for a query. Requests are
// scoped to the token's tenant; admin tokens may widen the scope to another
// tenant with the tenant_id query parameter.
func effectiveTenantID(r *http.Request) (string, bool) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return "", false
	}
	requested := r.URL.Query().Get("tenant_id")
	if requested == "" || requested == claims.TenantID {
		return claims.TenantID, true
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return requested, true
	}
	return "", false
}

// HandleGetWorkflow handles GET /workflow/{workflow_id}.
func (h *Handlers) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")
	tenantID, ok := effectiveTenantID(r)
	if !ok {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "tenant_id out of token scope")
		return
	}

	resp, err := h.orchestratorSvc.GetWorkflow(r.Context(), workflowID, tenantID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrWorkflowNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "workflow not found: "+workflowID)
			return
		}
		h.writeInternalError(w, r, "failed to load workflow", err)
		return
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListWorkflows handles GET /workflows?tenant_id=&state=&limit=.
func (h *Handlers) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := effectiveTenantID(r)
	if !ok {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "tenant_id out of token scope")
		return
	}

	state := r.URL.Query().Get("state")
	limit := queryLimit(r, 200)

	workflows, err := h.orchestratorSvc.ListWorkflows(r.Context(), tenantID, state, limit)
	if err != nil {
		if errors.Is(err, orchestrator.ErrValidation) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.writeInternalError(w, r, "failed to list workflows", err)
		return
	}

	writeList(w, r, http.StatusOK, workflows, len(workflows), limit)
}

// HandleManualDecision handles POST /workflow/{workflow_id}/manual-decision.
// Records an operator note and updates the workflow's cached decision. It
// deliberately does not touch the ledger: audited overrides go through the
// ingress as override_applied events.
func (h *Handlers) HandleManualDecision(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")
	tenantID, ok := effectiveTenantID(r)
	if !ok {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "tenant_id out of token scope")
		return
	}

	var req model.ManualDecisionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	md, err := h.orchestratorSvc.RecordManualDecision(r.Context(), workflowID, tenantID, req)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrValidation):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		case errors.Is(err, orchestrator.ErrWorkflowNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "workflow not found: "+workflowID)
		default:
			h.writeInternalError(w, r, "failed to record manual decision", err)
		}
		return
	}

	h.logger.Info("manual decision recorded",
		"workflow_id", workflowID,
		"tenant_id", tenantID,
		"decision", md.Decision,
		"actor", md.Actor,
		"request_id", RequestIDFromContext(r.Context()),
	)

	writeJSON(w, r, http.StatusOK, map[string]any{"status": "ok"})
}

// HandleListManualDecisions handles GET /workflow/{workflow_id}/manual-decisions.
func (h *Handlers) HandleListManualDecisions(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")
	tenantID, ok := effectiveTenantID(r)
	if !ok {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "tenant_id out of token scope")
		return
	}

	decisions, err := h.orchestratorSvc.ListManualDecisions(r.Context(), workflowID, tenantID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrWorkflowNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "workflow not found: "+workflowID)
			return
		}
		h.writeInternalError(w, r, "failed to list manual decisions", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"workflow_id":      workflowID,
		"manual_decisions": decisions,
		"count":            len(decisions),
	})
}
