package server

import (
	"errors"
	"net/http"

	"github.com/turing-id/orchestrate/internal/model"
	"github.com/turing-id/orchestrate/internal/service/orchestrator"
)

// HandleDecisionTimeline handles GET /investigator/workflows/{workflow_id}/decisions.
//
// Timeline reads walk the full ledger, and investigator dashboards tend to
// fire several identical requests at once when a case opens. Concurrent
// duplicates are collapsed through a singleflight group so only one of them
// touches the database.
func (h *Handlers) HandleDecisionTimeline(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")
	tenantID, ok := effectiveTenantID(r)
	if !ok {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "tenant_id out of token scope")
		return
	}

	key := tenantID + ":" + workflowID
	v, err, _ := h.timelineGroup.Do(key, func() (any, error) {
		return h.orchestratorSvc.DecisionTimeline(r.Context(), workflowID, tenantID)
	})
	if err != nil {
		h.writeDecisionReadError(w, r, workflowID, err)
		return
	}

	writeJSON(w, r, http.StatusOK, v.(model.DecisionTimelineResponse))
}

// HandleCurrentDecision handles GET /investigator/workflows/{workflow_id}/decisions/current.
func (h *Handlers) HandleCurrentDecision(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")
	tenantID, ok := effectiveTenantID(r)
	if !ok {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "tenant_id out of token scope")
		return
	}

	resp, err := h.orchestratorSvc.CurrentDecision(r.Context(), workflowID, tenantID)
	if err != nil {
		h.writeDecisionReadError(w, r, workflowID, err)
		return
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleIntegrity handles GET /investigator/workflows/{workflow_id}/integrity.
// Recomputes every ledger event's content hash and the Merkle root so an
// investigator can detect post-hoc tampering with stored rows.
func (h *Handlers) HandleIntegrity(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")
	tenantID, ok := effectiveTenantID(r)
	if !ok {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "tenant_id out of token scope")
		return
	}

	report, err := h.orchestratorSvc.Integrity(r.Context(), workflowID, tenantID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrWorkflowNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "workflow not found: "+workflowID)
			return
		}
		h.writeInternalError(w, r, "failed to verify workflow integrity", err)
		return
	}

	writeJSON(w, r, http.StatusOK, report)
}

// writeDecisionReadError maps decision read errors onto HTTP statuses.
func (h *Handlers) writeDecisionReadError(w http.ResponseWriter, r *http.Request, workflowID string, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrWorkflowNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "workflow not found: "+workflowID)
	case errors.Is(err, orchestrator.ErrNoDecisions):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no decisions recorded for workflow: "+workflowID)
	default:
		h.writeInternalError(w, r, "failed to load decisions", err)
	}
}
