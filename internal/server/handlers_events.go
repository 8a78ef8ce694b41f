package server

import (
	"errors"
	"net/http"

	"github.com/turing-id/orchestrate/internal/model"
	"github.com/turing-id/orchestrate/internal/service/orchestrator"
	"github.com/turing-id/orchestrate/internal/storage"
)

// HandleIngestEvent handles POST /event, the single ingress for workflow
// events. Known types are dispatched to the orchestrator; unknown types are
// acknowledged and dropped. Both outcomes return 202: the producer's job is
// done once the event is accepted.
func (h *Handlers) HandleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req model.IngestEventRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	eventType, err := req.ResolveType()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	tenantID, _ := req.Payload["tenant_id"].(string)
	claims := ClaimsFromContext(r.Context())
	if claims != nil && claims.TenantID != tenantID && !model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden,
			"token tenant does not match payload.tenant_id")
		return
	}

	// Correlation-id replay protection. A producer retrying the same
	// correlation_id gets the stored response back instead of a second
	// dispatch (and a second decision).
	idem, proceed := h.beginIdempotentWrite(w, r, tenantID, req.CorrelationID, req)
	if !proceed {
		return
	}

	result, err := h.orchestratorSvc.Dispatch(r.Context(), model.InboundEvent{
		Type:          eventType,
		Payload:       req.Payload,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		h.clearIdempotentWrite(r, tenantID, idem)
		h.writeDispatchError(w, r, err)
		return
	}

	resp := model.IngestEventResponse{
		Status:    result.Status,
		Processed: string(result.Processed),
		Reason:    result.Reason,
	}

	h.completeIdempotentWriteBestEffort(r, tenantID, idem, http.StatusAccepted, resp)
	writeJSON(w, r, http.StatusAccepted, resp)
}

// writeDispatchError maps orchestrator domain errors onto HTTP statuses.
func (h *Handlers) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, orchestrator.ErrWorkflowNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrNoPriorDecision):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, storage.ErrTenantMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			"workflow_id already exists under a different tenant")
	default:
		h.writeInternalError(w, r, "event dispatch failed", err)
	}
}
