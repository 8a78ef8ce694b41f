package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/turing-id/orchestrate/internal/model"
	"github.com/turing-id/orchestrate/internal/storage"
)

type idempotencyHandle struct {
	correlationID string
}

func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotentWrite checks/reuses/reserves a correlation_id for this
// tenant. Returns (nil, true) when no correlation_id is present and the
// caller should proceed normally. When a completed record exists with the
// same payload hash, the stored response is replayed and (nil, false) is
// returned.
func (h *Handlers) beginIdempotentWrite(
	w http.ResponseWriter,
	r *http.Request,
	tenantID, correlationID string,
	payload any,
) (*idempotencyHandle, bool) {
	if correlationID == "" {
		return nil, true
	}

	hash, err := requestHash(payload)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash idempotency payload", err)
		return nil, false
	}

	lookup, err := h.db.BeginIdempotency(r.Context(), tenantID, correlationID, hash)
	switch {
	case err == nil:
		if lookup.Completed {
			var replay any
			if len(lookup.ResponseData) > 0 {
				if uErr := json.Unmarshal(lookup.ResponseData, &replay); uErr != nil {
					h.writeInternalError(w, r, "failed to unmarshal idempotent replay payload", uErr)
					return nil, false
				}
			}
			status := lookup.StatusCode
			if status == 0 {
				status = http.StatusAccepted
			}
			h.logger.Info("replayed idempotent response",
				"tenant_id", tenantID,
				"correlation_id", correlationID,
				"request_id", RequestIDFromContext(r.Context()),
			)
			writeJSON(w, r, status, replay)
			return nil, false
		}
		return &idempotencyHandle{correlationID: correlationID}, true
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			"correlation_id reused with different payload")
		return nil, false
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			"request with this correlation_id is already in progress")
		return nil, false
	default:
		h.writeInternalError(w, r, "idempotency lookup failed", err)
		return nil, false
	}
}

func (h *Handlers) completeIdempotentWrite(
	tenantID string,
	idem *idempotencyHandle,
	statusCode int,
	data any,
) error {
	if idem == nil {
		return nil
	}

	// Finish idempotency in a bounded background context to avoid tying
	// correctness to request cancellation at the edge of a timeout.
	// Use a generous timeout because failed finalization can cause replay gaps.
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if err := h.db.CompleteIdempotency(writeCtx, tenantID, idem.correlationID, statusCode, data); err == nil {
			return nil
		} else {
			lastErr = err
			h.logger.Warn("idempotency finalize attempt failed",
				"attempt", attempt,
				"error", err,
				"tenant_id", tenantID,
				"correlation_id", idem.correlationID,
			)
		}

		// Short backoff between retries, bounded by writeCtx.
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			return fmt.Errorf("idempotency finalize context expired: %w", lastErr)
		}
	}

	return fmt.Errorf("failed to complete idempotency record after retries: %w", lastErr)
}

// completeIdempotentWriteBestEffort finalizes an idempotency key without
// failing the already-committed dispatch response path.
func (h *Handlers) completeIdempotentWriteBestEffort(
	r *http.Request,
	tenantID string,
	idem *idempotencyHandle,
	statusCode int,
	data any,
) {
	if err := h.completeIdempotentWrite(tenantID, idem, statusCode, data); err != nil {
		h.logger.Error("failed to finalize idempotency record after committed dispatch",
			"error", err,
			"tenant_id", tenantID,
			"request_id", RequestIDFromContext(r.Context()),
		)
	}
}

func (h *Handlers) clearIdempotentWrite(r *http.Request, tenantID string, idem *idempotencyHandle) {
	if idem == nil {
		return
	}
	if err := h.db.ClearInProgressIdempotency(r.Context(), tenantID, idem.correlationID); err != nil {
		h.logger.Error("failed to clear idempotency record",
			"error", err,
			"tenant_id", tenantID,
			"correlation_id", idem.correlationID,
		)
	}
}
