package orchestrator

import (
	"context"
	"time"

	"github.com/turing-id/orchestrate/internal/model"
)

// hookTimeout bounds each asynchronous hook invocation.
const hookTimeout = 10 * time.Second

// DecisionHook receives decision lifecycle events within the service layer.
// Defined here (not in the root orchestrate package) to avoid a circular
// import: orchestrator → orchestrate → orchestrator would be a cycle.
// The root orchestrate package wraps orchestrate.EventHook into DecisionHook
// via an adapter.
//
// Hook methods are called asynchronously in goroutines after the owning
// transaction commits. Implementations must not block indefinitely. Failures
// are logged and do not fail the originating event.
type DecisionHook interface {
	// OnDecisionFinalised receives every committed decision record. The
	// workflow ID is passed separately because the record's subject may
	// carry a user ID instead.
	OnDecisionFinalised(ctx context.Context, workflowID string, decision model.DecisionRecord) error
	OnRiskDegraded(ctx context.Context, workflowID, tenantID, exception string) error
}

// fireDecisionFinalised notifies registered hooks of a committed decision.
func (s *Service) fireDecisionFinalised(workflowID string, rec model.DecisionRecord) {
	if len(s.hooks) == 0 {
		return
	}
	hooks := s.hooks
	logger := s.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		for _, h := range hooks {
			if err := h.OnDecisionFinalised(ctx, workflowID, rec); err != nil {
				logger.Warn("event hook OnDecisionFinalised failed",
					"decision_id", rec.DecisionID, "error", err)
			}
		}
	}()
}

// fireRiskDegraded notifies registered hooks that a workflow parked in
// risk_failed because the risk engine was unreachable.
func (s *Service) fireRiskDegraded(workflowID, tenantID, exception string) {
	if len(s.hooks) == 0 {
		return
	}
	hooks := s.hooks
	logger := s.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		for _, h := range hooks {
			if err := h.OnRiskDegraded(ctx, workflowID, tenantID, exception); err != nil {
				logger.Warn("event hook OnRiskDegraded failed",
					"workflow_id", workflowID, "error", err)
			}
		}
	}()
}
