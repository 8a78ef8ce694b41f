package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/turing-id/orchestrate/internal/integrity"
	"github.com/turing-id/orchestrate/internal/model"
	"github.com/turing-id/orchestrate/internal/storage"
)

// List clamp for workflow listings.
const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// integrityScanLimit bounds how many ledger rows one integrity check reads.
// Verification workflows hold tens of events; the bound exists to keep a
// pathological ledger from pinning a connection.
const integrityScanLimit = 10000

// GetWorkflow returns a workflow with its latest decision derived from the
// ledger. The cached decision column is deliberately not used here.
func (s *Service) GetWorkflow(ctx context.Context, workflowID, tenantID string) (model.WorkflowResponse, error) {
	wf, err := s.db.GetWorkflow(ctx, workflowID, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.WorkflowResponse{}, fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
		}
		return model.WorkflowResponse{}, err
	}

	resp := model.WorkflowResponse{Workflow: wf}
	ev, err := s.db.LatestEventOfType(ctx, workflowID, tenantID, model.EventDecisionFinalised)
	switch {
	case err == nil:
		rec, perr := model.ParseDecisionRecord(ev.Payload)
		if perr != nil {
			return model.WorkflowResponse{}, fmt.Errorf("orchestrator: decode latest decision: %w", perr)
		}
		resp.LatestDecision = &rec
	case errors.Is(err, storage.ErrNotFound):
		// Undecided workflow; latest_decision stays null.
	default:
		return model.WorkflowResponse{}, err
	}
	return resp, nil
}

// ListWorkflows returns a tenant's workflows, most recently updated first.
// An unrecognised state filter is a validation error rather than an empty
// result, so typos surface to the caller.
func (s *Service) ListWorkflows(ctx context.Context, tenantID, state string, limit int) ([]model.Workflow, error) {
	var stateFilter *model.WorkflowState
	if state != "" {
		ws := model.WorkflowState(state)
		if !model.ValidWorkflowState(ws) {
			return nil, fmt.Errorf("%w: unknown state %q", ErrValidation, state)
		}
		stateFilter = &ws
	}

	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.db.ListWorkflows(ctx, tenantID, stateFilter, limit)
}

// DecisionTimeline returns every decision on a workflow's ledger in the
// order it was finalised, flattened for investigator consumption.
func (s *Service) DecisionTimeline(ctx context.Context, workflowID, tenantID string) (model.DecisionTimelineResponse, error) {
	if _, err := s.db.GetWorkflow(ctx, workflowID, tenantID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.DecisionTimelineResponse{}, fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
		}
		return model.DecisionTimelineResponse{}, err
	}

	events, err := s.db.ListEvents(ctx, storage.EventQuery{
		WorkflowID: workflowID,
		TenantID:   tenantID,
		EventType:  model.EventDecisionFinalised,
	})
	if err != nil {
		return model.DecisionTimelineResponse{}, err
	}
	if len(events) == 0 {
		return model.DecisionTimelineResponse{}, fmt.Errorf("workflow %s: %w", workflowID, ErrNoDecisions)
	}

	timeline := make([]model.TimelineEntry, 0, len(events))
	hasOverrides := false
	for _, ev := range events {
		rec, err := model.ParseDecisionRecord(ev.Payload)
		if err != nil {
			return model.DecisionTimelineResponse{}, fmt.Errorf("orchestrator: decode decision %s: %w", ev.ID, err)
		}
		if rec.Authority.Override {
			hasOverrides = true
		}
		timeline = append(timeline, model.NewTimelineEntry(ev, rec))
	}

	current := timeline[len(timeline)-1]
	return model.DecisionTimelineResponse{
		WorkflowID:      workflowID,
		DecisionCount:   len(timeline),
		CurrentDecision: &current,
		Timeline:        timeline,
		HasOverrides:    hasOverrides,
	}, nil
}

// CurrentDecision returns the authoritative decision for a workflow: the
// most recent decision.finalised event on its ledger.
func (s *Service) CurrentDecision(ctx context.Context, workflowID, tenantID string) (model.CurrentDecisionResponse, error) {
	if _, err := s.db.GetWorkflow(ctx, workflowID, tenantID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.CurrentDecisionResponse{}, fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
		}
		return model.CurrentDecisionResponse{}, err
	}

	ev, err := s.db.LatestEventOfType(ctx, workflowID, tenantID, model.EventDecisionFinalised)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.CurrentDecisionResponse{}, fmt.Errorf("workflow %s: %w", workflowID, ErrNoDecisions)
		}
		return model.CurrentDecisionResponse{}, err
	}
	rec, err := model.ParseDecisionRecord(ev.Payload)
	if err != nil {
		return model.CurrentDecisionResponse{}, fmt.Errorf("orchestrator: decode decision %s: %w", ev.ID, err)
	}
	return model.NewCurrentDecisionResponse(ev, rec), nil
}

// RecordManualDecision writes an operator's manual decision. It updates the
// workflow's decision cache and clears requires_human but appends nothing to
// the ledger and leaves the state machine untouched: the audited route for
// an authoritative human decision is an override_applied event through the
// ingress.
func (s *Service) RecordManualDecision(ctx context.Context, workflowID, tenantID string, req model.ManualDecisionRequest) (model.ManualDecision, error) {
	if err := req.Validate(); err != nil {
		return model.ManualDecision{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := s.clock.Now()
	var md model.ManualDecision
	err := s.withWorkflowTx(ctx, func(tx pgx.Tx) error {
		wf, err := s.db.GetWorkflowForUpdate(ctx, tx, workflowID, tenantID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
			}
			return err
		}

		md, err = s.db.InsertManualDecision(ctx, tx, model.ManualDecision{
			WorkflowID: workflowID,
			TenantID:   tenantID,
			Decision:   model.Outcome(req.Decision),
			Reason:     req.Reason,
			Actor:      req.Actor,
			CreatedAt:  now,
		})
		if err != nil {
			return err
		}

		outcome := req.Decision
		wf.Decision = &outcome
		wf.RequiresHuman = false
		wf.UpdatedAt = now
		return s.db.SaveWorkflow(ctx, tx, wf)
	})
	if err != nil {
		return model.ManualDecision{}, err
	}

	s.logger.Info("manual decision recorded",
		"workflow_id", workflowID, "tenant_id", tenantID,
		"decision", req.Decision, "actor", req.Actor)
	return md, nil
}

// ListManualDecisions returns a workflow's manual-decision audit rows,
// newest first.
func (s *Service) ListManualDecisions(ctx context.Context, workflowID, tenantID string) ([]model.ManualDecision, error) {
	if _, err := s.db.GetWorkflow(ctx, workflowID, tenantID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
		}
		return nil, err
	}
	return s.db.ListManualDecisions(ctx, workflowID, tenantID)
}

// Integrity re-verifies a workflow's ledger: every event's content hash is
// recomputed from the stored row, the Merkle root is rebuilt over the stored
// hashes, and the cached decision column is compared against the ledger.
// Manual decisions update the cache without a ledger event, so
// cache_coherent=false after one is expected.
func (s *Service) Integrity(ctx context.Context, workflowID, tenantID string) (model.IntegrityReport, error) {
	wf, err := s.db.GetWorkflow(ctx, workflowID, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.IntegrityReport{}, fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
		}
		return model.IntegrityReport{}, err
	}

	events, err := s.db.ListEvents(ctx, storage.EventQuery{
		WorkflowID: workflowID,
		TenantID:   tenantID,
		Limit:      integrityScanLimit,
	})
	if err != nil {
		return model.IntegrityReport{}, err
	}

	reports := make([]model.IntegrityEventReport, 0, len(events))
	leaves := make([]string, 0, len(events))
	valid := 0
	var latestDecision *model.DecisionRecord
	for _, ev := range events {
		computed, herr := integrity.ComputeEventHash(ev.ID, ev.WorkflowID, ev.TenantID, ev.EventType, ev.Payload, ev.CreatedAt)
		if herr != nil {
			return model.IntegrityReport{}, fmt.Errorf("orchestrator: recompute hash for %s: %w", ev.ID, herr)
		}
		ok := computed == ev.ContentHash
		if ok {
			valid++
		}
		reports = append(reports, model.IntegrityEventReport{
			EventID:      ev.ID.String(),
			Seq:          ev.Seq,
			EventType:    ev.EventType,
			StoredHash:   ev.ContentHash,
			ComputedHash: computed,
			Valid:        ok,
			CreatedAt:    ev.CreatedAt,
		})
		leaves = append(leaves, ev.ContentHash)

		if ev.EventType == model.EventDecisionFinalised {
			rec, perr := model.ParseDecisionRecord(ev.Payload)
			if perr != nil {
				return model.IntegrityReport{}, fmt.Errorf("orchestrator: decode decision %s: %w", ev.ID, perr)
			}
			latestDecision = &rec
		}
	}

	cacheCoherent := true
	switch {
	case latestDecision == nil:
		cacheCoherent = wf.Decision == nil
	case wf.Decision == nil:
		cacheCoherent = false
	default:
		cacheCoherent = *wf.Decision == string(latestDecision.Decision.Outcome)
	}

	return model.IntegrityReport{
		WorkflowID:    workflowID,
		EventCount:    len(events),
		ValidEvents:   valid,
		InvalidEvents: len(events) - valid,
		Valid:         valid == len(events),
		MerkleRoot:    integrity.BuildMerkleRoot(leaves),
		CacheCoherent: cacheCoherent,
		Events:        reports,
		CheckedAt:     s.clock.Now(),
	}, nil
}
