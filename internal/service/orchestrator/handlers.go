package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/turing-id/orchestrate/internal/fusion"
	"github.com/turing-id/orchestrate/internal/model"
	"github.com/turing-id/orchestrate/internal/storage"
)

// withWorkflowTx runs fn in a transaction, retrying serialization failures
// and deadlocks. fn must be safe to re-run from scratch: all reads happen
// after the workflow row lock, and risk I/O stays outside.
func (s *Service) withWorkflowTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return storage.WithRetry(ctx, txRetries, txBaseDelay, func() error {
		return s.db.WithTx(ctx, fn)
	})
}

// liftCommonFields copies the audit identity fields capture services attach
// to any event (subject identity, requested action, evidence hashes) into
// the workflow data bag, where the decision authority reads them.
func liftCommonFields(wf *model.Workflow, payload map[string]any) {
	data := wf.DataBag()
	for _, key := range []string{"user_id", "action", "evidence"} {
		if v, ok := payload[key]; ok {
			data[key] = v
		}
	}
}

func (s *Service) handleSelfieUploaded(ctx context.Context, ev model.InboundEvent) (DispatchResult, error) {
	p, err := model.ParseSelfiePayload(ev.Payload)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	annotateSpan(ctx, p.WorkflowID, p.TenantID)

	now := s.clock.Now()
	err = s.withWorkflowTx(ctx, func(tx pgx.Tx) error {
		wf, _, err := s.db.GetOrCreateWorkflow(ctx, tx, p.WorkflowID, p.TenantID, now)
		if err != nil {
			return err
		}

		wf.State = model.StateSelfieUploaded
		wf.SelfieSessionID = &p.SessionID
		if p.Liveness != nil {
			wf.SubBag("selfie")["liveness"] = p.Liveness
		}
		liftCommonFields(&wf, ev.Payload)
		wf.UpdatedAt = now

		if err := s.db.SaveWorkflow(ctx, tx, wf); err != nil {
			return err
		}
		_, err = s.db.AppendEvent(ctx, tx, wf.ID, wf.TenantID, model.EventSelfieUploaded, ev.Payload, now)
		return err
	})
	if err != nil {
		return DispatchResult{}, err
	}

	s.logger.Info("selfie recorded",
		"workflow_id", p.WorkflowID, "tenant_id", p.TenantID, "session_id", p.SessionID)
	return DispatchResult{Status: StatusOK, Processed: model.EventSelfieUploaded, WorkflowID: p.WorkflowID}, nil
}

func (s *Service) handleIDUploaded(ctx context.Context, ev model.InboundEvent) (DispatchResult, error) {
	p, err := model.ParseIDDocumentPayload(ev.Payload)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	annotateSpan(ctx, p.WorkflowID, p.TenantID)

	now := s.clock.Now()
	err = s.withWorkflowTx(ctx, func(tx pgx.Tx) error {
		wf, _, err := s.db.GetOrCreateWorkflow(ctx, tx, p.WorkflowID, p.TenantID, now)
		if err != nil {
			return err
		}

		wf.State = model.StateIDUploaded
		wf.IDSessionID = &p.IDSessionID
		if p.Metadata != nil {
			wf.SubBag("id_document")["metadata"] = p.Metadata
		}
		liftCommonFields(&wf, ev.Payload)
		wf.UpdatedAt = now

		if err := s.db.SaveWorkflow(ctx, tx, wf); err != nil {
			return err
		}
		_, err = s.db.AppendEvent(ctx, tx, wf.ID, wf.TenantID, model.EventIDUploaded, ev.Payload, now)
		return err
	})
	if err != nil {
		return DispatchResult{}, err
	}

	s.logger.Info("id document recorded",
		"workflow_id", p.WorkflowID, "tenant_id", p.TenantID, "id_session_id", p.IDSessionID)
	return DispatchResult{Status: StatusOK, Processed: model.EventIDUploaded, WorkflowID: p.WorkflowID}, nil
}

func (s *Service) handleMatchCompleted(ctx context.Context, ev model.InboundEvent) (DispatchResult, error) {
	p, err := model.ParseMatchPayload(ev.Payload)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	annotateSpan(ctx, p.WorkflowID, p.TenantID)

	now := s.clock.Now()
	err = s.withWorkflowTx(ctx, func(tx pgx.Tx) error {
		wf, _, err := s.db.GetOrCreateWorkflow(ctx, tx, p.WorkflowID, p.TenantID, now)
		if err != nil {
			return err
		}

		if p.Match {
			wf.State = model.StateMatchVerified
		} else {
			wf.State = model.StateMatchFailed
		}
		match := wf.SubBag("match")
		match["is_match"] = p.Match
		if p.FusedScore != nil {
			match["fused_score"] = *p.FusedScore
		}
		if p.Raw != nil {
			match["raw"] = p.Raw
		}
		// Capture services sometimes attach the session references here when
		// the match event is the first to arrive for the workflow.
		if p.SelfieSessionID != "" && wf.SelfieSessionID == nil {
			wf.SelfieSessionID = &p.SelfieSessionID
		}
		if p.IDSessionID != "" && wf.IDSessionID == nil {
			wf.IDSessionID = &p.IDSessionID
		}
		liftCommonFields(&wf, ev.Payload)
		wf.UpdatedAt = now

		if err := s.db.SaveWorkflow(ctx, tx, wf); err != nil {
			return err
		}
		_, err = s.db.AppendEvent(ctx, tx, wf.ID, wf.TenantID, model.EventMatchCompleted, ev.Payload, now)
		return err
	})
	if err != nil {
		return DispatchResult{}, err
	}

	s.logger.Info("match recorded",
		"workflow_id", p.WorkflowID, "tenant_id", p.TenantID, "is_match", p.Match)
	return DispatchResult{Status: StatusOK, Processed: model.EventMatchCompleted, WorkflowID: p.WorkflowID}, nil
}

func (s *Service) handleRiskEvaluate(ctx context.Context, ev model.InboundEvent) (DispatchResult, error) {
	p, err := model.ParseRiskEvaluatePayload(ev.Payload)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	annotateSpan(ctx, p.WorkflowID, p.TenantID)

	// Risk engine I/O happens before the transaction opens; a row lock is
	// never held across HTTP. A transaction retry reuses this result.
	start := time.Now()
	result := s.risk.Evaluate(ctx, p.Signals)
	s.riskDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if !result.OK() {
		s.riskDegraded.Add(ctx, 1)
		s.logger.Warn("risk engine degraded",
			"workflow_id", p.WorkflowID, "tenant_id", p.TenantID, "exception", result.Degraded.Exception)
	}

	now := s.clock.Now()
	var finalised model.DecisionRecord
	err = s.withWorkflowTx(ctx, func(tx pgx.Tx) error {
		wf, _, err := s.db.GetOrCreateWorkflow(ctx, tx, p.WorkflowID, p.TenantID, now)
		if err != nil {
			return err
		}

		// The transition event precedes any decision event in the ledger.
		transition := map[string]any{"signals": p.Signals, "result": result.DataBag()}
		if _, err := s.db.AppendEvent(ctx, tx, wf.ID, wf.TenantID, model.EventRiskEvaluated, transition, now); err != nil {
			return err
		}

		liftCommonFields(&wf, ev.Payload)
		data := wf.DataBag()
		data["risk_result"] = result.DataBag()
		wf.UpdatedAt = now

		if !result.OK() {
			// Degraded engine: the workflow parks in risk_failed with the
			// error recorded, undecided until an override arrives.
			wf.State = model.StateRiskFailed
			data["risk_error"] = result.Degraded.Exception
			return s.db.SaveWorkflow(ctx, tx, wf)
		}

		res := fusion.Resolve(*result.Evaluation)
		wf.State = model.StateRiskEvaluated
		wf.RiskScore = &res.Score
		band := string(res.Band)
		wf.RiskBand = &band
		wf.RequiresHuman = res.RequiresHuman
		data["jurisdiction"] = res.Jurisdiction

		rec := s.buildRiskDecision(&wf, res, *result.Evaluation, ev.CorrelationID, now)
		// finaliseDecision saves the workflow with the decision cache set.
		if _, err := s.finaliseDecision(ctx, tx, &wf, rec, now); err != nil {
			return err
		}
		finalised = rec
		return nil
	})
	if err != nil {
		return DispatchResult{}, err
	}

	if result.OK() {
		s.fireDecisionFinalised(p.WorkflowID, finalised)
		s.logger.Info("risk evaluated",
			"workflow_id", p.WorkflowID, "tenant_id", p.TenantID)
	} else {
		s.fireRiskDegraded(p.WorkflowID, p.TenantID, result.Degraded.Exception)
	}
	return DispatchResult{Status: StatusOK, Processed: model.EventRiskEvaluate, WorkflowID: p.WorkflowID}, nil
}

func (s *Service) handleOverrideApplied(ctx context.Context, ev model.InboundEvent) (DispatchResult, error) {
	p, err := model.ParseOverridePayload(ev.Payload)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	annotateSpan(ctx, p.WorkflowID, p.TenantID)

	now := s.clock.Now()
	var finalised model.DecisionRecord
	err = s.withWorkflowTx(ctx, func(tx pgx.Tx) error {
		// Overrides never create workflows; the target must exist.
		wf, err := s.db.GetWorkflowForUpdate(ctx, tx, p.WorkflowID, p.TenantID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("override %s: %w", p.WorkflowID, ErrWorkflowNotFound)
			}
			return err
		}

		// Resolve the superseded decision before writing anything: an
		// undecided workflow rejects the override with no ledger change.
		priorEv, err := s.db.EarliestEventOfType(ctx, wf.ID, wf.TenantID, model.EventDecisionFinalised)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("override %s: %w", p.WorkflowID, ErrNoPriorDecision)
			}
			return err
		}
		prior, err := model.ParseDecisionRecord(priorEv.Payload)
		if err != nil {
			return fmt.Errorf("orchestrator: parse superseded decision: %w", err)
		}

		var originalOutcome string
		if wf.Decision != nil {
			originalOutcome = *wf.Decision
		}

		wf.State = model.StateOverrideApplied
		wf.UpdatedAt = now

		if _, err := s.db.AppendEvent(ctx, tx, wf.ID, wf.TenantID, model.EventOverrideApplied, ev.Payload, now); err != nil {
			return err
		}

		rec := s.buildOverrideDecision(&wf, prior, p, ev.CorrelationID, now)
		if _, err := s.finaliseDecision(ctx, tx, &wf, rec, now); err != nil {
			return err
		}
		finalised = rec

		// Audit trail of the override itself, alongside the decision.
		audit := map[string]any{
			"original_decision": originalOutcome,
			"new_decision":      string(p.Decision),
			"reason":            p.Reason,
			"overridden_by":     p.OverriddenBy,
		}
		_, err = s.db.AppendEvent(ctx, tx, wf.ID, wf.TenantID, model.EventOverrideRecorded, audit, now)
		return err
	})
	if err != nil {
		return DispatchResult{}, err
	}

	s.fireDecisionFinalised(p.WorkflowID, finalised)
	s.logger.Info("override applied",
		"workflow_id", p.WorkflowID, "tenant_id", p.TenantID,
		"decision", p.Decision, "overridden_by", p.OverriddenBy)
	return DispatchResult{Status: StatusOK, Processed: model.EventOverrideApplied, WorkflowID: p.WorkflowID}, nil
}
