package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/turing-id/orchestrate/internal/model"
)

// GetOrCreateWorkflow locks and returns the workflow row, inserting a fresh
// pending workflow when none exists. The returned bool reports whether the
// row was created. The row lock (FOR UPDATE) is held until the enclosing
// transaction commits, serialising concurrent events for the same workflow.
func (db *DB) GetOrCreateWorkflow(ctx context.Context, tx pgx.Tx, id, tenantID string, now time.Time) (model.Workflow, bool, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO workflows (id, tenant_id, state, requires_human, data, created_at, updated_at)
		 VALUES ($1, $2, $3, false, '{}', $4, $4)
		 ON CONFLICT (id) DO NOTHING`,
		id, tenantID, string(model.StatePending), now,
	)
	if err != nil {
		return model.Workflow{}, false, fmt.Errorf("storage: create workflow: %w", err)
	}
	created := tag.RowsAffected() == 1

	wf, err := db.lockWorkflow(ctx, tx, id)
	if err != nil {
		return model.Workflow{}, false, err
	}
	if wf.TenantID != tenantID {
		return model.Workflow{}, false, fmt.Errorf("storage: workflow %s: %w", id, ErrTenantMismatch)
	}
	return wf, created, nil
}

// GetWorkflowForUpdate locks and returns an existing workflow row. Unlike
// GetOrCreateWorkflow it never inserts; unknown ids return ErrNotFound.
// A workflow owned by another tenant also reads as ErrNotFound so callers
// cannot probe for foreign workflow ids.
func (db *DB) GetWorkflowForUpdate(ctx context.Context, tx pgx.Tx, id, tenantID string) (model.Workflow, error) {
	wf, err := db.lockWorkflow(ctx, tx, id)
	if err != nil {
		return model.Workflow{}, err
	}
	if wf.TenantID != tenantID {
		return model.Workflow{}, fmt.Errorf("storage: workflow %s: %w", id, ErrNotFound)
	}
	return wf, nil
}

func (db *DB) lockWorkflow(ctx context.Context, tx pgx.Tx, id string) (model.Workflow, error) {
	row := tx.QueryRow(ctx,
		`SELECT id, tenant_id, state, selfie_session_id, id_session_id,
		 risk_score, risk_band, decision, requires_human, data, created_at, updated_at
		 FROM workflows WHERE id = $1
		 FOR UPDATE`, id,
	)
	wf, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Workflow{}, fmt.Errorf("storage: workflow %s: %w", id, ErrNotFound)
		}
		return model.Workflow{}, fmt.Errorf("storage: lock workflow: %w", err)
	}
	return wf, nil
}

// SaveWorkflow persists the mutable fields of a locked workflow row.
// tenant_id and created_at are immutable and never written. Callers set
// UpdatedAt from their clock; a zero value falls back to now.
func (db *DB) SaveWorkflow(ctx context.Context, tx pgx.Tx, wf model.Workflow) error {
	if wf.Data == nil {
		wf.Data = map[string]any{}
	}
	if wf.UpdatedAt.IsZero() {
		wf.UpdatedAt = time.Now().UTC()
	}

	tag, err := tx.Exec(ctx,
		`UPDATE workflows
		 SET state = $2, selfie_session_id = $3, id_session_id = $4, risk_score = $5,
		     risk_band = $6, decision = $7, requires_human = $8, data = $9, updated_at = $10
		 WHERE id = $1`,
		wf.ID, string(wf.State), wf.SelfieSessionID, wf.IDSessionID, wf.RiskScore,
		wf.RiskBand, wf.Decision, wf.RequiresHuman, wf.Data, wf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: workflow %s: %w", wf.ID, ErrNotFound)
	}
	return nil
}

// GetWorkflow retrieves a workflow by id, scoped by tenant_id for isolation.
func (db *DB) GetWorkflow(ctx context.Context, id, tenantID string) (model.Workflow, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, state, selfie_session_id, id_session_id,
		 risk_score, risk_band, decision, requires_human, data, created_at, updated_at
		 FROM workflows WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	)
	wf, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Workflow{}, fmt.Errorf("storage: workflow %s: %w", id, ErrNotFound)
		}
		return model.Workflow{}, fmt.Errorf("storage: get workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns a tenant's workflows, most recent first. A non-nil
// state narrows the listing. limit is clamped to [1, 200] with a default of 50.
func (db *DB) ListWorkflows(ctx context.Context, tenantID string, state *model.WorkflowState, limit int) ([]model.Workflow, error) {
	limit = clampLimit(limit, 50, 200)

	where := " WHERE tenant_id = $1"
	args := []any{tenantID}
	if state != nil {
		where += " AND state = $2"
		args = append(args, string(*state))
	}

	query := fmt.Sprintf(
		`SELECT id, tenant_id, state, selfie_session_id, id_session_id,
		 risk_score, risk_band, decision, requires_human, data, created_at, updated_at
		 FROM workflows%s ORDER BY created_at DESC LIMIT %d`,
		where, limit,
	)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []model.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// clampLimit applies the default when limit is unset and the cap when it
// exceeds maxLimit.
func clampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		return def
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func scanWorkflow(row pgx.Row) (model.Workflow, error) {
	var wf model.Workflow
	err := row.Scan(
		&wf.ID, &wf.TenantID, &wf.State, &wf.SelfieSessionID, &wf.IDSessionID,
		&wf.RiskScore, &wf.RiskBand, &wf.Decision, &wf.RequiresHuman, &wf.Data,
		&wf.CreatedAt, &wf.UpdatedAt,
	)
	return wf, err
}
