package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/turing-id/orchestrate/internal/model"
)

// InsertManualDecision records an operator's manual decision inside the
// enclosing transaction, alongside the workflow cache update.
func (db *DB) InsertManualDecision(ctx context.Context, tx pgx.Tx, md model.ManualDecision) (model.ManualDecision, error) {
	if md.ID == uuid.Nil {
		md.ID = uuid.New()
	}
	if md.CreatedAt.IsZero() {
		md.CreatedAt = time.Now().UTC()
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO manual_decisions (id, workflow_id, tenant_id, decision, reason, actor, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		md.ID, md.WorkflowID, md.TenantID, string(md.Decision), md.Reason, md.Actor, md.CreatedAt,
	)
	if err != nil {
		return model.ManualDecision{}, fmt.Errorf("storage: insert manual decision: %w", err)
	}
	return md, nil
}

// ListManualDecisions returns a workflow's manual decisions, most recent first.
func (db *DB) ListManualDecisions(ctx context.Context, workflowID, tenantID string) ([]model.ManualDecision, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, workflow_id, tenant_id, decision, reason, actor, created_at
		 FROM manual_decisions
		 WHERE workflow_id = $1 AND tenant_id = $2
		 ORDER BY created_at DESC`,
		workflowID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list manual decisions: %w", err)
	}
	defer rows.Close()

	var decisions []model.ManualDecision
	for rows.Next() {
		var md model.ManualDecision
		if err := rows.Scan(
			&md.ID, &md.WorkflowID, &md.TenantID, &md.Decision,
			&md.Reason, &md.Actor, &md.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan manual decision: %w", err)
		}
		decisions = append(decisions, md)
	}
	return decisions, rows.Err()
}
