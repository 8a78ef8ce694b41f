package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/turing-id/orchestrate/internal/integrity"
	"github.com/turing-id/orchestrate/internal/model"
)

// AppendEvent appends one row to the workflow event ledger inside the
// enclosing transaction. The id is generated here and seq is assigned by the
// database sequence; content_hash covers every field except seq, so a stored
// row can be re-verified without trusting insertion order.
//
// createdAt is truncated to microseconds before hashing because Postgres
// timestamptz stores microsecond precision; hashing nanoseconds the column
// cannot hold would make every persisted row fail verification.
func (db *DB) AppendEvent(ctx context.Context, tx pgx.Tx, workflowID, tenantID string, eventType model.EventType, payload map[string]any, createdAt time.Time) (model.WorkflowEvent, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	createdAt = createdAt.UTC().Truncate(time.Microsecond)

	ev := model.WorkflowEvent{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		TenantID:   tenantID,
		EventType:  eventType,
		Payload:    payload,
		CreatedAt:  createdAt,
	}

	hash, err := integrity.ComputeEventHash(ev.ID, ev.WorkflowID, ev.TenantID, ev.EventType, ev.Payload, ev.CreatedAt)
	if err != nil {
		return model.WorkflowEvent{}, fmt.Errorf("storage: hash event: %w", err)
	}
	ev.ContentHash = hash

	if err := tx.QueryRow(ctx,
		`INSERT INTO workflow_events (id, workflow_id, tenant_id, event_type, payload, content_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING seq`,
		ev.ID, ev.WorkflowID, ev.TenantID, string(ev.EventType), ev.Payload, ev.ContentHash, ev.CreatedAt,
	).Scan(&ev.Seq); err != nil {
		return model.WorkflowEvent{}, fmt.Errorf("storage: append event: %w", err)
	}
	return ev, nil
}

// EventQuery filters ledger reads. WorkflowID and TenantID are required.
// A non-empty EventType narrows to one type; Descending flips the
// (created_at, seq) order; Limit caps rows and defaults to 1000.
type EventQuery struct {
	WorkflowID string
	TenantID   string
	EventType  model.EventType
	Descending bool
	Limit      int
}

// ListEvents reads ledger rows for a workflow in (created_at, seq) order.
func (db *DB) ListEvents(ctx context.Context, q EventQuery) ([]model.WorkflowEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	order := "ASC"
	if q.Descending {
		order = "DESC"
	}

	where := " WHERE workflow_id = $1 AND tenant_id = $2"
	args := []any{q.WorkflowID, q.TenantID}
	if q.EventType != "" {
		where += " AND event_type = $3"
		args = append(args, string(q.EventType))
	}

	query := fmt.Sprintf(
		`SELECT id, seq, workflow_id, tenant_id, event_type, payload, content_hash, created_at
		 FROM workflow_events%s ORDER BY created_at %s, seq %s LIMIT %d`,
		where, order, order, limit,
	)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LatestEventOfType returns the most recent event of the given type on a
// workflow's ledger, or ErrNotFound.
func (db *DB) LatestEventOfType(ctx context.Context, workflowID, tenantID string, eventType model.EventType) (model.WorkflowEvent, error) {
	return db.eventOfType(ctx, workflowID, tenantID, eventType, "DESC")
}

// EarliestEventOfType returns the first event of the given type on a
// workflow's ledger, or ErrNotFound. Override lineage uses this to find the
// decision a human supersedes.
func (db *DB) EarliestEventOfType(ctx context.Context, workflowID, tenantID string, eventType model.EventType) (model.WorkflowEvent, error) {
	return db.eventOfType(ctx, workflowID, tenantID, eventType, "ASC")
}

func (db *DB) eventOfType(ctx context.Context, workflowID, tenantID string, eventType model.EventType, order string) (model.WorkflowEvent, error) {
	query := fmt.Sprintf(
		`SELECT id, seq, workflow_id, tenant_id, event_type, payload, content_hash, created_at
		 FROM workflow_events
		 WHERE workflow_id = $1 AND tenant_id = $2 AND event_type = $3
		 ORDER BY created_at %s, seq %s LIMIT 1`, order, order,
	)

	var ev model.WorkflowEvent
	err := db.pool.QueryRow(ctx, query, workflowID, tenantID, string(eventType)).Scan(
		&ev.ID, &ev.Seq, &ev.WorkflowID, &ev.TenantID, &ev.EventType,
		&ev.Payload, &ev.ContentHash, &ev.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkflowEvent{}, fmt.Errorf("storage: %s event for workflow %s: %w", eventType, workflowID, ErrNotFound)
		}
		return model.WorkflowEvent{}, fmt.Errorf("storage: get event: %w", err)
	}
	return ev, nil
}

// CountEventsOfType counts ledger rows of one type on a workflow.
func (db *DB) CountEventsOfType(ctx context.Context, workflowID, tenantID string, eventType model.EventType) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM workflow_events
		 WHERE workflow_id = $1 AND tenant_id = $2 AND event_type = $3`,
		workflowID, tenantID, string(eventType),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count events: %w", err)
	}
	return count, nil
}

func scanEvents(rows pgx.Rows) ([]model.WorkflowEvent, error) {
	var events []model.WorkflowEvent
	for rows.Next() {
		var ev model.WorkflowEvent
		if err := rows.Scan(
			&ev.ID, &ev.Seq, &ev.WorkflowID, &ev.TenantID, &ev.EventType,
			&ev.Payload, &ev.ContentHash, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
