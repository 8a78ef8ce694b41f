// Command verify-ledger recomputes the content hash of every workflow event
// in the database and reports rows whose stored hash no longer matches. It
// never writes anything: ledger rows are immutable, so a mismatch means the
// row was altered outside the API and needs investigation, not repair.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/verify-ledger
//
// The per-workflow integrity endpoint does the same check for one workflow
// on demand; this sweep covers the whole database and is meant for a
// scheduled job. Exits non-zero when any mismatch is found.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/turing-id/orchestrate/internal/integrity"
	"github.com/turing-id/orchestrate/internal/model"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx,
		`SELECT id, seq, workflow_id, tenant_id, event_type, payload, content_hash, created_at
		 FROM workflow_events
		 ORDER BY workflow_id, created_at ASC, seq ASC`)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var total, bad int
	workflows := make(map[string]struct{})
	for rows.Next() {
		var (
			id         uuid.UUID
			seq        int64
			workflowID string
			tenantID   string
			eventType  string
			payload    map[string]any
			storedHash string
			createdAt  time.Time
		)
		if err := rows.Scan(&id, &seq, &workflowID, &tenantID, &eventType, &payload, &storedHash, &createdAt); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		total++
		workflows[workflowID] = struct{}{}
		if !integrity.VerifyEventHash(storedHash, id, workflowID, tenantID, model.EventType(eventType), payload, createdAt) {
			bad++
			fmt.Printf("MISMATCH workflow=%s seq=%d event=%s id=%s created_at=%s\n",
				workflowID, seq, eventType, id, createdAt.UTC().Format(time.RFC3339))
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows: %w", err)
	}

	fmt.Printf("scanned %d events across %d workflows, %d hash mismatches\n", total, len(workflows), bad)

	if bad > 0 {
		return fmt.Errorf("%d ledger rows failed verification", bad)
	}
	return nil
}
