// Command seedtenant provisions a tenant credential: it mints a fresh ingest
// key, stores its Argon2id hash on the tenant row, and prints the key once.
// Re-running for an existing tenant rotates the key and updates name and role.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/seedtenant \
//	    -tenant capture-svc -name "Capture Service" -role service
//
// Roles: service (ingest + own workflows), investigator (+ timelines,
// integrity), operator (+ manual decisions), admin (+ cross-tenant reads).
// The server seeds the bootstrap admin tenant itself from
// TURING_BOOTSTRAP_INGEST_KEY; this tool is for every tenant after that.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/turing-id/orchestrate/internal/auth"
	"github.com/turing-id/orchestrate/internal/model"
	"github.com/turing-id/orchestrate/internal/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	tenantID := flag.String("tenant", "", "tenant id (required)")
	name := flag.String("name", "", "display name (defaults to the tenant id)")
	role := flag.String("role", "service", "role: service, investigator, operator, or admin")
	flag.Parse()

	if *tenantID == "" {
		return fmt.Errorf("-tenant is required")
	}
	if err := model.ValidateIdentifier("tenant", *tenantID); err != nil {
		return err
	}
	if model.RoleRank(model.TenantRole(*role)) == 0 {
		return fmt.Errorf("unknown role %q", *role)
	}
	if *name == "" {
		*name = *tenantID
	}

	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	db, err := storage.New(ctx, dbURL, "", logger)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	rawKey := make([]byte, 24)
	if _, err := rand.Read(rawKey); err != nil {
		return fmt.Errorf("generate ingest key: %w", err)
	}
	ingestKey := "sk_live_" + base64.RawURLEncoding.EncodeToString(rawKey)

	hash, err := auth.HashIngestKey(ingestKey)
	if err != nil {
		return fmt.Errorf("hash ingest key: %w", err)
	}

	tenant, err := db.UpsertTenant(ctx, model.Tenant{
		TenantID:      *tenantID,
		Name:          *name,
		Role:          model.TenantRole(*role),
		IngestKeyHash: &hash,
	})
	if err != nil {
		return err
	}

	fmt.Printf("tenant %s (%s) provisioned with role %s\n", tenant.TenantID, tenant.Name, tenant.Role)
	fmt.Printf("ingest key: %s\n", ingestKey)
	fmt.Println("Store it now; only its hash is kept and any previous key for this tenant is dead.")
	return nil
}
