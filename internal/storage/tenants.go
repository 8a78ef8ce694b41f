package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/turing-id/orchestrate/internal/model"
)

// UpsertTenant creates a tenant or refreshes its name, role, and ingest key
// hash. Provisioning is operator tooling (scripts/seedtenant), so reruns must
// be safe.
func (db *DB) UpsertTenant(ctx context.Context, t model.Tenant) (model.Tenant, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO tenants (tenant_id, name, role, ingest_key_hash)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id) DO UPDATE
		 SET name = EXCLUDED.name,
		     role = EXCLUDED.role,
		     ingest_key_hash = EXCLUDED.ingest_key_hash,
		     updated_at = now()
		 RETURNING created_at, updated_at`,
		t.TenantID, t.Name, string(t.Role), t.IngestKeyHash,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return model.Tenant{}, fmt.Errorf("storage: upsert tenant: %w", err)
	}
	return t, nil
}

// CountTenants returns the total number of provisioned tenants.
func (db *DB) CountTenants(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tenants`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count tenants: %w", err)
	}
	return n, nil
}

// GetTenant retrieves a tenant by id. Returns ErrNotFound when no such
// tenant exists.
func (db *DB) GetTenant(ctx context.Context, tenantID string) (model.Tenant, error) {
	var t model.Tenant
	err := db.pool.QueryRow(ctx,
		`SELECT tenant_id, name, role, ingest_key_hash, created_at, updated_at
		 FROM tenants WHERE tenant_id = $1`, tenantID,
	).Scan(&t.TenantID, &t.Name, &t.Role, &t.IngestKeyHash, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Tenant{}, fmt.Errorf("storage: tenant %s: %w", tenantID, ErrNotFound)
		}
		return model.Tenant{}, fmt.Errorf("storage: get tenant: %w", err)
	}
	return t, nil
}
