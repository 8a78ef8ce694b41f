package model

import (
	"fmt"
	"time"
)

// TenantRole represents the RBAC role assigned to a tenant credential.
type TenantRole string

const (
	// RoleService may post ingress events and read its own workflows.
	RoleService TenantRole = "service"
	// RoleInvestigator additionally reads decision timelines and integrity
	// reports across the tenant.
	RoleInvestigator TenantRole = "investigator"
	// RoleOperator additionally records manual decisions and overrides.
	RoleOperator TenantRole = "operator"
	// RoleAdmin administers tenants.
	RoleAdmin TenantRole = "admin"
)

// Tenant is an authenticated producer or consumer of the orchestrator.
type Tenant struct {
	TenantID      string     `json:"tenant_id"`
	Name          string     `json:"name"`
	Role          TenantRole `json:"role"`
	IngestKeyHash *string    `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters; RoleAtLeast uses >= comparison.
func RoleRank(r TenantRole) int {
	switch r {
	case RoleAdmin:
		return 4
	case RoleOperator:
		return 3
	case RoleInvestigator:
		return 2
	case RoleService:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole TenantRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ValidateIdentifier checks that an externally-supplied identifier (workflow
// id, tenant id, session id, actor) conforms to the allowed format: 1-255
// ASCII characters that are alphanumeric, dots, hyphens, underscores, or
// @ signs. Keeps caller-controlled keys out of log injection and oversized
// TEXT column territory.
func ValidateIdentifier(field, id string) error {
	if len(id) == 0 {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > 255 {
		return fmt.Errorf("%s must be at most 255 characters", field)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("%s contains invalid character at position %d: %q", field, i, c)
		}
	}
	return nil
}
