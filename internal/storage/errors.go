package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrTenantMismatch is returned when a workflow id is already owned by a
// different tenant. Workflow ids are globally unique; reuse across tenants
// is a caller error, never a silent adoption.
var ErrTenantMismatch = errors.New("storage: workflow belongs to a different tenant")
