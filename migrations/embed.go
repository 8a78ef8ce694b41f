// Package migrations embeds SQL migration files so schema setup works
// regardless of the working directory the binary starts in.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in filename order.
//
//go:embed *.sql
var FS embed.FS
