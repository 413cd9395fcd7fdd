// Package migrations embeds the default tenant schema as goose SQL
// migrations.
package migrations

import "embed"

// FS holds the migration files, one numbered file per version.
//
//go:embed *.sql
var FS embed.FS
