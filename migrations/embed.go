// Package migrations embeds the Postgres schema migrations.
package migrations

import "embed"

// FS holds every NNN_name.up.sql file, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
