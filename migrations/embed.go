// Package migrations embeds the SQL migrations for the engine-owned
// tables colocated with the application's data.
package migrations

import "embed"

// FS holds the goose migration files.
//
//go:embed *.sql
var FS embed.FS
