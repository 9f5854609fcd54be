// Package migrations embeds the SQL schema migrations into the binary.
//
// Pass FS to database.DB.Migrate. Files follow
// YYYYMMDD_HHMMSS_description.{up,down}.sql.
package migrations

import "embed"

// FS holds every migration file at its root.
//
//go:embed *.sql
var FS embed.FS
