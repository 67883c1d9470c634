// Package migrations embeds the SQL schema applied by platform/db at startup.
package migrations

import "embed"

// FS holds every goose migration file.
//
//go:embed *.sql
var FS embed.FS
