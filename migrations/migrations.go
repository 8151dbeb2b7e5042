// Package migrations embeds the SQL schema so binaries can self-migrate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
