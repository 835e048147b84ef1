// Package migrations embeds the goose SQL migrations for each store dialect.
package migrations

import "embed"

//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS
