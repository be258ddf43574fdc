// Package migrations embeds the schema SQL for tests and tooling.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
