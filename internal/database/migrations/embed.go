// Package migrations embeds the versioned schema revisions so the binaries
// can migrate without the source tree.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
