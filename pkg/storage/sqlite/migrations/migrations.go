package migrations

import "embed"

// FS holds the checkpoint store schema.
//
//go:embed *.sql
var FS embed.FS
