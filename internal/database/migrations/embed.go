package migrations

import "embed"

// FS contains the embedded migrations, one directory per engine.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
