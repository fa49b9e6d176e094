// Package migrations embeds the SQL migrations for each supported driver.
package migrations

import "embed"

// FS holds postgres/*.up.sql and sqlite/*.up.sql.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
