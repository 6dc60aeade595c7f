// Package migrations embeds the SQL migration files so that the compiled
// binary carries its own schema management without requiring files on disk.
//
// Each dialect has its own directory: mysql/ and sqlite3/.
package migrations

import "embed"

//go:embed mysql/*.sql sqlite3/*.sql
var FS embed.FS
