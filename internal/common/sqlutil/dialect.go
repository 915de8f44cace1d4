// Package sqlutil provides SQL fragment helpers for SQLite/PostgreSQL
// portability, mirroring the upstream orchestrator's db/dialect split:
// the orchestrator supports both drivers for its stores (sqlite for
// single-node/dev, postgres for multi-instance) and needs a handful of
// dialect-specific fragments (placeholders, NOW(), bool-to-int) rather than
// a full ORM.
package sqlutil

import "fmt"

const (
	SQLite   = "sqlite3"
	Postgres = "pgx"
)

// IsPostgres reports whether driver is the PostgreSQL (pgx) dialect.
func IsPostgres(driver string) bool { return driver == Postgres }

// Placeholder returns the positional bind placeholder for index i
// (1-based) in the given dialect: "?" for sqlite, "$i" for postgres.
func Placeholder(driver string, i int) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// Now returns the current-timestamp SQL fragment for the dialect.
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// BoolToInt converts a boolean to an integer for sqlite storage, which
// has no native boolean type.
func BoolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
