// Package storage persists the emergency event log and the operator audit
// trail.
//
// Drivers:
//   - "file": JSON Lines files next to the configured path
//   - "sqlite": a SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": a pgx connection pool
//
// Storage is optional. Open returns (nil, nil) when it is disabled and
// callers treat a nil Store as "nothing to persist".
package storage
