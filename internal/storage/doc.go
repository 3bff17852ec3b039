// Package storage persists todo items, notification channels and dedup markers.
//
// Drivers:
//   - sqlite: single file database (modernc.org/sqlite, pure Go)
//   - postgres: pgx connection pool
//
// Schemas are managed with goose migrations embedded per driver.
package storage
