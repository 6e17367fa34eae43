// Package storage provides the persistent job and account stores.
//
// Drivers:
//   - "memory": process-local maps (tests, single-shot runs)
//   - "sqlite": SQLite database file via modernc.org/sqlite
//   - "postgres": PostgreSQL via gorm
package storage
