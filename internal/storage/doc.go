// Package storage persists users, their per-day delivery flags and the
// delivery log.
//
// Drivers:
//   - "file": dependency-free snapshot + journal files
//   - "sqlite": SQLite via sqlx (build tag sqlite)
//   - "postgres": PostgreSQL via pgx
//
// Daily flags may be served by Redis instead (see WithFlags and OpenRedisFlags).
package storage
